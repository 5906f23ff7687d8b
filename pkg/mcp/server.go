// Package mcp exposes the local market and its ledger to agents as MCP tools
// over JSON-RPC 2.0 on stdio.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/pario-ai/allowance/pkg/market"
	"github.com/pario-ai/allowance/pkg/tracker"
)

// Server is a minimal MCP server that communicates over stdio using JSON-RPC 2.0.
type Server struct {
	market  *market.Simulator
	tracker tracker.Tracker
	logger  *zap.Logger
	version string
}

// New creates a new MCP Server. t may be nil when no journal is configured.
func New(sim *market.Simulator, t tracker.Tracker, logger *zap.Logger, version string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		market:  sim,
		tracker: t,
		logger:  logger,
		version: version,
	}
}

// Run reads JSON-RPC requests from r line-by-line and writes responses to w.
// It blocks until r is closed or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(w, *rpcError(nil, CodeParseError, "parse error"))
			continue
		}

		if resp := s.dispatch(ctx, &req); resp != nil {
			s.writeResponse(w, *resp)
		}
	}
	return scanner.Err()
}

// dispatch returns nil for notifications, which get no response.
func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	if req.isNotification() {
		s.logger.Debug("mcp notification", zap.String("method", req.Method))
		return nil
	}
	switch req.Method {
	case "initialize":
		return result(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: "allowance", Version: s.version},
			Capabilities:    ServerCapabilities{Tools: &ToolsCapability{}},
		})
	case "ping":
		return result(req.ID, map[string]any{})
	case "tools/list":
		return result(req.ID, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return rpcError(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcError(req.ID, CodeInvalidParams, "invalid params")
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return result(req.ID, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}

	s.logger.Debug("tool call", zap.String("tool", params.Name))
	return result(req.ID, handler(ctx, s, params.Arguments))
}

func (s *Server) writeResponse(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp: marshal response", zap.Error(err))
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.logger.Error("mcp: write response", zap.Error(err))
	}
}
