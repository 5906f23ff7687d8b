package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/allowance/pkg/market"
	"github.com/pario-ai/allowance/pkg/models"
)

// fakeTracker implements tracker.Tracker for testing.
type fakeTracker struct {
	summaries []models.TransactionSummary
	principal string
}

func (f *fakeTracker) Append(_ context.Context, _ models.Transaction) error { return nil }
func (f *fakeTracker) QueryByPrincipal(_ context.Context, _ string, _ time.Time) ([]models.Transaction, error) {
	return nil, nil
}
func (f *fakeTracker) TotalByPrincipal(_ context.Context, _ string, _ time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeTracker) Summary(_ context.Context, principal string) ([]models.TransactionSummary, error) {
	f.principal = principal
	return f.summaries, nil
}
func (f *fakeTracker) Close() error { return nil }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// newMarket returns a simulator with agent-1 (per-tx 5, lifetime 50) and a
// single compute offering priced at 2.
func newMarket(t *testing.T) (*market.Simulator, models.Offering) {
	t.Helper()
	sim := market.New(market.WithSeed(7))
	policy, err := models.NewBudgetPolicy(dec("5"), dec("0"), dec("50"), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if err := sim.CreatePrincipal("agent-1", dec("100"), policy); err != nil {
		t.Fatal(err)
	}
	o, err := sim.RegisterOffering("seller-1", "compute", dec("2"), dec("3"), 1, 0.8)
	if err != nil {
		t.Fatal(err)
	}
	return sim, o
}

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	line = append(line, '\n')

	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, out.String())
	}
	return resp
}

func callTool(t *testing.T, srv *Server, name, args string) ToolCallResult {
	t.Helper()
	params, _ := json.Marshal(ToolCallParams{Name: name, Arguments: json.RawMessage(args)})
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`3`),
		Method:  "tools/call",
		Params:  params,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) == 0 {
		t.Fatal("expected content")
	}
	return result
}

func TestInitialize(t *testing.T) {
	sim, _ := newMarket(t)
	srv := New(sim, nil, nil, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "initialize",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result InitializeResult
	json.Unmarshal(data, &result)

	if result.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocol version = %s, want 2024-11-05", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "allowance" {
		t.Errorf("server name = %s, want allowance", result.ServerInfo.Name)
	}
	if result.ServerInfo.Version != "test" {
		t.Errorf("server version = %s, want test", result.ServerInfo.Version)
	}
	if result.Capabilities.Tools == nil {
		t.Error("expected tools capability")
	}
}

func TestToolsList(t *testing.T) {
	sim, _ := newMarket(t)
	srv := New(sim, nil, nil, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`2`),
		Method:  "tools/list",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	json.Unmarshal(data, &result)

	if len(result.Tools) != len(toolHandlers) {
		t.Errorf("got %d tools, want %d", len(result.Tools), len(toolHandlers))
	}
	for _, tool := range result.Tools {
		if _, ok := toolHandlers[tool.Name]; !ok {
			t.Errorf("listed tool %s has no handler", tool.Name)
		}
	}
	for _, want := range []string{"allowance_budget", "allowance_discover", "allowance_transact", "allowance_report", "allowance_revoke"} {
		if _, ok := toolHandlers[want]; !ok {
			t.Errorf("missing tool: %s", want)
		}
	}
}

func TestToolCallBudget(t *testing.T) {
	sim, _ := newMarket(t)
	srv := New(sim, nil, nil, "test")

	result := callTool(t, srv, "allowance_budget", `{}`)
	text := result.Content[0].Text
	if !strings.Contains(text, "agent-1") || !strings.Contains(text, "100.00") || !strings.Contains(text, "50.00") {
		t.Errorf("unexpected budget output: %s", text)
	}

	result = callTool(t, srv, "allowance_budget", `{"principal":"ghost"}`)
	if !result.IsError {
		t.Errorf("expected isError for unknown principal, got: %s", result.Content[0].Text)
	}
}

func TestToolCallDiscover(t *testing.T) {
	sim, o := newMarket(t)
	if _, err := sim.RegisterOffering("seller-2", "storage", dec("1"), dec("1"), 0.5, 0.5); err != nil {
		t.Fatal(err)
	}
	srv := New(sim, nil, nil, "test")

	text := callTool(t, srv, "allowance_discover", `{"category":"compute"}`).Content[0].Text
	if !strings.Contains(text, o.ID) || strings.Contains(text, "seller-2") {
		t.Errorf("unexpected discover output: %s", text)
	}

	text = callTool(t, srv, "allowance_discover", `{"min_reliability":0.9,"max_price":1}`).Content[0].Text
	if !strings.Contains(text, "No offerings") {
		t.Errorf("expected no offerings, got: %s", text)
	}
}

func TestToolCallTransact(t *testing.T) {
	sim, o := newMarket(t)
	srv := New(sim, nil, nil, "test")

	text := callTool(t, srv, "allowance_transact", fmt.Sprintf(`{"principal":"agent-1","offering_id":%q}`, o.ID)).Content[0].Text
	if !strings.Contains(text, "Accepted") || !strings.Contains(text, "Delivery: success=true") {
		t.Errorf("unexpected purchase output: %s", text)
	}

	text = callTool(t, srv, "allowance_transact", `{"principal":"agent-1","seller":"seller-1","amount":"6"}`).Content[0].Text
	if !strings.Contains(text, "Rejected") || !strings.Contains(text, models.ReasonMaxPerTx) {
		t.Errorf("expected max_per_tx rejection, got: %s", text)
	}

	st, err := sim.Principal("agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Account.SpentLifetime.Equal(dec("2")) {
		t.Errorf("expected lifetime spend 2, got %s", st.Account.SpentLifetime)
	}
}

func TestToolCallTransactMissingArgs(t *testing.T) {
	sim, _ := newMarket(t)
	srv := New(sim, nil, nil, "test")

	tests := []string{
		`{}`,
		`{"principal":"agent-1"}`,
		`{"principal":"agent-1","seller":"seller-1","amount":0}`,
		`{"principal":"agent-1","offering_id":"missing"}`,
	}
	for _, args := range tests {
		if result := callTool(t, srv, "allowance_transact", args); !result.IsError {
			t.Errorf("args %s: expected isError, got: %s", args, result.Content[0].Text)
		}
	}
}

func TestToolCallReport(t *testing.T) {
	sim, o := newMarket(t)
	if _, _, err := sim.Purchase(context.Background(), "agent-1", o.ID); err != nil {
		t.Fatal(err)
	}

	text := callTool(t, New(sim, nil, nil, "test"), "allowance_report", `{}`).Content[0].Text
	if !strings.Contains(text, "committed 2.00") || !strings.Contains(text, "not configured") {
		t.Errorf("unexpected report output: %s", text)
	}

	tr := &fakeTracker{summaries: []models.TransactionSummary{
		{Principal: "agent-1", Category: "compute", Accepted: 1, TotalAccepted: dec("2")},
	}}
	text = callTool(t, New(sim, tr, nil, "test"), "allowance_report", `{"principal":"agent-1"}`).Content[0].Text
	if !strings.Contains(text, "compute") || strings.Contains(text, "not configured") {
		t.Errorf("unexpected report output: %s", text)
	}
	if tr.principal != "agent-1" {
		t.Errorf("expected summary filtered by agent-1, got %q", tr.principal)
	}
}

func TestToolCallRevoke(t *testing.T) {
	sim, o := newMarket(t)
	srv := New(sim, nil, nil, "test")

	if result := callTool(t, srv, "allowance_revoke", `{"principal":"agent-1"}`); result.IsError {
		t.Fatalf("revoke failed: %s", result.Content[0].Text)
	}
	text := callTool(t, srv, "allowance_transact", fmt.Sprintf(`{"principal":"agent-1","offering_id":%q}`, o.ID)).Content[0].Text
	if !strings.Contains(text, models.ReasonExpired) {
		t.Errorf("expected expired rejection after revoke, got: %s", text)
	}
	if !strings.Contains(callTool(t, srv, "allowance_budget", `{"principal":"agent-1"}`).Content[0].Text, "revoked") {
		t.Error("expected budget to show revoked state")
	}
}

func TestNotificationNoResponse(t *testing.T) {
	sim, _ := newMarket(t)
	srv := New(sim, nil, nil, "test")

	for _, method := range []string{"notifications/initialized", "notifications/cancelled", "tools/list"} {
		line, _ := json.Marshal(Request{
			JSONRPC: "2.0",
			Method:  method,
		})
		line = append(line, '\n')

		var out bytes.Buffer
		_ = srv.Run(context.Background(), bytes.NewReader(line), &out)

		if out.Len() != 0 {
			t.Errorf("%s: expected no output for notification, got: %s", method, out.String())
		}
	}
}

func TestParseError(t *testing.T) {
	sim, _ := newMarket(t)
	srv := New(sim, nil, nil, "test")

	var out bytes.Buffer
	if err := srv.Run(context.Background(), strings.NewReader("{not json\n"), &out); err != nil {
		t.Fatal(err)
	}
	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Errorf("expected parse error, got %+v", resp.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	sim, _ := newMarket(t)
	srv := New(sim, nil, nil, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`9`),
		Method:  "unknown/method",
	})

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}

func TestUnknownTool(t *testing.T) {
	sim, _ := newMarket(t)
	srv := New(sim, nil, nil, "test")

	result := callTool(t, srv, "nonexistent_tool", `{}`)
	if !result.IsError {
		t.Error("expected isError=true for unknown tool")
	}
}
