package mcp

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/allowance/pkg/market"
)

// Tool argument structs.

type principalArgs struct {
	Principal string `json:"principal"`
}

type discoverArgs struct {
	Category       string          `json:"category"`
	Seller         string          `json:"seller"`
	MaxPrice       decimal.Decimal `json:"max_price"`
	MinReliability float64         `json:"min_reliability"`
}

type transactArgs struct {
	Principal  string          `json:"principal"`
	OfferingID string          `json:"offering_id"`
	Seller     string          `json:"seller"`
	Amount     decimal.Decimal `json:"amount"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"allowance_budget":   handleBudget,
	"allowance_discover": handleDiscover,
	"allowance_transact": handleTransact,
	"allowance_report":   handleReport,
	"allowance_revoke":   handleRevoke,
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "allowance_budget",
		Description: "Show balance, spend so far and remaining headroom per limit tier, optionally for one principal.",
		InputSchema: object(nil, map[string]any{
			"principal": prop("string", "Principal id (optional, omit for all principals)"),
		}),
	},
	{
		Name:        "allowance_discover",
		Description: "List market offerings, cheapest first, with optional filters.",
		InputSchema: object(nil, map[string]any{
			"category":        prop("string", "Service category (optional)"),
			"seller":          prop("string", "Seller id (optional)"),
			"max_price":       prop("number", "Highest acceptable price (optional)"),
			"min_reliability": prop("number", "Lowest acceptable reliability between 0 and 1 (optional)"),
		}),
	},
	{
		Name:        "allowance_transact",
		Description: "Buy an offering at its listed price, or pay a seller a plain amount. Spends are checked against the principal's limits.",
		InputSchema: object([]string{"principal"}, map[string]any{
			"principal":   prop("string", "Paying principal"),
			"offering_id": prop("string", "Offering to buy (omit for a plain transfer)"),
			"seller":      prop("string", "Payee for a plain transfer"),
			"amount":      prop("number", "Amount for a plain transfer"),
		}),
	},
	{
		Name:        "allowance_report",
		Description: "Show ledger progress and per-category totals, plus journal summaries when a journal is configured.",
		InputSchema: object(nil, map[string]any{
			"principal": prop("string", "Filter journal summaries by principal (optional)"),
		}),
	},
	{
		Name:        "allowance_revoke",
		Description: "Revoke a principal's spending authority immediately.",
		InputSchema: object([]string{"principal"}, map[string]any{
			"principal": prop("string", "Principal to revoke"),
		}),
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
}

func decodeArgs(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, into)
}

func handleBudget(_ context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args principalArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}

	ids := s.market.Principals()
	if args.Principal != "" {
		ids = []string{args.Principal}
	}
	rows := make([]budgetRow, 0, len(ids))
	for _, id := range ids {
		st, err := s.market.Principal(id)
		if err != nil {
			return errorResult("Error fetching budget: " + err.Error())
		}
		rows = append(rows, budgetRow{ID: id, Status: st})
	}
	return textResult(formatBudget(rows))
}

func handleDiscover(_ context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args discoverArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	offers := s.market.Discover(market.Filter{
		Category:       args.Category,
		Seller:         args.Seller,
		MaxPrice:       args.MaxPrice,
		MinReliability: args.MinReliability,
	})
	return textResult(formatOfferings(offers))
}

func handleTransact(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args transactArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if args.Principal == "" {
		return errorResult("principal is required")
	}

	if args.OfferingID != "" {
		tx, delivery, err := s.market.Purchase(ctx, args.Principal, args.OfferingID)
		if err != nil {
			return errorResult("Purchase failed: " + err.Error())
		}
		return textResult(formatTransaction(tx, delivery))
	}

	if args.Seller == "" || !args.Amount.IsPositive() {
		return errorResult("offering_id, or seller and a positive amount, are required")
	}
	tx, err := s.market.Transact(ctx, args.Principal, args.Seller, args.Amount, "")
	if err != nil {
		return errorResult("Transfer failed: " + err.Error())
	}
	return textResult(formatTransaction(tx, nil))
}

func handleReport(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args principalArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}

	text := s.market.Ledger().Report()
	if s.tracker == nil {
		return textResult(text + "\nJournal is not configured.")
	}
	rows, err := s.tracker.Summary(ctx, args.Principal)
	if err != nil {
		return errorResult("Error fetching journal summary: " + err.Error())
	}
	return textResult(text + "\n" + formatSummaries(rows))
}

func handleRevoke(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args principalArgs
	if err := decodeArgs(rawArgs, &args); err != nil {
		return errorResult("Invalid arguments: " + err.Error())
	}
	if args.Principal == "" {
		return errorResult("principal is required")
	}
	if err := s.market.Revoke(ctx, args.Principal); err != nil {
		return errorResult("Revoke failed: " + err.Error())
	}
	return textResult("Revoked " + args.Principal + ". Further spends are rejected as expired.")
}
