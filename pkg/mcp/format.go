package mcp

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/allowance/pkg/market"
	"github.com/pario-ai/allowance/pkg/models"
)

type budgetRow struct {
	ID     string
	Status market.PrincipalStatus
}

// formatBudget formats principal headroom as a text table.
func formatBudget(rows []budgetRow) string {
	if len(rows) == 0 {
		return "No principals found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s %10s %10s %10s %10s %10s %-8s\n",
		"Principal", "Balance", "Spent", "Per Tx", "Today", "Lifetime", "State")
	b.WriteString(strings.Repeat("-", 80) + "\n")
	for _, r := range rows {
		h := r.Status.Headroom
		state := "active"
		if r.Status.Revoked {
			state = "revoked"
		}
		fmt.Fprintf(&b, "%-16s %10s %10s %10s %10s %10s %-8s\n",
			r.ID,
			r.Status.Account.Balance.StringFixed(2),
			r.Status.Account.SpentLifetime.StringFixed(2),
			ceiling(h.PerTransaction), ceiling(h.Today), ceiling(h.Lifetime),
			state)
	}
	return b.String()
}

func ceiling(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(2)
}

// formatOfferings formats market offerings as a text table.
func formatOfferings(offers []models.Offering) string {
	if len(offers) == 0 {
		return "No offerings match."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-14s %-12s %10s %8s %8s\n",
		"Offering", "Seller", "Category", "Price", "Reliab.", "Quality")
	b.WriteString(strings.Repeat("-", 70) + "\n")
	for _, o := range offers {
		fmt.Fprintf(&b, "%-12s %-14s %-12s %10s %8.2f %8.2f\n",
			o.ID, o.Seller, o.Category, o.Price.StringFixed(2), o.Reliability, o.QualityScore)
	}
	return b.String()
}

// formatTransaction describes a transaction and its optional delivery.
func formatTransaction(tx models.Transaction, d *models.Delivery) string {
	var b strings.Builder
	if tx.Accepted() {
		fmt.Fprintf(&b, "Accepted %s: %s paid %s %s", tx.ID, tx.From, tx.To, tx.Amount.StringFixed(2))
	} else {
		fmt.Fprintf(&b, "Rejected %s: %s", tx.ID, tx.RejectionReason)
	}
	if tx.OfferingID != "" {
		fmt.Fprintf(&b, " for %s", tx.OfferingID)
	}
	b.WriteString("\n")
	if d != nil {
		fmt.Fprintf(&b, "Delivery: success=%t quality=%.2f\n", d.Success, d.Quality)
	}
	return b.String()
}

// formatSummaries formats journal summaries as a text table.
func formatSummaries(rows []models.TransactionSummary) string {
	if len(rows) == 0 {
		return "No journal entries found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s %-16s %8s %8s %12s\n",
		"Principal", "Category", "Accepted", "Rejected", "Total")
	b.WriteString(strings.Repeat("-", 64) + "\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-16s %-16s %8d %8d %12s\n",
			r.Principal, r.Category, r.Accepted, r.Rejected, r.TotalAccepted.StringFixed(2))
	}
	return b.String()
}
