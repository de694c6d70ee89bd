package payments

import (
	"context"
	"testing"
	"time"

	"X402-Agent/internal/web3/web3test"

	"github.com/shopspring/decimal"
)

func TestAnalyticsSummarisesCompletedPayments(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	f := newFixture(t, "10", Config{Now: func() time.Time { return now }})
	agent := web3test.Address(0)

	seed := []Payment{
		{ID: "1", AgentID: agent, ToolName: "search", Amount: decimal.RequireFromString("1.5"), Status: StatusCompleted, Timestamp: now.Add(-time.Hour)},
		{ID: "2", AgentID: agent, ToolName: "search", Amount: decimal.RequireFromString("0.5"), Status: StatusCompleted, Timestamp: now.AddDate(0, 0, -2)},
		{ID: "3", AgentID: agent, ToolName: "weather", Amount: decimal.RequireFromString("1"), Status: StatusCompleted, Timestamp: now.AddDate(0, 0, -2)},
		{ID: "4", AgentID: agent, ToolName: "weather", Amount: decimal.RequireFromString("9"), Status: StatusFailed, Timestamp: now},
		{ID: "5", AgentID: agent, ToolName: "old", Amount: decimal.RequireFromString("4"), Status: StatusCompleted, Timestamp: now.AddDate(0, 0, -40)},
		{ID: "6", AgentID: "someone-else", ToolName: "search", Amount: decimal.RequireFromString("7"), Status: StatusCompleted, Timestamp: now},
	}
	if err := f.store.Append(context.Background(), seed...); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := f.processor.Analytics(context.Background(), "", 30)
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if got.AgentID != agent || got.PeriodDays != 30 {
		t.Fatalf("unexpected scope %+v", got)
	}
	if !got.TotalSpent.Equal(decimal.NewFromInt(3)) || got.PaymentCount != 3 || !got.AverageCost.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("unexpected totals %s / %d / %s", got.TotalSpent, got.PaymentCount, got.AverageCost)
	}
	if len(got.SpendingByTool) != 2 || got.SpendingByTool[0].ToolName != "search" || got.SpendingByTool[0].Count != 2 {
		t.Fatalf("unexpected tool breakdown %+v", got.SpendingByTool)
	}
	if len(got.DailySpending) != 7 {
		t.Fatalf("expected 7 days, got %d", len(got.DailySpending))
	}
	last := got.DailySpending[6]
	if last.Date != "2026-03-10" || !last.Amount.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unexpected today entry %+v", last)
	}
	if day := got.DailySpending[4]; day.Date != "2026-03-08" || !day.Amount.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unexpected entry %+v", day)
	}
	if !got.DailySpending[0].Amount.IsZero() {
		t.Fatal("days without spending should be zero")
	}
}

func TestHistoryFiltersAndOrders(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	f := newFixture(t, "10", Config{Now: func() time.Time { return now }})
	seed := []Payment{
		{ID: "old", ToolName: "a", Status: StatusCompleted, Timestamp: now.AddDate(0, 0, -10)},
		{ID: "mid", ToolName: "b", Status: StatusCompleted, Timestamp: now.AddDate(0, 0, -1)},
		{ID: "new", ToolName: "a", Status: StatusFailed, Timestamp: now},
	}
	if err := f.store.Append(context.Background(), seed...); err != nil {
		t.Fatalf("seed: %v", err)
	}

	recent, err := f.processor.History(context.Background(), HistoryFilter{Days: 7})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "new" || recent[1].ID != "mid" {
		t.Fatalf("unexpected recent history %+v", recent)
	}

	byTool, _ := f.processor.History(context.Background(), HistoryFilter{ToolName: "a", Limit: 1})
	if len(byTool) != 1 || byTool[0].ID != "new" {
		t.Fatalf("unexpected tool history %+v", byTool)
	}
}

func TestDebugInfo(t *testing.T) {
	f := newFixture(t, "10", Config{DeferredThreshold: 5})
	addAll(t, f.processor, "1.25", "0.75")
	info := f.processor.DebugInfo()
	if info.PendingCount != 2 || !info.PendingTotal.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("unexpected pending state %+v", info)
	}
	if info.DeferredThreshold != 5 || info.WalletAddress != web3test.Address(0) || info.Network != "base" {
		t.Fatalf("unexpected wallet state %+v", info)
	}
	if info.AgentID != web3test.Address(0) {
		t.Fatalf("agent id should fall back to the wallet address, got %q", info.AgentID)
	}
}

func TestSharedWalletKeepsAnalyticsPerAgent(t *testing.T) {
	f := newFixture(t, "100", Config{})
	alpha := NewProcessor(f.processor.Wallet(), f.store, Config{Sleep: f.sleeps.sleep}, WithAgentID("alpha"))
	beta := NewProcessor(f.processor.Wallet(), f.store, Config{Sleep: f.sleeps.sleep}, WithAgentID("beta"))

	addAll(t, alpha, "4")
	addAll(t, beta, "1", "2")
	for _, p := range []*Processor{alpha, beta} {
		if ok, err := p.ForceFlush(context.Background()); err != nil || !ok {
			t.Fatalf("flush: %v %v", ok, err)
		}
	}

	a, err := alpha.Analytics(context.Background(), "", 30)
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	b, err := beta.Analytics(context.Background(), "", 30)
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if a.AgentID != "alpha" || a.PaymentCount != 1 || !a.TotalSpent.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("unexpected alpha analytics %+v", a)
	}
	if b.AgentID != "beta" || b.PaymentCount != 2 || !b.TotalSpent.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("unexpected beta analytics %+v", b)
	}
	history, err := alpha.History(context.Background(), HistoryFilter{AgentID: alpha.AgentID()})
	if err != nil || len(history) != 1 {
		t.Fatalf("alpha history should only hold its own payment, got %d (%v)", len(history), err)
	}
}
