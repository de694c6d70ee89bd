package payments

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

const dailyWindow = 7

// ToolSpending 汇总单个工具的支出。
type ToolSpending struct {
	ToolName string          `json:"tool_name"`
	Total    decimal.Decimal `json:"total"`
	Count    int             `json:"count"`
}

// DailySpending 是某一天的支出总额。
type DailySpending struct {
	Date   string          `json:"date"`
	Amount decimal.Decimal `json:"amount"`
}

// Analytics 是某个代理在统计周期内的支出概览，只统计已完成的付款。
type Analytics struct {
	AgentID        string          `json:"agent_id"`
	PeriodDays     int             `json:"period_days"`
	TotalSpent     decimal.Decimal `json:"total_spent"`
	PaymentCount   int             `json:"payment_count"`
	AverageCost    decimal.Decimal `json:"average_cost"`
	SpendingByTool []ToolSpending  `json:"spending_by_tool"`
	DailySpending  []DailySpending `json:"daily_spending"`
}

// DebugInfo 描述处理器当前状态。
type DebugInfo struct {
	AgentID           string          `json:"agent_id"`
	PendingCount      int             `json:"pending_count"`
	PendingTotal      decimal.Decimal `json:"pending_total"`
	DeferredThreshold int             `json:"deferred_threshold"`
	WalletAddress     string          `json:"wallet_address"`
	Network           string          `json:"network"`
}

// History 按时间倒序返回付款记录。Days 大于 0 时只返回最近若干天的记录。
func (p *Processor) History(ctx context.Context, filter HistoryFilter) ([]Payment, error) {
	if filter.Days > 0 && filter.Since.IsZero() {
		filter.Since = p.now().UTC().AddDate(0, 0, -filter.Days)
	}
	return p.store.List(ctx, filter)
}

// Analytics 统计代理最近 days 天的支出，days 不大于 0 时按 30 天计算。
func (p *Processor) Analytics(ctx context.Context, agentID string, days int) (Analytics, error) {
	if days <= 0 {
		days = 30
	}
	if agentID == "" {
		agentID = p.AgentID()
	}
	records, err := p.History(ctx, HistoryFilter{AgentID: agentID, Status: StatusCompleted, Days: days})
	if err != nil {
		return Analytics{}, err
	}

	out := Analytics{
		AgentID:     agentID,
		PeriodDays:  days,
		TotalSpent:  decimal.Zero,
		AverageCost: decimal.Zero,
	}
	byTool := make(map[string]*ToolSpending)
	for _, rec := range records {
		out.TotalSpent = out.TotalSpent.Add(rec.Amount)
		out.PaymentCount++
		entry, ok := byTool[rec.ToolName]
		if !ok {
			entry = &ToolSpending{ToolName: rec.ToolName, Total: decimal.Zero}
			byTool[rec.ToolName] = entry
		}
		entry.Total = entry.Total.Add(rec.Amount)
		entry.Count++
	}
	if out.PaymentCount > 0 {
		out.AverageCost = out.TotalSpent.Div(decimal.NewFromInt(int64(out.PaymentCount)))
	}

	out.SpendingByTool = make([]ToolSpending, 0, len(byTool))
	for _, entry := range byTool {
		out.SpendingByTool = append(out.SpendingByTool, *entry)
	}
	sort.Slice(out.SpendingByTool, func(i, j int) bool {
		a, b := out.SpendingByTool[i], out.SpendingByTool[j]
		if cmp := a.Total.Cmp(b.Total); cmp != 0 {
			return cmp > 0
		}
		return a.ToolName < b.ToolName
	})

	out.DailySpending = dailyTotals(records, p.now().UTC())
	return out, nil
}

// dailyTotals 返回最近 7 天（含今天）每天的支出，按日期升序，没有支出的日期为 0。
func dailyTotals(records []Payment, now time.Time) []DailySpending {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	start := today.AddDate(0, 0, -(dailyWindow - 1))
	totals := make(map[string]decimal.Decimal, dailyWindow)
	for _, rec := range records {
		ts := rec.Timestamp.UTC()
		if ts.Before(start) {
			continue
		}
		key := ts.Format(time.DateOnly)
		totals[key] = totals[key].Add(rec.Amount)
	}
	out := make([]DailySpending, 0, dailyWindow)
	for day := start; !day.After(today); day = day.AddDate(0, 0, 1) {
		key := day.Format(time.DateOnly)
		out = append(out, DailySpending{Date: key, Amount: totals[key]})
	}
	return out
}

// DebugInfo 返回当前延迟队列与钱包信息。
func (p *Processor) DebugInfo() DebugInfo {
	w := p.Wallet()
	p.mu.Lock()
	count := len(p.deferred)
	total := sumDeferred(p.deferred)
	p.mu.Unlock()
	return DebugInfo{
		AgentID:           p.AgentID(),
		PendingCount:      count,
		PendingTotal:      total,
		DeferredThreshold: p.cfg.DeferredThreshold,
		WalletAddress:     w.Address(),
		Network:           string(w.Network()),
	}
}
