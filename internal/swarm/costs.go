package swarm

import (
	"context"
	"log/slog"
	"sort"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/wallet"
	"X402-Agent/pkg/logger"

	"github.com/shopspring/decimal"
)

// CostMethod 描述费用分摊方式。
type CostMethod string

const (
	MethodEqual      CostMethod = "equal"
	MethodUsageBased CostMethod = "usage_based"
	MethodManual     CostMethod = "manual"
)

// usdcPlaces 是 USDC 的小数位数，分摊结果按此截断，余数计入最后一个成员。
const usdcPlaces = 6

// SpendingSummary 汇总蜂群的花费。
type SpendingSummary struct {
	Total    decimal.Decimal                       `json:"total_spending"`
	ByAgent  map[string]decimal.Decimal            `json:"agent_spending"`
	Average  decimal.Decimal                       `json:"average_spending"`
	Detailed map[string]map[string]decimal.Decimal `json:"detailed_breakdown"`
}

// SplitCosts 按 method 将 total 分摊给成员；method 为空时使用配置的方式。
// Equal 与 UsageBased 的份额之和恰好等于 total，Manual 返回空结果。
func (s *Swarm) SplitCosts(total decimal.Decimal, method CostMethod) (map[string]decimal.Decimal, error) {
	if total.IsNegative() {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "total cost must not be negative")
	}
	if method == "" {
		method = s.cfg.CostSplitting
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(s.members))
	if len(s.members) == 0 {
		return out, nil
	}

	weights := make([]decimal.Decimal, len(s.members))
	switch method {
	case MethodManual:
		return out, nil
	case MethodEqual, MethodUsageBased:
		sum := decimal.Zero
		if method == MethodUsageBased {
			for i, m := range s.members {
				weights[i] = s.spending[m.ID()]
				sum = sum.Add(weights[i])
			}
		}
		if !sum.IsPositive() {
			for i := range weights {
				weights[i] = decimal.NewFromInt(1)
			}
			sum = decimal.NewFromInt(int64(len(weights)))
		}
		allocated := decimal.Zero
		last := len(s.members) - 1
		for i, m := range s.members {
			if i == last {
				out[m.ID()] = total.Sub(allocated)
				break
			}
			share := total.Mul(weights[i]).DivRound(sum, usdcPlaces+2).Truncate(usdcPlaces)
			out[m.ID()] = share
			allocated = allocated.Add(share)
		}
		return out, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidInput, "unknown cost splitting method "+string(method))
	}
}

// ExecuteCostSplit 分摊 total：余额最高的成员为付款方，其他份额大于 0 的成员向其转账。
// 结果为每个转账成员的交易引用，失败时为 "FAILED: <原因>"。
func (s *Swarm) ExecuteCostSplit(ctx context.Context, total decimal.Decimal, method CostMethod) (map[string]string, error) {
	shares, err := s.SplitCosts(total, method)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(shares))
	if len(shares) == 0 {
		return out, nil
	}

	payer := ""
	best := decimal.Zero
	for _, m := range s.snapshot() {
		balance, err := m.Wallet().Balance(ctx)
		if err != nil {
			s.log.Warn("balance unavailable while choosing payer", "agent_id", m.ID(), "error", err)
			continue
		}
		if payer == "" || balance.GreaterThan(best) {
			payer, best = m.ID(), balance
		}
	}
	if payer == "" {
		return nil, xerrors.New(xerrors.CodeNetwork, "no member balance available to choose a payer")
	}

	ids := make([]string, 0, len(shares))
	for id := range shares {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		share := shares[id]
		if id == payer || !share.IsPositive() {
			continue
		}
		ref, err := s.Transfer(ctx, id, payer, share)
		if err != nil {
			out[id] = "FAILED: " + err.Error()
			continue
		}
		out[id] = ref
	}
	return out, nil
}

// Transfer 在成员间划转资金。发送方实时余额不足时返回 INSUFFICIENT_FUNDS。
// 共享钱包模式下只调整花费记录并返回合成引用，否则向接收方地址发起真实付款。
func (s *Swarm) Transfer(ctx context.Context, from, to string, amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", xerrors.New(wallet.CodeInvalidAmount, "transfer amount must be positive",
			xerrors.WithMetadata("amount", amount.String()))
	}
	sender, ok := s.Get(from)
	if !ok {
		return "", xerrors.New(xerrors.CodeNotFound, "agent "+from+" not in swarm")
	}
	receiver, ok := s.Get(to)
	if !ok {
		return "", xerrors.New(xerrors.CodeNotFound, "agent "+to+" not in swarm")
	}

	if s.cfg.SharedWallet {
		s.transferMu.Lock()
		defer s.transferMu.Unlock()
	}

	balance, err := sender.Wallet().Balance(ctx)
	if err != nil {
		return "", err
	}
	if balance.LessThan(amount) {
		return "", xerrors.New(xerrors.CodeInsufficientFunds,
			"agent "+from+" has insufficient funds for transfer",
			xerrors.WithAmounts(amount, balance),
			xerrors.WithMetadata("agent_id", from))
	}

	var ref string
	if s.cfg.SharedWallet {
		ref = "shared_wallet_transfer_" + from + "_to_" + to + "_" + amount.String()
		s.mu.Lock()
		s.addSpendingLocked(from, amount, "")
		if _, ok := s.spending[to]; ok {
			s.spending[to] = s.spending[to].Sub(amount)
		}
		s.mu.Unlock()
	} else {
		ref, err = sender.Wallet().MakePayment(ctx, amount, receiver.Wallet().Address())
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		s.addSpendingLocked(from, amount, "")
		s.mu.Unlock()
	}

	logger.Audit().Info("swarm transfer",
		slog.String("swarm_id", s.cfg.ID),
		slog.String("from", from),
		slog.String("to", to),
		slog.String("amount", amount.String()),
		slog.Bool("shared_wallet", s.cfg.SharedWallet),
		slog.String("tx_reference", ref),
	)
	return ref, nil
}

// RecordSpending 累加成员的花费，tool 非空时同时记录按工具的明细。
func (s *Swarm) RecordSpending(id string, amount decimal.Decimal, tool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; !ok {
		return xerrors.New(xerrors.CodeNotFound, "agent "+id+" not in swarm")
	}
	s.addSpendingLocked(id, amount, tool)
	return nil
}

func (s *Swarm) addSpendingLocked(id string, amount decimal.Decimal, tool string) {
	if _, ok := s.spending[id]; !ok {
		return
	}
	s.spending[id] = s.spending[id].Add(amount)
	if tool == "" {
		return
	}
	if s.detailed[id] == nil {
		s.detailed[id] = make(map[string]decimal.Decimal)
	}
	s.detailed[id][tool] = s.detailed[id][tool].Add(amount)
}

// Spending 返回成员的累计花费，非成员为 0。
func (s *Swarm) Spending(id string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spending[id]
}

// SpendingBreakdown 返回成员按工具的花费明细。
func (s *Swarm) SpendingBreakdown(id string) map[string]decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(s.detailed[id]))
	for tool, amount := range s.detailed[id] {
		out[tool] = amount
	}
	return out
}

// SpendingSummary 返回蜂群花费汇总。
func (s *Swarm) SpendingSummary() SpendingSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := SpendingSummary{
		Total:    decimal.Zero,
		Average:  decimal.Zero,
		ByAgent:  make(map[string]decimal.Decimal, len(s.spending)),
		Detailed: make(map[string]map[string]decimal.Decimal, len(s.detailed)),
	}
	for id, amount := range s.spending {
		out.ByAgent[id] = amount
		out.Total = out.Total.Add(amount)
	}
	for id, tools := range s.detailed {
		copied := make(map[string]decimal.Decimal, len(tools))
		for tool, amount := range tools {
			copied[tool] = amount
		}
		out.Detailed[id] = copied
	}
	if len(s.members) > 0 {
		out.Average = out.Total.DivRound(decimal.NewFromInt(int64(len(s.members))), usdcPlaces)
	}
	return out
}

// ResetSpending 清零所有成员的花费记录。
func (s *Swarm) ResetSpending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.spending {
		s.spending[id] = decimal.Zero
	}
	s.detailed = make(map[string]map[string]decimal.Decimal)
}
