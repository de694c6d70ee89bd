package payments

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/observability/metrics"
	"X402-Agent/internal/wallet"
	"X402-Agent/internal/web3"
	"X402-Agent/pkg/logger"

	"github.com/shopspring/decimal"
)

// AddDeferred 将一笔费用加入延迟队列。队列长度达到阈值时在返回前同步结算一次，
// 结算错误会直接返回，费用仍保留在队列中。
func (p *Processor) AddDeferred(ctx context.Context, amount decimal.Decimal, recipient, tool string) error {
	if !amount.IsPositive() {
		return xerrors.New(wallet.CodeInvalidAmount, "payment amount must be positive",
			xerrors.WithMetadata("amount", amount.String()))
	}
	w := p.Wallet()
	if err := w.ValidateRecipient(recipient); err != nil {
		return err
	}
	if strings.TrimSpace(tool) == "" {
		tool = "unknown"
	}

	p.mu.Lock()
	p.deferred = append(p.deferred, Deferred{
		Amount:    amount,
		Recipient: strings.TrimSpace(recipient),
		ToolName:  tool,
		QueuedAt:  p.now().UTC(),
	})
	pending := len(p.deferred)
	p.mu.Unlock()
	metrics.SetDeferredPending(w.Address(), pending)

	if pending >= p.cfg.DeferredThreshold {
		p.log.Info("deferred threshold reached, flushing", "pending", pending, "threshold", p.cfg.DeferredThreshold)
		_, err := p.FlushDeferred(ctx)
		return err
	}
	return nil
}

// Pending 返回延迟队列的副本。
func (p *Processor) Pending() []Deferred {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Deferred(nil), p.deferred...)
}

// PendingCount 返回待结算的费用数量。
func (p *Processor) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.deferred)
}

// PendingTotal 返回待结算费用的总额。
func (p *Processor) PendingTotal() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sumDeferred(p.deferred)
}

// ForceFlush 忽略阈值立即结算。
func (p *Processor) ForceFlush(ctx context.Context) (bool, error) {
	p.log.Info("manually triggering deferred payment processing")
	return p.FlushDeferred(ctx)
}

// FlushDeferred 批量结算延迟队列。
//
// 余额不足或批量调用整体失败时队列保持原样；批量调用返回后移除已提交的条目，
// 对失败的条目逐一单独重试。上下文已结束时不再重试，未结算的条目放回队列。
// 只有全部条目最终成功时返回 true。
func (p *Processor) FlushDeferred(ctx context.Context) (bool, error) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	// 队列只在持有 flushMu 时缩短，因此快照始终是当前队列的前缀。
	snapshot := p.Pending()
	if len(snapshot) == 0 {
		return true, nil
	}
	total := sumDeferred(snapshot)
	w := p.Wallet()
	p.log.Info("processing deferred payments", "count", len(snapshot), "total", total.String())

	balance, err := w.Balance(ctx)
	if err != nil {
		metrics.ObserveFlush("rolled_back")
		return false, err
	}
	if balance.LessThan(total) {
		metrics.ObserveFlush("insufficient_funds")
		return false, insufficientFunds(total, balance)
	}

	records := make([]Payment, len(snapshot))
	transfers := make([]web3.Transfer, len(snapshot))
	for i, item := range snapshot {
		records[i] = p.newPayment(item.Amount, item.Recipient, item.ToolName)
		transfers[i] = web3.Transfer{Recipient: item.Recipient, Amount: item.Amount}
	}

	results, err := w.BatchPayments(ctx, transfers)
	if err != nil && len(results) == 0 {
		for i := range records {
			records[i] = records[i].failed(err.Error())
		}
		p.record(ctx, records...)
		metrics.ObserveFlush("rolled_back")
		err = batchError(err)
		p.alert(ctx, "deferred_flush", err)
		return false, err
	}
	if err != nil {
		// 批量中途出错时已提交条目的引用仍然有效，只有缺失或失败的条目需要再次结算
		p.log.Warn("batch payment interrupted", "returned", len(results), "count", len(snapshot), "error", err)
	}

	p.mu.Lock()
	p.deferred = append([]Deferred(nil), p.deferred[len(snapshot):]...)
	remaining := len(p.deferred)
	p.mu.Unlock()
	metrics.SetDeferredPending(w.Address(), remaining)

	var failed []int
	for i := range records {
		ref := ""
		if i < len(results) {
			ref = results[i]
		}
		if ref == "" || web3.IsFailureMarker(ref) {
			reason := ref
			if reason == "" {
				reason = web3.FailureMarker("no result returned for batch item")
			}
			records[i] = records[i].failed(reason)
			failed = append(failed, i)
			continue
		}
		records[i] = records[i].completed(ref)
	}
	p.record(ctx, records...)

	if ctxErr := ctx.Err(); ctxErr != nil && len(failed) > 0 {
		p.requeue(w, snapshot, failed)
		metrics.ObserveFlush("partial")
		if err == nil {
			err = ctxErr
		}
		return false, xerrors.Wrap(xerrors.CodeNetwork, err, "deferred flush interrupted",
			xerrors.WithMetadata("requeued", fmt.Sprint(len(failed))))
	}

	stillFailed := 0
	if len(failed) > 0 {
		p.log.Info("retrying failed batch payments individually", "count", len(failed))
		retried := make([]Payment, 0, len(failed))
		for _, idx := range failed {
			item := snapshot[idx]
			rec := p.newPayment(item.Amount, item.Recipient, item.ToolName)
			ref, err := w.MakePayment(ctx, item.Amount, item.Recipient)
			if err != nil {
				stillFailed++
				p.log.Warn("individual retry failed", "recipient", item.Recipient, "error", err)
				retried = append(retried, rec.failed(err.Error()))
				continue
			}
			retried = append(retried, rec.completed(ref))
		}
		p.record(ctx, retried...)
	}

	allSucceeded := stillFailed == 0
	succeeded := len(snapshot) - len(failed)
	logger.Audit().Info("deferred flush completed",
		slog.String("agent_id", p.AgentID()),
		slog.Int("count", len(snapshot)),
		slog.Int("batch_succeeded", succeeded),
		slog.String("total", total.String()),
		slog.Bool("all_succeeded", allSucceeded),
	)
	if allSucceeded {
		metrics.ObserveFlush("success")
	} else {
		metrics.ObserveFlush("partial")
		p.alert(ctx, "deferred_flush", xerrors.New(xerrors.CodePaymentFailed,
			fmt.Sprintf("%d deferred payments still failed after individual retry", stillFailed),
			xerrors.WithMetadata("agent_id", p.AgentID())))
	}
	return allSucceeded, nil
}

// requeue 把未结算的条目按原顺序放回队列头部，等待下一次结算。
func (p *Processor) requeue(w Wallet, snapshot []Deferred, idx []int) {
	items := make([]Deferred, 0, len(idx))
	for _, i := range idx {
		items = append(items, snapshot[i])
	}
	p.mu.Lock()
	p.deferred = append(items, p.deferred...)
	pending := len(p.deferred)
	p.mu.Unlock()
	metrics.SetDeferredPending(w.Address(), pending)
	p.log.Warn("deferred flush interrupted, unsettled charges requeued", "count", len(items))
}

func batchError(err error) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if web3.KindOf(err) == web3.KindNetwork {
		return xerrors.Wrap(xerrors.CodeNetwork, err, "batch payment network error")
	}
	return xerrors.Wrap(xerrors.CodePaymentFailed, err, "batch payment processing failed")
}

func sumDeferred(items []Deferred) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Amount)
	}
	return total
}
