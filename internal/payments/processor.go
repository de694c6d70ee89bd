package payments

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/observability/alerting"
	"X402-Agent/internal/observability/metrics"
	"X402-Agent/internal/retry"
	"X402-Agent/internal/web3"
	"X402-Agent/pkg/logger"

	"github.com/shopspring/decimal"
)

// Wallet 是处理器依赖的钱包能力，wallet.Manager 实现了该接口。
type Wallet interface {
	Address() string
	Network() web3.Network
	Balance(ctx context.Context) (decimal.Decimal, error)
	ValidateRecipient(recipient string) error
	MakePayment(ctx context.Context, amount decimal.Decimal, recipient string) (string, error)
	BatchPayments(ctx context.Context, transfers []web3.Transfer) ([]string, error)
}

// Config 控制处理器的重放与批量行为。
type Config struct {
	// DeferredThreshold 延迟队列达到该长度时立即结算，默认 10。
	DeferredThreshold int
	// ReplayRetries 重放仍返回 402 或传输失败时的额外重试次数，默认 3。
	ReplayRetries int
	// ReplayBackoff 重放退避的基准时长，默认 1s，逐次翻倍。
	ReplayBackoff time.Duration
	// ConfirmDelay 付款后首次重放前的等待，默认 2s，负数表示不等待。
	ConfirmDelay time.Duration
	HTTPClient   *http.Client
	Sleep        retry.SleepFunc
	Now          func() time.Time
}

func (c Config) withDefaults() Config {
	if c.DeferredThreshold <= 0 {
		c.DeferredThreshold = 10
	}
	if c.ReplayRetries < 0 {
		c.ReplayRetries = 0
	} else if c.ReplayRetries == 0 {
		c.ReplayRetries = 3
	}
	if c.ReplayBackoff <= 0 {
		c.ReplayBackoff = time.Second
	}
	if c.ConfirmDelay < 0 {
		c.ConfirmDelay = 0
	} else if c.ConfirmDelay == 0 {
		c.ConfirmDelay = 2 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.Sleep == nil {
		c.Sleep = retry.Sleep
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Option 定义处理器的可选依赖。
type Option func(*Processor)

// WithAlerts 注入告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(p *Processor) {
		p.alerts = d
	}
}

// WithAgentID 设置写入付款记录的代理 ID，未设置时使用钱包地址。
func WithAgentID(id string) Option {
	return func(p *Processor) {
		p.agentID = id
	}
}

// SpendingHook 在每笔付款完成后被调用。
type SpendingHook func(agentID, tool string, amount decimal.Decimal)

// WithSpendingHook 注册付款完成回调，蜂群用它累计各成员的工具支出。
func WithSpendingHook(hook SpendingHook) Option {
	return func(p *Processor) {
		p.onSpend = hook
	}
}

// Processor 将 402 挑战转换为付款，并维护延迟结算队列。
type Processor struct {
	walletMu sync.RWMutex
	wallet   Wallet

	store   AuditStore
	cfg     Config
	alerts  alerting.Dispatcher
	log     *slog.Logger
	agentID string
	onSpend SpendingHook

	mu       sync.Mutex
	deferred []Deferred
	// flushMu 保证同一时间只有一次结算。
	flushMu sync.Mutex
}

// NewProcessor 创建付款处理器。store 为 nil 时使用内存存储。
func NewProcessor(w Wallet, store AuditStore, cfg Config, opts ...Option) *Processor {
	if store == nil {
		store = NewMemoryStore()
	}
	p := &Processor{
		wallet: w,
		store:  store,
		cfg:    cfg.withDefaults(),
		log:    logger.Named("payments"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Wallet 返回当前使用的钱包。
func (p *Processor) Wallet() Wallet {
	p.walletMu.RLock()
	defer p.walletMu.RUnlock()
	return p.wallet
}

// SetWallet 替换钱包，共享钱包模式下由蜂群调用。
func (p *Processor) SetWallet(w Wallet) {
	p.walletMu.Lock()
	defer p.walletMu.Unlock()
	p.wallet = w
}

// AgentID 返回付款记录归属的代理 ID。
func (p *Processor) AgentID() string {
	if p.agentID != "" {
		return p.agentID
	}
	return p.Wallet().Address()
}

// Threshold 返回延迟队列的结算阈值。
func (p *Processor) Threshold() int { return p.cfg.DeferredThreshold }

func (p *Processor) now() time.Time { return p.cfg.Now() }

// Do 发送请求，若服务返回 402 则完成付款并重放请求。请求体会被缓存以便重放。
func (p *Processor) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "request is nil")
	}
	req = req.WithContext(ctx)
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		body, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidInput, err, "failed to buffer request body")
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetwork, err, "request failed")
	}
	return p.HandleChallenge(ctx, resp)
}

// HandleChallenge 处理 402 响应：解析挑战、检查余额、付款、记录审计并携带
// 付款凭证重放原始请求。非 402 响应原样返回。
func (p *Processor) HandleChallenge(ctx context.Context, resp *http.Response) (*http.Response, error) {
	if resp == nil {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "response is nil")
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}
	drain(resp)

	w := p.Wallet()
	challenge, err := ParseChallenge(resp.Header, w.ValidateRecipient)
	if err != nil {
		metrics.ObserveChallenge("invalid")
		return nil, err
	}
	if resp.Request == nil {
		return nil, xerrors.New(CodeValidation, "402 response carries no request to replay")
	}

	balance, err := w.Balance(ctx)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(challenge.Amount) {
		metrics.ObserveChallenge("insufficient_funds")
		return nil, insufficientFunds(challenge.Amount, balance)
	}

	payment := p.newPayment(challenge.Amount, challenge.Recipient, challenge.ToolName)
	ref, err := w.MakePayment(ctx, challenge.Amount, challenge.Recipient)
	if err != nil {
		p.record(ctx, payment.failed(err.Error()))
		metrics.ObserveChallenge("payment_failed")
		p.alert(ctx, challenge.ToolName, err)
		return nil, err
	}
	p.record(ctx, payment.completed(ref))

	replayed, err := p.replay(ctx, resp.Request, ref)
	if err != nil {
		metrics.ObserveChallenge("replay_failed")
		p.alert(ctx, challenge.ToolName, err)
		return nil, err
	}
	metrics.ObserveChallenge("paid")
	return replayed, nil
}

var errStillRequired = errors.New("service still requires payment")

func (p *Processor) replay(ctx context.Context, original *http.Request, ref string) (*http.Response, error) {
	if err := p.cfg.Sleep(ctx, p.cfg.ConfirmDelay); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetwork, err, "replay cancelled")
	}

	policy := retry.Policy{Attempts: 1 + p.cfg.ReplayRetries, Base: p.cfg.ReplayBackoff, Sleep: p.cfg.Sleep}
	var final *http.Response
	attempts, err := policy.Do(ctx, func(attempt int) error {
		req, err := proofRequest(ctx, original, ref)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := p.cfg.HTTPClient.Do(req)
		if err != nil {
			p.log.Warn("replay transport failure", "attempt", attempt, "url", original.URL.String(), "error", err)
			return err
		}
		if resp.StatusCode == http.StatusPaymentRequired {
			drain(resp)
			p.log.Warn("service still requires payment after paying", "attempt", attempt, "tx_reference", ref)
			return errStillRequired
		}
		final = resp
		return nil
	})
	switch {
	case err == nil:
		return final, nil
	case xerrors.HasCode(err, CodeValidation):
		return nil, err
	case errors.Is(err, errStillRequired):
		return nil, xerrors.Wrap(xerrors.CodePaymentRejected, err,
			"payment was not accepted: request still returned 402 after payment",
			xerrors.WithAttempts(attempts, policy.Attempts),
			xerrors.WithMetadata("tx_reference", ref))
	default:
		return nil, xerrors.Wrap(xerrors.CodeNetwork, err, "request failed after payment",
			xerrors.WithAttempts(attempts, policy.Attempts),
			xerrors.WithMetadata("tx_reference", ref))
	}
}

func proofRequest(ctx context.Context, original *http.Request, ref string) (*http.Request, error) {
	req := original.Clone(ctx)
	req.RequestURI = ""
	switch {
	case original.GetBody != nil:
		body, err := original.GetBody()
		if err != nil {
			return nil, xerrors.Wrap(CodeValidation, err, "failed to rewind request body")
		}
		req.Body = body
	case original.Body != nil && original.Body != http.NoBody:
		return nil, xerrors.New(CodeValidation, "request body cannot be replayed")
	}
	req.Header.Set(HeaderProof, ref)
	req.Header.Set(HeaderProofAlt, ref)
	return req, nil
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// record 写入审计存储并通知支出回调。存储失败只记录日志，不影响付款流程。
func (p *Processor) record(ctx context.Context, records ...Payment) {
	if len(records) == 0 {
		return
	}
	for _, rec := range records {
		if rec.Status == StatusCompleted && p.onSpend != nil {
			p.onSpend(rec.AgentID, rec.ToolName, rec.Amount)
		}
		amount, _ := rec.Amount.Float64()
		metrics.ObservePayment(rec.Network, string(rec.Status), amount)
		logger.Audit().Info("payment recorded",
			slog.String("payment_id", rec.ID),
			slog.String("agent_id", rec.AgentID),
			slog.String("network", rec.Network),
			slog.String("tool", rec.ToolName),
			slog.String("recipient", rec.Recipient),
			slog.String("amount", rec.Amount.String()),
			slog.String("status", string(rec.Status)),
			slog.String("tx_reference", rec.TxReference),
			slog.String("error", rec.Error),
		)
	}
	// 已发生的付款在调用方取消后也要落库
	if err := p.store.Append(context.WithoutCancel(ctx), records...); err != nil {
		p.log.Error("failed to persist payment records", "count", len(records), "error", err)
	}
}

func (p *Processor) alert(ctx context.Context, subject string, err error) {
	if p.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	if notifyErr := p.alerts.Notify(ctx, alerting.FromError("payments", subject, err)); notifyErr != nil {
		p.log.Warn("alert delivery failed", "error", notifyErr)
	}
}

func insufficientFunds(required, available decimal.Decimal) error {
	return xerrors.New(xerrors.CodeInsufficientFunds,
		"insufficient funds: need "+required.String()+" USDC, have "+available.String()+" USDC",
		xerrors.WithAmounts(required, available))
}
