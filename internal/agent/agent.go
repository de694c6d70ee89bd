package agent

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/llm"
	"X402-Agent/internal/payments"
	"X402-Agent/internal/tools"
	"X402-Agent/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CodeToolCall 表示工具端点在付款流程之外返回了错误。
const CodeToolCall xerrors.Code = "TOOL_CALL_FAILED"

func init() {
	xerrors.Register(CodeToolCall, xerrors.Attributes{
		Message:  "tool call failed",
		Severity: xerrors.SeverityWarning,
	})
}

// maxToolResponse 限制读取的工具响应大小。
const maxToolResponse = 1 << 20

// Message 是其他代理投递到收件箱的消息。
type Message struct {
	From      string    `json:"from"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// DebugInfo 汇总代理的调试信息。
type DebugInfo struct {
	AgentID         string             `json:"agent_id"`
	WalletAddress   string             `json:"wallet_address"`
	Network         string             `json:"network"`
	Balance         string             `json:"balance,omitempty"`
	BalanceError    string             `json:"balance_error,omitempty"`
	Payments        payments.DebugInfo `json:"payments"`
	RegisteredTools []string           `json:"registered_tools"`
	PendingMessages int                `json:"pending_messages"`
}

// Agent 由大模型驱动，持有付款处理器、工具目录与收件箱。
type Agent struct {
	id         string
	llmClient  llm.Client
	processor  *payments.Processor
	tools      *tools.Registry
	llmTimeout time.Duration
	now        func() time.Time
	log        *slog.Logger

	mu      sync.Mutex
	mailbox []Message
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithID 指定代理 ID，默认生成 UUID。
func WithID(id string) Option {
	return func(a *Agent) {
		a.id = strings.TrimSpace(id)
	}
}

// WithLLMTimeout 设置调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout < 0 {
			timeout = 0
		}
		a.llmTimeout = timeout
	}
}

// WithClock 替换时间来源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// New 创建一个 Agent。processor 不能为空，registry 为空时使用空目录。
func New(llmClient llm.Client, processor *payments.Processor, registry *tools.Registry, opts ...Option) (*Agent, error) {
	if processor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置付款处理器")
	}
	if registry == nil {
		registry = tools.NewRegistry(context.Background(), nil)
	}
	a := &Agent{
		llmClient: llmClient,
		processor: processor,
		tools:     registry,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.id == "" {
		a.id = uuid.NewString()
	}
	a.log = logger.Named("agent").With("agent_id", a.id)
	return a, nil
}

// ID 返回代理 ID。
func (a *Agent) ID() string { return a.id }

// Processor 返回代理的付款处理器。
func (a *Agent) Processor() *payments.Processor { return a.processor }

// Tools 返回代理的工具目录。
func (a *Agent) Tools() *tools.Registry { return a.tools }

// Wallet 返回代理当前使用的钱包。
func (a *Agent) Wallet() payments.Wallet { return a.processor.Wallet() }

// UseWallet 替换代理的钱包。共享钱包模式下蜂群用它让成员改用共享钱包，原钱包不再可达。
func (a *Agent) UseWallet(w payments.Wallet) {
	if w == nil {
		return
	}
	a.processor.SetWallet(w)
	a.log.Info("wallet replaced", "address", w.Address(), "network", string(w.Network()))
}

// Balance 实时查询钱包余额。
func (a *Agent) Balance(ctx context.Context) (decimal.Decimal, error) {
	return a.Wallet().Balance(ctx)
}

// Run 将提示词连同工具目录与未读消息交给大模型，返回回复文本。
func (a *Agent) Run(ctx context.Context, prompt string) (string, error) {
	if a.llmClient == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if strings.TrimSpace(prompt) == "" {
		return "", xerrors.New(xerrors.CodeInvalidInput, "提示词不能为空")
	}

	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}

	resp, err := a.llmClient.Generate(llmCtx, llm.Request{
		AgentID:  a.id,
		Prompt:   prompt,
		Tools:    a.toolCards(),
		Messages: a.pendingMessages(),
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return "", xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		if _, ok := xerrors.From(err); ok {
			return "", err
		}
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "大模型推理失败")
	}
	if resp == nil {
		return "", xerrors.New(xerrors.CodeUnknown, "大模型未返回内容")
	}
	return resp.Text, nil
}

// CallTool 校验参数后以 JSON POST 调用工具端点，402 挑战由付款处理器完成付款并重放。
func (a *Agent) CallTool(ctx context.Context, name string, params map[string]any) ([]byte, error) {
	tool, ok := a.tools.Get(name)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "工具不存在", xerrors.WithMetadata("tool", name))
	}
	if !a.tools.ValidateParameters(name, params) {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "工具参数缺失",
			xerrors.WithMetadata("tool", name),
			xerrors.WithMetadata("required", strings.Join(tool.RequiredParameters(), ",")))
	}
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidInput, err, "编码工具参数失败")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tool.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidInput, err, "构建工具请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-ID", a.id)
	req.Header.Set("X-Tool-Name", tool.Name)

	resp, err := a.processor.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResponse))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetwork, err, "读取工具响应失败", xerrors.WithMetadata("tool", name))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, xerrors.New(CodeToolCall, "工具返回错误状态 "+strconv.Itoa(resp.StatusCode),
			xerrors.WithMetadata("tool", name),
			xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)),
			xerrors.WithRetryable(resp.StatusCode >= http.StatusInternalServerError))
	}
	a.log.Debug("tool called", "tool", name, "status", resp.StatusCode, "bytes", len(payload))
	return payload, nil
}

// QueueToolCharge 校验参数后把一次工具调用的费用加入延迟队列，由批量结算统一付款。
// 返回入队的金额；队列达到阈值时的结算错误会原样返回，费用仍保留在队列中。
func (a *Agent) QueueToolCharge(ctx context.Context, name string, params map[string]any) (decimal.Decimal, error) {
	tool, ok := a.tools.Get(name)
	if !ok {
		return decimal.Zero, xerrors.New(xerrors.CodeNotFound, "工具不存在", xerrors.WithMetadata("tool", name))
	}
	if !a.tools.ValidateParameters(name, params) {
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidInput, "工具参数缺失",
			xerrors.WithMetadata("tool", name),
			xerrors.WithMetadata("required", strings.Join(tool.RequiredParameters(), ",")))
	}
	if !tool.CostPerCall.IsPositive() {
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidInput, "免费工具无需延迟结算", xerrors.WithMetadata("tool", name))
	}
	if err := a.processor.AddDeferred(ctx, tool.CostPerCall, tool.PaymentAddress, tool.Name); err != nil {
		return tool.CostPerCall, err
	}
	a.log.Debug("tool charge deferred", "tool", name, "amount", tool.CostPerCall.String())
	return tool.CostPerCall, nil
}

// Deliver 向收件箱投递一条消息。
func (a *Agent) Deliver(from, body string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mailbox = append(a.mailbox, Message{From: from, Body: body, Timestamp: a.now().UTC()})
}

// Messages 返回收件箱快照。
func (a *Agent) Messages() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Message, len(a.mailbox))
	copy(out, a.mailbox)
	return out
}

// ClearMailbox 清空收件箱并返回被丢弃的消息数。
func (a *Agent) ClearMailbox() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.mailbox)
	a.mailbox = nil
	return n
}

// DebugInfo 汇总钱包、付款处理器与工具目录状态。余额查询失败时记录错误而不中断。
func (a *Agent) DebugInfo(ctx context.Context) DebugInfo {
	w := a.Wallet()
	info := DebugInfo{
		AgentID:         a.id,
		WalletAddress:   w.Address(),
		Network:         string(w.Network()),
		Payments:        a.processor.DebugInfo(),
		RegisteredTools: make([]string, 0),
		PendingMessages: len(a.Messages()),
	}
	if balance, err := w.Balance(ctx); err != nil {
		info.BalanceError = err.Error()
	} else {
		info.Balance = balance.String()
	}
	for _, t := range a.tools.List() {
		info.RegisteredTools = append(info.RegisteredTools, t.Name)
	}
	return info
}

func (a *Agent) toolCards() []llm.ToolCard {
	list := a.tools.List()
	cards := make([]llm.ToolCard, 0, len(list))
	for _, t := range list {
		cards = append(cards, llm.ToolCard{Name: t.Name, Description: t.Description, Cost: t.CostPerCall.String()})
	}
	return cards
}

func (a *Agent) pendingMessages() []llm.Message {
	msgs := a.Messages()
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{From: m.From, Body: m.Body})
	}
	return out
}
