package payments

import (
	"time"

	xerrors "X402-Agent/internal/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CodeValidation 表示 402 挑战或付款参数无法通过校验。
const CodeValidation xerrors.Code = "PAYMENT_VALIDATION"

func init() {
	xerrors.Register(CodeValidation, xerrors.Attributes{
		Message:  "payment validation failed",
		Severity: xerrors.SeverityWarning,
		Parent:   xerrors.CodeInvalidInput,
	})
}

// Status 描述付款记录的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Payment 是一次付款的审计记录，写入后不再修改。
type Payment struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	Network     string          `json:"network"`
	Amount      decimal.Decimal `json:"amount"`
	Recipient   string          `json:"recipient"`
	ToolName    string          `json:"tool_name"`
	Status      Status          `json:"status"`
	TxReference string          `json:"tx_reference,omitempty"`
	Error       string          `json:"error,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Deferred 是延迟队列中等待批量结算的费用。
type Deferred struct {
	Amount    decimal.Decimal `json:"amount"`
	Recipient string          `json:"recipient"`
	ToolName  string          `json:"tool_name"`
	QueuedAt  time.Time       `json:"queued_at"`
}

func (p *Processor) newPayment(amount decimal.Decimal, recipient, tool string) Payment {
	w := p.Wallet()
	if tool == "" {
		tool = "unknown"
	}
	return Payment{
		ID:        uuid.NewString(),
		AgentID:   p.AgentID(),
		Network:   string(w.Network()),
		Amount:    amount,
		Recipient: recipient,
		ToolName:  tool,
		Status:    StatusPending,
		Timestamp: p.now().UTC(),
	}
}

func (p Payment) completed(ref string) Payment {
	p.Status = StatusCompleted
	p.TxReference = ref
	return p
}

func (p Payment) failed(reason string) Payment {
	p.Status = StatusFailed
	p.Error = reason
	return p
}
