package payments

import (
	"net/http"
	"strings"

	xerrors "X402-Agent/internal/errors"

	"github.com/shopspring/decimal"
)

// 402 挑战与付款凭证使用的请求头，两种命名约定都需要兼容。
const (
	HeaderAmount     = "X-Payment-Amount"
	HeaderAmountAlt  = "Payment-Amount"
	HeaderAddress    = "X-Payment-Address"
	HeaderAddressAlt = "Payment-Address"
	HeaderTool       = "X-Tool-Name"
	HeaderToolAlt    = "Tool-Name"
	HeaderProof      = "X-Payment-Hash"
	HeaderProofAlt   = "Payment-Hash"
)

// Challenge 是从 402 响应中解析出的付款要求。
type Challenge struct {
	Amount    decimal.Decimal
	Recipient string
	ToolName  string
}

// ParseChallenge 从响应头读取金额、收款地址与工具名。validate 按当前网络
// 校验收款地址格式，为 nil 时只检查非空。
func ParseChallenge(header http.Header, validate func(string) error) (Challenge, error) {
	amountRaw := firstHeader(header, HeaderAmount, HeaderAmountAlt)
	if amountRaw == "" {
		return Challenge{}, xerrors.New(CodeValidation, "missing payment amount in 402 response headers")
	}
	recipient := firstHeader(header, HeaderAddress, HeaderAddressAlt)
	if recipient == "" {
		return Challenge{}, xerrors.New(CodeValidation, "missing payment address in 402 response headers")
	}

	amount, err := decimal.NewFromString(amountRaw)
	if err != nil {
		return Challenge{}, xerrors.Wrap(CodeValidation, err, "invalid payment amount: "+amountRaw)
	}
	if !amount.IsPositive() {
		return Challenge{}, xerrors.New(CodeValidation, "payment amount must be positive",
			xerrors.WithMetadata("amount", amountRaw))
	}
	if validate != nil {
		if err := validate(recipient); err != nil {
			return Challenge{}, xerrors.Wrap(CodeValidation, err, "invalid payment address format: "+recipient)
		}
	}

	tool := firstHeader(header, HeaderTool, HeaderToolAlt)
	if tool == "" {
		tool = "unknown"
	}
	return Challenge{Amount: amount, Recipient: recipient, ToolName: tool}, nil
}

func firstHeader(header http.Header, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(header.Get(name)); v != "" {
			return v
		}
	}
	return ""
}
