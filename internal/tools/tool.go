// Package tools keeps the catalogue of metered external APIs that agents
// may call, with endpoint checks, relevance-ranked discovery and parameter
// validation. Registered tools are persisted through a Store.
package tools

import (
	"net/url"
	"strings"
	"time"

	xerrors "X402-Agent/internal/errors"

	"github.com/shopspring/decimal"
)

const (
	// CodeInvalidTool 表示工具定义不完整或不合法。
	CodeInvalidTool xerrors.Code = "INVALID_TOOL"
	// CodeInvalidEndpoint 表示工具端点格式错误或无法访问。
	CodeInvalidEndpoint xerrors.Code = "INVALID_ENDPOINT"
)

func init() {
	xerrors.Register(CodeInvalidTool, xerrors.Attributes{
		Message:  "invalid tool definition",
		Severity: xerrors.SeverityInfo,
		Parent:   xerrors.CodeInvalidInput,
	})
	xerrors.Register(CodeInvalidEndpoint, xerrors.Attributes{
		Message:  "invalid tool endpoint",
		Severity: xerrors.SeverityInfo,
		Parent:   xerrors.CodeInvalidInput,
	})
}

// Parameter 描述工具的一个入参。
type Parameter struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Tool 是代理可以调用的一个付费外部接口。
type Tool struct {
	Name           string               `json:"name"`
	Endpoint       string               `json:"endpoint"`
	Description    string               `json:"description"`
	CostPerCall    decimal.Decimal      `json:"cost_per_call"`
	PaymentAddress string               `json:"payment_address"`
	Parameters     map[string]Parameter `json:"parameters,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// Validate 检查工具定义的必填字段。
func (t Tool) Validate() error {
	switch {
	case strings.TrimSpace(t.Name) == "":
		return xerrors.New(CodeInvalidTool, "tool name cannot be empty")
	case strings.TrimSpace(t.Endpoint) == "":
		return xerrors.New(CodeInvalidTool, "tool endpoint cannot be empty", xerrors.WithMetadata("tool", t.Name))
	case strings.TrimSpace(t.PaymentAddress) == "":
		return xerrors.New(CodeInvalidTool, "payment address cannot be empty", xerrors.WithMetadata("tool", t.Name))
	case t.CostPerCall.IsNegative():
		return xerrors.New(CodeInvalidTool, "cost per call cannot be negative",
			xerrors.WithMetadata("tool", t.Name),
			xerrors.WithMetadata("cost_per_call", t.CostPerCall.String()))
	}
	return nil
}

// RequiredParameters 返回必填参数名。
func (t Tool) RequiredParameters() []string {
	var out []string
	for name, p := range t.Parameters {
		if p.Required {
			out = append(out, name)
		}
	}
	return out
}

func parseEndpoint(endpoint string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidEndpoint, err, "invalid endpoint: "+endpoint)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, xerrors.New(CodeInvalidEndpoint, "endpoint must use http or https: "+endpoint)
	}
	if u.Host == "" {
		return nil, xerrors.New(CodeInvalidEndpoint, "endpoint has no host: "+endpoint)
	}
	return u, nil
}
