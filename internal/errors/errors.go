package errors

import (
	stdErrors "errors"
	"fmt"
	"strconv"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
	// Parent 表示该错误码所属的上级分类，errors.Is 会沿分类向上匹配。
	Parent Code
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidInput          Code = "INVALID_INPUT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInsufficientFunds     Code = "INSUFFICIENT_FUNDS"
	CodeNetwork               Code = "NETWORK_ERROR"
	CodePaymentRejected       Code = "PAYMENT_REJECTED"
	CodePaymentFailed         Code = "PAYMENT_FAILED"
	CodeCapacity              Code = "CAPACITY_ERROR"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidInput:          {Message: "invalid input", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
		CodeInsufficientFunds:     {Message: "insufficient funds", Severity: SeverityWarning},
		CodeNetwork:               {Message: "network error", Severity: SeverityWarning, Retryable: true},
		CodePaymentRejected:       {Message: "payment not honored by service", Severity: SeverityCritical, Alert: true},
		CodePaymentFailed:         {Message: "payment failed", Severity: SeverityWarning, Alert: true},
		CodeCapacity:              {Message: "capacity exceeded", Severity: SeverityInfo},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
	attempts  int
	maxTries  int
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// WithAttempts 记录已经尝试的次数与上限，网络类错误会携带该信息。
func WithAttempts(attempts, max int) Option {
	return func(e *Error) {
		e.attempts = attempts
		e.maxTries = max
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata["attempts"] = strconv.Itoa(attempts)
		e.metadata["max_attempts"] = strconv.Itoa(max)
	}
}

// WithAmounts 记录余额不足时所需金额与可用金额。
func WithAmounts(required, available fmt.Stringer) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		if required != nil {
			e.metadata["required"] = required.String()
		}
		if available != nil {
			e.metadata["available"] = available.String()
		}
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.message
	if e.maxTries > 0 {
		msg = fmt.Sprintf("%s (after %d/%d attempts)", msg, e.attempts, e.maxTries)
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, msg, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, msg)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码或属于同一分类。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return InFamily(e.code, t.code)
}

// InFamily 判断 code 是否等于 family 或以 family 为上级分类。
func InFamily(code, family Code) bool {
	seen := 0
	for code != "" && seen < 8 {
		if code == family {
			return true
		}
		registryMu.RLock()
		attr, ok := registry[code]
		registryMu.RUnlock()
		if !ok {
			return false
		}
		code = attr.Parent
		seen++
	}
	return false
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Attempts 返回错误发生前的尝试次数与上限。
func (e *Error) Attempts() (int, int) {
	if e == nil {
		return 0, 0
	}
	return e.attempts, e.maxTries
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HasCode 判断错误链中最外层统一错误是否属于指定错误码。
func HasCode(err error, code Code) bool {
	if e, ok := From(err); ok {
		return InFamily(e.Code(), code)
	}
	return false
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// AttemptsOf 返回错误携带的尝试次数，未携带时为 0。
func AttemptsOf(err error) int {
	if e, ok := From(err); ok {
		n, _ := e.Attempts()
		return n
	}
	return 0
}
