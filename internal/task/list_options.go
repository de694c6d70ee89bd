package task

import (
	"strings"
	"time"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListOptions 是协作记录的查询条件，对应 GET /collaborations 支持的查询参数。
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []Status
	Strategy string
	// Query 在 ID、任务描述、错误信息与报告中做不区分大小写的包含匹配。
	Query     string
	HasReport *bool
	// UpdatedSince 为 Unix 秒，0 表示不限。
	UpdatedSince int64
	OldestFirst  bool
}

// ListOption 修改查询条件。
type ListOption func(*ListOptions)

// NewListOptions 依次应用 opts 并规范化结果。
func NewListOptions(opts ...ListOption) ListOptions {
	var out ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&out)
		}
	}
	out.Normalize()
	return out
}

// Normalize 补全分页默认值、去重状态并统一策略大小写，存储实现查询前调用。
func (o *ListOptions) Normalize() {
	switch {
	case o.Limit <= 0:
		o.Limit = defaultPageSize
	case o.Limit > maxPageSize:
		o.Limit = maxPageSize
	}
	o.Offset = max(o.Offset, 0)
	o.Statuses = uniqueStatuses(o.Statuses)
	o.Strategy = strings.ToLower(strings.TrimSpace(o.Strategy))
	o.Query = strings.TrimSpace(o.Query)
}

// WithPage 设置分页。
func WithPage(limit, offset int) ListOption {
	return func(o *ListOptions) {
		o.Limit, o.Offset = limit, offset
	}
}

// WithStatuses 只返回处于给定状态之一的记录。
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) {
		o.Statuses = append([]Status(nil), statuses...)
	}
}

// WithStrategy 按协作策略过滤。
func WithStrategy(strategy string) ListOption {
	return func(o *ListOptions) {
		o.Strategy = strategy
	}
}

// WithQuery 设置模糊匹配关键字。
func WithQuery(query string) ListOption {
	return func(o *ListOptions) {
		o.Query = query
	}
}

// WithHasReport 按是否已生成协作报告过滤。
func WithHasReport(has bool) ListOption {
	return func(o *ListOptions) {
		o.HasReport = &has
	}
}

// WithUpdatedSince 只返回 ts 之后（含）更新过的记录，零值表示不限。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(o *ListOptions) {
		o.UpdatedSince = 0
		if !ts.IsZero() {
			o.UpdatedSince = ts.Unix()
		}
	}
}

// WithOldestFirst 按更新时间升序返回，默认最新的在前。
func WithOldestFirst() ListOption {
	return func(o *ListOptions) {
		o.OldestFirst = true
	}
}

// uniqueStatuses 丢弃未知状态与重复项，结果为空时返回 nil。
func uniqueStatuses(in []Status) []Status {
	var out []Status
	for _, status := range in {
		if IsValidStatus(status) && !containsStatus(out, status) {
			out = append(out, status)
		}
	}
	return out
}

func containsStatus(list []Status, status Status) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}
