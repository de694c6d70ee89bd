package tools

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/pkg/logger"
)

const defaultCheckTimeout = 5 * time.Second

// Option 定义注册表的可选配置。
type Option func(*Registry)

// WithHTTPClient 指定端点探测使用的 HTTP 客户端。
func WithHTTPClient(client *http.Client) Option {
	return func(r *Registry) {
		if client != nil {
			r.client = client
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry 维护可用工具的内存索引，并将变更写入 Store。
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	store  Store
	client *http.Client
	now    func() time.Time
	log    *slog.Logger
}

// NewRegistry 创建注册表并从存储加载已有工具。store 为 nil 时使用内存存储；
// 加载失败只记录日志，注册表以空目录启动。
func NewRegistry(ctx context.Context, store Store, opts ...Option) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	r := &Registry{
		tools:  make(map[string]Tool),
		store:  store,
		client: &http.Client{Timeout: defaultCheckTimeout},
		now:    time.Now,
		log:    logger.Named("tools"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	loaded, err := store.LoadAll(ctx)
	if err != nil {
		r.log.Warn("failed to load tools from store", "error", err)
		return r
	}
	for _, t := range loaded {
		if err := t.Validate(); err != nil {
			r.log.Warn("skipping invalid stored tool", "tool", t.Name, "error", err)
			continue
		}
		r.tools[t.Name] = t
	}
	r.log.Info("tool registry loaded", "count", len(r.tools))
	return r
}

// Register 校验并注册工具：名称不可重复，端点需可访问（HEAD 返回 5xx 以下）。
func (r *Registry) Register(ctx context.Context, tool Tool) error {
	tool.Name = strings.TrimSpace(tool.Name)
	tool.Endpoint = strings.TrimSpace(tool.Endpoint)
	tool.PaymentAddress = strings.TrimSpace(tool.PaymentAddress)
	if err := tool.Validate(); err != nil {
		return err
	}
	if _, ok := r.Get(tool.Name); ok {
		return xerrors.New(xerrors.CodeConflict, "tool '"+tool.Name+"' already registered")
	}
	if err := r.checkEndpoint(ctx, tool.Endpoint); err != nil {
		return err
	}
	if tool.CreatedAt.IsZero() {
		tool.CreatedAt = r.now().UTC()
	}

	r.mu.Lock()
	if _, exists := r.tools[tool.Name]; exists {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeConflict, "tool '"+tool.Name+"' already registered")
	}
	r.tools[tool.Name] = tool
	r.mu.Unlock()

	if err := r.store.Save(ctx, tool); err != nil {
		r.log.Warn("failed to persist tool", "tool", tool.Name, "error", err)
	}
	r.log.Info("tool registered", "tool", tool.Name, "endpoint", tool.Endpoint, "cost_per_call", tool.CostPerCall.String())
	return nil
}

func (r *Registry) checkEndpoint(ctx context.Context, endpoint string) error {
	u, err := parseEndpoint(endpoint)
	if err != nil {
		return err
	}
	checkCtx, cancel := context.WithTimeout(ctx, defaultCheckTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(checkCtx, http.MethodHead, u.String(), nil)
	if err != nil {
		return xerrors.Wrap(CodeInvalidEndpoint, err, "invalid endpoint: "+endpoint)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return xerrors.Wrap(CodeInvalidEndpoint, err, "endpoint unreachable: "+endpoint)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return xerrors.New(CodeInvalidEndpoint, "endpoint answered with server error: "+endpoint,
			xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)))
	}
	return nil
}

// Get 按名称查找工具。
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List 按名称顺序返回全部工具。
func (r *Registry) List() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Remove 删除工具，返回是否存在。
func (r *Registry) Remove(ctx context.Context, name string) bool {
	r.mu.Lock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := r.store.Delete(ctx, name); err != nil {
		r.log.Warn("failed to delete tool from store", "tool", name, "error", err)
	}
	return true
}

// Discover 按相关度返回匹配查询的工具，空查询返回全部。
// 每个工具只按命中的最高一级计分：名称完全相同 100，名称包含 50，
// 描述包含 25，端点包含 10。
func (r *Registry) Discover(query string) []Tool {
	query = strings.ToLower(strings.TrimSpace(query))
	all := r.List()
	if query == "" {
		return all
	}

	type scored struct {
		tool  Tool
		score int
	}
	matches := make([]scored, 0, len(all))
	for _, t := range all {
		if s := relevance(t, query); s > 0 {
			matches = append(matches, scored{tool: t, score: s})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })

	out := make([]Tool, len(matches))
	for i, m := range matches {
		out[i] = m.tool
	}
	return out
}

func relevance(t Tool, query string) int {
	name := strings.ToLower(t.Name)
	switch {
	case name == query:
		return 100
	case strings.Contains(name, query):
		return 50
	case strings.Contains(strings.ToLower(t.Description), query):
		return 25
	case strings.Contains(strings.ToLower(t.Endpoint), query):
		return 10
	}
	return 0
}

// ValidateParameters 检查必填参数是否齐全，未知工具返回 false。
func (r *Registry) ValidateParameters(name string, params map[string]any) bool {
	t, ok := r.Get(name)
	if !ok {
		return false
	}
	for _, required := range t.RequiredParameters() {
		if _, present := params[required]; !present {
			return false
		}
	}
	return true
}
