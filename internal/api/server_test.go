package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"X402-Agent/internal/auth"
	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/payments"
	"X402-Agent/internal/swarm"
	"X402-Agent/internal/task"
	"X402-Agent/internal/tools"
)

type fakePayments struct {
	agentID  string
	address  string
	records  []payments.Payment
	flushed  int
	filters  []payments.HistoryFilter
	deferred []payments.Deferred
}

func (f *fakePayments) History(_ context.Context, filter payments.HistoryFilter) ([]payments.Payment, error) {
	f.filters = append(f.filters, filter)
	return f.records, nil
}

func (f *fakePayments) AddDeferred(_ context.Context, amount decimal.Decimal, recipient, tool string) error {
	if !amount.IsPositive() {
		return xerrors.New(xerrors.CodeInvalidInput, "payment amount must be positive")
	}
	f.deferred = append(f.deferred, payments.Deferred{Amount: amount, Recipient: recipient, ToolName: tool})
	return nil
}

func (f *fakePayments) Analytics(_ context.Context, agentID string, days int) (payments.Analytics, error) {
	return payments.Analytics{AgentID: f.address, PeriodDays: days, PaymentCount: len(f.records)}, nil
}

func (f *fakePayments) ForceFlush(context.Context) (bool, error) {
	f.flushed++
	return true, nil
}

func (f *fakePayments) DebugInfo() payments.DebugInfo {
	return payments.DebugInfo{AgentID: f.agentID, WalletAddress: f.address, DeferredThreshold: 10, PendingCount: len(f.deferred)}
}

type fakeCaller struct {
	reply  []byte
	err    error
	calls  []string
	queued []string
}

func (f *fakeCaller) CallTool(_ context.Context, name string, params map[string]any) ([]byte, error) {
	f.calls = append(f.calls, name)
	return f.reply, f.err
}

func (f *fakeCaller) QueueToolCharge(_ context.Context, name string, params map[string]any) (decimal.Decimal, error) {
	if f.err != nil {
		return decimal.Zero, f.err
	}
	f.queued = append(f.queued, name)
	return decimal.RequireFromString("0.25"), nil
}

type fakeSwarm struct {
	splitTotal decimal.Decimal
}

func (f *fakeSwarm) ID() string           { return "swarm-1" }
func (f *fakeSwarm) Config() swarm.Config { return swarm.Config{ID: "swarm-1", MaxAgents: 10} }
func (f *fakeSwarm) List(context.Context) []swarm.MemberInfo {
	return []swarm.MemberInfo{{AgentID: "a1", WalletAddress: "0x1", Balance: "5"}}
}
func (f *fakeSwarm) Balance(context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(5), nil
}
func (f *fakeSwarm) SpendingSummary() swarm.SpendingSummary {
	return swarm.SpendingSummary{Total: decimal.RequireFromString("1.5"), ByAgent: map[string]decimal.Decimal{"a1": decimal.RequireFromString("1.5")}}
}
func (f *fakeSwarm) ExecuteCostSplit(_ context.Context, total decimal.Decimal, method swarm.CostMethod) (map[string]string, error) {
	f.splitTotal = total
	return map[string]string{"a2": "0xref"}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCollaborationEndpoints(t *testing.T) {
	store := task.NewMemoryStore()
	svc := task.NewService(store, task.NewMemoryQueue(8), 3)
	h := NewServer(":0", Dependencies{Collaborations: svc}).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/collaborations", `{"id":"job-1","prompt":"compare providers","strategy":"divide"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create: unexpected status %d: %s", rec.Code, rec.Body.String())
	}

	sample := &task.Task{
		ID:         "task-success",
		Prompt:     "demo",
		Strategy:   "parallel",
		Status:     task.StatusSucceeded,
		Attempts:   1,
		MaxRetries: 3,
		Result:     &task.ExecutionResult{SwarmID: "swarm-1", Report: "ok"},
	}
	if err := store.Create(context.Background(), sample); err != nil {
		t.Fatalf("create sample task: %v", err)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/collaborations/task-success", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("detail: unexpected status %d", rec.Code)
	}
	var got task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Result == nil || got.Result.Report != "ok" {
		t.Fatalf("unexpected task result: %+v", got.Result)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/collaborations?strategy=divide", "")
	var list []task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 1 || list[0].ID != "job-1" {
		t.Fatalf("unexpected filtered list %s (%v)", rec.Body.String(), err)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/collaborations/stats", "")
	var stats task.TaskStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil || stats.Total != 2 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats %s (%v)", rec.Body.String(), err)
	}
}

func TestCollaborationErrors(t *testing.T) {
	h := NewServer(":0", Dependencies{Collaborations: task.NewService(task.NewMemoryStore(), task.NewMemoryQueue(4), 3)}).Handler()

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"not found", http.MethodGet, "/api/v1/collaborations/missing", "", http.StatusNotFound},
		{"bad body", http.MethodPost, "/api/v1/collaborations", "{", http.StatusBadRequest},
		{"empty prompt", http.MethodPost, "/api/v1/collaborations", `{"prompt":" "}`, http.StatusBadRequest},
		{"bad strategy", http.MethodPost, "/api/v1/collaborations", `{"prompt":"p","strategy":"round-robin"}`, http.StatusBadRequest},
		{"method", http.MethodPut, "/api/v1/collaborations", "", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		if rec := do(t, h, tc.method, tc.path, tc.body); rec.Code != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.want, rec.Code)
		}
	}

	empty := NewServer(":0", Dependencies{}).Handler()
	if rec := do(t, empty, http.MethodGet, "/api/v1/collaborations", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("missing service should be unavailable, got %d", rec.Code)
	}
}

func TestPaymentEndpoints(t *testing.T) {
	now := time.Now()
	shared := payments.Payment{ID: "p1", AgentID: "agent-a", Amount: decimal.RequireFromString("0.5"), Timestamp: now.Add(-time.Minute)}
	a := &fakePayments{agentID: "agent-a", address: "0xshared", records: []payments.Payment{shared}}
	b := &fakePayments{address: "0xshared", records: []payments.Payment{shared, {ID: "p2", AgentID: "agent-b", Timestamp: now}}}
	h := NewServer(":0", Dependencies{Payments: map[string]PaymentService{"agent-a": a, "agent-b": b}}).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/payments", "")
	var history []payments.Payment
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 2 || history[0].ID != "p2" {
		t.Fatalf("history should be merged, deduplicated and newest first, got %+v", history)
	}
	// 共享钱包时按代理 ID 而不是钱包地址过滤
	if len(a.filters) != 1 || a.filters[0].AgentID != "agent-a" || len(b.filters) != 1 || b.filters[0].AgentID != "agent-b" {
		t.Fatalf("history should filter by agent id, got %+v / %+v", a.filters, b.filters)
	}

	if rec := do(t, h, http.MethodGet, "/api/v1/payments?agent_id=nobody", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown agent should be 404, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/payments/analytics?agent_id=agent-b&days=7", "")
	var analytics map[string]payments.Analytics
	if err := json.Unmarshal(rec.Body.Bytes(), &analytics); err != nil {
		t.Fatalf("decode analytics: %v", err)
	}
	if len(analytics) != 1 || analytics["agent-b"].PeriodDays != 7 || analytics["agent-b"].PaymentCount != 2 {
		t.Fatalf("unexpected analytics %+v", analytics)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/payments/flush", "")
	if rec.Code != http.StatusOK || a.flushed != 1 || b.flushed != 1 {
		t.Fatalf("flush should reach every processor, status %d", rec.Code)
	}
}

func TestDeferredPaymentEndpoint(t *testing.T) {
	a := &fakePayments{agentID: "agent-a", address: "0xa"}
	h := NewServer(":0", Dependencies{Payments: map[string]PaymentService{"agent-a": a}}).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/payments/deferred", `{"agent_id":"agent-a","amount":"0.75","recipient":"0xbeef","tool":"search"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("deferred: unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if len(a.deferred) != 1 || !a.deferred[0].Amount.Equal(decimal.RequireFromString("0.75")) || a.deferred[0].ToolName != "search" {
		t.Fatalf("charge not queued: %+v", a.deferred)
	}
	var state payments.DebugInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil || state.PendingCount != 1 {
		t.Fatalf("unexpected state %s (%v)", rec.Body.String(), err)
	}

	if rec := do(t, h, http.MethodPost, "/api/v1/payments/deferred", `{"agent_id":"ghost","amount":"1","recipient":"0xbeef"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown agent should be 404, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/payments/deferred", `{"agent_id":"agent-a","amount":"0","recipient":"0xbeef"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("zero amount should be 400, got %d", rec.Code)
	}
}

func TestCallToolEndpoint(t *testing.T) {
	caller := &fakeCaller{reply: []byte(`{"forecast":"sunny"}`)}
	h := NewServer(":0", Dependencies{Agents: map[string]ToolCaller{"agent-a": caller}}).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/agents/agent-a/tools/weather/call", `{"params":{"city":"Oslo"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("call: unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var out toolCallResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode call: %v", err)
	}
	if out.Tool != "weather" || out.Deferred || string(out.Result) != `{"forecast":"sunny"}` {
		t.Fatalf("unexpected call response %+v", out)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/agents/agent-a/tools/weather/call", `{"params":{"city":"Oslo"},"deferred":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("deferred call: unexpected status %d", rec.Code)
	}
	if len(caller.calls) != 1 || len(caller.queued) != 1 {
		t.Fatalf("deferred call must queue without calling, calls=%v queued=%v", caller.calls, caller.queued)
	}
	if !strings.Contains(rec.Body.String(), `"amount":"0.25"`) {
		t.Fatalf("unexpected deferred body %s", rec.Body.String())
	}

	if rec := do(t, h, http.MethodPost, "/api/v1/agents/ghost/tools/weather/call", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown agent should be 404, got %d", rec.Code)
	}
	caller.err = xerrors.New(xerrors.CodeInsufficientFunds, "insufficient funds")
	if rec := do(t, h, http.MethodPost, "/api/v1/agents/agent-a/tools/weather/call", `{}`); rec.Code != http.StatusPaymentRequired {
		t.Fatalf("insufficient funds should be 402, got %d", rec.Code)
	}
}

func TestToolEndpoints(t *testing.T) {
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer endpoint.Close()

	registry := tools.NewRegistry(context.Background(), nil)
	h := NewServer(":0", Dependencies{Tools: registry}).Handler()

	body := `{"name":"weather","endpoint":"` + endpoint.URL + `","description":"forecasts","cost_per_call":"0.01","payment_address":"0xabc"}`
	if rec := do(t, h, http.MethodPost, "/api/v1/tools", body); rec.Code != http.StatusCreated {
		t.Fatalf("register: unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/tools", body); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate register should conflict, got %d", rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/api/v1/tools?q=fore", "")
	var listed []tools.Tool
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil || len(listed) != 1 {
		t.Fatalf("unexpected tool list %s (%v)", rec.Body.String(), err)
	}

	if rec := do(t, h, http.MethodDelete, "/api/v1/tools/weather", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: unexpected status %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/v1/tools/weather", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete should be 404, got %d", rec.Code)
	}
}

func TestSwarmEndpoints(t *testing.T) {
	sw := &fakeSwarm{}
	h := NewServer(":0", Dependencies{Swarm: sw}).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/swarm", "")
	var view swarmResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode swarm: %v", err)
	}
	if view.ID != "swarm-1" || view.TotalBalance != "5" || len(view.Members) != 1 {
		t.Fatalf("unexpected swarm view %+v", view)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/swarm/spending", "")
	if !strings.Contains(rec.Body.String(), `"total_spending":"1.5"`) {
		t.Fatalf("unexpected spending body %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/v1/swarm/split", `{"total":"3","method":"equal"}`)
	if rec.Code != http.StatusOK || !sw.splitTotal.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("split: unexpected status %d total %s", rec.Code, sw.splitTotal)
	}
}

func TestCORSAndMetrics(t *testing.T) {
	h := NewServer(":0", Dependencies{}).Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/swarm", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard CORS origin, got %q", got)
	}

	if rec := do(t, h, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Fatalf("metrics endpoint: unexpected status %d", rec.Code)
	}
}

func TestWriteEndpointsRequireKey(t *testing.T) {
	t.Setenv("TEST_API_OPERATOR_KEY", "op-secret")
	svc, err := auth.NewService(auth.Config{
		Mode: auth.ModeAPIKey,
		Keys: []auth.KeySpec{{Name: "operator", KeyEnv: "TEST_API_OPERATOR_KEY", Permissions: []string{auth.PermPaymentsWrite}}},
	})
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	a := &fakePayments{address: "0xa"}
	h := NewServer(":0", Dependencies{Payments: map[string]PaymentService{"agent-a": a}, Swarm: &fakeSwarm{}}, WithAuth(svc)).Handler()

	if rec := do(t, h, http.MethodPost, "/api/v1/payments/flush", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("flush without key should be 401, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/payments", ""); rec.Code != http.StatusOK {
		t.Fatalf("reads stay open, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/flush", nil)
	req.Header.Set("Authorization", "Bearer op-secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || a.flushed != 1 {
		t.Fatalf("authorised flush should succeed, got %d flushed=%d", rec.Code, a.flushed)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/swarm/split", strings.NewReader(`{"total":"1"}`))
	req.Header.Set("Authorization", "Bearer op-secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("missing swarm permission should be 403, got %d", rec.Code)
	}

	if rec := do(t, h, http.MethodPost, "/api/v1/payments/deferred", `{"agent_id":"agent-a","amount":"1","recipient":"0xbeef"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("deferred charge without key should be 401, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/agents/agent-a/tools/weather/call", `{}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("tool call without key should be 401, got %d", rec.Code)
	}
	if len(a.deferred) != 0 {
		t.Fatal("unauthorised request must not queue a charge")
	}
}
