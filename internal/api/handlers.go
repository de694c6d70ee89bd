package api

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/payments"
	"X402-Agent/internal/swarm"
	"X402-Agent/internal/task"
	"X402-Agent/internal/tools"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError 将统一错误码映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch code := xerrors.CodeOf(err); {
	case xerrors.InFamily(code, xerrors.CodeInvalidInput):
		status = http.StatusBadRequest
	case xerrors.InFamily(code, xerrors.CodeNotFound):
		status = http.StatusNotFound
	case xerrors.InFamily(code, xerrors.CodeConflict), xerrors.InFamily(code, xerrors.CodeCapacity):
		status = http.StatusConflict
	case xerrors.InFamily(code, xerrors.CodeInsufficientFunds):
		status = http.StatusPaymentRequired
	case xerrors.InFamily(code, xerrors.CodeTimeout):
		status = http.StatusGatewayTimeout
	case xerrors.InFamily(code, xerrors.CodeInitializationFailure):
		status = http.StatusServiceUnavailable
	case xerrors.InFamily(code, xerrors.CodeNetwork):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: string(xerrors.CodeOf(err))})
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, xerrors.New(xerrors.CodeInitializationFailure, what+" 未初始化"))
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidInput, err, "请求体解析失败")
	}
	return nil
}

func queryInt(r *http.Request, key string) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return 0
}

func (s *Server) handleCreateCollaboration(w http.ResponseWriter, r *http.Request) {
	if s.deps.Collaborations == nil {
		unavailable(w, "协作服务")
		return
	}
	var req task.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.deps.Collaborations.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func collaborationFilters(r *http.Request) []task.ListOption {
	q := r.URL.Query()
	opts := []task.ListOption{
		task.WithPage(queryInt(r, "limit"), queryInt(r, "offset")),
		task.WithStrategy(q.Get("strategy")),
		task.WithQuery(q.Get("q")),
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, task.Status(strings.ToLower(strings.TrimSpace(part))))
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := q.Get("has_result"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			opts = append(opts, task.WithHasReport(v))
		}
	}
	if since := queryInt(r, "since"); since > 0 {
		opts = append(opts, task.WithUpdatedSince(time.Unix(int64(since), 0)))
	}
	if strings.EqualFold(q.Get("order"), "asc") {
		opts = append(opts, task.WithOldestFirst())
	}
	return opts
}

func (s *Server) handleListCollaborations(w http.ResponseWriter, r *http.Request) {
	if s.deps.Collaborations == nil {
		unavailable(w, "协作服务")
		return
	}
	list, err := s.deps.Collaborations.List(r.Context(), collaborationFilters(r)...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCollaborationStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Collaborations == nil {
		unavailable(w, "协作服务")
		return
	}
	stats, err := s.deps.Collaborations.Stats(r.Context(), collaborationFilters(r)...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCollaborationDetail(w http.ResponseWriter, r *http.Request) {
	if s.deps.Collaborations == nil {
		unavailable(w, "协作服务")
		return
	}
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidInput, "缺少任务 ID"))
		return
	}
	found, err := s.deps.Collaborations.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

// processors 返回 agent_id 指定的处理器；未指定时返回全部，按代理 ID 排序。
func (s *Server) processors(r *http.Request) ([]string, error) {
	if id := strings.TrimSpace(r.URL.Query().Get("agent_id")); id != "" {
		if _, ok := s.deps.Payments[id]; !ok {
			return nil, xerrors.New(xerrors.CodeNotFound, "未知代理", xerrors.WithMetadata("agent_id", id))
		}
		return []string{id}, nil
	}
	ids := make([]string, 0, len(s.deps.Payments))
	for id := range s.deps.Payments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Server) handlePaymentHistory(w http.ResponseWriter, r *http.Request) {
	if len(s.deps.Payments) == 0 {
		unavailable(w, "付款处理器")
		return
	}
	ids, err := s.processors(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	filter := payments.HistoryFilter{
		ToolName: q.Get("tool"),
		Status:   payments.Status(q.Get("status")),
		Days:     queryInt(r, "days"),
		Limit:    queryInt(r, "limit"),
	}

	// 多个处理器可能共享同一个审计存储，按付款 ID 去重。
	seen := make(map[string]struct{})
	out := make([]payments.Payment, 0)
	for _, id := range ids {
		svc := s.deps.Payments[id]
		f := filter
		f.AgentID = svc.DebugInfo().AgentID
		if f.AgentID == "" {
			f.AgentID = id
		}
		records, err := svc.History(r.Context(), f)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, rec := range records {
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			seen[rec.ID] = struct{}{}
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePaymentAnalytics(w http.ResponseWriter, r *http.Request) {
	if len(s.deps.Payments) == 0 {
		unavailable(w, "付款处理器")
		return
	}
	ids, err := s.processors(r)
	if err != nil {
		writeError(w, err)
		return
	}
	days := queryInt(r, "days")
	out := make(map[string]payments.Analytics, len(ids))
	for _, id := range ids {
		report, err := s.deps.Payments[id].Analytics(r.Context(), "", days)
		if err != nil {
			writeError(w, err)
			return
		}
		out[id] = report
	}
	writeJSON(w, http.StatusOK, out)
}

type flushResult struct {
	Flushed bool               `json:"flushed"`
	Error   string             `json:"error,omitempty"`
	State   payments.DebugInfo `json:"state"`
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if len(s.deps.Payments) == 0 {
		unavailable(w, "付款处理器")
		return
	}
	ids, err := s.processors(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make(map[string]flushResult, len(ids))
	for _, id := range ids {
		svc := s.deps.Payments[id]
		ok, err := svc.ForceFlush(r.Context())
		res := flushResult{Flushed: ok, State: svc.DebugInfo()}
		if err != nil {
			res.Error = err.Error()
		}
		out[id] = res
	}
	writeJSON(w, http.StatusOK, out)
}

type deferredRequest struct {
	AgentID   string          `json:"agent_id"`
	Amount    decimal.Decimal `json:"amount"`
	Recipient string          `json:"recipient"`
	Tool      string          `json:"tool"`
}

func (s *Server) handleAddDeferred(w http.ResponseWriter, r *http.Request) {
	if len(s.deps.Payments) == 0 {
		unavailable(w, "付款处理器")
		return
	}
	var req deferredRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	svc, ok := s.deps.Payments[strings.TrimSpace(req.AgentID)]
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "未知代理", xerrors.WithMetadata("agent_id", req.AgentID)))
		return
	}
	if err := svc.AddDeferred(r.Context(), req.Amount, req.Recipient, req.Tool); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, svc.DebugInfo())
}

type toolCallRequest struct {
	Params map[string]any `json:"params"`
	// Deferred 为 true 时只把费用加入延迟队列，不调用工具。
	Deferred bool `json:"deferred"`
}

type toolCallResponse struct {
	AgentID  string          `json:"agent_id"`
	Tool     string          `json:"tool"`
	Deferred bool            `json:"deferred"`
	Amount   string          `json:"amount,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	if len(s.deps.Agents) == 0 {
		unavailable(w, "代理")
		return
	}
	vars := mux.Vars(r)
	caller, ok := s.deps.Agents[vars["id"]]
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "未知代理", xerrors.WithMetadata("agent_id", vars["id"])))
		return
	}
	var req toolCallRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	resp := toolCallResponse{AgentID: vars["id"], Tool: vars["name"], Deferred: req.Deferred}

	if req.Deferred {
		amount, err := caller.QueueToolCharge(r.Context(), vars["name"], req.Params)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Amount = amount.String()
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	payload, err := caller.CallTool(r.Context(), vars["name"], req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	if json.Valid(payload) {
		resp.Result = payload
	} else {
		resp.Result, _ = json.Marshal(string(payload))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tools == nil {
		unavailable(w, "工具目录")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Tools.Discover(r.URL.Query().Get("q")))
}

func (s *Server) handleRegisterTool(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tools == nil {
		unavailable(w, "工具目录")
		return
	}
	var tool tools.Tool
	if err := decodeBody(r, &tool); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Tools.Register(r.Context(), tool); err != nil {
		writeError(w, err)
		return
	}
	registered, _ := s.deps.Tools.Get(tool.Name)
	writeJSON(w, http.StatusCreated, registered)
}

func (s *Server) handleRemoveTool(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tools == nil {
		unavailable(w, "工具目录")
		return
	}
	name := mux.Vars(r)["name"]
	if !s.deps.Tools.Remove(r.Context(), name) {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "工具不存在", xerrors.WithMetadata("tool", name)))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type swarmResponse struct {
	ID           string             `json:"id"`
	Config       swarm.Config       `json:"config"`
	Members      []swarm.MemberInfo `json:"members"`
	TotalBalance string             `json:"total_balance,omitempty"`
	BalanceError string             `json:"balance_error,omitempty"`
}

func (s *Server) handleSwarm(w http.ResponseWriter, r *http.Request) {
	if s.deps.Swarm == nil {
		unavailable(w, "蜂群")
		return
	}
	resp := swarmResponse{
		ID:      s.deps.Swarm.ID(),
		Config:  s.deps.Swarm.Config(),
		Members: s.deps.Swarm.List(r.Context()),
	}
	if total, err := s.deps.Swarm.Balance(r.Context()); err != nil {
		resp.BalanceError = err.Error()
	} else {
		resp.TotalBalance = total.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSwarmSpending(w http.ResponseWriter, r *http.Request) {
	if s.deps.Swarm == nil {
		unavailable(w, "蜂群")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Swarm.SpendingSummary())
}

type costSplitRequest struct {
	Total  decimal.Decimal  `json:"total"`
	Method swarm.CostMethod `json:"method"`
}

func (s *Server) handleCostSplit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Swarm == nil {
		unavailable(w, "蜂群")
		return
	}
	var req costSplitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	results, err := s.deps.Swarm.ExecuteCostSplit(r.Context(), req.Total, req.Method)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}
