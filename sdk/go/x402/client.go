// Package x402 is a thin Go client for the x402 agent daemon REST API.
package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Collaboration statuses reported by the daemon.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Client wraps the HTTP interactions with the x402 agent daemon.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// CollaborationRequest is the payload accepted by POST /api/v1/collaborations.
type CollaborationRequest struct {
	Prompt     string         `json:"prompt"`
	Strategy   string         `json:"strategy,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// CollaborationResult is the outcome of a finished collaboration.
type CollaborationResult struct {
	SwarmID    string `json:"swarm_id"`
	Strategy   string `json:"strategy"`
	Report     string `json:"report"`
	Successful int    `json:"successful"`
	Members    int    `json:"members"`
}

// Collaboration is the daemon's view of a submitted collaboration job.
type Collaboration struct {
	ID         string               `json:"id"`
	Prompt     string               `json:"prompt"`
	Strategy   string               `json:"strategy"`
	Status     string               `json:"status"`
	Attempts   int                  `json:"attempts"`
	MaxRetries int                  `json:"max_retries"`
	LastError  string               `json:"last_error,omitempty"`
	ErrorCode  string               `json:"error_code,omitempty"`
	Result     *CollaborationResult `json:"result,omitempty"`
	CreatedAt  int64                `json:"created_at"`
	UpdatedAt  int64                `json:"updated_at"`
}

// Done reports whether the collaboration reached a terminal status.
func (c Collaboration) Done() bool {
	return c.Status == StatusSucceeded || (c.Status == StatusFailed && c.Attempts >= c.MaxRetries)
}

// Payment is one audited payment record.
type Payment struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	Network     string          `json:"network"`
	Amount      decimal.Decimal `json:"amount"`
	Recipient   string          `json:"recipient"`
	ToolName    string          `json:"tool_name"`
	Status      string          `json:"status"`
	TxReference string          `json:"tx_reference,omitempty"`
	Error       string          `json:"error,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// PaymentQuery narrows a payment history request.
type PaymentQuery struct {
	AgentID string
	Tool    string
	Status  string
	Days    int
	Limit   int
}

// FlushResult reports the outcome of forcing one agent's deferred settlement.
type FlushResult struct {
	Flushed bool   `json:"flushed"`
	Error   string `json:"error,omitempty"`
}

// DeferredQueue describes an agent's deferred payment queue after a charge
// was queued.
type DeferredQueue struct {
	AgentID           string          `json:"agent_id"`
	PendingCount      int             `json:"pending_count"`
	PendingTotal      decimal.Decimal `json:"pending_total"`
	DeferredThreshold int             `json:"deferred_threshold"`
	WalletAddress     string          `json:"wallet_address"`
	Network           string          `json:"network"`
}

// ToolCall is the outcome of calling a paid tool through an agent. Amount is
// only set for deferred calls; Result carries the tool's raw JSON payload.
type ToolCall struct {
	AgentID  string          `json:"agent_id"`
	Tool     string          `json:"tool"`
	Deferred bool            `json:"deferred"`
	Amount   string          `json:"amount,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// APIError represents a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("x402 api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("x402 api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the daemon at rawURL. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey sets the operator key sent with write requests.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// APIKey returns the currently configured operator key.
func (c *Client) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// SubmitCollaboration queues a new swarm collaboration.
func (c *Client) SubmitCollaboration(ctx context.Context, req CollaborationRequest) (Collaboration, error) {
	var out Collaboration
	if err := c.send(ctx, http.MethodPost, "/api/v1/collaborations", nil, req, &out, true); err != nil {
		return Collaboration{}, err
	}
	return out, nil
}

// GetCollaboration fetches a collaboration by identifier.
func (c *Client) GetCollaboration(ctx context.Context, id string) (Collaboration, error) {
	var out Collaboration
	if err := c.send(ctx, http.MethodGet, "/api/v1/collaborations/"+url.PathEscape(id), nil, nil, &out, false); err != nil {
		return Collaboration{}, err
	}
	return out, nil
}

// WaitCollaboration polls until the collaboration is terminal or ctx ends.
func (c *Client) WaitCollaboration(ctx context.Context, id string, interval time.Duration) (Collaboration, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		current, err := c.GetCollaboration(ctx, id)
		if err != nil {
			return Collaboration{}, err
		}
		if current.Done() {
			return current, nil
		}
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Payments returns the audited payment history, newest first.
func (c *Client) Payments(ctx context.Context, q PaymentQuery) ([]Payment, error) {
	params := url.Values{}
	setIf(params, "agent_id", q.AgentID)
	setIf(params, "tool", q.Tool)
	setIf(params, "status", q.Status)
	if q.Days > 0 {
		params.Set("days", strconv.Itoa(q.Days))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	var out []Payment
	if err := c.send(ctx, http.MethodGet, "/api/v1/payments", params, nil, &out, false); err != nil {
		return nil, err
	}
	return out, nil
}

// FlushPayments forces deferred settlement for one agent, or all agents when
// agentID is empty.
func (c *Client) FlushPayments(ctx context.Context, agentID string) (map[string]FlushResult, error) {
	params := url.Values{}
	setIf(params, "agent_id", agentID)
	out := make(map[string]FlushResult)
	if err := c.send(ctx, http.MethodPost, "/api/v1/payments/flush", params, struct{}{}, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

// AddDeferred queues a payment on agentID's deferred queue. The queue is
// settled once it reaches its threshold or is flushed.
func (c *Client) AddDeferred(ctx context.Context, agentID string, amount decimal.Decimal, recipient, tool string) (DeferredQueue, error) {
	body := struct {
		AgentID   string          `json:"agent_id"`
		Amount    decimal.Decimal `json:"amount"`
		Recipient string          `json:"recipient"`
		Tool      string          `json:"tool"`
	}{AgentID: agentID, Amount: amount, Recipient: recipient, Tool: tool}
	var out DeferredQueue
	if err := c.send(ctx, http.MethodPost, "/api/v1/payments/deferred", nil, body, &out, true); err != nil {
		return DeferredQueue{}, err
	}
	return out, nil
}

// CallTool pays for and calls a tool on behalf of agentID. When deferred is
// true the daemon only queues the tool's charge and does not call it.
func (c *Client) CallTool(ctx context.Context, agentID, tool string, params map[string]any, deferred bool) (ToolCall, error) {
	body := struct {
		Params   map[string]any `json:"params,omitempty"`
		Deferred bool           `json:"deferred,omitempty"`
	}{Params: params, Deferred: deferred}
	endpoint := "/api/v1/agents/" + url.PathEscape(agentID) + "/tools/" + url.PathEscape(tool) + "/call"
	var out ToolCall
	if err := c.send(ctx, http.MethodPost, endpoint, nil, body, &out, true); err != nil {
		return ToolCall{}, err
	}
	return out, nil
}

// SplitCost charges total across the swarm members and returns each member's
// outcome keyed by agent id.
func (c *Client) SplitCost(ctx context.Context, total decimal.Decimal, method string) (map[string]string, error) {
	body := struct {
		Total  decimal.Decimal `json:"total"`
		Method string          `json:"method,omitempty"`
	}{Total: total, Method: method}
	out := make(map[string]string)
	if err := c.send(ctx, http.MethodPost, "/api/v1/swarm/split", nil, body, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

func setIf(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any, withKey bool) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	u := c.baseURL.ResolveReference(&url.URL{Path: path.Join(c.baseURL.Path, endpoint)})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if withKey {
		key := c.APIKey()
		if key == "" {
			return errors.New("x402: api key is not set")
		}
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
