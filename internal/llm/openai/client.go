package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
	maxMessages      = 5
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey      string        `json:"api_key"`
	BaseURL     string        `json:"base_url"`
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	Timeout     time.Duration `json:"timeout"`
}

// Client 通过 HTTP 调用 OpenAI 提供的大模型能力。
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
}

var _ llm.Client = (*Client)(nil)

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "未提供 OpenAI API Key")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.7
	}

	return &Client{
		apiKey:      apiKey,
		baseURL:     baseURL,
		model:       model,
		temperature: temperature,
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

// Generate 调用 OpenAI 并返回第一条回复的文本。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "提示词不能为空")
	}
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidInput, err, "构建 OpenAI 请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetwork, err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeNetwork,
			fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithRetryable(resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError),
			xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetwork, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeNetwork, "OpenAI 响应中没有有效的 choices")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeNetwork, "OpenAI 响应内容为空")
	}
	return &llm.Response{Text: content}, nil
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	body := map[string]any{
		"model": c.model,
		"messages": []message{
			{Role: "system", Content: systemPrompt(req)},
			{Role: "user", Content: strings.TrimSpace(req.Prompt)},
		},
		"temperature": c.temperature,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidInput, err, "序列化 OpenAI 请求失败")
	}
	return encoded, nil
}

func systemPrompt(req llm.Request) string {
	var b strings.Builder
	b.WriteString("You are an autonomous agent")
	if req.AgentID != "" {
		fmt.Fprintf(&b, " (%s)", req.AgentID)
	}
	b.WriteString(" that can pay for API access with USDC micropayments.\n")

	if len(req.Tools) > 0 {
		b.WriteString("\nAvailable paid tools:\n")
		for _, tool := range req.Tools {
			fmt.Fprintf(&b, "- %s (%s USDC per call): %s\n", tool.Name, tool.Cost, truncate(tool.Description))
		}
	}
	if len(req.Messages) > 0 {
		b.WriteString("\nMessages from other agents:\n")
		for idx, msg := range req.Messages {
			if idx >= maxMessages {
				break
			}
			fmt.Fprintf(&b, "[%s] %s\n", msg.From, truncate(msg.Body))
		}
	}
	b.WriteString("\nAnswer the task directly and mention which tools you would call.")
	return b.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if runes := []rune(text); len(runes) > 200 {
		return string(runes[:200]) + "..."
	}
	return text
}
