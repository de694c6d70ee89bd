package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	xerrors "X402-Agent/internal/errors"
	"X402-Agent/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
	ChannelSlack   Channel = "slack"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	Source     string            `json:"source"`
	Subject    string            `json:"subject,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// FromError 根据统一错误构造告警事件。
func FromError(source, subject string, err error) Event {
	event := Event{
		Code:       xerrors.CodeOf(err),
		Severity:   xerrors.SeverityOf(err),
		Source:     source,
		Subject:    subject,
		OccurredAt: time.Now().UTC(),
	}
	if err != nil {
		event.Message = err.Error()
	}
	if e, ok := xerrors.From(err); ok {
		event.Metadata = e.Metadata()
		event.Attempts, event.MaxRetries = e.Attempts()
	}
	return event
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Channels 返回已注册的渠道。
func (d *FanoutDispatcher) Channels() []Channel {
	if d == nil {
		return nil
	}
	out := make([]Channel, 0, len(d.notifiers))
	for ch := range d.notifiers {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 将告警写入应用日志与审计日志。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录告警。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("source", event.Source),
		slog.String("subject", event.Subject),
		slog.Int("attempts", event.Attempts),
	}
	for _, k := range sortedKeys(event.Metadata) {
		attrs = append(attrs, slog.String("meta."+k, event.Metadata[k]))
	}
	logger.Named("alerting").Warn(event.Message, attrs...)
	logger.Audit().Warn("alert raised", attrs...)
	return nil
}

// WebhookNotifier 以 JSON 形式向 HTTP 端点推送告警。
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// Channel 返回 Webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 推送告警事件。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || strings.TrimSpace(n.URL) == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("subject", event.Subject))
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("编码告警事件失败: %w", err)
	}
	return post(ctx, n.Client, n.URL, body)
}

// SlackNotifier 通过 Slack Incoming Webhook 发送告警。
type SlackNotifier struct {
	WebhookURL string
	Client     *http.Client
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || strings.TrimSpace(n.WebhookURL) == "" {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("subject", event.Subject))
		return nil
	}
	text := fmt.Sprintf("*[%s]* %s - %s", event.Severity, event.Code, event.Message)
	if event.Subject != "" {
		text += fmt.Sprintf(" (%s)", event.Subject)
	}
	if event.MaxRetries > 0 {
		text += fmt.Sprintf(" 重试 %d/%d", event.Attempts, event.MaxRetries)
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	return post(ctx, n.Client, n.WebhookURL, body)
}

func post(ctx context.Context, client *http.Client, url string, body []byte) error {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("告警端点返回状态码 %d", resp.StatusCode)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
