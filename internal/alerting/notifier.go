package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Reasons a sync cycle raises an alert.
const (
	ReasonPersistFailed     = "persist_failed"
	ReasonAllAdaptersFailed = "all_adapters_failed"
)

// AdapterFailure is one adapter error carried by a Notification.
type AdapterFailure struct {
	Adapter string
	Error   string
}

// Notification 封装告警上下文。
type Notification struct {
	CycleID       string
	At            time.Time
	Reason        string
	Failures      []AdapterFailure
	Quotes        int
	AdditionalMsg string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("cycle_id", note.CycleID).
		Str("reason", note.Reason).
		Int("failures", len(note.Failures)).
		Msg("alert sent (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[VES Rates Sync Alert]\n")
	builder.WriteString(fmt.Sprintf("Cycle: %s\n", note.CycleID))
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Reason: %s\n", note.Reason))
	builder.WriteString(fmt.Sprintf("Quotes: %d\n", note.Quotes))
	for _, f := range note.Failures {
		builder.WriteString(fmt.Sprintf("- %s: %s\n", f.Adapter, f.Error))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

// Cooldown suppresses repeated notifications with the same reason inside a window.
type Cooldown struct {
	next   Notifier
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewCooldown wraps next. A non-positive window disables suppression.
func NewCooldown(next Notifier, window time.Duration) *Cooldown {
	return &Cooldown{next: next, window: window, now: time.Now, last: make(map[string]time.Time)}
}

// Notify forwards note unless one with the same reason was sent within the window.
func (c *Cooldown) Notify(ctx context.Context, note Notification) error {
	if c.window > 0 {
		c.mu.Lock()
		now := c.now()
		if sent, ok := c.last[note.Reason]; ok && now.Sub(sent) < c.window {
			c.mu.Unlock()
			return nil
		}
		c.last[note.Reason] = now
		c.mu.Unlock()
	}
	return c.next.Notify(ctx, note)
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*Cooldown)(nil)
)
