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

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"deposit-gateway/internal/gateway"
)

// Notification describes a rejected deposit worth paging about.
type Notification struct {
	At            time.Time
	Code          gateway.Code
	Sender        common.Address
	Asset         common.Address
	TxType        gateway.TxType
	Amount        uint64
	WindowID      uint64
	Detail        string
	Channels      []string
	AdditionalMsg string
}

// Notifier defines alert delivery.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
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

// Notify calls sendMessage with the rendered text.
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
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("code", string(note.Code)).
		Str("asset", note.Asset.Hex()).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("alert sent (telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Deposit Gateway Alert]\n")
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Rejected: %s\n", note.Code))
	builder.WriteString(fmt.Sprintf("Type: %s\n", note.TxType))
	builder.WriteString(fmt.Sprintf("Sender: %s\n", note.Sender.Hex()))
	if gateway.IsNative(note.Asset) {
		builder.WriteString("Asset: native\n")
	} else {
		builder.WriteString(fmt.Sprintf("Asset: %s\n", note.Asset.Hex()))
	}
	builder.WriteString(fmt.Sprintf("Amount: %d\n", note.Amount))
	builder.WriteString(fmt.Sprintf("Window: %d\n", note.WindowID))
	if note.Detail != "" {
		builder.WriteString(fmt.Sprintf("Detail: %s\n", note.Detail))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

// Cooldown suppresses repeats of the same (code, asset) alert for a period.
type Cooldown struct {
	next   Notifier
	period time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewCooldown wraps next. A non-positive period disables suppression.
func NewCooldown(next Notifier, period time.Duration) *Cooldown {
	return &Cooldown{next: next, period: period, now: time.Now, last: make(map[string]time.Time)}
}

// Notify forwards the notification unless an identical one was sent recently.
func (c *Cooldown) Notify(ctx context.Context, note Notification) error {
	key := string(note.Code) + "/" + note.Asset.Hex()
	now := c.now()

	c.mu.Lock()
	if last, ok := c.last[key]; ok && c.period > 0 && now.Sub(last) < c.period {
		c.mu.Unlock()
		return nil
	}
	c.last[key] = now
	c.mu.Unlock()

	if err := c.next.Notify(ctx, note); err != nil {
		c.mu.Lock()
		delete(c.last, key)
		c.mu.Unlock()
		return err
	}
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*Cooldown)(nil)
)
