package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification 封装一次数据质量告警。
type Notification struct {
	Symbol          string
	Bucket          time.Time
	Start           time.Time
	End             time.Time
	Primary         string
	Sources         []string
	Conflicts       int
	Overrides       int
	FallbackUsed    int
	Unfilled        int
	MaxDeviationPct decimal.Decimal
	// Failures maps provider name to its error message.
	Failures      map[string]string
	Channels      []string
	AdditionalMsg string
}

// AllFailed reports whether no source produced data.
func (n Notification) AllFailed() bool {
	return len(n.Sources) == 0 && len(n.Failures) > 0
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
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("symbol", note.Symbol).
		Int("conflicts", note.Conflicts).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	if note.AllFailed() {
		builder.WriteString("[OHLCV Alert] all sources failed\n")
	} else {
		builder.WriteString("[OHLCV Alert] source conflicts\n")
	}
	builder.WriteString(fmt.Sprintf("Symbol: %s\n", note.Symbol))
	if !note.Bucket.IsZero() {
		builder.WriteString(fmt.Sprintf("Bucket: %s UTC\n", note.Bucket.UTC().Format(time.RFC3339)))
	}
	if !note.Start.IsZero() || !note.End.IsZero() {
		builder.WriteString(fmt.Sprintf("Range: %s .. %s\n", formatDate(note.Start), formatDate(note.End)))
	}
	if note.Primary != "" {
		builder.WriteString(fmt.Sprintf("Primary: %s\n", note.Primary))
	}
	if len(note.Sources) > 0 {
		builder.WriteString(fmt.Sprintf("Sources: %s\n", strings.Join(note.Sources, ",")))
	}
	if note.Conflicts > 0 {
		builder.WriteString(fmt.Sprintf("Conflicts: %d (overrides %d, max deviation %s%%)\n",
			note.Conflicts, note.Overrides, note.MaxDeviationPct.StringFixed(3)))
	}
	if note.FallbackUsed > 0 || note.Unfilled > 0 {
		builder.WriteString(fmt.Sprintf("Fallback rows: %d, unfilled sessions: %d\n", note.FallbackUsed, note.Unfilled))
	}
	if len(note.Failures) > 0 {
		names := make([]string, 0, len(note.Failures))
		for name := range note.Failures {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			builder.WriteString(fmt.Sprintf("Failed %s: %s\n", name, note.Failures[name]))
		}
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02")
}

var _ Notifier = (*TelegramNotifier)(nil)
