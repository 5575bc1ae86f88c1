package alert

import (
	"context"
	"fmt"
	"strings"

	"tradeguard/internal/config"
	httpclient "tradeguard/pkg/http"
)

const telegramAPI = "https://api.telegram.org"

var telegramIcons = map[AlertLevel]string{
	Info:     "ℹ️",
	Warning:  "⚠️",
	Error:    "❌",
	Critical: "🚨",
}

// Legacy Markdown only treats these as markup
var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

type telegramMessage struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	ParseMode           string `json:"parse_mode"`
	DisableNotification bool   `json:"disable_notification"`
}

// TelegramChannel sends through the Bot API. Alerts below ERROR are delivered
// silently. A missing token or chat id disables it.
type TelegramChannel struct {
	botToken config.Secret
	chatID   string
	client   *httpclient.Client
}

func NewTelegramChannel(botToken config.Secret, chatID string) *TelegramChannel {
	return newTelegramChannel(telegramAPI, botToken, chatID)
}

func newTelegramChannel(baseURL string, botToken config.Secret, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		client:   httpclient.NewClient(baseURL, httpclient.DefaultOptions()),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, alert AlertPayload) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	msg := telegramMessage{
		ChatID:              t.chatID,
		Text:                telegramText(alert),
		ParseMode:           "Markdown",
		DisableNotification: !alert.Level.AtLeast(Error),
	}
	path := fmt.Sprintf("/bot%s/sendMessage", t.botToken.Reveal())
	if _, err := t.client.PostJSON(ctx, path, msg); err != nil {
		// The error text would carry the token inside the URL
		return fmt.Errorf("telegram api: %w", &redactedError{err: err, secret: t.botToken})
	}
	return nil
}

func telegramText(alert AlertPayload) string {
	icon, ok := telegramIcons[alert.Level]
	if !ok {
		icon = telegramIcons[Info]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s] %s*\n\n%s", icon, alert.Level, markdownEscaper.Replace(alert.Title), markdownEscaper.Replace(alert.Message))
	if len(alert.Fields) > 0 {
		b.WriteString("\n")
		for _, k := range sortedKeys(alert.Fields) {
			fmt.Fprintf(&b, "\n- *%s*: %s", markdownEscaper.Replace(k), markdownEscaper.Replace(alert.Fields[k]))
		}
	}
	if alert.EventID != "" {
		fmt.Fprintf(&b, "\n\n_%s_", markdownEscaper.Replace(footer(alert)))
	}
	return b.String()
}

type redactedError struct {
	err    error
	secret config.Secret
}

func (e *redactedError) Error() string { return e.secret.Scrub(e.err.Error()) }

func (e *redactedError) Unwrap() error { return e.err }
