package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"tradeguard/internal/config"
	httpclient "tradeguard/pkg/http"
)

var slackColors = map[AlertLevel]string{
	Info:     "#36a64f",
	Warning:  "#ffcc00",
	Error:    "#ff0000",
	Critical: "#8b0000",
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color    string       `json:"color"`
	Pretext  string       `json:"pretext"`
	Text     string       `json:"text"`
	Fields   []slackField `json:"fields,omitempty"`
	Footer   string       `json:"footer"`
	TS       int64        `json:"ts"`
	Fallback string       `json:"fallback"`
}

type slackMessage struct {
	Attachments []slackAttachment `json:"attachments"`
}

// SlackChannel posts attachments to an incoming webhook. An empty webhook
// disables it.
type SlackChannel struct {
	webhookURL config.Secret
	client     *httpclient.Client
}

func NewSlackChannel(webhookURL config.Secret) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     httpclient.NewClient(webhookURL.Reveal(), httpclient.DefaultOptions()),
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, alert AlertPayload) error {
	if s.webhookURL == "" {
		return nil
	}
	if _, err := s.client.PostJSON(ctx, "", slackMessageFor(alert)); err != nil {
		return fmt.Errorf("slack webhook: %s", s.webhookURL.Scrub(err.Error()))
	}
	return nil
}

func slackMessageFor(alert AlertPayload) slackMessage {
	color, ok := slackColors[alert.Level]
	if !ok {
		color = slackColors[Info]
	}
	pretext := fmt.Sprintf("[%s] %s", alert.Level, alert.Title)

	att := slackAttachment{
		Color:    color,
		Pretext:  pretext,
		Text:     alert.Message,
		Footer:   footer(alert),
		TS:       alert.Timestamp.Unix(),
		Fallback: pretext + ": " + alert.Message,
	}
	for _, k := range sortedKeys(alert.Fields) {
		att.Fields = append(att.Fields, slackField{Title: k, Value: alert.Fields[k], Short: true})
	}
	return slackMessage{Attachments: []slackAttachment{att}}
}

// footer names the service, the event source and the event id, when known
func footer(alert AlertPayload) string {
	parts := []string{"tradeguard"}
	for _, p := range []string{alert.Source, alert.EventID} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " | ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
