package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jobs/opsmonitor/pkg/config"
)

// Channel delivers an alert to one notification endpoint.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

const (
	FormatSlack   = "slack"
	FormatDiscord = "discord"
	FormatGeneric = "generic"

	defaultUsername = "Backoffice API Bot"
	footerText      = "Backoffice API"
)

// WebhookChannel posts a JSON payload shaped for Slack, Discord or a plain
// alert document. Any 2xx response counts as delivered.
type WebhookChannel struct {
	name     string
	url      string
	format   string
	username string
	channel  string
	client   *http.Client
}

func NewWebhookChannel(cfg config.WebhookConfig, timeout time.Duration) *WebhookChannel {
	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = FormatGeneric
	}
	name := cfg.Name
	if name == "" {
		name = format
	}
	username := cfg.Username
	if username == "" {
		username = defaultUsername
	}
	return &WebhookChannel{
		name:     name,
		url:      cfg.URL,
		format:   format,
		username: username,
		channel:  cfg.Channel,
		client:   &http.Client{Timeout: timeout},
	}
}

func (w *WebhookChannel) Name() string {
	return w.name
}

func (w *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(w.payload(alert))
	if err != nil {
		return errors.Wrap(err, "encode webhook payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "post to %s", w.name)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Newf("%s webhook returned status %d", w.name, resp.StatusCode)
	}
	return nil
}

func (w *WebhookChannel) payload(alert Alert) any {
	switch w.format {
	case FormatSlack:
		return w.slackMessage(alert)
	case FormatDiscord:
		return w.discordMessage(alert)
	}
	return alert
}

type slackMessage struct {
	Username    string            `json:"username"`
	Channel     string            `json:"channel,omitempty"`
	IconEmoji   string            `json:"icon_emoji"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func (w *WebhookChannel) slackMessage(alert Alert) slackMessage {
	return slackMessage{
		Username:  w.username,
		Channel:   w.channel,
		IconEmoji: ":warning:",
		Attachments: []slackAttachment{{
			Color: slackColor(alert.Level),
			Title: fmt.Sprintf("%s %s", slackEmoji(alert.Level), alert.Title),
			Text:  alert.Message,
			Fields: []slackField{
				{Title: "Type", Value: string(alert.Type), Short: true},
				{Title: "Level", Value: strings.ToUpper(string(alert.Level)), Short: true},
				{Title: "Timestamp", Value: alert.Timestamp.UTC().Format(time.RFC1123), Short: true},
			},
			Footer: footerText,
			Ts:     alert.Timestamp.Unix(),
		}},
	}
}

type discordMessage struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields"`
	Footer      discordFooter  `json:"footer"`
	Timestamp   string         `json:"timestamp"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordFooter struct {
	Text string `json:"text"`
}

func (w *WebhookChannel) discordMessage(alert Alert) discordMessage {
	return discordMessage{
		Username: w.username,
		Embeds: []discordEmbed{{
			Title:       fmt.Sprintf("%s %s", discordEmoji(alert.Level), alert.Title),
			Description: alert.Message,
			Color:       discordColor(alert.Level),
			Fields: []discordField{
				{Name: "Type", Value: string(alert.Type), Inline: true},
				{Name: "Level", Value: strings.ToUpper(string(alert.Level)), Inline: true},
				{Name: "Timestamp", Value: alert.Timestamp.UTC().Format(time.RFC1123), Inline: true},
			},
			Footer:    discordFooter{Text: footerText},
			Timestamp: alert.Timestamp.UTC().Format(time.RFC3339),
		}},
	}
}

func slackColor(level AlertLevel) string {
	switch level {
	case AlertLevelWarning:
		return "#ff9500"
	case AlertLevelCritical:
		return "#ff0000"
	}
	return "#36a64f"
}

func slackEmoji(level AlertLevel) string {
	switch level {
	case AlertLevelWarning:
		return ":warning:"
	case AlertLevelCritical:
		return ":rotating_light:"
	}
	return ":information_source:"
}

func discordColor(level AlertLevel) int {
	switch level {
	case AlertLevelWarning:
		return 0xff9500
	case AlertLevelCritical:
		return 0xff0000
	}
	return 0x36a64f
}

func discordEmoji(level AlertLevel) string {
	switch level {
	case AlertLevelWarning:
		return "⚠️"
	case AlertLevelCritical:
		return "🚨"
	}
	return "ℹ️"
}
