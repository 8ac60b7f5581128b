package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/localdirectory/guardian/config"
	"github.com/localdirectory/guardian/models"
)

// Channel delivers one alert to one sink. Send must honor ctx cancellation.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert *models.AlertPayload) error
}

// ChannelsFromConfig returns a channel for every sink that has an endpoint.
func ChannelsFromConfig(cfg config.AlertConfig, client *http.Client) []Channel {
	if client == nil {
		client = &http.Client{}
	}

	var channels []Channel
	if cfg.WebhookURL != "" {
		channels = append(channels, &WebhookChannel{URL: cfg.WebhookURL, Client: client})
	}
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, &SlackChannel{URL: cfg.SlackWebhookURL, Client: client})
	}
	if cfg.DiscordWebhookURL != "" {
		channels = append(channels, &DiscordChannel{URL: cfg.DiscordWebhookURL, Client: client})
	}
	if cfg.EmailEndpoint != "" && len(cfg.EmailTo) > 0 {
		channels = append(channels, &EmailChannel{
			Endpoint: cfg.EmailEndpoint,
			APIKey:   cfg.EmailAPIKey,
			To:       cfg.EmailTo,
			Client:   client,
		})
	}
	return channels
}

// WebhookChannel posts the raw alert JSON.
type WebhookChannel struct {
	URL    string
	Client *http.Client
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, alert *models.AlertPayload) error {
	return postJSON(ctx, c.Client, c.URL, alert, nil)
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields,omitempty"`
	Footer string       `json:"footer,omitempty"`
	Ts     int64        `json:"ts"`
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

type SlackChannel struct {
	URL    string
	Client *http.Client
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Send(ctx context.Context, alert *models.AlertPayload) error {
	fields := []slackField{
		{Title: "Severity", Value: strings.ToUpper(string(alert.Severity)), Short: true},
		{Title: "Source", Value: string(alert.Source), Short: true},
		{Title: "Action Required", Value: yesNo(alert.ActionRequired), Short: true},
	}
	if len(alert.AffectedUsers) > 0 {
		fields = append(fields, slackField{Title: "Affected Users", Value: strings.Join(alert.AffectedUsers, ", ")})
	}
	if len(alert.AffectedIPs) > 0 {
		fields = append(fields, slackField{Title: "Affected IPs", Value: strings.Join(alert.AffectedIPs, ", ")})
	}
	for _, k := range sortedKeys(alert.Metadata) {
		fields = append(fields, slackField{Title: k, Value: alert.Metadata[k], Short: true})
	}

	msg := slackMessage{
		Text: fmt.Sprintf("%s %s", severityEmoji(alert.Severity), alert.Title),
		Attachments: []slackAttachment{{
			Color:  severityHex(alert.Severity),
			Title:  alert.Title,
			Text:   alert.Description,
			Fields: fields,
			Footer: "Guardian Security",
			Ts:     alert.Timestamp.Unix(),
		}},
	}
	return postJSON(ctx, c.Client, c.URL, msg, nil)
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbedFooter struct {
	Text string `json:"text"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Footer      *discordEmbedFooter `json:"footer,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
}

type discordMessage struct {
	Username string         `json:"username,omitempty"`
	Content  string         `json:"content,omitempty"`
	Embeds   []discordEmbed `json:"embeds,omitempty"`
}

type DiscordChannel struct {
	URL    string
	Client *http.Client
}

func (c *DiscordChannel) Name() string { return "discord" }

func (c *DiscordChannel) Send(ctx context.Context, alert *models.AlertPayload) error {
	fields := []discordEmbedField{
		{Name: "Severity", Value: strings.ToUpper(string(alert.Severity)), Inline: true},
		{Name: "Source", Value: string(alert.Source), Inline: true},
		{Name: "Action Required", Value: yesNo(alert.ActionRequired), Inline: true},
	}
	if len(alert.AffectedIPs) > 0 {
		fields = append(fields, discordEmbedField{Name: "Affected IPs", Value: "`" + strings.Join(alert.AffectedIPs, "`, `") + "`"})
	}
	if len(alert.AffectedUsers) > 0 {
		fields = append(fields, discordEmbedField{Name: "Affected Users", Value: strings.Join(alert.AffectedUsers, ", ")})
	}
	for _, k := range sortedKeys(alert.Metadata) {
		fields = append(fields, discordEmbedField{Name: k, Value: alert.Metadata[k], Inline: true})
	}

	msg := discordMessage{
		Username: "Guardian",
		Embeds: []discordEmbed{{
			Title:       fmt.Sprintf("%s %s", severityEmoji(alert.Severity), alert.Title),
			Description: alert.Description,
			Color:       severityColor(alert.Severity),
			Fields:      fields,
			Footer:      &discordEmbedFooter{Text: "Guardian Security"},
			Timestamp:   alert.Timestamp.UTC().Format(time.RFC3339),
		}},
	}
	return postJSON(ctx, c.Client, c.URL, msg, nil)
}

var emailTemplate = template.Must(template.New("alert").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="border-left: 6px solid {{.Color}}; padding: 12px 16px;">
    <h2 style="color: {{.Color}}; margin-top: 0;">{{.Alert.Title}}</h2>
    <p>{{.Alert.Description}}</p>
    <table cellpadding="4">
      <tr><td><strong>Severity</strong></td><td>{{.Severity}}</td></tr>
      <tr><td><strong>Source</strong></td><td>{{.Alert.Source}}</td></tr>
      <tr><td><strong>Time</strong></td><td>{{.Time}}</td></tr>
      <tr><td><strong>Action required</strong></td><td>{{if .Alert.ActionRequired}}Yes{{else}}No{{end}}</td></tr>
      {{if .Alert.AffectedUsers}}<tr><td><strong>Affected users</strong></td><td>{{range $i, $u := .Alert.AffectedUsers}}{{if $i}}, {{end}}{{$u}}{{end}}</td></tr>{{end}}
      {{if .Alert.AffectedIPs}}<tr><td><strong>Affected IPs</strong></td><td>{{range $i, $ip := .Alert.AffectedIPs}}{{if $i}}, {{end}}{{$ip}}{{end}}</td></tr>{{end}}
      {{range .Metadata}}<tr><td><strong>{{.Key}}</strong></td><td>{{.Value}}</td></tr>{{end}}
    </table>
    <p style="color: #888; font-size: 12px;">Alert ID {{.Alert.ID}}</p>
  </div>
</body>
</html>`))

type emailMessage struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type kv struct {
	Key   string
	Value string
}

// EmailChannel renders the alert as HTML and hands it to an email-send API.
type EmailChannel struct {
	Endpoint string
	APIKey   string
	To       []string
	Client   *http.Client
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(ctx context.Context, alert *models.AlertPayload) error {
	body, err := RenderEmail(alert)
	if err != nil {
		return err
	}

	msg := emailMessage{
		To:      c.To,
		Subject: fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title),
		HTML:    body,
	}

	var headers map[string]string
	if c.APIKey != "" {
		headers = map[string]string{"Authorization": "Bearer " + c.APIKey}
	}
	return postJSON(ctx, c.Client, c.Endpoint, msg, headers)
}

// RenderEmail produces the HTML body used by the email channel.
func RenderEmail(alert *models.AlertPayload) (string, error) {
	meta := make([]kv, 0, len(alert.Metadata))
	for _, k := range sortedKeys(alert.Metadata) {
		meta = append(meta, kv{Key: k, Value: alert.Metadata[k]})
	}

	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, struct {
		Alert    *models.AlertPayload
		Color    string
		Severity string
		Time     string
		Metadata []kv
	}{
		Alert:    alert,
		Color:    severityHex(alert.Severity),
		Severity: strings.ToUpper(string(alert.Severity)),
		Time:     alert.Timestamp.UTC().Format(time.RFC1123),
		Metadata: meta,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render alert email: %w", err)
	}
	return buf.String(), nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body interface{}, headers map[string]string) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("alert endpoint returned status %d", resp.StatusCode)
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

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
