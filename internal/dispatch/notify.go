package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/smtp"
	"strings"

	"github.com/soochol/nodeflow/internal/flow"
	"github.com/soochol/nodeflow/internal/flow/ports"
)

// slackAction posts to a Slack incoming webhook.
type slackAction struct {
	client *http.Client
}

func (a *slackAction) ID() string { return flow.ActionSlackMessage }

func (a *slackAction) Run(ctx context.Context, cfg flow.ActionConfig) (map[string]any, error) {
	c := cfg.(*flow.SlackMessageConfig)
	if c.WebhookURL == "" {
		return nil, fmt.Errorf("slack webhookUrl is required")
	}
	if c.Text == "" {
		return nil, fmt.Errorf("slack message text is empty")
	}
	payload := map[string]string{"text": c.Text}
	if c.Channel != "" {
		payload["channel"] = c.Channel
	}
	if _, err := postJSON(ctx, a.client, c.WebhookURL, payload); err != nil {
		return nil, fmt.Errorf("slack send: %w", err)
	}
	return map[string]any{"sent": true, "channel": c.Channel}, nil
}

// telegramAction sends a message through the Bot API. The bot token comes
// from the credential store.
type telegramAction struct {
	client  *http.Client
	tokens  ports.TokenProvider
	baseURL string
}

func (a *telegramAction) ID() string { return flow.ActionTelegramMessage }

func (a *telegramAction) Run(ctx context.Context, cfg flow.ActionConfig) (map[string]any, error) {
	c := cfg.(*flow.TelegramMessageConfig)
	if c.ChatID == "" {
		return nil, fmt.Errorf("telegram chatId is required")
	}
	if c.CredentialID == "" {
		return nil, fmt.Errorf("telegram credentialId is required")
	}
	bot, err := token(ctx, a.tokens, c.CredentialID)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", a.baseURL, bot)
	raw, err := postJSON(ctx, a.client, url, map[string]string{"chat_id": c.ChatID, "text": c.Text})
	if err != nil {
		return nil, fmt.Errorf("telegram send: %w", err)
	}
	var resp struct {
		OK     bool `json:"ok"`
		Result struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("telegram response: %w", err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("telegram API: %s", resp.Description)
	}
	return map[string]any{"sent": true, "chatId": c.ChatID, "messageId": resp.Result.MessageID}, nil
}

// emailAction sends a plain-text mail over SMTP. The credential, when set,
// supplies the SMTP password for PLAIN auth.
type emailAction struct {
	tokens ports.TokenProvider
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (a *emailAction) ID() string { return flow.ActionEmailSend }

func (a *emailAction) Run(ctx context.Context, cfg flow.ActionConfig) (map[string]any, error) {
	c := cfg.(*flow.EmailConfig)
	if c.Host == "" || c.From == "" || c.To == "" {
		return nil, fmt.Errorf("email requires host, from and to")
	}
	port := c.Port
	if port == 0 {
		port = 587
	}
	password, err := token(ctx, a.tokens, c.CredentialID)
	if err != nil {
		return nil, err
	}

	recipients := splitAddresses(c.To)
	subject := mime.QEncoding.Encode("utf-8", c.Subject)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		c.From, strings.Join(recipients, ", "), subject, c.Body)

	var auth smtp.Auth
	if password != "" {
		auth = smtp.PlainAuth("", c.From, password, c.Host)
	}

	// net/smtp has no context support; run the send aside so the dispatcher
	// timeout still bounds the node.
	done := make(chan error, 1)
	go func() {
		done <- a.send(fmt.Sprintf("%s:%d", c.Host, port), auth, c.From, recipients, []byte(msg))
	}()
	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("smtp send: %w", err)
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("smtp send: %w", ctx.Err())
	}
	return map[string]any{"sent": true, "to": toAny(recipients), "subject": c.Subject}, nil
}

func splitAddresses(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' }) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode >= 400 {
		return raw, fmt.Errorf("status %d: %s", resp.StatusCode, snippet(raw))
	}
	return raw, nil
}

// decodeBody returns JSON bodies as structured values so downstream
// placeholders can reach into them; anything else stays a string.
func decodeBody(contentType string, raw []byte) any {
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
