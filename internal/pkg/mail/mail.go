// Package mail sends email through the SendGrid v3 API. The provider's
// response passes through unchanged into action reports.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const endpoint = "https://api.sendgrid.com/v3/mail/send"

// Config holds SendGrid credentials.
type Config struct {
	Key  string
	From string
}

// Message is a single email to send. Address fields hold bare emails;
// username translation happens before the sender is reached.
type Message struct {
	To      []string
	CC      []string
	BCC     []string
	From    string
	Subject string
	Text    string
	HTML    string
}

// Report is what an action returns to the client.
type Report struct {
	OK     bool   `json:"ok"`
	Status int    `json:"status"`
	Body   string `json:"body,omitempty"`
}

// Sender posts messages to SendGrid.
type Sender struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Sender {
	return &Sender{cfg: cfg, client: &http.Client{Timeout: 15 * time.Second}}
}

// Enabled reports whether credentials are configured.
func (s *Sender) Enabled() bool { return s.cfg.Key != "" }

func addressList(emails []string) []map[string]string {
	if len(emails) == 0 {
		return nil
	}
	out := make([]map[string]string, 0, len(emails))
	for _, e := range emails {
		out = append(out, map[string]string{"email": e})
	}
	return out
}

// Send dispatches one message and returns the provider report.
func (s *Sender) Send(ctx context.Context, msg Message) (Report, error) {
	if !s.Enabled() {
		return Report{}, fmt.Errorf("mail: no SendGrid key configured")
	}
	if len(msg.To) == 0 {
		return Report{}, fmt.Errorf("mail: no recipients")
	}
	from := msg.From
	if from == "" {
		from = s.cfg.From
	}

	personalization := map[string]any{"to": addressList(msg.To)}
	if cc := addressList(msg.CC); cc != nil {
		personalization["cc"] = cc
	}
	if bcc := addressList(msg.BCC); bcc != nil {
		personalization["bcc"] = bcc
	}
	var content []map[string]string
	if msg.Text != "" {
		content = append(content, map[string]string{"type": "text/plain", "value": msg.Text})
	}
	if msg.HTML != "" {
		content = append(content, map[string]string{"type": "text/html", "value": msg.HTML})
	}
	payload, err := json.Marshal(map[string]any{
		"personalizations": []any{personalization},
		"from":             map[string]string{"email": from},
		"subject":          msg.Subject,
		"content":          content,
	})
	if err != nil {
		return Report{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Report{}, err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.Key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Report{}, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	report := Report{
		OK:     resp.StatusCode < 400,
		Status: resp.StatusCode,
		Body:   string(body),
	}
	if !report.OK {
		return report, fmt.Errorf("sendgrid error %d", resp.StatusCode)
	}
	return report, nil
}
