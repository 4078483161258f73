// Package sms sends text messages through the Twilio Messages API.
package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds Twilio credentials. Callback is the number texted when a
// delivery-status webhook reports undelivered.
type Config struct {
	SID      string
	Token    string
	From     string
	Callback string
}

// Report is the provider response passed through into action reports.
type Report struct {
	OK     bool   `json:"ok"`
	Status int    `json:"status"`
	SID    string `json:"sid,omitempty"`
	Body   string `json:"body,omitempty"`
}

// Sender posts messages to Twilio.
type Sender struct {
	cfg    Config
	client *http.Client
	base   string
}

func New(cfg Config) *Sender {
	return &Sender{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		base:   "https://api.twilio.com",
	}
}

// Enabled reports whether credentials are configured.
func (s *Sender) Enabled() bool { return s.cfg.SID != "" && s.cfg.Token != "" }

// Callback returns the configured status-callback number.
func (s *Sender) Callback() string { return s.cfg.Callback }

// Send dispatches one text message.
func (s *Sender) Send(ctx context.Context, to, body string) (Report, error) {
	if !s.Enabled() {
		return Report{}, fmt.Errorf("sms: no Twilio credentials configured")
	}
	form := url.Values{
		"To":   {to},
		"From": {s.cfg.From},
		"Body": {body},
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.base, s.cfg.SID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return Report{}, err
	}
	req.SetBasicAuth(s.cfg.SID, s.cfg.Token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return Report{}, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	report := Report{
		OK:     resp.StatusCode < 400,
		Status: resp.StatusCode,
		Body:   string(raw),
	}
	var decoded struct {
		SID string `json:"sid"`
	}
	if json.Unmarshal(raw, &decoded) == nil {
		report.SID = decoded.SID
	}
	if !report.OK {
		return report, fmt.Errorf("twilio error %d", resp.StatusCode)
	}
	return report, nil
}
