// Package notify delivers alert notifications. Every channel is best effort:
// a failed send is reported to the caller, which logs it and moves on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/config"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/repo"
)

const defaultWebhookTimeout = 5 * time.Second

type Recipient struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role"`
}

type Message struct {
	DealID  string `json:"deal_id"`
	Level   string `json:"level"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type Dispatcher interface {
	Send(ctx context.Context, to Recipient, msg Message) error
}

// DeliveryError reports a failed send on one channel.
type DeliveryError struct {
	Channel   string
	Recipient string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s: %v", e.Channel, e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Webhook POSTs each message as JSON to the configured endpoints.
type Webhook struct {
	Hooks  []config.WebhookConfig
	Client *http.Client
}

type webhookBody struct {
	ID        string    `json:"id"`
	Recipient Recipient `json:"recipient"`
	Message
}

func (w Webhook) Send(ctx context.Context, to Recipient, msg Message) error {
	var errs []error
	for _, hook := range w.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" || !levelMatch(hook.Levels, msg.Level) {
			continue
		}
		if err := w.post(ctx, hook, to, msg); err != nil {
			errs = append(errs, &DeliveryError{Channel: "webhook", Recipient: to.UserID, Err: err})
		}
	}
	return errors.Join(errs...)
}

func (w Webhook) post(ctx context.Context, hook config.WebhookConfig, to Recipient, msg Message) error {
	id := uuid.NewString()
	data, err := json.Marshal(webhookBody{ID: id, Recipient: to, Message: msg})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dealflow-Level", msg.Level)
	req.Header.Set("X-Dealflow-Delivery", id)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Dealflow-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func levelMatch(levels []string, level string) bool {
	if len(levels) == 0 {
		return true
	}
	for _, l := range levels {
		if strings.TrimSpace(l) == level {
			return true
		}
	}
	return false
}

// InApp stores the message in the notifications table.
type InApp struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (a InApp) Send(ctx context.Context, to Recipient, msg Message) error {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	err := a.Repo.InsertNotification(ctx, domain.Notification{
		ID:        uuid.NewString(),
		UserID:    to.UserID,
		DealID:    msg.DealID,
		Subject:   msg.Subject,
		Body:      msg.Body,
		CreatedAt: repo.FormatTime(now()),
	})
	if err != nil {
		return &DeliveryError{Channel: "in_app", Recipient: to.UserID, Err: err}
	}
	return nil
}

// Log writes the message to a logger. Used when no other channel is configured.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Send(_ context.Context, to Recipient, msg Message) error {
	if l.Logger != nil {
		l.Logger.Info("notification", "recipient", to.UserID, "role", to.Role, "deal_id", msg.DealID, "level", msg.Level, "subject", msg.Subject)
	}
	return nil
}

// Multi fans a message out to every dispatcher and joins their errors.
type Multi []Dispatcher

func (m Multi) Send(ctx context.Context, to Recipient, msg Message) error {
	var errs []error
	for _, d := range m {
		if err := d.Send(ctx, to, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds the dispatcher set for cfg: in-app rows, webhooks, and a log line.
func FromConfig(cfg *config.Config, r repo.Repo, logger *slog.Logger, now func() time.Time) Dispatcher {
	m := Multi{Log{Logger: logger}}
	if cfg == nil {
		return m
	}
	if cfg.Notifications.InApp {
		m = append(m, InApp{Repo: r, Now: now})
	}
	if len(cfg.Notifications.Webhooks) > 0 {
		m = append(m, Webhook{Hooks: cfg.Notifications.Webhooks})
	}
	return m
}
