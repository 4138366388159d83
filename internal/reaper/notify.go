package reaper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Kind identifies a tenant notification.
type Kind string

const (
	KindWarning Kind = "warning"
	KindBlocked Kind = "blocked"
	KindDeleted Kind = "deleted"
)

// Notice is one message for a tenant.
type Notice struct {
	Kind     Kind       `json:"kind"`
	TenantID string     `json:"tenant_id"`
	Plan     string     `json:"plan,omitempty"`
	Expiry   *time.Time `json:"expiry,omitempty"`
	// GraceUntil is set for KindBlocked.
	GraceUntil *time.Time `json:"grace_until,omitempty"`
}

// Notifier delivers notices to tenants. Delivery failures are reported to the
// caller, which logs them and carries on.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// LogNotifier writes notices to the structured log. It is the fallback when
// no delivery channel is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notice) error {
	attrs := []any{"kind", n.Kind, "tenant", n.TenantID}
	if n.Expiry != nil {
		attrs = append(attrs, "expiry", n.Expiry.Format(time.DateTime))
	}
	if n.GraceUntil != nil {
		attrs = append(attrs, "grace_until", n.GraceUntil.Format(time.DateTime))
	}
	slog.Info("tenant notice", attrs...)
	return nil
}

// WebhookNotifier POSTs each notice as JSON to URL.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notice) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// MultiNotifier notifies through every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, x := range m {
		if err := x.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
