package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"rankrelay.org/internal/resilient"
)

// WebhookNotifier POSTs a JSON event to an operator endpoint.
type WebhookNotifier struct {
	url     string
	service string
	http    *http.Client
	rc      *resilient.Client
}

// NewWebhookNotifier sends through rc so transient webhook failures are retried.
func NewWebhookNotifier(url, service string, rc *resilient.Client, httpClient *http.Client) *WebhookNotifier {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &WebhookNotifier{url: url, service: service, http: httpClient, rc: rc}
}

type webhookEvent struct {
	Event   string    `json:"event"`
	Reason  string    `json:"reason"`
	Since   time.Time `json:"since"`
	Service string    `json:"service"`
}

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(ctx context.Context, st Status) error {
	body, err := json.Marshal(webhookEvent{
		Event:   "session_unhealthy",
		Reason:  st.Reason,
		Since:   st.Since,
		Service: w.service,
	})
	if err != nil {
		return err
	}
	return w.rc.Do(ctx, "session_webhook", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.http.Do(req)
		if err != nil {
			return err
		}
		if err := resilient.CheckResponse(resp, time.Now()); err != nil {
			return err
		}
		return resp.Body.Close()
	})
}
