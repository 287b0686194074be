package alert

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/optrail/optrail/internal/config"
)

// WebhookSender posts alerts as JSON to a generic HTTP endpoint.
// Deliveries carry the alert type in X-OpTrail-Event and, when a
// secret is configured, an HMAC-SHA256 signature in
// X-OpTrail-Signature so receivers can authenticate the payload.
type WebhookSender struct {
	config config.WebhookAlert
	client *http.Client
}

func NewWebhookSender(cfg config.WebhookAlert) *WebhookSender {
	return &WebhookSender{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookSender) Name() string { return "webhook" }

func (w *WebhookSender) Send(alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := w.buildRequest(alert.Type, body)
	if err != nil {
		return err
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (w *WebhookSender) buildRequest(event string, body []byte) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "OpTrail/1.0")
	req.Header.Set("X-OpTrail-Event", event)
	if w.config.Secret != "" {
		req.Header.Set("X-OpTrail-Signature", signPayload(body, []byte(w.config.Secret)))
	}
	return req, nil
}

// signPayload returns the signature in the sha256=<hex> form most
// webhook receivers already parse.
func signPayload(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
