package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ehr/fhirrepo/internal/platform/fhir"
)

// Headers set on every webhook delivery.
const (
	SignatureHeader = "X-Webhook-Signature"
	DeliveryHeader  = "X-Webhook-Delivery"
	TimestampHeader = "X-Webhook-Timestamp"
)

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature, with or without its "sha256="
// prefix, is the HMAC-SHA256 of payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(n *WebhookNotifier) { n.httpClient = c }
}

// WithRetryDelays sets the waits between attempts. One attempt is made per
// delay, plus the first.
func WithRetryDelays(delays ...time.Duration) WebhookOption {
	return func(n *WebhookNotifier) { n.retryDelays = delays }
}

// WebhookNotifier POSTs each change as a signed JSON Message to one URL.
type WebhookNotifier struct {
	url         string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
}

// NewWebhookNotifier validates rawURL and returns a notifier for it. An
// empty secret sends unsigned deliveries.
func NewWebhookNotifier(rawURL, secret string, opts ...WebhookOption) (*WebhookNotifier, error) {
	if err := validateWebhookURL(rawURL); err != nil {
		return nil, err
	}
	n := &WebhookNotifier{
		url:         rawURL,
		secret:      secret,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{500 * time.Millisecond, 2 * time.Second},
	}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// validateWebhookURL checks that the URL is non-empty and uses http or https.
func validateWebhookURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("webhook url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// Notify delivers r, retrying on transport errors and 5xx responses. A 4xx
// response is final.
func (n *WebhookNotifier) Notify(ctx context.Context, r fhir.Resource) error {
	payload, err := json.Marshal(NewMessage(r))
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	deliveryID := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt <= len(n.retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.retryDelays[attempt-1]):
			}
		}
		retry, err := n.deliver(ctx, deliveryID, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return lastErr
}

func (n *WebhookNotifier) deliver(ctx context.Context, deliveryID string, payload []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryHeader, deliveryID)
	req.Header.Set(TimestampHeader, time.Now().UTC().Format(time.RFC3339))
	if n.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+SignPayload(payload, n.secret))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
}
