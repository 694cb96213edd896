// Package webhook delivers signed JSON events to a subscriber endpoint.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	IDHeader        = "X-Webhook-ID"
	TimestampHeader = "X-Webhook-Timestamp"
)

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when signature (optionally prefixed with
// "sha256=") matches the HMAC-SHA256 of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// Config holds the subscriber endpoint settings.
type Config struct {
	URL        string
	Secret     string
	Timeout    time.Duration
	MaxRetries int
}

// DeliveryAttempt records the outcome of one delivery.
type DeliveryAttempt struct {
	ID         string        `json:"id"`
	EventID    string        `json:"eventId"`
	StatusCode int           `json:"statusCode"`
	Duration   time.Duration `json:"durationNs"`
	Attempts   int           `json:"attempts"`
	Signature  string        `json:"signature"`
}

// Option configures a Client.
type Option func(*Client)

// WithRetryWait overrides the wait between retries.
func WithRetryWait(wait, maxWait time.Duration) Option {
	return func(c *Client) {
		c.http.SetRetryWaitTime(wait).SetRetryMaxWaitTime(maxWait)
	}
}

// Client posts events to a single subscriber URL. Deliveries are retried
// on transport errors, 429 and 5xx responses.
type Client struct {
	url    string
	secret string
	http   *resty.Client
	logger zerolog.Logger
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

func NewClient(cfg Config, logger zerolog.Logger, opts ...Option) (*Client, error) {
	if err := validateURL(cfg.URL); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	c := &Client{
		url:    cfg.URL,
		secret: cfg.Secret,
		logger: logger.With().Str("component", "webhook").Logger(),
		http: resty.New().
			SetTimeout(cfg.Timeout).
			SetRetryCount(cfg.MaxRetries).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
			}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Deliver signs event and POSTs it. A non-2xx final response is an error.
func (c *Client) Deliver(ctx context.Context, eventID string, event interface{}) (*DeliveryAttempt, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode webhook event: %w", err)
	}

	attempt := &DeliveryAttempt{
		ID:        uuid.NewString(),
		EventID:   eventID,
		Signature: SignPayload(payload, c.secret),
	}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(SignatureHeader, "sha256="+attempt.Signature).
		SetHeader(IDHeader, eventID).
		SetHeader(TimestampHeader, start.UTC().Format(time.RFC3339)).
		SetBody(payload).
		Post(c.url)
	attempt.Duration = time.Since(start)
	if resp != nil {
		attempt.StatusCode = resp.StatusCode()
		if resp.Request != nil {
			attempt.Attempts = resp.Request.Attempt
		}
	}

	log := c.logger.With().
		Str("event_id", eventID).
		Int("status", attempt.StatusCode).
		Int("attempts", attempt.Attempts).
		Dur("duration", attempt.Duration).
		Logger()

	if err != nil {
		log.Error().Err(err).Msg("webhook delivery failed")
		return attempt, fmt.Errorf("deliver webhook: %w", err)
	}
	if !resp.IsSuccess() {
		log.Error().Msg("webhook rejected")
		return attempt, fmt.Errorf("deliver webhook: non-2xx response: %d", attempt.StatusCode)
	}
	log.Debug().Msg("webhook delivered")
	return attempt, nil
}
