// Package hie calls the HIE network adapters that run document queries.
package hie

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Config describes one adapter endpoint.
type Config struct {
	// Network names the HIE network, for logs.
	Network         string
	BaseURL         string
	Timeout         time.Duration
	MaxRetries      int
	CallbackBaseURL string
	Protocol        Protocol
}

// Client starts document queries on one adapter.
type Client struct {
	network     string
	protocol    Protocol
	callbackURL string
	http        *resty.Client
	logger      zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s: base url is required", cfg.Network)
	}
	if cfg.Protocol == nil {
		cfg.Protocol = currentProtocol{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &Client{
		network:     cfg.Network,
		protocol:    cfg.Protocol,
		callbackURL: strings.TrimRight(cfg.CallbackBaseURL, "/"),
		logger: logger.With().
			Str("component", "hie").
			Str("network", cfg.Network).
			Str("protocol", cfg.Protocol.Name()).
			Logger(),
		http: resty.New().
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetTimeout(cfg.Timeout).
			SetRetryCount(cfg.MaxRetries).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(2 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return r.StatusCode() == http.StatusTooManyRequests || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
			}),
	}, nil
}

func (c *Client) Network() string { return c.network }

// StartDocumentQuery hands the query to the adapter. The adapter answers
// once it has accepted the work; results arrive later through callbacks.
func (c *Client) StartDocumentQuery(ctx context.Context, req QueryRequest) error {
	if req.CallbackURL == "" && c.callbackURL != "" {
		req.CallbackURL = fmt.Sprintf("%s/api/v1/internal/patients/%s/document-query", c.callbackURL, req.PatientID)
	}
	call := c.protocol.StartQuery(req)

	r := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Request-ID", req.RequestID).
		SetBody(call.Body)
	if len(call.Query) > 0 {
		r.SetQueryParams(call.Query)
	}

	start := time.Now()
	resp, err := r.Execute(call.Method, call.Path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", call.Method, call.Path, err)
	}
	if !resp.IsSuccess() {
		body := resp.String()
		if len(body) > 512 {
			body = body[:512]
		}
		return fmt.Errorf("%s %s: status %d: %s", call.Method, call.Path, resp.StatusCode(), body)
	}

	c.logger.Debug().
		Str("patient_id", req.PatientID.String()).
		Str("request_id", req.RequestID).
		Int("status", resp.StatusCode()).
		Dur("latency", time.Since(start)).
		Msg("document query accepted")
	return nil
}
