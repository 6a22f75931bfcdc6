package listhost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amaumene/sermonsync/internal/config"
	"github.com/amaumene/sermonsync/internal/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	apiPrefix      = "/v1"
	maxRetries     = 4
	summaryTTL     = 30 * time.Second
	summaryCleanup = 5 * time.Minute
)

// Client handles communication with the list host API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	summaries  *cache.Cache
	tracer     trace.Tracer
	newBackOff func() backoff.BackOff
	logger     *logrus.Logger
}

// NewClient creates a new list host API client
func NewClient(cfg *config.Config, logger *logrus.Logger) (*Client, error) {
	if cfg.ListHostURL == "" {
		return nil, fmt.Errorf("list host URL is required")
	}
	if cfg.ListHostAPIKey == "" {
		return nil, fmt.Errorf("list host API key is required")
	}
	if _, err := url.Parse(cfg.ListHostURL); err != nil {
		return nil, fmt.Errorf("invalid list host URL: %w", err)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.ListHostURL, "/"),
		apiKey:     cfg.ListHostAPIKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		summaries:  cache.New(summaryTTL, summaryCleanup),
		tracer:     otel.Tracer("github.com/amaumene/sermonsync/internal/services/listhost"),
		newBackOff: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = 200 * time.Millisecond
			eb.MaxInterval = 5 * time.Second
			return eb
		},
		logger: logger,
	}, nil
}

// request describes one API call
type request struct {
	op     string
	method string
	path   string
	query  url.Values
	body   interface{}
	result interface{}
	retry  bool // Only for idempotent calls
}

// doRequest performs an API call inside a span, retrying transient failures
// of idempotent calls with exponential backoff
func (c *Client) doRequest(ctx context.Context, req request) error {
	ctx, span := c.tracer.Start(ctx, "listhost."+req.op, trace.WithAttributes(
		attribute.String("http.method", req.method),
		attribute.String("listhost.path", req.path),
	))
	defer span.End()

	log := c.logger.WithField("op", req.op)
	if sc := span.SpanContext(); sc.IsValid() {
		log = log.WithField("trace_id", sc.TraceID().String())
	}

	attempts := 0
	operation := func() error {
		attempts++
		err := c.do(ctx, req, log)
		if err != nil && (!req.retry || !errors.Is(err, models.ErrRemoteUnavailable)) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), maxRetries), ctx)
	err := backoff.Retry(operation, policy)
	span.SetAttributes(attribute.Int("listhost.attempts", attempts))

	if err != nil {
		remoteRequests.WithLabelValues(req.op, outcome(err)).Inc()
		log.WithError(err).WithField("attempts", attempts).Debug("List host request failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	remoteRequests.WithLabelValues(req.op, "ok").Inc()
	return nil
}

func (c *Client) do(ctx context.Context, req request, log *logrus.Entry) error {
	var reqBody io.Reader
	if req.body != nil {
		jsonData, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	fullURL := c.baseURL + apiPrefix + req.path
	if len(req.query) > 0 {
		fullURL += "?" + req.query.Encode()
	}

	log.WithFields(logrus.Fields{
		"method": req.method,
		"url":    fullURL,
	}).Debug("Making list host API request")

	httpReq, err := http.NewRequestWithContext(ctx, req.method, fullURL, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("User-Agent", "sermonsync/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", models.ErrRemoteUnavailable, req.method, req.path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(resp.StatusCode, req, string(bodyBytes))
	}

	if req.result != nil {
		if err := json.NewDecoder(resp.Body).Decode(req.result); err != nil {
			return fmt.Errorf("%w: failed to decode %s response: %v", models.ErrCorrupt, req.op, err)
		}
	}

	return nil
}

// statusError maps an HTTP status onto the engine's error taxonomy
func statusError(status int, req request, body string) error {
	var kind error
	switch {
	case status == http.StatusNotFound:
		kind = models.ErrNotFound
	case status == http.StatusConflict:
		kind = models.ErrConflict
	case status == http.StatusTooManyRequests || status >= 500:
		kind = models.ErrRemoteUnavailable
	default:
		return fmt.Errorf("list host %s %s failed with status %d: %s", req.method, req.path, status, body)
	}
	return fmt.Errorf("%w: list host %s %s returned %d: %s", kind, req.method, req.path, status, body)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrConflict):
		return "conflict"
	case errors.Is(err, models.ErrRemoteUnavailable):
		return "unavailable"
	case errors.Is(err, models.ErrCorrupt):
		return "corrupt"
	}
	return "error"
}
