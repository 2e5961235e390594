// Package ehealth is the HTTP client for the national eHealth platform. It
// serves two callers: the submission worker pushing recorded resources out,
// and the repositories backfilling conditions and observations referenced
// before they were stored locally. All calls run through a circuit breaker.
package ehealth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/healthlink/medevents/internal/domain/records"
	"github.com/healthlink/medevents/internal/observability/metrics"
	"github.com/healthlink/medevents/pkg/circuitbreaker"
)

// ErrNotFound indicates the platform does not know the requested resource.
var ErrNotFound = errors.New("ehealth: not found")

// Config holds the client configuration.
type Config struct {
	// BaseURL is the platform API root, without a trailing slash.
	BaseURL string
	// APIKey authenticates this node against the platform.
	APIKey string
	// Timeout bounds each request.
	Timeout time.Duration
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8090/api",
		Timeout: 10 * time.Second,
	}
}

// Client talks to the eHealth platform.
type Client struct {
	http    *http.Client
	config  Config
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewClient creates a platform client. The breaker is registered with the
// given manager under the name "ehealth". A nil metrics disables
// instrumentation.
func NewClient(cfg Config, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	breaker, err := breakers.GetOrCreate("ehealth", circuitbreaker.DefaultConfig("ehealth"))
	if err != nil {
		return nil, fmt.Errorf("create ehealth breaker: %w", err)
	}

	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		config:  cfg,
		breaker: breaker,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("ehealth-client"),
	}, nil
}

// observeBreaker mirrors the breaker state into the Prometheus gauge.
func (c *Client) observeBreaker() {
	if c.metrics == nil {
		return
	}
	var v float64
	switch c.breaker.GetState() {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	c.metrics.CircuitBreakerState.WithLabelValues("ehealth").Set(v)
}

func (c *Client) countSubmission(err error) {
	if c.metrics == nil {
		return
	}
	if err != nil {
		c.metrics.SubmissionsFailed.Inc()
		return
	}
	c.metrics.SubmissionsSent.Inc()
}

func (c *Client) countBackfill(resource string, err error) {
	if c.metrics == nil {
		return
	}
	outcome := "hit"
	switch {
	case errors.Is(err, ErrNotFound):
		outcome = "miss"
	case err != nil:
		outcome = "error"
	}
	c.metrics.BackfillFetches.WithLabelValues(resource, outcome).Inc()
}

// Submit pushes one recorded resource to the platform.
func (c *Client) Submit(ctx context.Context, resourceType, resourceID string, payload json.RawMessage) error {
	ctx, span := c.tracer.Start(ctx, "ehealth_submit",
		trace.WithAttributes(
			attribute.String("resource_type", resourceType),
			attribute.String("resource_id", resourceID),
		))
	defer span.End()

	body, err := json.Marshal(map[string]any{
		"type":     resourceType,
		"id":       resourceID,
		"resource": payload,
	})
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}

	_, err = c.breaker.Execute(ctx, func() (interface{}, error) {
		return nil, c.post(ctx, "/medical-events/submissions", body)
	})
	c.observeBreaker()
	c.countSubmission(err)
	if err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// ConditionByID fetches a condition for reference backfill.
func (c *Client) ConditionByID(ctx context.Context, uuid string) (*records.RemoteCondition, error) {
	var out records.RemoteCondition
	err := c.getJSON(ctx, "/conditions/"+uuid, &out)
	c.countBackfill("condition", err)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ObservationByID fetches an observation for reference backfill.
func (c *Client) ObservationByID(ctx context.Context, uuid string) (*records.RemoteObservation, error) {
	var out records.RemoteObservation
	err := c.getJSON(ctx, "/observations/"+uuid, &out)
	c.countBackfill("observation", err)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	ctx, span := c.tracer.Start(ctx, "ehealth_get",
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	_, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path, nil)
		if err != nil {
			return nil, err
		}
		c.setHeaders(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("ehealth: GET %s returned %d", path, resp.StatusCode)
		}

		// The platform wraps every payload in a data envelope.
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return nil, fmt.Errorf("decode ehealth response: %w", err)
		}
		return nil, json.Unmarshal(envelope.Data, out)
	})
	c.observeBreaker()
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ehealth: POST %s returned %d: %s", path, resp.StatusCode, msg)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.config.APIKey != "" {
		req.Header.Set("API-Key", c.config.APIKey)
	}
	req.Header.Set("Accept", "application/json")
}
