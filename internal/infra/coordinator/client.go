// Package coordinator is the HTTP client for the scan coordinator: rule
// bundle retrieval, job acquisition and result submission.
package coordinator

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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/registry-scanner/internal/domain/rules"
	"github.com/ahrav/registry-scanner/internal/domain/scanning"
	"github.com/ahrav/registry-scanner/pkg/common/logger"
)

var (
	_ scanning.JobSource   = (*Client)(nil)
	_ rules.BundleProvider = (*Client)(nil)
)

const (
	// DefaultBaseURL is where a locally running coordinator listens.
	DefaultBaseURL = "http://127.0.0.1:8000"

	defaultRequestTimeout = 30 * time.Second

	// maxResponseSize bounds any coordinator response body we decode.
	maxResponseSize = 64 << 20
)

// Config controls the coordinator client.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	UserAgent      string
}

// Client talks to the coordinator over HTTP.
type Client struct {
	http    *http.Client
	baseURL string
	cfg     Config

	logger *logger.Logger
	tracer trace.Tracer
}

// NewClient validates cfg and returns a Client. A nil httpClient uses
// http.DefaultClient.
func NewClient(httpClient *http.Client, cfg Config, log *logger.Logger, tracer trace.Tracer) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid coordinator base url %q", cfg.BaseURL)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		cfg:     cfg,
		logger:  log.With("component", "coordinator_client"),
		tracer:  tracer,
	}, nil
}

type getRulesResponse struct {
	Hash  *string           `json:"hash"`
	Rules map[string]string `json:"rules"`
}

// FetchRuleBundle retrieves the coordinator's current rule bundle.
func (c *Client) FetchRuleBundle(ctx context.Context) (rules.Bundle, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.fetch_rule_bundle", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	body, status, err := c.do(ctx, http.MethodGet, "/rules", nil)
	if err != nil {
		return rules.Bundle{}, c.fail(span, err)
	}
	if !isSuccess(status) {
		return rules.Bundle{}, c.fail(span, &scanning.TransportError{Op: http.MethodGet, URL: c.url("/rules"), StatusCode: status})
	}

	var resp getRulesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return rules.Bundle{}, c.fail(span, &scanning.DeserializationError{Op: "rules", Err: err})
	}
	if resp.Hash == nil || resp.Rules == nil {
		return rules.Bundle{}, c.fail(span, &scanning.DeserializationError{
			Op:  "rules",
			Err: errors.New("response is missing hash or rules"),
		})
	}

	span.SetAttributes(attribute.String("bundle_hash", *resp.Hash), attribute.Int("rule_count", len(resp.Rules)))
	return rules.Bundle{Hash: *resp.Hash, Rules: resp.Rules}, nil
}

// getJobResponse captures both shapes the job endpoint answers with. The
// wire format carries no discriminant, so the variant is decided by which
// required fields are present.
type getJobResponse struct {
	Hash          *string   `json:"hash"`
	Name          *string   `json:"name"`
	Version       *string   `json:"version"`
	Distributions *[]string `json:"distributions"`
	Detail        *string   `json:"detail"`
}

func (r getJobResponse) job() (*scanning.Job, bool) {
	if r.Hash == nil || r.Name == nil || r.Version == nil || r.Distributions == nil {
		return nil, false
	}
	return &scanning.Job{
		Hash:          *r.Hash,
		Name:          *r.Name,
		Version:       *r.Version,
		Distributions: *r.Distributions,
	}, true
}

// GetJob asks the coordinator for work. It returns (nil, nil) when the
// coordinator answers with a detail message instead of a job.
func (c *Client) GetJob(ctx context.Context) (*scanning.Job, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.get_job", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	body, status, err := c.do(ctx, http.MethodPost, "/job", nil)
	if err != nil {
		return nil, c.fail(span, err)
	}

	var resp getJobResponse
	decodeErr := json.Unmarshal(body, &resp)
	if decodeErr == nil {
		if job, ok := resp.job(); ok {
			span.SetAttributes(
				attribute.String("job.name", job.Name),
				attribute.String("job.version", job.Version),
				attribute.Int("job.distributions", len(job.Distributions)),
			)
			return job, nil
		}
		if resp.Detail != nil {
			c.logger.Debug(ctx, "no job available", "detail", *resp.Detail, "status", status)
			span.SetAttributes(attribute.Bool("job.available", false))
			return nil, nil
		}
		decodeErr = errors.New("response matches neither the job nor the detail shape")
	}

	if !isSuccess(status) {
		return nil, c.fail(span, &scanning.TransportError{Op: http.MethodPost, URL: c.url("/job"), StatusCode: status})
	}
	return nil, c.fail(span, &scanning.DeserializationError{Op: "job", Err: decodeErr})
}

// SubmitResult reports a job verdict. The acknowledgement body is ignored.
func (c *Client) SubmitResult(ctx context.Context, result scanning.Result) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.submit_result",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("package.name", result.Name),
			attribute.String("package.version", result.Version),
			attribute.Int("rules_matched", len(result.RulesMatched)),
		),
	)
	defer span.End()

	payload, err := json.Marshal(result)
	if err != nil {
		return c.fail(span, fmt.Errorf("encoding result: %w", err))
	}

	_, status, err := c.do(ctx, http.MethodPut, "/package", payload)
	if err != nil {
		return c.fail(span, err)
	}
	if !isSuccess(status) {
		return c.fail(span, &scanning.TransportError{Op: http.MethodPut, URL: c.url("/package"), StatusCode: status})
	}
	return nil
}

// do performs a request under the configured timeout and returns the
// (bounded) response body and status code. Only failures to complete the
// exchange are returned as errors.
func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	target := c.url(path)

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, 0, &scanning.TransportError{Op: method, URL: target, Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &scanning.TransportError{Op: method, URL: target, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, 0, &scanning.TransportError{Op: method, URL: target, Err: err}
	}
	return data, resp.StatusCode, nil
}

func (c *Client) url(path string) string { return c.baseURL + path }

func (c *Client) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }
