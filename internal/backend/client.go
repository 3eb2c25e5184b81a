// Package backend is the HTTP client of the remote allocator, the service
// that durably owns each project's next free ids and consumption ledger.
package backend

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

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/multimediallc/idranges/internal/failure"
	"github.com/multimediallc/idranges/pkg/ranges"
)

type ReserveResponse struct {
	IDs      []int    `json:"ids"`
	Warnings []string `json:"warnings,omitempty"`
}

type ReclaimResponse struct {
	ReclaimedIDs []int `json:"reclaimedIds"`
	FailedIDs    []int `json:"failedIds"`
}

type TrackResponse struct {
	Updated bool `json:"updated"`
}

// Consumption is the remote ledger: consumed ids per object type.
type Consumption map[string][]int

type reserveRequest struct {
	Identity   string         `json:"identity"`
	ObjectType string         `json:"objectType"`
	Ranges     []ranges.Range `json:"ranges"`
	Count      int            `json:"count"`
}

type reclaimRequest struct {
	Identity   string `json:"identity"`
	ObjectType string `json:"objectType"`
	IDs        []int  `json:"ids"`
}

type trackRequest struct {
	Identity   string `json:"identity"`
	ObjectType string `json:"objectType"`
	ID         int    `json:"id"`
}

type Client interface {
	// ReserveNext commits count fresh ids for objectType inside rs.
	ReserveNext(ctx context.Context, identity, objectType string, rs []ranges.Range, count int) (*ReserveResponse, error)
	// ReclaimIDs returns ids to the pool.
	ReclaimIDs(ctx context.Context, identity, objectType string, ids []int) (*ReclaimResponse, error)
	GetConsumption(ctx context.Context, identity string) (Consumption, error)
	// TrackAssignment records a single id in the bookkeeping ledger.
	TrackAssignment(ctx context.Context, identity, objectType string, id int) (*TrackResponse, error)
}

// StatusError is a non-2xx response from the allocator.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("allocator returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("allocator returned status %d: %s", e.StatusCode, e.Message)
}

// Category classifies the response status.
func (e *StatusError) Category() failure.Category {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return failure.CategoryAuthRequired
	case e.StatusCode == http.StatusNotFound:
		return failure.CategoryNotFound
	case e.StatusCode == http.StatusTooManyRequests:
		return failure.CategoryRateLimited
	case e.StatusCode == http.StatusBadGateway, e.StatusCode == http.StatusServiceUnavailable, e.StatusCode == http.StatusGatewayTimeout:
		return failure.CategoryUnavailable
	default:
		return failure.CategoryGeneric
	}
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// CategoryOf classifies any error returned by a Client.
func CategoryOf(err error) failure.Category {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Category()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.CategoryUnavailable
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return failure.CategoryUnavailable
	}
	return failure.CategoryGeneric
}

type Config struct {
	BaseURL string
	Token   string
	// Timeout bounds a single HTTP attempt. Default: 30 seconds.
	Timeout time.Duration
	// MaxRetries is the number of additional attempts on 429, 5xx and
	// transport errors. Default: 0, a single attempt.
	MaxRetries int
	// RetryDelay is the initial backoff interval. Default: 500ms.
	RetryDelay time.Duration
	HTTPClient *http.Client
	Logger     hclog.Logger
}

type HTTPClient struct {
	baseURL    string
	token      string
	maxRetries int
	retryDelay time.Duration
	client     *http.Client
	logger     hclog.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewClient(cfg Config) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, failure.New(failure.InvalidParameter, "allocator url is required")
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, failure.New(failure.InvalidParameter, "allocator url must be http or https: %s", cfg.BaseURL)
	}
	if cfg.MaxRetries < 0 {
		return nil, failure.New(failure.InvalidParameter, "max retries must be non-negative, got %d", cfg.MaxRetries)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		client:     cfg.HTTPClient,
		logger:     cfg.Logger.Named("backend"),
	}, nil
}

func (c *HTTPClient) ReserveNext(ctx context.Context, identity, objectType string, rs []ranges.Range, count int) (*ReserveResponse, error) {
	body := reserveRequest{Identity: identity, ObjectType: objectType, Ranges: rs, Count: count}
	var res ReserveResponse
	if err := c.doRequest(ctx, http.MethodPost, "/v1/reserve", body, &res); err != nil {
		return nil, fmt.Errorf("failed to reserve ids: %w", err)
	}
	return &res, nil
}

func (c *HTTPClient) ReclaimIDs(ctx context.Context, identity, objectType string, ids []int) (*ReclaimResponse, error) {
	body := reclaimRequest{Identity: identity, ObjectType: objectType, IDs: ids}
	var res ReclaimResponse
	if err := c.doRequest(ctx, http.MethodPost, "/v1/reclaim", body, &res); err != nil {
		return nil, fmt.Errorf("failed to reclaim ids: %w", err)
	}
	return &res, nil
}

func (c *HTTPClient) GetConsumption(ctx context.Context, identity string) (Consumption, error) {
	path := fmt.Sprintf("/v1/consumption/%s", url.PathEscape(identity))
	res := Consumption{}
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, fmt.Errorf("failed to get consumption: %w", err)
	}
	return res, nil
}

func (c *HTTPClient) TrackAssignment(ctx context.Context, identity, objectType string, id int) (*TrackResponse, error) {
	body := trackRequest{Identity: identity, ObjectType: objectType, ID: id}
	var res TrackResponse
	if err := c.doRequest(ctx, http.MethodPost, "/v1/track", body, &res); err != nil {
		return nil, fmt.Errorf("failed to track id %d: %w", id, err)
	}
	return &res, nil
}

// doRequest performs one JSON round trip, retrying only when MaxRetries > 0.
func (c *HTTPClient) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	endpoint := c.baseURL + path

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	attempt := 0
	operation := func() error {
		attempt++
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-ID", uuid.NewString())
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			c.logger.Debug("request failed", "method", method, "path", path, "attempt", attempt, "error", err)
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		c.logger.Debug("request", "method", method, "path", path, "status", resp.StatusCode, "attempt", attempt)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			statusErr := &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
			if statusErr.retryable() {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}

		if result != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, result); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
			}
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryDelay
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx))
}

func errorMessage(body []byte) string {
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil {
		if apiErr.Message != "" {
			return apiErr.Message
		}
		if apiErr.Error != "" {
			return apiErr.Error
		}
	}
	return strings.TrimSpace(string(body))
}
