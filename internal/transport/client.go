// Package transport is the terminal side of the sync protocol: an HTTP client for the batch
// endpoints and a websocket client for the live channel.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tillsync/internal/wire"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultMaxAttempts    = 3
	defaultRetryBase      = 250 * time.Millisecond
	defaultRetryMax       = 5 * time.Second
	maxErrorBody          = 4096

	pushPath    = "/sync/batch-push"
	pullPath    = "/sync/pull-changes"
	resolvePath = "/sync/resolve-conflict"
	statsPath   = "/sync/stats"
	healthPath  = "/healthz"
)

var (
	// ErrTransient marks failures worth retrying later: network errors, timeouts, HTTP 5xx and 429.
	ErrTransient = errors.New("transport: transient failure")

	errMissingBaseURL  = errors.New("transport: server url is required")
	errMissingDeviceID = errors.New("transport: device id is required")
)

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("transport: server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("transport: server returned %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// Is lets errors.Is(err, ErrTransient) match retryable statuses.
func (e *StatusError) Is(target error) bool {
	return target == ErrTransient && e.Transient()
}

// Config describes the sync HTTP client.
type Config struct {
	BaseURL        string
	Token          string
	DeviceID       string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	MaxAttempts    uint64
	RetryBase      time.Duration
	RetryMax       time.Duration
	Logger         *zap.Logger
}

// PullQuery selects a page of server changes.
type PullQuery struct {
	Since      string
	Tables     []string
	Limit      int
	TenantWide bool
}

// Client calls the sync endpoints on behalf of one terminal.
type Client struct {
	baseURL    *url.URL
	token      string
	deviceID   string
	httpClient *http.Client
	timeout    time.Duration
	attempts   uint64
	retryBase  time.Duration
	retryMax   time.Duration
	logger     *zap.Logger
}

// NewClient validates the configuration and constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	if strings.TrimSpace(cfg.DeviceID) == "" {
		return nil, errMissingDeviceID
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("transport: unsupported scheme %q", base.Scheme)
	}
	client := &Client{
		baseURL:    base,
		token:      cfg.Token,
		deviceID:   cfg.DeviceID,
		httpClient: cfg.HTTPClient,
		timeout:    cfg.RequestTimeout,
		attempts:   cfg.MaxAttempts,
		retryBase:  cfg.RetryBase,
		retryMax:   cfg.RetryMax,
		logger:     cfg.Logger,
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{}
	}
	if client.timeout <= 0 {
		client.timeout = defaultRequestTimeout
	}
	if client.attempts == 0 {
		client.attempts = defaultMaxAttempts
	}
	if client.retryBase <= 0 {
		client.retryBase = defaultRetryBase
	}
	if client.retryMax <= 0 {
		client.retryMax = defaultRetryMax
	}
	if client.logger == nil {
		client.logger = zap.NewNop()
	}
	return client, nil
}

// DeviceID returns the terminal identity sent with pushes.
func (c *Client) DeviceID() string {
	return c.deviceID
}

// Push sends a batch of queued changes.
func (c *Client) Push(ctx context.Context, records []wire.PushRecord) (wire.PushResponse, error) {
	var response wire.PushResponse
	request := wire.PushRequest{DeviceID: c.deviceID, Records: records}
	err := c.do(ctx, http.MethodPost, pushPath, nil, request, &response)
	return response, err
}

// Pull fetches one page of changes after the cursor.
func (c *Client) Pull(ctx context.Context, query PullQuery) (wire.PullResponse, error) {
	values := url.Values{}
	if query.Since != "" {
		values.Set("since", query.Since)
	}
	if len(query.Tables) > 0 {
		values.Set("tables", strings.Join(query.Tables, ","))
	}
	if query.Limit > 0 {
		values.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.TenantWide {
		values.Set("scope", "tenant")
	}
	var response wire.PullResponse
	err := c.do(ctx, http.MethodGet, pullPath, values, nil, &response)
	return response, err
}

// Resolve answers a reported conflict.
func (c *Client) Resolve(ctx context.Context, request wire.ResolveRequest) (wire.ResolveResponse, error) {
	var response wire.ResolveResponse
	err := c.do(ctx, http.MethodPost, resolvePath, nil, request, &response)
	return response, err
}

// Stats fetches the server's view of this terminal's branch.
func (c *Client) Stats(ctx context.Context) (wire.StatsResponse, error) {
	var response wire.StatsResponse
	err := c.do(ctx, http.MethodGet, statsPath, nil, nil, &response)
	return response, err
}

// Health probes the server once without retries. Any failure means offline.
func (c *Client) Health(ctx context.Context) error {
	return c.once(ctx, http.MethodGet, healthPath, nil, nil, nil)
}

func (c *Client) backoff() retry.Backoff {
	backoff := retry.NewExponential(c.retryBase)
	backoff = retry.WithCappedDuration(c.retryMax, backoff)
	backoff = retry.WithJitterPercent(10, backoff)
	return retry.WithMaxRetries(c.attempts-1, backoff)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("transport: encode request: %w", err)
		}
		payload = encoded
	}
	return retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		err := c.once(ctx, method, path, query, payload, out)
		if err != nil && errors.Is(err, ErrTransient) {
			c.logger.Debug("sync request failed, retrying",
				zap.String("path", path),
				zap.Error(err),
			)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) once(ctx context.Context, method, path string, query url.Values, payload []byte, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := *c.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + path
	target.RawQuery = query.Encode()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyNetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeStatusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrTransient, err)
	}
	return nil
}

func classifyNetworkError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Timeouts, refused connections and resets all leave the server state unknown.
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func decodeStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	var payload wire.ErrorResponse
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		statusErr.Code = payload.Code
		statusErr.Message = payload.Error
	}
	return statusErr
}
