package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/AgentOS/channels/internal/abi"
	"github.com/GriffinCanCode/AgentOS/channels/internal/channel"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/heap"
)

// ErrUnavailable is returned while the breaker is open
var ErrUnavailable = errors.New("kernel admin API unavailable: circuit breaker open")

// APIError is a rejection reported by the admin API
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Code    string `json:"code,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// Options configures a Client
type Options struct {
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// RateLimit caps requests per second (0 = unlimited)
	RateLimit float64
	Breaker   *resilience.Breaker
}

// DefaultOptions returns the settings chanctl uses
func DefaultOptions() Options {
	return Options{
		Timeout:      30 * time.Second,
		RetryMax:     3,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
	}
}

// Client talks to the kernel's admin HTTP API. Transport errors and 5xx
// replies are retried by retryablehttp underneath resty and count against
// the breaker; 4xx replies are answers and do not.
type Client struct {
	Resty   *resty.Client
	Limiter *rate.Limiter
	Breaker *resilience.Breaker
	Mu      sync.RWMutex
}

// New creates a client for the API rooted at baseURL
func New(baseURL string, opts Options) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = opts.RetryWaitMax
	}
	retryClient.Logger = nil

	restyClient := resty.NewWithClient(retryClient.StandardClient())
	restyClient.
		SetBaseURL(baseURL).
		SetHeader("User-Agent", "AgentOS-chanctl/1.0").
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)
	if opts.Timeout > 0 {
		restyClient.SetTimeout(opts.Timeout)
	}

	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.New("kernel-admin", resilience.Settings{
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts resilience.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			IsSuccessful: answered,
		})
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(1, int(opts.RateLimit)))
	}

	return &Client{Resty: restyClient, Limiter: limiter, Breaker: breaker}
}

// answered reports whether the server produced a verdict on the request
func answered(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status < http.StatusInternalServerError
	}
	return err == nil
}

// BaseURL returns the API root
func (c *Client) BaseURL() string {
	c.Mu.RLock()
	defer c.Mu.RUnlock()
	return c.Resty.BaseURL
}

// do runs one request through the limiter and breaker and decodes the reply
// into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any, query map[string]string) error {
	if err := c.Limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit error: %w", err)
	}

	_, err := resilience.Do(c.Breaker, func() (struct{}, error) {
		c.Mu.RLock()
		req := c.Resty.R().SetContext(ctx).SetError(&APIError{})
		c.Mu.RUnlock()

		if body != nil {
			req.SetBody(body)
		}
		if out != nil {
			req.SetResult(out)
		}
		req.SetQueryParams(query)

		resp, err := req.Execute(method, path)
		if err != nil {
			return struct{}{}, err
		}
		if resp.IsError() {
			apiErr, _ := resp.Error().(*APIError)
			if apiErr == nil || apiErr.Message == "" {
				apiErr = &APIError{Message: resp.Status()}
			}
			apiErr.Status = resp.StatusCode()
			return struct{}{}, apiErr
		}
		return struct{}{}, nil
	})
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func handlePath(h abi.Handle, suffix string) string {
	return "/api/v1/endpoints/" + strconv.FormatUint(uint64(h), 10) + suffix
}

// Health is the body of GET /health
type Health struct {
	Status       string `json:"status"`
	OpenChannels int64  `json:"open_channels"`
	Handles      int    `json:"handles"`
	Processes    int    `json:"processes"`
}

// Health checks the server
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &out, nil)
	return out, err
}

// Stats returns the kernel counters
func (c *Client) Stats(ctx context.Context) (abi.Stats, error) {
	var out struct {
		Stats abi.Stats `json:"stats"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &out, nil)
	return out.Stats, err
}

// Channels lists channels whose owner matches ownerGlob (all when empty)
func (c *Client) Channels(ctx context.Context, ownerGlob string) ([]channel.ChannelInfo, error) {
	var out struct {
		Channels []channel.ChannelInfo `json:"channels"`
	}
	var query map[string]string
	if ownerGlob != "" {
		query = map[string]string{"owner": ownerGlob}
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/channels", nil, &out, query)
	return out.Channels, err
}

// Operations returns the ABI contract table
func (c *Client) Operations(ctx context.Context) ([]abi.Operation, error) {
	var out struct {
		Operations []abi.Operation `json:"operations"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/abi", nil, &out, nil)
	return out.Operations, err
}

// Processes lists every process
func (c *Client) Processes(ctx context.Context) ([]abi.ProcessInfo, error) {
	var out struct {
		Processes []abi.ProcessInfo `json:"processes"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/processes", nil, &out, nil)
	return out.Processes, err
}

// CreateProcess registers a process
func (c *Client) CreateProcess(ctx context.Context, name, colocateWith string) (abi.ProcessInfo, error) {
	var out struct {
		Process abi.ProcessInfo `json:"process"`
	}
	body := map[string]string{"name": name, "colocate_with": colocateWith}
	err := c.do(ctx, http.MethodPost, "/api/v1/processes", body, &out, nil)
	return out.Process, err
}

// Endpoints describes every live endpoint
func (c *Client) Endpoints(ctx context.Context) ([]abi.EndpointInfo, error) {
	var out struct {
		Endpoints []abi.EndpointInfo `json:"endpoints"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/endpoints", nil, &out, nil)
	return out.Endpoints, err
}

// AllocateEndpoint creates an endpoint owned by pid
func (c *Client) AllocateEndpoint(ctx context.Context, pid heap.ProcessID) (abi.Handle, error) {
	var out struct {
		Handle abi.Handle `json:"handle"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/endpoints", map[string]heap.ProcessID{"pid": pid}, &out, nil)
	return out.Handle, err
}

// Connect pairs imp and exp and returns the channel id
func (c *Client) Connect(ctx context.Context, imp, exp abi.Handle) (int64, error) {
	var out struct {
		ChannelID int64 `json:"channel_id"`
	}
	body := map[string]abi.Handle{"import": imp, "export": exp}
	err := c.do(ctx, http.MethodPost, "/api/v1/endpoints/connect", body, &out, nil)
	return out.ChannelID, err
}

// Describe returns the state of h
func (c *Client) Describe(ctx context.Context, h abi.Handle) (abi.EndpointInfo, error) {
	var out struct {
		Endpoint abi.EndpointInfo `json:"endpoint"`
	}
	err := c.do(ctx, http.MethodGet, handlePath(h, ""), nil, &out, nil)
	return out.Endpoint, err
}

// Dispose closes h and wakes its peer
func (c *Client) Dispose(ctx context.Context, h abi.Handle) error {
	return c.do(ctx, http.MethodPost, handlePath(h, "/dispose"), nil, nil, nil)
}

// Free releases a closed endpoint
func (c *Client) Free(ctx context.Context, h abi.Handle) error {
	return c.do(ctx, http.MethodDelete, handlePath(h, ""), nil, nil, nil)
}

// Notify wakes the peer of h
func (c *Client) Notify(ctx context.Context, h abi.Handle) error {
	return c.do(ctx, http.MethodPost, handlePath(h, "/notify"), nil, nil, nil)
}

// Move hands h to pid
func (c *Client) Move(ctx context.Context, h abi.Handle, pid heap.ProcessID) (abi.EndpointInfo, error) {
	var out struct {
		Endpoint abi.EndpointInfo `json:"endpoint"`
	}
	err := c.do(ctx, http.MethodPost, handlePath(h, "/move"), map[string]heap.ProcessID{"pid": pid}, &out, nil)
	return out.Endpoint, err
}

// Send writes msg to the peer of h and notifies it
func (c *Client) Send(ctx context.Context, h abi.Handle, msg abi.Message) error {
	return c.do(ctx, http.MethodPost, handlePath(h, "/send"), msg, nil, nil)
}

// Read returns n bytes of h's own block from off
func (c *Client) Read(ctx context.Context, h abi.Handle, off, n int) ([]byte, error) {
	var out struct {
		Data []byte `json:"data"`
	}
	query := map[string]string{"offset": strconv.Itoa(off), "length": strconv.Itoa(n)}
	err := c.do(ctx, http.MethodGet, handlePath(h, "/data"), nil, &out, query)
	return out.Data, err
}

// WaitResult is the reply of Wait
type WaitResult struct {
	Signalled bool `json:"signalled"`
	Applied   int  `json:"applied"`
}

// Wait blocks server-side up to timeout for h to be notified
func (c *Client) Wait(ctx context.Context, h abi.Handle, timeout time.Duration) (WaitResult, error) {
	var out WaitResult
	query := map[string]string{"timeout_ms": strconv.FormatInt(timeout.Milliseconds(), 10)}
	err := c.do(ctx, http.MethodPost, handlePath(h, "/wait"), nil, &out, query)
	return out, err
}
