package threed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/meshforge/internal/tlsutil"
	"github.com/BaSui01/meshforge/llm/retry"
	"github.com/BaSui01/meshforge/types"
	"go.uber.org/zap"
)

const providerName = "reconstruction-queue"

// Client talks to an asynchronous submit/poll/fetch job queue.
type Client struct {
	cfg     Config
	client  *http.Client
	logger  *zap.Logger
	retryer *retry.Retryer
	onPoll  func(status string)
	now     func() time.Time
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.client = c
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// WithPollObserver is called with every status the queue reports
func WithPollObserver(fn func(status string)) Option {
	return func(cl *Client) { cl.onPoll = fn }
}

// NewClient creates a queue client. Zero interval/timeout fall back to defaults.
func NewClient(cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}

	c := &Client{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.RequestTimeout),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "reconstruction"))

	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.CancelRetries
	policy.Retryable = retryableCancel
	c.retryer = retry.New(policy, c.logger)
	return c
}

func (c *Client) Name() string { return providerName }

// Config returns the effective configuration
func (c *Client) Config() Config { return c.cfg }

func (c *Client) newRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// getJSON 发送 GET 并解码；非 2xx 返回 status 与 body
func (c *Client) getJSON(ctx context.Context, url string, out any) (int, []byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, data, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, data, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// =============================================================================
// Submit / Poll / Fetch
// =============================================================================

// Submit creates a reconstruction job from the three view URLs.
func (c *Client) Submit(ctx context.Context, front, back, left string) (*Job, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.cfg.Endpoint, SubmitRequest{
		FrontImageURL: front,
		BackImageURL:  back,
		LeftImageURL:  left,
		TexturedMesh:  true,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrSubmissionFailed, "reconstruction submit failed: "+err.Error()).
			WithCause(err).WithProvider(providerName)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, types.Errorf(types.ErrSubmissionFailed, "reconstruction submit failed: status=%d body=%s",
			resp.StatusCode, strings.TrimSpace(string(body))).
			WithHTTPStatus(resp.StatusCode).
			WithProvider(providerName)
	}

	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, types.NewError(types.ErrSubmissionFailed, "reconstruction submit returned invalid JSON").
			WithCause(err).WithProvider(providerName)
	}
	if job.StatusURL == "" || job.ResponseURL == "" {
		return nil, types.NewError(types.ErrSubmissionFailed, "reconstruction submit response missing status_url or response_url").
			WithProvider(providerName)
	}

	c.logger.Info("reconstruction job submitted",
		zap.String("request_id", job.RequestID),
		zap.String("status_url", job.StatusURL))
	return &job, nil
}

// Poll checks the job status every PollInterval until COMPLETED or ERROR.
// current is consulted before each request and before acting on each
// response; once it reports false Poll returns ErrSuperseded.
func (c *Client) Poll(ctx context.Context, job *Job, current Guard) error {
	if current == nil {
		current = func() bool { return true }
	}
	var deadline time.Time
	if c.cfg.Deadline > 0 {
		deadline = c.now().Add(c.cfg.Deadline)
	}

	for attempt := 1; ; attempt++ {
		if !current() {
			return ErrSuperseded
		}

		var st StatusResponse
		code, body, err := c.getJSON(ctx, job.StatusURL, &st)

		if !current() {
			return ErrSuperseded
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return types.NewError(types.ErrReconstructionFailed, "reconstruction status check failed: "+err.Error()).
				WithCause(err).WithProvider(providerName)
		}
		if code < 200 || code > 299 {
			return types.Errorf(types.ErrReconstructionFailed, "reconstruction status check failed: status=%d body=%s",
				code, strings.TrimSpace(string(body))).
				WithHTTPStatus(code).WithProvider(providerName)
		}

		if c.onPoll != nil {
			c.onPoll(st.Status)
		}
		c.logger.Debug("reconstruction poll", zap.Int("attempt", attempt), zap.String("status", st.Status))

		switch st.Status {
		case StatusCompleted:
			return nil
		case StatusError:
			msg := joinLogs(st.Logs)
			if msg == "" {
				msg = "reconstruction job failed"
			}
			return types.NewError(types.ErrReconstructionFailed, msg).WithProvider(providerName)
		}

		if c.cfg.MaxAttempts > 0 && attempt >= c.cfg.MaxAttempts {
			return types.Errorf(types.ErrReconstructionTimeout,
				"reconstruction did not finish after %d status checks", attempt).WithProvider(providerName)
		}
		if !deadline.IsZero() && !c.now().Add(c.cfg.PollInterval).Before(deadline) {
			return types.Errorf(types.ErrReconstructionTimeout,
				"reconstruction did not finish within %s", c.cfg.Deadline).WithProvider(providerName)
		}

		t := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			if !current() {
				return ErrSuperseded
			}
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Fetch reads the job result and returns the mesh URL.
func (c *Client) Fetch(ctx context.Context, job *Job) (string, error) {
	var res ResultResponse
	code, body, err := c.getJSON(ctx, job.ResponseURL, &res)
	if err != nil {
		return "", types.NewError(types.ErrReconstructionFailed, "reconstruction result fetch failed: "+err.Error()).
			WithCause(err).WithProvider(providerName)
	}
	if code < 200 || code > 299 {
		return "", types.Errorf(types.ErrReconstructionFailed, "reconstruction result fetch failed: status=%d body=%s",
			code, strings.TrimSpace(string(body))).
			WithHTTPStatus(code).WithProvider(providerName)
	}

	if res.Status == StatusError {
		msg := joinLogs(res.Logs)
		if msg == "" {
			msg = "reconstruction job failed"
		}
		return "", types.NewError(types.ErrReconstructionFailed, msg).WithProvider(providerName)
	}
	url := res.MeshURL()
	if url == "" {
		msg := joinLogs(res.Logs)
		if msg == "" {
			msg = "reconstruction completed without a mesh url"
		}
		return "", types.NewError(types.ErrReconstructionFailed, msg).WithProvider(providerName)
	}
	return url, nil
}

// Cancel asks the queue to cancel a job. The response body is ignored.
// Failures come back as CANCELLATION_FAILED; callers log them and move on.
func (c *Client) Cancel(ctx context.Context, cancelURL string) error {
	if cancelURL == "" {
		return nil
	}
	err := c.retryer.Do(ctx, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, http.MethodPut, cancelURL, nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return types.Errorf(types.ErrUpstreamError, "status=%d body=%s",
				resp.StatusCode, strings.TrimSpace(string(body))).
				WithHTTPStatus(resp.StatusCode).
				WithRetryable(resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500)
		}
		return nil
	})
	if err != nil {
		return types.NewError(types.ErrCancellationFailed, "reconstruction cancel failed").
			WithCause(err).WithProvider(providerName)
	}
	c.logger.Debug("reconstruction job cancelled", zap.String("cancel_url", cancelURL))
	return nil
}

// retryableCancel 传输错误与 429/5xx 可重试，其余状态码直接失败
func retryableCancel(err error) bool {
	if _, ok := types.AsError(err); ok {
		return types.IsRetryable(err)
	}
	return true
}
