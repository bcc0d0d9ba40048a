package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/meterlab/internal/apperr"
	"github.com/sells-group/meterlab/internal/resilience"
)

// HTTPClient is a job runner reached over HTTP. It submits requests with
// POST {base}/v1/jobs and reads status with GET {base}/v1/jobs/{id}.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	BaseURL    string
	Token      string
	RatePerSec float64
	Timeout    time.Duration
}

// NewHTTPClient creates an HTTPClient. A zero rate disables rate limiting.
func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	if opts.BaseURL == "" {
		return nil, eris.New("jobs: http base url is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, eris.Wrap(err, "jobs: parse base url")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

func (c *HTTPClient) Name() string { return "http" }

// Dispatch submits req. The runner treats job_id as an idempotency key, so
// 409 Conflict means the job already exists and counts as success.
func (c *HTTPClient) Dispatch(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return eris.Wrap(err, "jobs: marshal request")
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/jobs", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusConflict {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return checkStatus(resp, "dispatch "+req.JobID)
}

// Status fetches the runner's latest report for a job.
func (c *HTTPClient) Status(ctx context.Context, jobID string) (*Report, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperr.NotFound("job", jobID)
	}
	if err := checkStatus(resp, "status "+jobID); err != nil {
		return nil, err
	}
	var r Report
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, apperr.New(apperr.KindValidation, "job_report", jobID, eris.Wrap(err, "decode status"))
	}
	if r.JobID == "" {
		r.JobID = jobID
	}
	return &r, nil
}

func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "jobs: rate limit wait")
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, eris.Wrap(err, "jobs: build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: %s %s", method, path)
	}
	return resp, nil
}

// checkStatus turns a non-2xx response into an error. Retryable statuses
// become transient errors; other 4xx responses are validation errors.
func checkStatus(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err := eris.Errorf("jobs: %s: runner returned %d: %s", op, resp.StatusCode, strings.TrimSpace(string(msg)))
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(err, resp.StatusCode)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return apperr.New(apperr.KindValidation, "job", op, err)
	}
	return err
}
