// Package upload mirrors recorded chunks to the remote ingest service and
// schedules postprocessing once a recording is complete. Every call retries
// on its own; calls are unordered with respect to each other.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dj-oyu/lecture-recorder/internal/logger"
	"github.com/dj-oyu/lecture-recorder/internal/metrics"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxInFlight = 8
	maxErrorBody       = 512
)

// Notifier receives user-facing outcomes.
type Notifier interface {
	Success(msg string)
	Error(msg string)
}

// LogNotifier reports outcomes to the log only.
type LogNotifier struct{}

func (LogNotifier) Success(msg string) { logger.Info("Upload", "%s", msg) }
func (LogNotifier) Error(msg string) { logger.Error("Upload", "%s", msg) }

// Client sends chunks and postprocessing requests.
type Client struct {
	http     *http.Client
	notifier Notifier
	metrics  *metrics.Metrics
	inFlight *semaphore.Weighted

	chunkPolicy Policy
	jobPolicy   Policy
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithNotifier sets the receiver of user-facing outcomes.
func WithNotifier(n Notifier) Option {
	return func(cl *Client) { cl.notifier = n }
}

// WithMetrics reports attempts and outcomes to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// WithMaxInFlight bounds concurrent chunk uploads.
func WithMaxInFlight(n int64) Option {
	return func(cl *Client) {
		if n > 0 {
			cl.inFlight = semaphore.NewWeighted(n)
		}
	}
}

// WithPolicies replaces the default chunk and job policies.
func WithPolicies(chunk, job Policy) Option {
	return func(cl *Client) {
		cl.chunkPolicy = chunk
		cl.jobPolicy = job
	}
}

// NewClient creates a client with the default policies.
func NewClient(opts ...Option) *Client {
	c := &Client{
		notifier:    LogNotifier{},
		inFlight:    semaphore.NewWeighted(defaultMaxInFlight),
		chunkPolicy: ChunkPolicy,
		jobPolicy:   JobPolicy,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = NewHTTPClient(defaultTimeout)
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	return c
}

// NewHTTPClient returns an HTTP client with bounded dial and header timeouts.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	dial := min(timeout, 5*time.Second)
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: dial, KeepAlive: 30 * time.Second}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          32,
			MaxIdleConnsPerHost:   defaultMaxInFlight,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   dial,
			ResponseHeaderTimeout: timeout,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// CallOption adjusts a single call.
type CallOption func(*Policy)

// WithPolicy overrides the retry policy of one call.
func WithPolicy(p Policy) CallOption {
	return func(dst *Policy) { *dst = p }
}

func resolve(def Policy, opts []CallOption) Policy {
	p := def
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// ChunkUpload identifies one chunk on the wire.
type ChunkUpload struct {
	Recording string
	Track     string // output file name without extension
	Index     uint64
	Data      []byte
}

// SendChunk posts one chunk to {endpoint}/api/chunks, retrying per policy.
// An empty endpoint is a no-op. Exhausted attempts produce one error
// notification and the returned error.
func (c *Client) SendChunk(ctx context.Context, endpoint string, up ChunkUpload, opts ...CallOption) error {
	if endpoint == "" {
		return nil
	}
	policy := resolve(c.chunkPolicy, opts)

	if err := c.inFlight.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.inFlight.Release(1)
	c.metrics.UploadsInFlight.Add(1)
	defer c.metrics.UploadsInFlight.Add(-1)

	body, contentType, err := encodeChunk(up)
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}

	url := joinURL(endpoint, "/api/chunks")
	out := Retry(ctx, policy, func(ctx context.Context, n int) error {
		c.metrics.UploadAttempts.Add(1)
		err := c.post(ctx, url, contentType, body)
		if err != nil && n < policy.Attempts {
			logger.Debug("Upload", "%s chunk %d attempt %d/%d failed: %v", up.Track, up.Index, n, policy.Attempts, err)
		}
		return err
	})

	if !out.OK() {
		c.metrics.UploadFailures.Add(1)
		c.notifier.Error(fmt.Sprintf("Failed to upload %s chunk %d: %v", up.Track, up.Index, out.Err))
		return out.Err
	}
	c.metrics.UploadSuccesses.Add(1)
	return nil
}

// jobRequest is the body of a postprocessing request.
type jobRequest struct {
	Recording string `json:"recording"`
	Recipient string `json:"recipient,omitempty"`
}

// SchedulePostprocessing posts {recording, recipient} to {endpoint}/api/jobs,
// retrying per policy. An empty endpoint is a no-op.
func (c *Client) SchedulePostprocessing(ctx context.Context, endpoint, recording, recipient string, opts ...CallOption) error {
	if endpoint == "" {
		return nil
	}
	policy := resolve(c.jobPolicy, opts)

	body, err := json.Marshal(jobRequest{Recording: recording, Recipient: recipient})
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	c.metrics.PostprocessRequests.Add(1)
	url := joinURL(endpoint, "/api/jobs")
	out := Retry(ctx, policy, func(ctx context.Context, n int) error {
		return c.post(ctx, url, "application/json", body)
	})

	if !out.OK() {
		c.metrics.PostprocessFailures.Add(1)
		c.notifier.Error(fmt.Sprintf("Failed to schedule postprocessing of %s: %v", recording, out.Err))
		return out.Err
	}
	c.notifier.Success(fmt.Sprintf("Recording %q finished; postprocessing scheduled.", recording))
	return nil
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server responded %d", e.Code)
	}
	return fmt.Sprintf("server responded %d, %s", e.Code, e.Body)
}

func (c *Client) post(ctx context.Context, url, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}

func encodeChunk(up ChunkUpload) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"recording", up.Recording},
		{"track", up.Track},
		{"index", strconv.FormatUint(up.Index, 10)},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	part, err := w.CreateFormFile("chunk", "blob")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(up.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func joinURL(endpoint, path string) string {
	return strings.TrimRight(endpoint, "/") + path
}
