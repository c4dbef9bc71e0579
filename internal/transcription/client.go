package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/meeting-audio-pipeline/internal/metrics"
)

// Client talks to an async speech-to-text job API:
// POST /jobs, GET /jobs/{id} and GET /jobs/{id}/transcript.
type Client struct {
	config     Config
	httpClient *http.Client
	metrics    *metrics.Metrics
	semaphore  chan struct{} // Rate limiting semaphore

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	totalPolls      uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains transcription client configuration
type Config struct {
	BaseURL       string
	APIKey        string
	Provider      Provider
	Timeout       time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration // First backoff step, doubled per attempt
	MaxConcurrent int
}

// HTTPError is a non-2xx provider response
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	TotalPolls      uint64        `json:"total_polls"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewClient creates a new transcription HTTP client
func NewClient(config Config, m *metrics.Metrics) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}

	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}

	if config.Provider == "" {
		config.Provider = ProviderRevAI
	}
	if _, err := config.Provider.DefaultCapabilities(); err != nil {
		return nil, err
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		metrics:    m,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Provider returns the configured provider
func (c *Client) Provider() Provider {
	return c.config.Provider
}

// SubmitJob uploads a WAV window and creates a job. Retryable failures
// (5xx, 429, timeouts, connection errors) are retried with exponential
// backoff; the final error wraps ErrSubmissionFailed.
func (c *Client) SubmitJob(ctx context.Context, wav []byte, opts JobOptions) (*Job, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	c.incrementTotalRequests()

	var lastErr error

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()
			c.metrics.RecordTranscriptionRetry()

			backoffTime := c.config.RetryBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				c.incrementFailedRequests()
				return nil, fmt.Errorf("%w: %w", ErrSubmissionFailed, ctx.Err())
			}
		}

		job, err := c.doSubmit(ctx, wav, opts)
		if err == nil {
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(time.Since(startTime))
			return job, nil
		}

		lastErr = err

		if !IsRetryable(err) {
			break
		}
	}

	c.incrementFailedRequests()
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrSubmissionFailed, c.config.MaxRetries+1, lastErr)
}

// Attempts returns how many tries SubmitJob makes before giving up
func (c *Client) Attempts() int {
	return c.config.MaxRetries + 1
}

func (c *Client) doSubmit(ctx context.Context, wav []byte, opts JobOptions) (*Job, error) {
	body, contentType, err := c.createMultipartRequest(wav, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	var resp jobResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", body, contentType, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("provider returned a job without id")
	}

	return &Job{
		ID:          resp.ID,
		Status:      JobSubmitted,
		SubmittedAt: time.Now(),
	}, nil
}

// GetJob fetches the current status of a job
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	c.mu.Lock()
	c.totalPolls++
	c.mu.Unlock()

	var resp jobResponse
	if err := c.do(ctx, http.MethodGet, "/jobs/"+id, nil, "", &resp); err != nil {
		return nil, err
	}

	failure := resp.Failure
	if resp.FailureDetail != "" {
		failure = strings.TrimSpace(failure + " " + resp.FailureDetail)
	}

	return &Job{
		ID:      resp.ID,
		Status:  parseStatus(resp.Status),
		Failure: failure,
	}, nil
}

// GetTranscript fetches the transcript of a completed job
func (c *Client) GetTranscript(ctx context.Context, id string) (*Transcript, error) {
	var transcript Transcript
	if err := c.do(ctx, http.MethodGet, "/jobs/"+id+"/transcript", nil, "", &transcript); err != nil {
		return nil, err
	}
	return &transcript, nil
}

// do performs a single HTTP request and decodes a JSON response into out
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "Meeting-Audio-Pipeline/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response JSON: %w", err)
	}

	return nil
}

// createMultipartRequest creates the multipart/form-data job body
func (c *Client) createMultipartRequest(wav []byte, opts JobOptions) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("media", "window.wav")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(wav); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"skip_diarization": strconv.FormatBool(opts.SkipDiarization),
	}
	if opts.Language != "" {
		fields["language"] = opts.Language
	}
	if !opts.SkipDiarization {
		if opts.SpeakersCount > 0 {
			fields["speakers_count"] = strconv.Itoa(opts.SpeakersCount)
		}
		if opts.DiarizationType != "" {
			fields["diarization_type"] = opts.DiarizationType
		}
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// IsRetryable reports whether a request error is worth retrying
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") || strings.Contains(msg, "refused")
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		TotalPolls:      c.totalPolls,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for in-flight submissions to finish
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}

	return nil
}
