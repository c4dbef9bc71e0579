// Package llm is the chat-completion transport used for note extraction,
// questions and summaries. It talks to any OpenAI-compatible endpoint.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/skypro1111/meeting-audio-pipeline/internal/metrics"
)

// ErrProvider wraps every failed or empty completion
var ErrProvider = errors.New("ai provider error")

// Config contains AI provider configuration
type Config struct {
	BaseURL     string // Empty uses the OpenAI default
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// Request is a single-turn completion request
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int     // Zero uses the configured default
	Temperature float32 // Negative uses the configured default
}

// Response is the completion text and token usage
type Response struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Completer produces one completion per request
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Client is a Completer backed by go-openai
type Client struct {
	client  *openai.Client
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Statistics
	totalRequests  uint64
	failedRequests uint64
	totalTokens    uint64

	mu sync.RWMutex
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests  uint64 `json:"total_requests"`
	FailedRequests uint64 `json:"failed_requests"`
	TotalTokens    uint64 `json:"total_tokens"`
}

// NewClient creates a chat-completion client
func NewClient(config Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1000
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}
	clientConfig.HTTPClient = &http.Client{Timeout: config.Timeout}

	return &Client{
		client:  openai.NewClientWithConfig(clientConfig),
		config:  config,
		logger:  logger,
		metrics: m,
	}, nil
}

// Complete sends the request and returns the first choice
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.config.MaxTokens
	}
	temperature := req.Temperature
	if temperature < 0 {
		temperature = c.config.Temperature
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	c.mu.Lock()
	c.totalRequests++
	c.mu.Unlock()

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.config.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}
	if len(resp.Choices) == 0 {
		c.recordFailure()
		return nil, fmt.Errorf("%w: completion returned no choices", ErrProvider)
	}

	c.metrics.RecordCompletion(time.Since(start).Seconds(), resp.Usage.TotalTokens)
	c.mu.Lock()
	c.totalTokens += uint64(resp.Usage.TotalTokens)
	c.mu.Unlock()

	c.logger.Debug("Completion received",
		slog.String("model", resp.Model),
		slog.Int("total_tokens", resp.Usage.TotalTokens),
		slog.Duration("latency", time.Since(start)),
	)

	return &Response{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ClientStats{
		TotalRequests:  c.totalRequests,
		FailedRequests: c.failedRequests,
		TotalTokens:    c.totalTokens,
	}
}
