package openai

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/invoice-intake/internal/core/domain"
	"github.com/kirillkom/invoice-intake/internal/infrastructure/llm"
	"github.com/kirillkom/invoice-intake/internal/infrastructure/resilience"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
)

type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	MaxTokens    int
	Temperature  float64
	RateLimitRPS float64
}

// Client talks to any OpenAI-compatible chat completions endpoint.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
	limiter     *rate.Limiter
	executor    *resilience.Executor
	logger      *slog.Logger
}

func New(cfg Config, executor *resilience.Executor, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1)
	}
	return &Client{
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		model:       model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: 120 * time.Second},
		limiter:     limiter,
		executor:    executor,
		logger:      logger,
	}
}

func (c *Client) ExtractFields(ctx context.Context, text string) (domain.AIExtraction, error) {
	start := time.Now()
	content, err := c.complete(ctx, "extract_fields", llm.ExtractionSystemPrompt(), llm.BuildExtractionPrompt(text), true)
	if err != nil {
		return domain.AIExtraction{}, err
	}
	out, err := llm.DecodeExtraction(content, c.logger)
	if err != nil {
		return domain.AIExtraction{}, domain.WrapError(domain.ErrProviderFailure, "openai extract_fields", err)
	}
	c.logger.Debug("llm.extract.ok",
		"provider", "openai",
		"model", c.model,
		"doc_number", out.DocNumber,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func (c *Client) ExtractDocNumber(ctx context.Context, text string) (string, error) {
	// The doc number follow-up is a single request.
	content, err := c.complete(resilience.WithMaxAttempts(ctx, 1), "extract_doc_number", llm.ExtractionSystemPrompt(), llm.BuildDocNumberPrompt(text), false)
	if err != nil {
		return "", err
	}
	return llm.ParseDocNumberAnswer(content), nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) complete(ctx context.Context, operation, system, user string, jsonMode bool) (string, error) {
	request := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	if jsonMode {
		request.ResponseFormat = map[string]any{"type": "json_object"}
	}

	content, err := resilience.Call(ctx, c.executor, "openai."+operation, func(callCtx context.Context) (string, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(callCtx); err != nil {
				return "", err
			}
		}
		var response chatResponse
		if err := c.postJSON(callCtx, "/chat/completions", request, &response, operation); err != nil {
			return "", err
		}
		if len(response.Choices) == 0 {
			return "", fmt.Errorf("openai %s: no choices in response", operation)
		}
		return strings.TrimSpace(response.Choices[0].Message.Content), nil
	}, classifyOpenAIError)
	if err != nil {
		return "", wrapTemporaryIfNeeded("openai "+operation, err)
	}
	return content, nil
}
