package anthropic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/kirillkom/invoice-intake/internal/core/domain"
	"github.com/kirillkom/invoice-intake/internal/infrastructure/llm"
	"github.com/kirillkom/invoice-intake/internal/infrastructure/resilience"
	"golang.org/x/time/rate"
)

const defaultModel = "claude-sonnet-4-5-20250929"

type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	MaxTokens    int
	Temperature  float64
	RateLimitRPS float64
}

// Client extracts fields through the Anthropic Messages API. Retries are
// left to the resilience executor, so the SDK's own retries are disabled.
type Client struct {
	client      sdk.Client
	model       string
	maxTokens   int64
	temperature float64
	limiter     *rate.Limiter
	executor    *resilience.Executor
	logger      *slog.Logger
}

func New(cfg Config, executor *resilience.Executor, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1)
	}
	return &Client{
		client:      sdk.NewClient(opts...),
		model:       model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		limiter:     limiter,
		executor:    executor,
		logger:      logger,
	}
}

func (c *Client) ExtractFields(ctx context.Context, text string) (domain.AIExtraction, error) {
	content, err := c.complete(ctx, "extract_fields", llm.BuildExtractionPrompt(text))
	if err != nil {
		return domain.AIExtraction{}, err
	}
	out, err := llm.DecodeExtraction(content, c.logger)
	if err != nil {
		return domain.AIExtraction{}, domain.WrapError(domain.ErrProviderFailure, "anthropic extract_fields", err)
	}
	return out, nil
}

func (c *Client) ExtractDocNumber(ctx context.Context, text string) (string, error) {
	content, err := c.complete(resilience.WithMaxAttempts(ctx, 1), "extract_doc_number", llm.BuildDocNumberPrompt(text))
	if err != nil {
		return "", err
	}
	return llm.ParseDocNumberAnswer(content), nil
}

func (c *Client) complete(ctx context.Context, operation, prompt string) (string, error) {
	params := sdk.MessageNewParams{
		Model:       sdk.Model(c.model),
		MaxTokens:   c.maxTokens,
		Messages:    []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
		System:      []sdk.TextBlockParam{{Text: llm.ExtractionSystemPrompt()}},
		Temperature: sdk.Float(c.temperature),
	}

	content, err := resilience.Call(ctx, c.executor, "anthropic."+operation, func(callCtx context.Context) (string, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(callCtx); err != nil {
				return "", err
			}
		}
		msg, err := c.client.Messages.New(callCtx, params)
		if err != nil {
			return "", fmt.Errorf("anthropic %s: %w", operation, err)
		}
		var b strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		text := strings.TrimSpace(b.String())
		if text == "" {
			return "", fmt.Errorf("anthropic %s: empty response", operation)
		}
		return text, nil
	}, classifyAnthropicError)
	if err != nil {
		class := classifyAnthropicError(err)
		if class.Retryable || resilience.IsCircuitOpen(err) {
			return "", domain.WrapError(domain.ErrTemporary, "anthropic "+operation, err)
		}
		return "", domain.WrapError(domain.ErrProviderFailure, "anthropic "+operation, err)
	}
	return content, nil
}

func classifyAnthropicError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{}
	}
	if resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		if llm.RetryableStatus(apiErr.StatusCode) {
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return resilience.ErrorClassification{}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{RecordFailure: true}
}
