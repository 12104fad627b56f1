package categorizer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"

	"filesort/internal/models"
	"filesort/internal/ratelimit"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIClient categorizes files through the OpenAI chat completions API.
// Also used, with a different base URL, for local and custom
// OpenAI-compatible servers (see NewLocalClient).
type OpenAIClient struct {
	client        *openai.Client
	model         string
	promptLogging bool
}

// NewOpenAIClient builds a remote OpenAI client whose HTTP traffic passes
// through the rate-limited transport for this model.
func NewOpenAIClient(cfg Config, registry *ratelimit.Registry) *OpenAIClient {
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if registry != nil {
		clientConfig.HTTPClient = &http.Client{
			Transport: ratelimit.NewTransport(model, nil, registry),
		}
	}
	return &OpenAIClient{
		client:        openai.NewClientWithConfig(clientConfig),
		model:         model,
		promptLogging: cfg.PromptLogging,
	}
}

// NewLocalClient builds a client for an OpenAI-compatible local or custom
// inference server. No admission control is applied; the server is assumed
// to be under the caller's control.
func NewLocalClient(cfg Config) *OpenAIClient {
	model := cfg.Model
	if model == "" {
		model = "local"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = baseURL
	return &OpenAIClient{
		client:        openai.NewClientWithConfig(clientConfig),
		model:         model,
		promptLogging: cfg.PromptLogging,
	}
}

// CategorizeFile asks the model for a one-line "Category : Subcategory"
// answer for the given file.
func (c *OpenAIClient) CategorizeFile(ctx context.Context, fileName, filePath string, fileType models.FileType, instructions string) (string, error) {
	system := systemPrompt
	if instructions != "" {
		system += "\n\nContext and constraints:\n" + instructions
	}
	user := buildUserPrompt(fileName, filePath, fileType)

	if c.promptLogging {
		log.Debugf("Categorization prompt for %q:\n%s", fileName, user)
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		MaxTokens:   100,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: response contained no choices", models.ErrInvalidOutput)
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if c.promptLogging {
		log.Debugf("Categorization reply for %q: %s", fileName, content)
	}
	return content, nil
}

// mapOpenAIError translates transport/API failures into the tagged error
// kinds the categorization service branches on.
func mapOpenAIError(err error) error {
	if rl, ok := models.AsRateLimit(err); ok {
		return rl
	}
	if errors.Is(err, models.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return models.ErrTimeout
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return &models.RateLimitError{Message: apiErr.Message, RetryAfter: retryAfterFromMessage(apiErr.Message)}
		case apiErr.HTTPStatusCode == http.StatusUnauthorized:
			return fmt.Errorf("%w: invalid OpenAI API key", models.ErrCredentialsMissing)
		}
	}
	return err
}

// retryAfterFromMessage extracts an advisory wait like "try again in 20s"
// from a provider error message, when present.
func retryAfterFromMessage(msg string) time.Duration {
	secs := parseRetrySeconds(msg)
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
