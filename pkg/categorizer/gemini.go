package categorizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/generative-ai-go/genai"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"filesort/internal/models"
	"filesort/internal/ratelimit"
)

const defaultGeminiModel = "gemini-2.5-flash-lite"

// GeminiClient categorizes files through the Google Gemini API.
type GeminiClient struct {
	client        *genai.Client
	model         string
	promptLogging bool
}

// NewGeminiClient builds a Gemini client whose HTTP traffic passes through
// the rate-limited transport for this model.
func NewGeminiClient(cfg Config, registry *ratelimit.Registry) (*GeminiClient, error) {
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}

	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if registry != nil {
		opts = append(opts, option.WithHTTPClient(&http.Client{
			Transport: ratelimit.NewTransport(model, nil, registry),
		}))
	}
	client, err := genai.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrClientCreation, err)
	}
	return &GeminiClient{
		client:        client,
		model:         model,
		promptLogging: cfg.PromptLogging,
	}, nil
}

// geminiSystemPrompt keeps the answer to one parseable line.
const geminiSystemPrompt = "You are a file categorization assistant. " +
	"If it's an installer, describe the type of software it installs. " +
	"Consider the filename, extension, and any directory context provided. " +
	"Always reply with one line in the format <Main category> : <Subcategory>. " +
	"Main category must be broad (one or two words, plural). " +
	"Subcategory must be specific, relevant, and must not repeat the main category."

// CategorizeFile asks Gemini for a one-line "Category : Subcategory" answer.
func (c *GeminiClient) CategorizeFile(ctx context.Context, fileName, filePath string, fileType models.FileType, instructions string) (string, error) {
	var prompt string
	noun, label := "file", "File"
	if fileType == models.FileTypeDirectory {
		noun, label = "directory", "Directory"
	}
	if filePath != "" {
		prompt = fmt.Sprintf("Categorize the %s with full path: %s\n%s name: %s",
			noun, filePath, label, fileName)
	} else {
		prompt = fmt.Sprintf("Categorize %s: %s", noun, fileName)
	}
	if instructions != "" {
		prompt += "\n\n" + instructions
	}

	if c.promptLogging {
		log.Debugf("Gemini categorization prompt for %q:\n%s", fileName, prompt)
	}

	gm := c.client.GenerativeModel(c.model)
	resp, err := gm.GenerateContent(ctx, genai.Text(geminiSystemPrompt+"\n\n"+prompt))
	if err != nil {
		return "", mapGeminiError(err)
	}

	text, err := extractGeminiText(resp)
	if err != nil {
		return "", err
	}
	if c.promptLogging {
		log.Debugf("Gemini categorization reply for %q: %s", fileName, text)
	}
	return text, nil
}

// Close releases the underlying API client.
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func extractGeminiText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: response contained no candidates", models.ErrInvalidOutput)
	}
	content := resp.Candidates[0].Content
	if content == nil || len(content.Parts) == 0 {
		return "", fmt.Errorf("%w: response missing content parts", models.ErrInvalidOutput)
	}
	if text, ok := content.Parts[0].(genai.Text); ok {
		return strings.TrimSpace(string(text)), nil
	}
	return "", fmt.Errorf("%w: response part is not text", models.ErrInvalidOutput)
}

// mapGeminiError translates quota and transport failures into tagged error
// kinds. Gemini reports quota exhaustion as RESOURCE_EXHAUSTED with an
// advisory "retry in Ns" buried in the message.
func mapGeminiError(err error) error {
	if rl, ok := models.AsRateLimit(err); ok {
		return rl
	}
	if errors.Is(err, models.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return models.ErrTimeout
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests:
			return &models.RateLimitError{
				Message:    apiErr.Message,
				RetryAfter: retryAfterFromMessage(apiErr.Message),
			}
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: Gemini rejected the API key", models.ErrCredentialsMissing)
		}
	}
	if strings.Contains(err.Error(), "RESOURCE_EXHAUSTED") {
		return &models.RateLimitError{
			Message:    err.Error(),
			RetryAfter: retryAfterFromMessage(err.Error()),
		}
	}
	return err
}

var retrySecondsRe = regexp.MustCompile(`(?i)retry(?: again)? in ([0-9]+(?:\.[0-9]+)?)s`)

// parseRetrySeconds pulls the advisory wait out of a provider message,
// rounding up. Returns 0 when no hint is present.
func parseRetrySeconds(msg string) int {
	m := retrySecondsRe.FindStringSubmatch(msg)
	if len(m) < 2 {
		return 0
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return int(math.Ceil(f))
}
