// Package categorizer defines the model-client surface used to obtain a
// raw "Category : Subcategory" line for a file, with implementations for
// local inference servers, OpenAI, Gemini and custom OpenAI-compatible
// endpoints.
package categorizer

import (
	"context"
	"fmt"
	"strings"

	"filesort/internal/models"
	"filesort/internal/ratelimit"
)

// FileCategorizer is the single operation the categorization service needs
// from a model backend. instructions carries the combined language /
// whitelist / consistency-hint context, possibly empty.
type FileCategorizer interface {
	CategorizeFile(ctx context.Context, fileName, filePath string, fileType models.FileType, instructions string) (string, error)
}

// Provider identifies a model backend.
type Provider string

const (
	ProviderLocal  Provider = "local"
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderCustom Provider = "custom"
)

// Remote reports whether the provider needs network credentials.
func (p Provider) Remote() bool {
	return p == ProviderOpenAI || p == ProviderGemini
}

// Config selects and parameterizes a backend.
type Config struct {
	Provider Provider
	Model    string
	APIKey   string
	// BaseURL points local/custom backends at an OpenAI-compatible
	// server (e.g. a llama.cpp or Ollama endpoint).
	BaseURL       string
	PromptLogging bool
}

// New builds the client for cfg.Provider. Remote providers route their HTTP
// through a rate-limited transport keyed by model identifier.
func New(cfg Config, registry *ratelimit.Registry) (FileCategorizer, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(cfg, registry), nil
	case ProviderGemini:
		return NewGeminiClient(cfg, registry)
	case ProviderLocal:
		return NewLocalClient(cfg), nil
	case ProviderCustom:
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, fmt.Errorf("%w: custom provider requires a base URL", models.ErrClientCreation)
		}
		return NewLocalClient(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", models.ErrClientCreation, cfg.Provider)
	}
}

// systemPrompt is shared by the OpenAI-compatible backends.
const systemPrompt = "You are an intelligent file categorization assistant. " +
	"Analyze the file name, extension, and context to understand what the file represents. " +
	"Consider the purpose, content type, and intended use of the file.\n\n" +
	"IMPORTANT: If you are uncertain about the categorization (confidence < 70%), " +
	"respond with: UNCERTAIN : [filename]\n" +
	"Otherwise, respond ONLY with: Category : Subcategory\n" +
	"No explanations, no additional text."

// buildUserPrompt describes the item being categorized.
func buildUserPrompt(fileName, filePath string, fileType models.FileType) string {
	var b strings.Builder
	b.WriteString("File to categorize:\n")
	b.WriteString("Type: " + fileType.String() + "\n")
	b.WriteString("Name: " + fileName + "\n")
	if filePath != "" && filePath != fileName {
		b.WriteString("Path: " + filePath + "\n")
	}
	if dot := strings.LastIndexByte(fileName, '.'); dot >= 0 && dot < len(fileName)-1 {
		ext := fileName[dot+1:]
		b.WriteString("\nAnalyze this file based on:\n")
		b.WriteString("- What this file type (." + ext + ") is typically used for\n")
		b.WriteString("- The semantic meaning of the filename\n")
		b.WriteString("- Common purposes and applications for this file format\n")
	}
	return b.String()
}
