package perception

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"secondmind/internal/types"
)

// GeminiConfig holds configuration for the Gemini oracle.
type GeminiConfig struct {
	APIKey          string
	Model           string
	MaxOutputTokens int32
}

// DefaultGeminiConfig returns sensible defaults.
func DefaultGeminiConfig(apiKey string) GeminiConfig {
	return GeminiConfig{
		APIKey:          apiKey,
		Model:           "gemini-2.0-flash",
		MaxOutputTokens: 2048,
	}
}

// GeminiOracle implements Oracle using the Google GenAI SDK.
type GeminiOracle struct {
	client *genai.Client
	model  string
	tokens int32
}

// NewGeminiOracle creates a Gemini-backed oracle.
func NewGeminiOracle(ctx context.Context, cfg GeminiConfig) (*GeminiOracle, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultGeminiConfig("").Model
	}
	return &GeminiOracle{client: client, model: model, tokens: cfg.MaxOutputTokens}, nil
}

// Generate sends prompt as a single user turn.
func (g *GeminiOracle) Generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(temperature)),
	}
	if g.tokens > 0 {
		gc.MaxOutputTokens = g.tokens
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), gc)
	if err != nil {
		return "", classify(err)
	}
	if resp == nil {
		return "", nil
	}
	return resp.Text(), nil
}

// classify maps SDK errors onto ExternalCallError so retry policy can see the
// HTTP status.
func classify(err error) error {
	ext := &types.ExternalCallError{Service: "gemini", Op: "generate", Err: err}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		ext.Status = apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		ext.Status = apiErrPtr.Code
	}
	return ext
}
