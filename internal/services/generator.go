package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bobarin/montage/internal/models"
)

// ErrProviderUnavailable means no API key was configured for the model's provider.
var ErrProviderUnavailable = errors.New("generative provider not configured")

// GenerateRequest is a single prompt, optionally with one image attached.
type GenerateRequest struct {
	Model         string
	Prompt        string
	Image         []byte
	ImageMIMEType string
}

// Generator forwards a prompt to a generative-AI provider and returns the
// provider's response as-is, ready to be encoded as JSON.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (interface{}, error)
}

// GeneratorRouter picks the provider from the model name.
type GeneratorRouter struct {
	gemini Generator
	openai Generator
}

// NewGeneratorRouter accepts nil for providers without credentials.
func NewGeneratorRouter(gemini, openai Generator) *GeneratorRouter {
	return &GeneratorRouter{gemini: gemini, openai: openai}
}

// IsOpenAIModel reports whether model names an OpenAI chat model.
func IsOpenAIModel(model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, prefix := range []string{"gpt-", "o1", "o3", "o4", "chatgpt-"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

func (r *GeneratorRouter) Generate(ctx context.Context, req GenerateRequest) (interface{}, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, &models.ValidationError{Field: "model", Message: "model is required"}
	}
	if strings.TrimSpace(req.Prompt) == "" && len(req.Image) == 0 {
		return nil, &models.ValidationError{Field: "prompt", Message: "prompt or image is required"}
	}

	provider, name := r.gemini, "gemini"
	if IsOpenAIModel(req.Model) {
		provider, name = r.openai, "openai"
	}
	if provider == nil {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, name)
	}
	return provider.Generate(ctx, req)
}
