package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

type GeminiService struct {
	client *genai.Client
}

func NewGeminiService(ctx context.Context, apiKey string) (*GeminiService, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiService{client: client}, nil
}

// Generate sends the prompt (and image, if any) to Gemini, allowing both
// image and text parts in the answer. The SDK response is returned unchanged.
func (s *GeminiService) Generate(ctx context.Context, req GenerateRequest) (interface{}, error) {
	parts := []*genai.Part{{Text: req.Prompt}}
	if len(req.Image) > 0 {
		mimeType := req.ImageMIMEType
		if mimeType == "" {
			mimeType = "image/png"
		}
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{
				MIMEType: mimeType,
				Data:     req.Image,
			},
		})
	}

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE", "TEXT"},
	}
	contents := []*genai.Content{{Role: "user", Parts: parts}}

	start := time.Now()
	resp, err := s.client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		log.Error().Err(err).Str("model", req.Model).Dur("duration", time.Since(start)).Msg("[Gemini] generateContent failed")
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}

	log.Info().
		Str("model", req.Model).
		Bool("with_image", len(req.Image) > 0).
		Dur("duration", time.Since(start)).
		Msg("[Gemini] Response received")
	return resp, nil
}
