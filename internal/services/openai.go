package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

type OpenAIService struct {
	client *openai.Client
}

func NewOpenAIService(apiKey string) *OpenAIService {
	return &OpenAIService{
		client: openai.NewClient(apiKey),
	}
}

// Generate runs a single-turn chat completion. An attached image is sent as
// a base64 data URL next to the prompt text.
func (s *OpenAIService) Generate(ctx context.Context, req GenerateRequest) (interface{}, error) {
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}

	if len(req.Image) == 0 {
		msg.Content = req.Prompt
	} else {
		mimeType := req.ImageMIMEType
		if mimeType == "" {
			mimeType = "image/png"
		}
		dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(req.Image))
		msg.MultiContent = []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: req.Prompt},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    dataURL,
					Detail: openai.ImageURLDetailAuto,
				},
			},
		}
	}

	start := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: []openai.ChatCompletionMessage{msg},
	})
	if err != nil {
		log.Error().Err(err).Str("model", req.Model).Msg("[OpenAI] Chat completion failed")
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}

	log.Info().
		Str("model", req.Model).
		Int("total_tokens", resp.Usage.TotalTokens).
		Dur("duration", time.Since(start)).
		Msg("[OpenAI] Response received")
	return resp, nil
}
