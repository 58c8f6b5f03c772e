// Package ai adapts the eino chat model into the engine's Generator
// contract: one call, one stream of chunks.
package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/lmoreau/switchboard/backend/internal/config"
	modelsync "github.com/lmoreau/switchboard/backend/internal/model/sync"
)

// Service streams generation output through the configured chat model.
type Service struct {
	chatModel    model.ChatModel
	log          *slog.Logger
	maxRetries   int
	retryBackoff time.Duration
	sleep        func(time.Duration)
}

// NewService creates the provider from configuration.
func NewService(ctx context.Context, cfg config.AIConfig, log *slog.Logger) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	return &Service{
		chatModel:    chatModel,
		log:          log,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		sleep:        time.Sleep,
	}, nil
}

// Stream opens the provider stream for one job, retrying with
// exponential backoff when the provider reports rate limiting. There
// is no caller-side cancellation once the stream is open.
func (s *Service) Stream(ctx context.Context, job modelsync.GenerationJob) (*schema.StreamReader[*schema.Message], error) {
	messages := buildMessages(job.Trigger)
	opts := []model.Option{
		model.WithModel(job.Trigger.Model.Model),
		model.WithTemperature(float32(*job.Trigger.Temperature)),
	}

	backoff := s.retryBackoff
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.log.Warn("generation rate limited, retrying", "id", job.ID, "attempt", attempt, "backoff", backoff)
			s.sleep(backoff)
			backoff *= 2
		}

		stream, err := s.chatModel.Stream(ctx, messages, opts...)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if !isRateLimited(err) {
			break
		}
	}
	return nil, lastErr
}

func buildMessages(trigger modelsync.TriggerPayload) []*schema.Message {
	systemPrompt := *trigger.SystemPrompt
	if *trigger.UseJSON {
		systemPrompt = strings.TrimSpace(systemPrompt + "\nRespond with valid JSON only, no surrounding prose.")
	}

	messages := make([]*schema.Message, 0, len(trigger.History())+2)
	if systemPrompt != "" {
		messages = append(messages, schema.SystemMessage(systemPrompt))
	}
	for _, turn := range trigger.History() {
		switch turn.Role {
		case "assistant":
			messages = append(messages, schema.AssistantMessage(turn.Content, nil))
		default:
			messages = append(messages, schema.UserMessage(turn.Content))
		}
	}
	messages = append(messages, schema.UserMessage(*trigger.UserPrompt))
	return messages
}

func isRateLimited(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}
