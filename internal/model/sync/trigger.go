package sync

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ModelDescriptor names the generation backend for a trigger.
type ModelDescriptor struct {
	Provider string `json:"provider" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Model    string `json:"model" validate:"required"`
}

// HistoryMessage is one prior turn handed to the generation provider.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TriggerPayload is the data field of an llm-trigger message. Pointer
// fields distinguish "absent" from legitimate zero values: temperature
// 0, empty prompts and an empty history are all valid.
type TriggerPayload struct {
	Model          ModelDescriptor   `json:"model"`
	Temperature    *float64          `json:"temperature" validate:"required"`
	SystemPrompt   *string           `json:"systemPrompt" validate:"required"`
	UserPrompt     *string           `json:"userPrompt" validate:"required"`
	MessageHistory *[]HistoryMessage `json:"messageHistory" validate:"required"`
	UseJSON        *bool             `json:"useJson" validate:"required"`
	EntityType     string            `json:"entityType" validate:"required"`
}

// Validate checks the trigger payload against the required shape.
func (p *TriggerPayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return err
	}
	if *p.Temperature < 0 || *p.Temperature > 1 {
		return fmt.Errorf("temperature %v out of range [0,1]", *p.Temperature)
	}
	return nil
}

// History returns the message history, nil-safe.
func (p *TriggerPayload) History() []HistoryMessage {
	if p.MessageHistory == nil {
		return nil
	}
	return *p.MessageHistory
}

// GenerationJob is the ephemeral description of one streaming
// generation call. It is never persisted; its output is expressed
// entirely as entity-update broadcasts against the target entity id.
type GenerationJob struct {
	ID       string // target entity id
	Channel  string
	UserUUID string
	Trigger  TriggerPayload
}
