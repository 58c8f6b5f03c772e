package sync

import (
	"encoding/json"
	"testing"
)

const validTrigger = `{
	"model": {"provider": "ark", "name": "default", "model": "doubao-pro"},
	"temperature": 0.7,
	"systemPrompt": "You are concise.",
	"userPrompt": "Summarize.",
	"messageHistory": [{"role": "user", "content": "hi"}],
	"useJson": false,
	"entityType": "agents"
}`

func decodeTrigger(t *testing.T, raw string) TriggerPayload {
	t.Helper()
	var p TriggerPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal trigger: %v", err)
	}
	return p
}

func TestTriggerValidateAcceptsFullPayload(t *testing.T) {
	p := decodeTrigger(t, validTrigger)
	if err := p.Validate(); err != nil {
		t.Fatalf("expected valid payload, got %v", err)
	}
	if len(p.History()) != 1 || p.History()[0].Content != "hi" {
		t.Fatalf("unexpected history: %+v", p.History())
	}
}

func TestTriggerValidateAcceptsZeroValues(t *testing.T) {
	// Zero temperature, empty prompts and an empty history are all
	// legitimate; only a missing key is a validation failure.
	p := decodeTrigger(t, `{
		"model": {"provider": "ark", "name": "default", "model": "doubao-pro"},
		"temperature": 0,
		"systemPrompt": "",
		"userPrompt": "",
		"messageHistory": [],
		"useJson": true,
		"entityType": "notes"
	}`)
	if err := p.Validate(); err != nil {
		t.Fatalf("expected zero values to validate, got %v", err)
	}
	if p.History() == nil || len(p.History()) != 0 {
		t.Fatalf("expected empty non-nil history, got %+v", p.MessageHistory)
	}
}

func TestTriggerValidateRejectsMissingFields(t *testing.T) {
	cases := map[string]string{
		"temperature": `{
			"model": {"provider": "ark", "name": "default", "model": "doubao-pro"},
			"systemPrompt": "s", "userPrompt": "u", "messageHistory": [], "useJson": false, "entityType": "agents"
		}`,
		"model.provider": `{
			"model": {"name": "default", "model": "doubao-pro"},
			"temperature": 0.5, "systemPrompt": "s", "userPrompt": "u", "messageHistory": [], "useJson": false, "entityType": "agents"
		}`,
		"messageHistory": `{
			"model": {"provider": "ark", "name": "default", "model": "doubao-pro"},
			"temperature": 0.5, "systemPrompt": "s", "userPrompt": "u", "useJson": false, "entityType": "agents"
		}`,
		"useJson": `{
			"model": {"provider": "ark", "name": "default", "model": "doubao-pro"},
			"temperature": 0.5, "systemPrompt": "s", "userPrompt": "u", "messageHistory": [], "entityType": "agents"
		}`,
		"entityType": `{
			"model": {"provider": "ark", "name": "default", "model": "doubao-pro"},
			"temperature": 0.5, "systemPrompt": "s", "userPrompt": "u", "messageHistory": [], "useJson": false
		}`,
	}
	for missing, raw := range cases {
		p := decodeTrigger(t, raw)
		if err := p.Validate(); err == nil {
			t.Errorf("expected validation failure with %s missing", missing)
		}
	}
}

func TestTriggerValidateRejectsOutOfRangeTemperature(t *testing.T) {
	for _, temp := range []string{"-0.1", "1.5"} {
		p := decodeTrigger(t, `{
			"model": {"provider": "ark", "name": "default", "model": "doubao-pro"},
			"temperature": `+temp+`,
			"systemPrompt": "s", "userPrompt": "u", "messageHistory": [], "useJson": false, "entityType": "agents"
		}`)
		if err := p.Validate(); err == nil {
			t.Errorf("expected temperature %s to be rejected", temp)
		}
	}
}
