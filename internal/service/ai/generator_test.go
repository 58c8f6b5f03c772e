package ai

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	modelsync "github.com/lmoreau/switchboard/backend/internal/model/sync"
)

type fakeChatModel struct {
	failures int
	err      error
	calls    int
}

func (m *fakeChatModel) Generate(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return nil, errors.New("not used")
}

func (m *fakeChatModel) Stream(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.calls++
	if m.calls <= m.failures {
		return nil, m.err
	}
	sr, sw := schema.Pipe[*schema.Message](1)
	sw.Close()
	return sr, nil
}

func (m *fakeChatModel) BindTools(_ []*schema.ToolInfo) error { return nil }

func testTrigger(system, user string, useJSON bool, history []modelsync.HistoryMessage) modelsync.TriggerPayload {
	temperature := 0.5
	return modelsync.TriggerPayload{
		Model:          modelsync.ModelDescriptor{Provider: "ark", Name: "default", Model: "doubao-pro"},
		Temperature:    &temperature,
		SystemPrompt:   &system,
		UserPrompt:     &user,
		MessageHistory: &history,
		UseJSON:        &useJSON,
		EntityType:     "agents",
	}
}

func newTestService(chatModel model.ChatModel, maxRetries int) (*Service, *[]time.Duration) {
	var slept []time.Duration
	svc := &Service{
		chatModel:    chatModel,
		log:          slog.Default(),
		maxRetries:   maxRetries,
		retryBackoff: time.Millisecond,
		sleep:        func(d time.Duration) { slept = append(slept, d) },
	}
	return svc, &slept
}

func TestBuildMessages(t *testing.T) {
	history := []modelsync.HistoryMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	messages := buildMessages(testTrigger("be brief", "go on", false, history))

	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}
	if messages[0].Role != schema.System || messages[0].Content != "be brief" {
		t.Fatalf("unexpected system message: %+v", messages[0])
	}
	if messages[1].Role != schema.User || messages[2].Role != schema.Assistant {
		t.Fatalf("history roles not mapped: %v %v", messages[1].Role, messages[2].Role)
	}
	if messages[3].Role != schema.User || messages[3].Content != "go on" {
		t.Fatalf("unexpected final user message: %+v", messages[3])
	}
}

func TestBuildMessagesJSONMode(t *testing.T) {
	messages := buildMessages(testTrigger("be brief", "go on", true, nil))
	if messages[0].Role != schema.System {
		t.Fatalf("expected system message first, got %v", messages[0].Role)
	}
	if got := messages[0].Content; got == "be brief" {
		t.Fatal("JSON mode must extend the system prompt")
	}

	// An empty system prompt still gets the JSON instruction.
	messages = buildMessages(testTrigger("", "go on", true, nil))
	if messages[0].Role != schema.System || messages[0].Content == "" {
		t.Fatalf("expected synthesized system message: %+v", messages[0])
	}
}

func TestBuildMessagesOmitsEmptySystemPrompt(t *testing.T) {
	messages := buildMessages(testTrigger("", "go on", false, nil))
	if len(messages) != 1 || messages[0].Role != schema.User {
		t.Fatalf("expected the user message only, got %+v", messages)
	}
}

func TestStreamRetriesRateLimits(t *testing.T) {
	fake := &fakeChatModel{failures: 2, err: errors.New("429 too many requests")}
	svc, slept := newTestService(fake, 3)

	stream, err := svc.Stream(context.Background(), modelsync.GenerationJob{
		ID: "a1", Channel: "demo", UserUUID: "u1",
		Trigger: testTrigger("s", "u", false, nil),
	})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	stream.Close()

	if fake.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", fake.calls)
	}
	if len(*slept) != 2 || (*slept)[0] != time.Millisecond || (*slept)[1] != 2*time.Millisecond {
		t.Fatalf("expected doubling backoff, got %v", *slept)
	}
}

func TestStreamStopsRetryingAfterBudget(t *testing.T) {
	fake := &fakeChatModel{failures: 10, err: errors.New("rate limit exceeded")}
	svc, _ := newTestService(fake, 2)

	if _, err := svc.Stream(context.Background(), modelsync.GenerationJob{
		Trigger: testTrigger("s", "u", false, nil),
	}); err == nil {
		t.Fatal("expected the final rate-limit error")
	}
	if fake.calls != 3 {
		t.Fatalf("expected maxRetries+1 attempts, got %d", fake.calls)
	}
}

func TestStreamDoesNotRetryOtherErrors(t *testing.T) {
	fake := &fakeChatModel{failures: 10, err: errors.New("invalid api key")}
	svc, slept := newTestService(fake, 3)

	if _, err := svc.Stream(context.Background(), modelsync.GenerationJob{
		Trigger: testTrigger("s", "u", false, nil),
	}); err == nil {
		t.Fatal("expected the provider error")
	}
	if fake.calls != 1 || len(*slept) != 0 {
		t.Fatalf("non-rate-limit errors must not retry: calls=%d slept=%v", fake.calls, *slept)
	}
}
