package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/lmoreau/switchboard/backend/internal/audit"
	model "github.com/lmoreau/switchboard/backend/internal/model/sync"
	"github.com/lmoreau/switchboard/backend/internal/service/registry"
)

// Generator is the external generation provider: one call, one stream
// of message chunks ending in io.EOF or an error.
type Generator interface {
	Stream(ctx context.Context, job model.GenerationJob) (*schema.StreamReader[*schema.Message], error)
}

// maxDedupChunks bounds the per-job duplicate-detection set. Once full,
// the oldest entries are evicted FIFO so a stream that never ends
// cannot grow memory without bound.
const maxDedupChunks = 4096

// Orchestrator turns one generation call into a sequence of llm-draft
// broadcasts and a terminal llm-end, de-duplicating redelivered chunks.
// Each job runs on its own goroutine with its own dedup set and
// aggregate buffer; jobs never interfere with each other or with other
// channel activity.
type Orchestrator struct {
	gen   Generator
	bcast *Broadcaster
	audit *audit.Logger
	log   *slog.Logger
	now   func() time.Time

	wg sync.WaitGroup
}

// NewOrchestrator builds the orchestrator. gen may be nil when no
// provider is configured; triggers then fail with a sender-only error.
func NewOrchestrator(gen Generator, bcast *Broadcaster, auditLog *audit.Logger, log *slog.Logger) *Orchestrator {
	return &Orchestrator{gen: gen, bcast: bcast, audit: auditLog, log: log, now: time.Now}
}

// Trigger starts the streaming job asynchronously. The job is detached
// from the triggering connection's context: once started, a stream
// runs to its own completion.
func (o *Orchestrator) Trigger(ctx context.Context, job model.GenerationJob, sender registry.Conn) {
	if o.gen == nil {
		o.senderError(sender, "Generation service unavailable")
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(context.WithoutCancel(ctx), job, sender)
	}()
}

// Wait blocks until every in-flight job has terminated.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) run(ctx context.Context, job model.GenerationJob, sender registry.Conn) {
	defer func() {
		if r := recover(); r != nil {
			o.audit.Error(fmt.Sprintf("panic in generation job %s", job.ID), audit.Entry{
				Err:      fmt.Errorf("panic: %v", r),
				UserUUID: job.UserUUID,
				Channel:  job.Channel,
			})
		}
	}()

	stream, err := o.gen.Stream(ctx, job)
	if err != nil {
		o.fail(job, sender, err)
		return
	}
	defer stream.Close()

	seen := make(map[string]struct{})
	var order []string
	var aggregate strings.Builder

	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			o.log.Info("generation stream complete", "id", job.ID, "channel", job.Channel, "length", aggregate.Len())
			o.end(job, false)
			return
		}
		if recvErr != nil {
			o.fail(job, sender, recvErr)
			return
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		content := chunk.Content
		if _, dup := seen[content]; dup {
			// Providers are observed to occasionally redeliver a chunk.
			o.log.Debug("skipped duplicate generation chunk", "id", job.ID)
			continue
		}
		seen[content] = struct{}{}
		order = append(order, content)
		if len(order) > maxDedupChunks {
			delete(seen, order[0])
			order = order[1:]
		}
		aggregate.WriteString(content)

		o.bcast.Broadcast(job.Channel, "llm-draft", EventPayload{
			ID:       job.ID,
			UserUUID: job.UserUUID,
			Data: map[string]any{
				"content":    content,
				"entityType": job.Trigger.EntityType,
			},
			Timestamp: o.now().UnixMilli(),
		}, "")
	}
}

// end broadcasts the terminal event. Intermediate chunks are never
// persisted: the final value, if any, is the client's responsibility
// via a normal update after the stream ends.
func (o *Orchestrator) end(job model.GenerationJob, aborted bool) {
	data := map[string]any{
		"end":        true,
		"entityType": job.Trigger.EntityType,
	}
	if aborted {
		data["aborted"] = true
	}

	o.bcast.Broadcast(job.Channel, "llm-end", EventPayload{
		ID:        job.ID,
		UserUUID:  job.UserUUID,
		Data:      data,
		Timestamp: o.now().UnixMilli(),
	}, "")
}

// fail delivers the provider error to the triggering sender only, then
// broadcasts an aborted terminal event so members watching a streaming
// flag on the target entity still learn the stream is over.
func (o *Orchestrator) fail(job model.GenerationJob, sender registry.Conn, err error) {
	o.audit.Error(fmt.Sprintf("generation job %s failed", job.ID), audit.Entry{
		Err:      err,
		UserUUID: job.UserUUID,
		Channel:  job.Channel,
	})
	o.senderError(sender, err.Error())
	o.end(job, true)
}

func (o *Orchestrator) senderError(sender registry.Conn, message string) {
	if sender == nil {
		return
	}
	if err := sender.Send(model.Outbound{
		Type:      "error",
		Message:   message,
		Timestamp: o.now().UnixMilli(),
	}); err != nil {
		o.log.Warn("failed to deliver generation error", "connectionId", sender.ID(), "err", err)
	}
}
