package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lmoreau/switchboard/backend/internal/audit"
	model "github.com/lmoreau/switchboard/backend/internal/model/sync"
	"github.com/lmoreau/switchboard/backend/internal/service/registry"
	"github.com/lmoreau/switchboard/backend/internal/store"
)

// Dispatcher validates inbound client messages and routes them to
// entity CRUD, room control or generation triggers. Every branch that
// fails is audited and converted into a sender-only error event: a
// malformed message never crashes the connection or corrupts channel
// state for other members.
type Dispatcher struct {
	registry *registry.Registry
	store    store.EntityStore
	bcast    *Broadcaster
	orch     *Orchestrator
	audit    *audit.Logger
	log      *slog.Logger
	now      func() time.Time
}

// NewDispatcher wires the dispatcher to its collaborators.
func NewDispatcher(reg *registry.Registry, entityStore store.EntityStore, bcast *Broadcaster, orch *Orchestrator, auditLog *audit.Logger, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		store:    entityStore,
		bcast:    bcast,
		orch:     orch,
		audit:    auditLog,
		log:      log,
		now:      time.Now,
	}
}

// Dispatch routes one inbound envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, env model.Envelope, conn registry.Conn) {
	defer func() {
		if r := recover(); r != nil {
			d.audit.Error(fmt.Sprintf("panic handling %s message", env.Type), audit.Entry{
				Err:          fmt.Errorf("panic: %v", r),
				UserUUID:     env.UserUUID,
				Channel:      env.ChannelName,
				ConnectionID: conn.ID(),
			})
			d.senderError(conn, "Server error occurred")
		}
	}()

	heartbeat := env.Type == "ping" || env.Type == "pong"

	if !heartbeat {
		if env.UserUUID == "" || env.Type == "" || !model.ValidChannelName(env.ChannelName) {
			d.senderError(conn, "Invalid channel name or message format")
			return
		}
		if !d.registry.IsMember(env.ChannelName, env.UserUUID) {
			d.senderError(conn, "Invalid channel or user")
			return
		}
	}

	switch env.Type {
	case "ping":
		now := d.now().UnixMilli()
		d.send(conn, model.Outbound{
			Type:            "pong",
			UserUUID:        env.UserUUID,
			Timestamp:       now,
			ServerTimestamp: now,
		})
	case "pong", "leave-channel":
		// leave-channel is handled by the connection lifecycle, not here.
	case "room-lock-toggle":
		d.handleLockToggle(env, conn)
	case "llm-trigger":
		d.handleTrigger(ctx, env, conn)
	default:
		switch {
		case strings.HasPrefix(env.Type, "add-"),
			strings.HasPrefix(env.Type, "update-"),
			strings.HasPrefix(env.Type, "remove-"):
			d.handleEntityOperation(env, conn)
		case strings.HasPrefix(env.Type, "llm-"):
			d.senderError(conn, "Invalid LLM operation: "+env.Type)
		default:
			d.senderError(conn, "Unknown message type: "+env.Type)
		}
	}
}

// handleLockToggle flips the lock flag, announces it, then reloads the
// channel snapshot so clients resynchronize after the change.
func (d *Dispatcher) handleLockToggle(env model.Envelope, conn registry.Conn) {
	var payload struct {
		Locked bool `json:"locked"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		d.senderError(conn, "Invalid lock toggle data")
		return
	}

	if !d.registry.SetLocked(env.ChannelName, payload.Locked) {
		d.senderError(conn, "Invalid channel")
		return
	}

	d.bcast.Broadcast(env.ChannelName, "room-lock-toggle", EventPayload{
		UserUUID:  env.UserUUID,
		Data:      map[string]any{"locked": payload.Locked},
		Timestamp: env.Timestamp,
	}, "")

	d.registry.RefreshSnapshot(env.ChannelName)
}

// handleEntityOperation runs generic add/update/remove CRUD for an
// open-ended entity type. Persistence is best-effort: a store failure
// is audited but the broadcast still proceeds, because the in-memory
// state is the source of truth for connected clients.
func (d *Dispatcher) handleEntityOperation(env model.Envelope, conn registry.Conn) {
	operation, entityType, _ := strings.Cut(env.Type, "-")
	if entityType == "" {
		d.senderError(conn, "Invalid operation: "+env.Type)
		return
	}

	if env.ID == "" {
		d.senderError(conn, fmt.Sprintf("Invalid %s data for %s: missing id", entityType, operation))
		return
	}

	if !d.registry.IsActive(env.ChannelName) {
		d.senderError(conn, "Invalid channel")
		return
	}

	timestamp := env.Timestamp
	if timestamp == 0 {
		timestamp = d.now().UnixMilli()
	}
	serverTimestamp := d.now().UnixMilli()

	var err error
	switch operation {
	case "add":
		err = d.store.Create(model.Entity{
			ID:              env.ID,
			EntityType:      entityType,
			Channel:         env.ChannelName,
			UserUUID:        env.UserUUID,
			Data:            env.Data,
			Timestamp:       timestamp,
			ServerTimestamp: serverTimestamp,
		})
	case "update":
		_, err = d.store.UpdateByID(entityType, env.ID, env.ChannelName, env.Data, timestamp, serverTimestamp)
	case "remove":
		_, err = d.store.DeleteByID(entityType, env.ID, env.ChannelName)
	}
	if err != nil {
		d.audit.Error(fmt.Sprintf("entity operation %s failed for %s", env.Type, env.ChannelName), audit.Entry{
			Err:          err,
			UserUUID:     env.UserUUID,
			Channel:      env.ChannelName,
			ConnectionID: conn.ID(),
			Details:      map[string]any{"id": env.ID},
		})
	}

	d.bcast.Broadcast(env.ChannelName, env.Type, EventPayload{
		ID:        env.ID,
		UserUUID:  env.UserUUID,
		Data:      env.Data,
		Timestamp: timestamp,
	}, env.UserUUID)
}

// handleTrigger validates the generation request and hands it to the
// streaming orchestrator. Validation failures go to the sender only.
func (d *Dispatcher) handleTrigger(ctx context.Context, env model.Envelope, conn registry.Conn) {
	if env.ID == "" {
		d.senderError(conn, "Invalid LLM data")
		return
	}

	var trigger model.TriggerPayload
	if err := json.Unmarshal(env.Data, &trigger); err != nil {
		d.senderError(conn, "Invalid LLM data")
		return
	}
	if err := trigger.Validate(); err != nil {
		d.audit.Warn("rejected llm-trigger payload", audit.Entry{
			Err:      err,
			UserUUID: env.UserUUID,
			Channel:  env.ChannelName,
		})
		d.senderError(conn, "Invalid LLM data")
		return
	}

	d.orch.Trigger(ctx, model.GenerationJob{
		ID:       env.ID,
		Channel:  env.ChannelName,
		UserUUID: env.UserUUID,
		Trigger:  trigger,
	}, conn)
}

func (d *Dispatcher) senderError(conn registry.Conn, message string) {
	d.send(conn, model.Outbound{
		Type:      "error",
		Message:   message,
		Timestamp: d.now().UnixMilli(),
	})
}

func (d *Dispatcher) send(conn registry.Conn, msg model.Outbound) {
	if err := conn.Send(msg); err != nil {
		d.log.Warn("direct send failed", "connectionId", conn.ID(), "type", msg.Type, "err", err)
	}
}
