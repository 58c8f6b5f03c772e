// Package sync implements the channel synchronization engine: mutation
// dispatch, broadcast fan-out and generation streaming over the
// channel registry.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lmoreau/switchboard/backend/internal/audit"
	model "github.com/lmoreau/switchboard/backend/internal/model/sync"
	"github.com/lmoreau/switchboard/backend/internal/service/registry"
)

// Engine is the transport-facing facade: the websocket handler talks
// to it and nothing else.
type Engine struct {
	registry   *registry.Registry
	bcast      *Broadcaster
	dispatcher *Dispatcher
	audit      *audit.Logger
	log        *slog.Logger
	now        func() time.Time
}

// NewEngine assembles the engine from its parts.
func NewEngine(reg *registry.Registry, bcast *Broadcaster, dispatcher *Dispatcher, auditLog *audit.Logger, log *slog.Logger) *Engine {
	return &Engine{
		registry:   reg,
		bcast:      bcast,
		dispatcher: dispatcher,
		audit:      auditLog,
		log:        log,
		now:        time.Now,
	}
}

// Join attaches the connection to a channel, sends the full entity
// snapshot to the joiner, and announces the membership change to the
// whole room (the joiner included, so the room reflects its own join).
func (e *Engine) Join(env model.Envelope, conn registry.Conn) {
	res, err := e.registry.Join(env.ChannelName, env.UserUUID, env.DisplayName, conn)
	switch {
	case errors.Is(err, registry.ErrInvalidJoin):
		e.senderError(conn, "Invalid channel name or data")
		return
	case errors.Is(err, registry.ErrLocked):
		e.senderError(conn, "Channel is Locked")
		return
	case err != nil:
		e.audit.Error(fmt.Sprintf("join channel error for %s", env.ChannelName), audit.Entry{
			Err:          err,
			UserUUID:     env.UserUUID,
			Channel:      env.ChannelName,
			ConnectionID: conn.ID(),
		})
		e.senderError(conn, "Failed to join channel")
		return
	}

	now := e.now().UnixMilli()
	if err := conn.Send(model.Outbound{
		Type:            "init-state",
		UserUUID:        env.UserUUID,
		Data:            res.Snapshot,
		Timestamp:       now,
		ServerTimestamp: now,
	}); err != nil {
		e.log.Warn("failed to deliver init-state", "connectionId", conn.ID(), "channel", env.ChannelName, "err", err)
	}

	e.bcast.UserList(env.ChannelName)
	e.bcast.UserJoined(env.ChannelName, env.UserUUID, env.DisplayName, res.Color)

	e.log.Info("user joined channel", "channel", env.ChannelName, "userUuid", env.UserUUID)
}

// Leave detaches the user after an explicit leave-channel message.
func (e *Engine) Leave(env model.Envelope) {
	if env.UserUUID == "" || !model.ValidChannelName(env.ChannelName) {
		return
	}
	e.cleanup(env.ChannelName, env.UserUUID, e.registry.Leave(env.ChannelName, env.UserUUID))
}

// Disconnect handles a dropped connection with no prior leave-channel;
// the cleanup and the broadcasts are identical to an explicit leave.
func (e *Engine) Disconnect(connID string) {
	channelName, userUUID, res := e.registry.Disconnect(connID)
	if res.Found {
		e.cleanup(channelName, userUUID, res)
	}
}

func (e *Engine) cleanup(channelName, userUUID string, res registry.LeaveResult) {
	if !res.Found {
		return
	}
	if res.Empty {
		e.log.Info("channel evicted", "channel", channelName)
		return
	}
	e.bcast.UserLeft(channelName, userUUID)
	e.bcast.UserList(channelName)
}

// HandleMessage routes every non-lifecycle inbound message.
func (e *Engine) HandleMessage(ctx context.Context, env model.Envelope, conn registry.Conn) {
	e.dispatcher.Dispatch(ctx, env, conn)
}

// Channels exposes the registry's active channel listing for the REST
// surface.
func (e *Engine) Channels() []registry.ChannelInfo {
	return e.registry.ActiveChannels()
}

func (e *Engine) senderError(conn registry.Conn, message string) {
	if err := conn.Send(model.Outbound{
		Type:      "error",
		Message:   message,
		Timestamp: e.now().UnixMilli(),
	}); err != nil {
		e.log.Warn("failed to deliver error", "connectionId", conn.ID(), "err", err)
	}
}
