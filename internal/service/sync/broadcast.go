package sync

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lmoreau/switchboard/backend/internal/audit"
	model "github.com/lmoreau/switchboard/backend/internal/model/sync"
	"github.com/lmoreau/switchboard/backend/internal/service/registry"
)

// EventPayload is the variable part of an entity-style broadcast.
type EventPayload struct {
	ID        string
	UserUUID  string
	Data      any
	Timestamp int64
	EventID   string
}

// Broadcaster serializes outbound messages, stamps server timestamps
// and event ids, and delivers to all channel members in one pass.
// Delivery is fire-and-forget per connection: one dead connection
// never aborts delivery to the rest.
type Broadcaster struct {
	registry *registry.Registry
	audit    *audit.Logger
	log      *slog.Logger
	now      func() time.Time
}

// NewBroadcaster builds a broadcaster over the channel registry.
func NewBroadcaster(reg *registry.Registry, auditLog *audit.Logger, log *slog.Logger) *Broadcaster {
	return &Broadcaster{registry: reg, audit: auditLog, log: log, now: time.Now}
}

// Broadcast fans an entity-style event out to every channel member
// except exclude. The server timestamp is assigned here, never taken
// from the client, and the event id lets receivers de-duplicate
// redelivered events.
func (b *Broadcaster) Broadcast(channelName, msgType string, p EventPayload, exclude string) {
	serverTimestamp := b.now().UnixMilli()

	timestamp := p.Timestamp
	if timestamp == 0 {
		timestamp = serverTimestamp
	}

	eventID := p.EventID
	if eventID == "" {
		eventID = newEventID(p.ID, serverTimestamp)
	}

	b.deliver(channelName, exclude, model.Outbound{
		Type:            msgType,
		ID:              p.ID,
		UserUUID:        p.UserUUID,
		Data:            p.Data,
		Timestamp:       timestamp,
		ServerTimestamp: serverTimestamp,
		EventID:         eventID,
	})
}

// UserList broadcasts the refreshed roster to the whole channel,
// sender included, so the room reflects its own membership changes.
func (b *Broadcaster) UserList(channelName string) {
	b.deliver(channelName, "", model.Outbound{
		Type:      "user-list",
		Users:     b.registry.Members(channelName),
		Timestamp: b.now().UnixMilli(),
	})
}

// UserJoined announces a new member to the whole channel.
func (b *Broadcaster) UserJoined(channelName, userUUID, displayName, color string) {
	now := b.now().UnixMilli()
	b.deliver(channelName, "", model.Outbound{
		Type:        "user-joined",
		UserUUID:    userUUID,
		DisplayName: displayName,
		Color:       color,
		JoinedAt:    now,
		Timestamp:   now,
	})
}

// UserLeft announces a departure to the remaining members.
func (b *Broadcaster) UserLeft(channelName, userUUID string) {
	b.deliver(channelName, "", model.Outbound{
		Type:      "user-left",
		UserUUID:  userUUID,
		Timestamp: b.now().UnixMilli(),
	})
}

func (b *Broadcaster) deliver(channelName, exclude string, msg model.Outbound) {
	b.registry.FanOut(channelName, exclude, func(userUUID string, c registry.Conn) {
		if err := c.Send(msg); err != nil {
			b.audit.Warn(fmt.Sprintf("broadcast delivery failed for %s", channelName), audit.Entry{
				Err:          err,
				UserUUID:     userUUID,
				Channel:      channelName,
				ConnectionID: c.ID(),
				Details:      map[string]any{"type": msg.Type},
			})
		}
	})
}

func newEventID(id string, serverTimestamp int64) string {
	return fmt.Sprintf("%s-%d-%s", id, serverTimestamp, uuid.NewString()[:8])
}
