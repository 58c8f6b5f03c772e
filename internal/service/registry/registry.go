// Package registry owns the per-channel in-memory projection: members,
// connections, the lock flag and the last-loaded entity snapshot. The
// registry is created once at server start and injected into handlers;
// there is no ambient global channel map.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/lmoreau/switchboard/backend/internal/audit"
	model "github.com/lmoreau/switchboard/backend/internal/model/sync"
	"github.com/lmoreau/switchboard/backend/internal/store"
)

var (
	ErrInvalidJoin = errors.New("invalid channel name or data")
	ErrLocked      = errors.New("channel is locked")
)

// Conn is one member's transport connection. Send must be safe for
// concurrent use and should fail fast rather than block the fan-out.
type Conn interface {
	ID() string
	Send(msg model.Outbound) error
}

// channelEntityType is the reserved entity type holding the persisted
// channel document (id = channel name).
const channelEntityType = "channel"

type channelState struct {
	locked   bool
	members  map[string]model.Presence
	conns    map[string]Conn
	colors   map[string]string
	snapshot model.Snapshot

	// fanMu serializes broadcast fan-outs so a single event reaches
	// every member before the next one starts.
	fanMu sync.Mutex
}

// Registry is the channel state cache and presence manager.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*channelState

	store store.EntityStore
	audit *audit.Logger
	log   *slog.Logger
	now   func() time.Time
}

// New builds an empty registry backed by the given entity store.
func New(entityStore store.EntityStore, auditLog *audit.Logger, log *slog.Logger) *Registry {
	return &Registry{
		channels: make(map[string]*channelState),
		store:    entityStore,
		audit:    auditLog,
		log:      log,
		now:      time.Now,
	}
}

// JoinResult is what a freshly joined client needs: its assigned color
// and the full entity snapshot for the init-state message.
type JoinResult struct {
	Color    string
	JoinedAt int64
	Snapshot model.Snapshot
}

// Join attaches a user to a channel, creating the in-memory projection
// on first join. The persisted channel document, when present, supplies
// the lock flag and previously assigned colors. Joining a locked
// channel is rejected before the user is attached, so a rejected join
// leaves no trace.
func (r *Registry) Join(channelName, userUUID, displayName string, conn Conn) (JoinResult, error) {
	if !model.ValidChannelName(channelName) || userUUID == "" || displayName == "" || conn == nil {
		return JoinResult{}, ErrInvalidJoin
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	doc := r.loadChannelDoc(channelName)
	snapshot := r.loadAllEntities(channelName)

	cs, active := r.channels[channelName]
	if active {
		cs.snapshot = snapshot
		if cs.locked {
			return JoinResult{}, ErrLocked
		}
	} else {
		if doc.Locked {
			return JoinResult{}, ErrLocked
		}
		cs = &channelState{
			locked:   doc.Locked,
			members:  make(map[string]model.Presence),
			conns:    make(map[string]Conn),
			colors:   make(map[string]string),
			snapshot: snapshot,
		}
		r.channels[channelName] = cs
	}

	for _, u := range doc.Users {
		if u.Color != "" {
			if _, seen := cs.colors[u.UserUUID]; !seen {
				cs.colors[u.UserUUID] = u.Color
			}
		}
	}

	color, ok := cs.colors[userUUID]
	if !ok {
		color = mutedDarkColor()
		cs.colors[userUUID] = color
	}

	joinedAt := r.now().UnixMilli()
	cs.members[userUUID] = model.Presence{
		UserUUID:    userUUID,
		DisplayName: displayName,
		Color:       color,
		JoinedAt:    joinedAt,
	}
	cs.conns[userUUID] = conn

	r.persistChannelDoc(channelName, userUUID, cs, doc)

	return JoinResult{Color: color, JoinedAt: joinedAt, Snapshot: snapshot}, nil
}

// LeaveResult reports what a cleanup actually did.
type LeaveResult struct {
	Found bool
	Empty bool
}

// Leave detaches a user. When the last member leaves the channel is
// evicted from memory; the persisted channel document remains for a
// later rejoin. Calling Leave twice is harmless.
func (r *Registry) Leave(channelName, userUUID string) LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cleanupLocked(channelName, userUUID)
}

func (r *Registry) cleanupLocked(channelName, userUUID string) LeaveResult {
	cs, ok := r.channels[channelName]
	if !ok {
		return LeaveResult{}
	}
	if _, member := cs.members[userUUID]; !member {
		return LeaveResult{}
	}

	delete(cs.members, userUUID)
	delete(cs.conns, userUUID)

	if len(cs.members) == 0 {
		delete(r.channels, channelName)
		return LeaveResult{Found: true, Empty: true}
	}
	return LeaveResult{Found: true}
}

// Disconnect handles a connection dropping without an explicit leave.
// It scans the user's channel membership by connection id and runs the
// same idempotent cleanup.
func (r *Registry) Disconnect(connID string) (channelName, userUUID string, res LeaveResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, cs := range r.channels {
		for user, conn := range cs.conns {
			if conn.ID() == connID {
				return name, user, r.cleanupLocked(name, user)
			}
		}
	}
	return "", "", LeaveResult{}
}

// IsMember reports whether the user currently has a live connection in
// the channel.
func (r *Registry) IsMember(channelName, userUUID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.channels[channelName]
	if !ok {
		return false
	}
	_, member := cs.conns[userUUID]
	return member
}

// IsActive reports whether the channel currently exists in memory.
func (r *Registry) IsActive(channelName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[channelName]
	return ok
}

// Members returns the current roster sorted by join time.
func (r *Registry) Members(channelName string) []model.Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cs, ok := r.channels[channelName]
	if !ok {
		return nil
	}

	roster := lo.Values(cs.members)
	slices.SortFunc(roster, func(a, b model.Presence) int {
		if a.JoinedAt != b.JoinedAt {
			if a.JoinedAt < b.JoinedAt {
				return -1
			}
			return 1
		}
		return strings.Compare(a.UserUUID, b.UserUUID)
	})
	return roster
}

// SetLocked flips the channel lock flag and persists it best-effort.
// Locking gates the join path only; members already in the room keep
// full mutation rights.
func (r *Registry) SetLocked(channelName string, locked bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.channels[channelName]
	if !ok {
		return false
	}
	cs.locked = locked

	doc := r.loadChannelDoc(channelName)
	doc.Locked = locked
	r.writeChannelDoc(channelName, "", doc)
	return true
}

// Locked reports the channel's lock flag.
func (r *Registry) Locked(channelName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.channels[channelName]
	return ok && cs.locked
}

// RefreshSnapshot reloads the channel's entity snapshot from the
// store, resynchronizing the cached projection.
func (r *Registry) RefreshSnapshot(channelName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.channels[channelName]
	if !ok {
		return
	}
	cs.snapshot = r.loadAllEntities(channelName)
}

// Snapshot returns the last-loaded entity snapshot for the channel.
func (r *Registry) Snapshot(channelName string) model.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.channels[channelName]
	if !ok {
		return nil
	}
	return cs.snapshot
}

// ChannelInfo is the REST-facing summary of one active channel.
type ChannelInfo struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
	Locked  bool   `json:"locked"`
}

// ActiveChannels lists the channels currently held in memory.
func (r *Registry) ActiveChannels() []ChannelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := lo.MapToSlice(r.channels, func(name string, cs *channelState) ChannelInfo {
		return ChannelInfo{Name: name, Members: len(cs.members), Locked: cs.locked}
	})
	slices.SortFunc(infos, func(a, b ChannelInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return infos
}

// FanOut delivers one event to every connection in the channel except
// exclude, in a single serialized pass: concurrent fan-outs to the
// same channel cannot interleave, so no member observes event N+1
// before another member has been offered event N.
func (r *Registry) FanOut(channelName, exclude string, send func(userUUID string, c Conn)) {
	r.mu.RLock()
	cs, ok := r.channels[channelName]
	if !ok {
		r.mu.RUnlock()
		return
	}
	targets := make(map[string]Conn, len(cs.conns))
	for user, conn := range cs.conns {
		if user != exclude {
			targets[user] = conn
		}
	}
	r.mu.RUnlock()

	cs.fanMu.Lock()
	defer cs.fanMu.Unlock()
	for user, conn := range targets {
		send(user, conn)
	}
}

// loadChannelDoc fetches the persisted channel document, synthesizing
// an ephemeral unlocked one when the store is unreachable or the
// channel has never been persisted.
func (r *Registry) loadChannelDoc(channelName string) model.ChannelDoc {
	e, found, err := r.store.FindByID(channelEntityType, channelName, channelName)
	if err != nil {
		r.audit.Error(fmt.Sprintf("failed to load channel doc for %s", channelName), audit.Entry{Err: err, Channel: channelName})
		return model.ChannelDoc{}
	}
	if !found {
		return model.ChannelDoc{}
	}

	var doc model.ChannelDoc
	if err := json.Unmarshal(e.Data, &doc); err != nil {
		r.audit.Error(fmt.Sprintf("corrupt channel doc for %s", channelName), audit.Entry{Err: err, Channel: channelName})
		return model.ChannelDoc{}
	}
	return doc
}

// loadAllEntities reloads every known entity type for the channel.
// Types are discovered from the store at runtime; with the store down
// this returns an empty snapshot and the channel runs memory-only.
func (r *Registry) loadAllEntities(channelName string) model.Snapshot {
	snapshot := make(model.Snapshot)

	types, err := r.store.ListKnownTypes()
	if err != nil {
		r.audit.Error(fmt.Sprintf("failed to list entity types for %s", channelName), audit.Entry{Err: err, Channel: channelName})
		return snapshot
	}

	for _, entityType := range types {
		entities, err := r.store.FindByChannel(entityType, channelName)
		if err != nil {
			r.audit.Error(fmt.Sprintf("failed to load %s for %s", entityType, channelName), audit.Entry{Err: err, Channel: channelName})
			continue
		}
		if entities == nil {
			entities = []model.Entity{}
		}
		snapshot[entityType] = entities
	}
	return snapshot
}

// persistChannelDoc upserts the membership list (with colors) into the
// channel document. Failure is logged and never blocks the join.
func (r *Registry) persistChannelDoc(channelName, userUUID string, cs *channelState, doc model.ChannelDoc) {
	for _, p := range cs.members {
		rec := model.MemberRecord{
			UserUUID:    p.UserUUID,
			DisplayName: p.DisplayName,
			Color:       p.Color,
			JoinedAt:    p.JoinedAt,
		}
		idx := slices.IndexFunc(doc.Users, func(u model.MemberRecord) bool {
			return u.UserUUID == p.UserUUID
		})
		if idx >= 0 {
			doc.Users[idx] = rec
		} else {
			doc.Users = append(doc.Users, rec)
		}
	}
	doc.Locked = cs.locked

	r.writeChannelDoc(channelName, userUUID, doc)
}

func (r *Registry) writeChannelDoc(channelName, userUUID string, doc model.ChannelDoc) {
	if !r.store.Available() {
		return
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		r.audit.Error(fmt.Sprintf("failed to encode channel doc for %s", channelName), audit.Entry{Err: err, Channel: channelName})
		return
	}

	now := r.now().UnixMilli()
	_, found, err := r.store.FindByID(channelEntityType, channelName, channelName)
	if err == nil && found {
		_, err = r.store.UpdateByID(channelEntityType, channelName, channelName, raw, now, now)
	} else if err == nil {
		err = r.store.Create(model.Entity{
			ID:              channelName,
			EntityType:      channelEntityType,
			Channel:         channelName,
			UserUUID:        userUUID,
			Data:            raw,
			Timestamp:       now,
			ServerTimestamp: now,
		})
	}
	if err != nil {
		r.audit.Error(fmt.Sprintf("failed to upsert channel %s", channelName), audit.Entry{Err: err, UserUUID: userUUID, Channel: channelName})
	}
}

// mutedDarkColor picks a color with every RGB channel below 130 so
// user colors stay readable against light backgrounds.
func mutedDarkColor() string {
	return fmt.Sprintf("#%02x%02x%02x", rand.IntN(130), rand.IntN(130), rand.IntN(130))
}
