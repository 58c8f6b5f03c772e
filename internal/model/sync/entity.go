package sync

import "encoding/json"

// Entity is a typed, client-identified record belonging to a channel.
// The id is unique within (entityType, channel). ServerTimestamp is
// assigned by the engine and is the tie-breaker for conflicting
// updates; the client timestamp is carried through but never
// authoritative.
type Entity struct {
	ID              string          `json:"id"`
	EntityType      string          `json:"entityType,omitempty"`
	Channel         string          `json:"channel,omitempty"`
	UserUUID        string          `json:"userUuid"`
	Data            json.RawMessage `json:"data"`
	Timestamp       int64           `json:"timestamp"`
	ServerTimestamp int64           `json:"serverTimestamp"`
}

// Presence describes a channel member as seen by other members.
type Presence struct {
	UserUUID    string `json:"userUuid"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
	JoinedAt    int64  `json:"joinedAt"`
}

// Snapshot is the full current entity state of a channel, keyed by
// entity type. Sent once to each client on join.
type Snapshot map[string][]Entity

// MemberRecord is the persisted form of a channel member inside the
// channel document.
type MemberRecord struct {
	UserUUID    string `json:"userUuid"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color,omitempty"`
	JoinedAt    int64  `json:"joinedAt"`
}

// ChannelDoc is the data payload of the persisted channel entity
// (entity type "channel", id = channel name). It survives channel
// eviction so a later rejoin can restore colors and the lock flag.
type ChannelDoc struct {
	Locked bool           `json:"locked"`
	Users  []MemberRecord `json:"users"`
}

// LogRecord is an append-only diagnostic record, write-only from the
// engine's perspective.
type LogRecord struct {
	Timestamp    int64          `json:"timestamp"`
	Level        string         `json:"level"`
	Message      string         `json:"message"`
	StackTrace   string         `json:"stackTrace,omitempty"`
	UserUUID     string         `json:"userUuid,omitempty"`
	ChannelName  string         `json:"channelName,omitempty"`
	ConnectionID string         `json:"connectionId,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}
