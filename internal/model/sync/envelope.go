package sync

import (
	"encoding/json"
	"regexp"
)

// Envelope is the bidirectional transport message. Inbound frames carry
// client timestamps; the server never trusts them for ordering.
type Envelope struct {
	Type        string          `json:"type"`
	ID          string          `json:"id,omitempty"`
	UserUUID    string          `json:"userUuid,omitempty"`
	DisplayName string          `json:"displayName,omitempty"`
	ChannelName string          `json:"channelName,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`
}

// Outbound is the server→client message. The shape differs by Type;
// receivers discriminate on the type field alone, so optional fields
// are omitted when empty.
type Outbound struct {
	Type            string     `json:"type"`
	ID              string     `json:"id,omitempty"`
	UserUUID        string     `json:"userUuid,omitempty"`
	DisplayName     string     `json:"displayName,omitempty"`
	Color           string     `json:"color,omitempty"`
	JoinedAt        int64      `json:"joinedAt,omitempty"`
	Users           []Presence `json:"users,omitempty"`
	Message         string     `json:"message,omitempty"`
	Data            any        `json:"data,omitempty"`
	Timestamp       int64      `json:"timestamp,omitempty"`
	ServerTimestamp int64      `json:"serverTimestamp,omitempty"`
	EventID         string     `json:"eventId,omitempty"`
}

var channelNameRe = regexp.MustCompile(`^[A-Za-z0-9 _-]+$`)

// ValidChannelName reports whether name matches the allowed channel
// name pattern. Enforced on every join and reconnect.
func ValidChannelName(name string) bool {
	return name != "" && channelNameRe.MatchString(name)
}
