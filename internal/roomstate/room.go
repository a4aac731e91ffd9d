// Package roomstate defines the Room record and its repository: atomic
// mutation on top of the shared state store, with change events emitted
// through an injected Broadcaster.
package roomstate

import (
	"encoding/json"
	"time"

	"github.com/syncwatch/room-backend/internal/videomodel"
)

// Room is the authoritative per-room state.
type Room struct {
	ID           string             `json:"id"`
	Password     string             `json:"password,omitempty"`
	CreatorID    string             `json:"creatorId"`
	Clients      []string           `json:"clients,omitempty"`
	VideoQueue   []videomodel.Video `json:"videoQueue"`
	HistoryQueue []videomodel.Video `json:"historyQueue"`
	PlayingNow   *videomodel.Video  `json:"playingNow"`
	IsPlaying    bool               `json:"isPlaying"`
	CurrentTime  float64            `json:"currentTime"`
	Volume       int                `json:"volume"`
	LastActivity int64              `json:"lastActivity"`
}

// Sanitized returns a shallow copy of r fit for the wire: the member
// list is omitted from room events, and the password (or its hash)
// never leaves the server.
func (r Room) Sanitized() Room {
	r.Clients = nil
	r.Password = ""
	return r
}

// HasClient reports whether id is currently a member.
func (r *Room) HasClient(id string) bool {
	for _, c := range r.Clients {
		if c == id {
			return true
		}
	}
	return false
}

// AddClient appends id if not already present.
func (r *Room) AddClient(id string) {
	if !r.HasClient(id) {
		r.Clients = append(r.Clients, id)
	}
}

// RemoveClient drops id from the member list, if present.
func (r *Room) RemoveClient(id string) {
	out := make([]string, 0, len(r.Clients))
	for _, c := range r.Clients {
		if c != id {
			out = append(out, c)
		}
	}
	r.Clients = out
}

// ClampVolume bounds v to [0, 100].
func ClampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Touch updates LastActivity to now. Every successful mutation must call
// this so the inactivity sweep sees the room as live.
func (r *Room) Touch(now time.Time) {
	r.LastActivity = now.UnixMilli()
}

// Marshal encodes the Room as the single self-contained blob stored under
// key room:<id>.
func (r *Room) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal decodes a Room blob.
func Unmarshal(data []byte) (*Room, error) {
	var r Room
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
