// Package broadcast implements the per-room fan-out: events published for
// a room reach every member's connection in the fleet, by way of the
// shared store's pub/sub channel. Each process runs one subscriber loop
// and forwards incoming events to the connections registered locally.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/syncwatch/room-backend/internal/clientregistry"
	"github.com/syncwatch/room-backend/internal/store"
)

// DefaultChannel is the single well-known pub/sub channel carrying every
// room's events, with the room id embedded in the envelope. One long-lived
// subscription per process keeps subscription management trivial compared
// to a topic per room.
const DefaultChannel = "room-notifications"

// envelope is the wire shape published on the shared channel.
type envelope struct {
	RoomID    string          `json:"roomId"`
	EventType string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// Bus fans room events out to local connections and, via pub/sub, to
// every other process in the fleet.
type Bus struct {
	store    *store.Store
	registry *clientregistry.Registry
	channel  string
	log      *slog.Logger

	mu      sync.RWMutex
	members map[string]map[string]struct{} // roomID -> set of connection ids joined locally

	onDeliveryFailure func(connID string)
}

// New builds a Bus that fans out locally through registry and
// cross-instance through s's pub/sub.
func New(s *store.Store, registry *clientregistry.Registry, log *slog.Logger) *Bus {
	return &Bus{
		store:    s,
		registry: registry,
		channel:  DefaultChannel,
		log:      log,
		members:  make(map[string]map[string]struct{}),
	}
}

// SetDeliveryFailureHandler installs the callback invoked when a local
// connection's outbound delivery fails after its one retry; the
// connection handler uses this to flag the connection for cleanup. A
// failed delivery never affects the other subscribers.
func (b *Bus) SetDeliveryFailureHandler(fn func(connID string)) {
	b.onDeliveryFailure = fn
}

// Join records that connID is, in this process, a member of roomID, used
// by local fan-out to decide who receives an event for that room.
func (b *Bus) Join(roomID, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.members[roomID]
	if !ok {
		set = make(map[string]struct{})
		b.members[roomID] = set
	}
	set[connID] = struct{}{}
}

// Leave removes connID's local membership in roomID.
func (b *Bus) Leave(roomID, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.members[roomID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(b.members, roomID)
	}
}

// LeaveAll removes connID from every room it was locally joined to;
// called on connection close when the room it belonged to isn't known
// for certain.
func (b *Bus) LeaveAll(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for roomID, set := range b.members {
		if _, ok := set[connID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(b.members, roomID)
			}
		}
	}
}

func (b *Bus) localMembers(roomID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set, ok := b.members[roomID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (b *Bus) dropRoom(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members, roomID)
}

// Notify implements roomstate.Broadcaster: publishes eventType/payload for
// roomID to every subscriber in the fleet via the shared pub/sub channel.
func (b *Bus) Notify(ctx context.Context, roomID, eventType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env, err := json.Marshal(envelope{RoomID: roomID, EventType: eventType, Payload: raw})
	if err != nil {
		return err
	}
	return b.store.Publish(ctx, b.channel, env)
}

// Start subscribes to the shared channel and runs the local delivery loop
// until ctx is canceled. It must run on its own goroutine.
func (b *Bus) Start(ctx context.Context) {
	sub := b.store.Subscribe(ctx, b.channel)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			if msg == nil {
				continue
			}
			b.deliverLocal(msg.Payload)
		}
	}
}

func (b *Bus) deliverLocal(raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		if b.log != nil {
			b.log.Error("broadcast: malformed envelope", "error", err)
		}
		return
	}

	wire, err := json.Marshal(wireEvent{Type: env.EventType, Payload: env.Payload})
	if err != nil {
		return
	}

	for _, connID := range b.localMembers(env.RoomID) {
		conn, ok := b.registry.LocalConnection(connID)
		if !ok {
			continue
		}
		if err := conn.Send(wire); err != nil {
			// one retry; a second failure flags the connection for cleanup
			if err := conn.Send(wire); err != nil {
				if b.onDeliveryFailure != nil {
					b.onDeliveryFailure(connID)
				}
			}
		}
	}

	// A closed room's membership is dropped fleet-wide as the event
	// arrives, so a later room with a recycled id never inherits stale
	// local members.
	if env.EventType == "roomClosed" {
		b.dropRoom(env.RoomID)
	}
}

// wireEvent is the outer frame shape delivered to a connection: {"type":
// ..., plus the payload's own fields flattened in}. Flattening keeps the
// wire shape flat (e.g. {"type":"roomUpdate","room":{...}}) instead of
// nesting the payload under a generic "payload" key.
type wireEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"-"`
}

// MarshalJSON flattens Payload's fields alongside Type.
func (w wireEvent) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(w.Payload) > 0 && string(w.Payload) != "null" {
		if err := json.Unmarshal(w.Payload, &fields); err != nil {
			// Payload wasn't an object (e.g. a bare bool or number); wrap it.
			fields = nil
		}
	}
	out := map[string]json.RawMessage{}
	for k, v := range fields {
		out[k] = v
	}
	typeJSON, _ := json.Marshal(w.Type)
	out["type"] = typeJSON
	if fields == nil && len(w.Payload) > 0 && string(w.Payload) != "null" {
		out["value"] = w.Payload
	}
	return json.Marshal(out)
}

// SendTargeted delivers eventType/payload directly to a single local
// connection id without going through pub/sub. Used for replies that are
// only ever sent to the requesting sender (pong, ack, roomCreated,
// roomJoined, leftRoom, errors).
func (b *Bus) SendTargeted(connID, eventType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	wire, err := json.Marshal(wireEvent{Type: eventType, Payload: raw})
	if err != nil {
		return err
	}
	conn, ok := b.registry.LocalConnection(connID)
	if !ok {
		return nil
	}
	return conn.Send(wire)
}
