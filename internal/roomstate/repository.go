package roomstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/syncwatch/room-backend/internal/store"
)

// ErrConflict is returned by Create when a room id already exists.
var ErrConflict = errors.New("roomstate: room already exists")

// ErrNotFound is returned by Load/Mutate when a room does not exist.
var ErrNotFound = errors.New("roomstate: room not found")

const keyPrefix = "room:"

func key(id string) string {
	return keyPrefix + id
}

// Broadcaster is the subset of the broadcast bus the repository needs:
// publishing the room-changed notification after a successful mutation.
// It is an interface here, rather than a direct dependency on the
// broadcast package, so the repository can run against any notifier
// (*broadcast.Bus in production, a recording fake in tests).
type Broadcaster interface {
	Notify(ctx context.Context, roomID, eventType string, payload interface{}) error
}

type mutateOpts struct {
	eventType string
	payload   interface{}
	hasEvent  bool
	suppress  bool
}

// MutateOption overrides the default roomUpdate broadcast a Mutate call
// would otherwise emit, for commands whose members receive a narrower
// event (play, pause, replay, currentTimeChanged, volumeChanged, message).
type MutateOption func(*mutateOpts)

// WithEvent overrides the broadcast emitted on a successful Mutate with an
// explicit eventType/payload instead of the default full-room roomUpdate.
func WithEvent(eventType string, payload interface{}) MutateOption {
	return func(o *mutateOpts) {
		o.eventType = eventType
		o.payload = payload
		o.hasEvent = true
	}
}

// WithNoBroadcast suppresses the automatic event entirely. Used by
// mutations other members never observe directly (join, leave, member
// cleanup), where the sender gets a targeted reply instead.
func WithNoBroadcast() MutateOption {
	return func(o *mutateOpts) {
		o.suppress = true
	}
}

// Repository owns Room records: all reads and writes go through it.
type Repository struct {
	store       *store.Store
	broadcaster Broadcaster
}

// NewRepository builds a Repository backed by s, emitting change events
// through b.
func NewRepository(s *store.Store, b Broadcaster) *Repository {
	return &Repository{store: s, broadcaster: b}
}

// Create persists room, failing with ErrConflict if its id already exists.
func (r *Repository) Create(ctx context.Context, room *Room) error {
	exists, err := r.ExistsID(ctx, room.ID)
	if err != nil {
		return err
	}
	if exists {
		return ErrConflict
	}
	data, err := room.Marshal()
	if err != nil {
		return fmt.Errorf("roomstate: marshal room: %w", err)
	}
	return r.store.Set(ctx, key(room.ID), data, 0)
}

// Load returns the current Room for roomID, or ErrNotFound.
func (r *Repository) Load(ctx context.Context, roomID string) (*Room, error) {
	data, err := r.store.Get(ctx, key(roomID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// MutateFunc transforms the current Room into its next state, or returns
// an error to reject the mutation (no write occurs, no event is emitted).
// It must be pure and idempotent: the underlying atomic update may re-run
// it under write contention.
type MutateFunc func(room *Room) (*Room, error)

// Mutate performs an atomic read-modify-write on roomID and on success
// publishes a change event through the Broadcaster: by default a full
// "roomUpdate" carrying the mutated Room nested under "room" with its
// member list stripped, or the event supplied via WithEvent.
func (r *Repository) Mutate(ctx context.Context, roomID string, fn MutateFunc, opts ...MutateOption) (*Room, error) {
	result, err := r.store.AtomicUpdate(ctx, key(roomID), func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, ErrNotFound
		}
		room, err := Unmarshal(current)
		if err != nil {
			return nil, fmt.Errorf("roomstate: decode room: %w", err)
		}
		next, err := fn(room)
		if err != nil {
			return nil, err
		}
		return next.Marshal()
	})
	if err != nil {
		return nil, err
	}

	room, err := Unmarshal(result)
	if err != nil {
		return nil, fmt.Errorf("roomstate: decode mutated room: %w", err)
	}

	if r.broadcaster != nil {
		o := mutateOpts{}
		for _, opt := range opts {
			opt(&o)
		}
		if !o.suppress {
			eventType, payload := "roomUpdate", interface{}(map[string]interface{}{"room": room.Sanitized()})
			if o.hasEvent {
				eventType, payload = o.eventType, o.payload
			}
			if pubErr := r.broadcaster.Notify(ctx, roomID, eventType, payload); pubErr != nil {
				return room, pubErr
			}
		}
	}
	return room, nil
}

// Delete removes roomID's record.
func (r *Repository) Delete(ctx context.Context, roomID string) error {
	return r.store.Delete(ctx, key(roomID))
}

// ExistsID reports whether roomID currently has a persisted record.
func (r *Repository) ExistsID(ctx context.Context, roomID string) (bool, error) {
	return r.store.Exists(ctx, key(roomID))
}

// ListIDs returns every currently persisted room id, stripping the key
// prefix. Used by the lifecycle worker's sweeps.
func (r *Repository) ListIDs(ctx context.Context) ([]string, error) {
	keys, err := r.store.ListKeysWithPrefix(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k[len(keyPrefix):]
	}
	return ids, nil
}
