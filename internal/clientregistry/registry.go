// Package clientregistry maps connection identities two ways: a
// process-local table of live connection handles (for the broadcast
// bus's local delivery) and a persisted reverse-index in the shared
// state store used for reconnect routing and orphan cleanup.
package clientregistry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/syncwatch/room-backend/internal/store"
)

const keyPrefix = "client:"

func key(id string) string {
	return keyPrefix + id
}

// Connection is the minimal surface the registry needs from a live
// connection handle in order to hand it to the broadcast bus for local
// delivery. The connection handler owns the concrete implementation and
// its lifetime; the bus only borrows it to send.
type Connection interface {
	Send(event []byte) error
}

// Registry tracks connections and their room bindings.
type Registry struct {
	store *store.Store

	mu    sync.RWMutex
	local map[string]Connection
}

// New builds a Registry backed by s.
func New(s *store.Store) *Registry {
	return &Registry{
		store: s,
		local: make(map[string]Connection),
	}
}

// RegisterConnection registers the live handle for id in this process.
func (r *Registry) RegisterConnection(id string, conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local[id] = conn
}

// DropConnection removes the live handle for id from this process.
func (r *Registry) DropConnection(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.local, id)
}

// LocalConnection returns the live handle for id in this process, if any.
func (r *Registry) LocalConnection(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.local[id]
	return c, ok
}

// Bind persists the client:<id> → {roomId, lastSeen} record.
func (r *Registry) Bind(ctx context.Context, id, roomID string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := r.store.HashSet(ctx, key(id), "roomId", roomID); err != nil {
		return err
	}
	return r.store.HashSet(ctx, key(id), "lastSeen", now)
}

// Unbind removes the persisted client record for id.
func (r *Registry) Unbind(ctx context.Context, id string) error {
	return r.store.Delete(ctx, key(id))
}

// LookupRoom returns the persisted roomId for id, and whether a record
// exists at all.
func (r *Registry) LookupRoom(ctx context.Context, id string) (string, bool, error) {
	fields, err := r.store.HashGetAll(ctx, key(id))
	if err != nil {
		return "", false, err
	}
	if len(fields) == 0 {
		return "", false, nil
	}
	return fields["roomId"], true, nil
}

// Record is a decoded client:<id> hash, as read back by the lifecycle
// worker's sweeps.
type Record struct {
	ID       string
	RoomID   string
	LastSeen time.Time
}

// ListRecords returns every currently persisted client record.
func (r *Registry) ListRecords(ctx context.Context) ([]Record, error) {
	keys, err := r.store.ListKeysWithPrefix(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(keys))
	for _, k := range keys {
		fields, err := r.store.HashGetAll(ctx, k)
		if err != nil {
			return nil, err
		}
		rec := Record{ID: k[len(keyPrefix):], RoomID: fields["roomId"]}
		if ms, err := strconv.ParseInt(fields["lastSeen"], 10, 64); err == nil {
			rec.LastSeen = time.UnixMilli(ms)
		}
		records = append(records, rec)
	}
	return records, nil
}

// DeleteRecord removes the persisted client record for id, by its bare id
// (not key-prefixed); used by the lifecycle worker.
func (r *Registry) DeleteRecord(ctx context.Context, id string) error {
	return r.store.Delete(ctx, key(id))
}
