// Package lifecycle implements the scheduler-driven background tasks:
// inactivity sweep, orphan-client cleanup, durable snapshotting, reverse
// sync, and a daily integrity pass. Jobs are idempotent; a failing job
// is retried with backoff, then logged and dropped until its next tick.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/syncwatch/room-backend/internal/broadcast"
	"github.com/syncwatch/room-backend/internal/clientregistry"
	"github.com/syncwatch/room-backend/internal/roomstate"
	"github.com/syncwatch/room-backend/internal/snapshot"
)

const (
	sweepInterval      = 10 * time.Minute
	snapshotInterval   = 10 * time.Minute
	reverseSyncPeriod  = 1 * time.Hour
	snapshotBatchSize  = 100
	snapshotMaxRetries = 3
	snapshotRetryDelay = 2 * time.Second

	backoffBase     = 1 * time.Second
	backoffMaxTries = 3

	orphanWithoutRoomAge = 24 * time.Hour
)

// Config configures a Worker.
type Config struct {
	Repo     *roomstate.Repository
	Registry *clientregistry.Registry
	Bus      *broadcast.Bus
	Snapshot snapshot.Store // nil disables durable snapshotting/reverse sync

	InactiveTimeout         time.Duration
	MinVideoTimeoutHours    float64
	VideoDurationMultiplier float64

	Log *slog.Logger

	// Now returns the current time; overridable in tests.
	Now func() time.Time
}

// Worker runs the background jobs.
type Worker struct {
	repo     *roomstate.Repository
	registry *clientregistry.Registry
	bus      *broadcast.Bus
	snap     snapshot.Store

	inactiveTimeout         time.Duration
	minVideoTimeoutHours    float64
	videoDurationMultiplier float64

	log *slog.Logger
	now func() time.Time
}

// New builds a Worker from cfg.
func New(cfg Config) *Worker {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Worker{
		repo:                    cfg.Repo,
		registry:                cfg.Registry,
		bus:                     cfg.Bus,
		snap:                    cfg.Snapshot,
		inactiveTimeout:         cfg.InactiveTimeout,
		minVideoTimeoutHours:    cfg.MinVideoTimeoutHours,
		videoDurationMultiplier: cfg.VideoDurationMultiplier,
		log:                     cfg.Log,
		now:                     now,
	}
}

// Start runs one reverse sync synchronously (callers begin accepting
// connections only after it completes), then launches every scheduled
// loop in the background. The loops stop when ctx is canceled.
func (w *Worker) Start(ctx context.Context) {
	w.runWithBackoff(ctx, "boot reverse sync", w.reverseSyncOnce)

	go w.loop(ctx, sweepInterval, "sweep", w.sweep)
	go w.loop(ctx, snapshotInterval, "snapshot", w.snapshotOnce)
	go w.loop(ctx, reverseSyncPeriod, "reverse sync", w.reverseSyncOnce)
	go w.dailyLoop(ctx, 3, 0, "integrity pass", w.integrityPass)
}

// FlushSnapshot writes one final durable snapshot; called during graceful
// shutdown.
func (w *Worker) FlushSnapshot(ctx context.Context) {
	if err := w.snapshotOnce(ctx); err != nil {
		w.logErr("shutdown snapshot", err)
	}
}

func (w *Worker) loop(ctx context.Context, interval time.Duration, name string, task func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runWithBackoff(ctx, name, task)
		}
	}
}

// dailyLoop runs task once per day at hour:minute local time.
func (w *Worker) dailyLoop(ctx context.Context, hour, minute int, name string, task func(context.Context) error) {
	for {
		next := nextOccurrence(w.now(), hour, minute)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			w.runWithBackoff(ctx, name, task)
		}
	}
}

func nextOccurrence(from time.Time, hour, minute int) time.Time {
	next := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, from.Location())
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// runWithBackoff retries task on failure with exponential backoff. A
// persistent failure is logged and dropped; the worker keeps running
// and tries again on its next tick.
func (w *Worker) runWithBackoff(ctx context.Context, name string, task func(context.Context) error) {
	delay := backoffBase
	var err error
	for attempt := 0; attempt < backoffMaxTries; attempt++ {
		if err = task(ctx); err == nil {
			return
		}
		if attempt == backoffMaxTries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
	w.logErr(name+": persistent failure, will retry next tick", err)
}

// sweep evicts empty and inactive rooms, then cleans orphaned client
// records, in one pass.
func (w *Worker) sweep(ctx context.Context) error {
	ids, err := w.repo.ListIDs(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		room, err := w.repo.Load(ctx, id)
		if errors.Is(err, roomstate.ErrNotFound) {
			continue
		}
		if err != nil {
			w.logErr("sweep: load room", err)
			continue
		}

		if len(room.Clients) == 0 {
			w.closeRoomForLifecycle(ctx, room.ID, room.Clients, "empty room")
			continue
		}

		elapsed := time.Duration(w.now().UnixMilli()-room.LastActivity) * time.Millisecond
		if elapsed > w.timeoutFor(room) {
			w.closeRoomForLifecycle(ctx, room.ID, room.Clients, "inactivity")
		}
	}

	return w.cleanupOrphans(ctx)
}

// timeoutFor returns the eviction timeout for room: the configured base,
// extended while a video is actively playing so a quiet room mid-movie
// isn't swept out from under its viewers.
func (w *Worker) timeoutFor(room *roomstate.Room) time.Duration {
	if room.PlayingNow == nil || !room.IsPlaying {
		return w.inactiveTimeout
	}
	minTimeout := time.Duration(w.minVideoTimeoutHours * float64(time.Hour))
	extended := time.Duration(w.videoDurationMultiplier*float64(room.PlayingNow.DurationSeconds)) * time.Second
	if extended > minTimeout {
		return extended
	}
	return minTimeout
}

// closeRoomForLifecycle performs the same effects as the closeRoom
// command: a roomClosed event through the bus so members on every
// instance hear it, client records dropped, room deleted.
func (w *Worker) closeRoomForLifecycle(ctx context.Context, roomID string, clients []string, reason string) {
	if err := w.bus.Notify(ctx, roomID, "roomClosed", map[string]string{"reason": reason}); err != nil {
		w.logErr("sweep: publish roomClosed", err)
	}
	for _, connID := range clients {
		_ = w.registry.Unbind(ctx, connID)
	}
	if err := w.repo.Delete(ctx, roomID); err != nil {
		w.logErr("sweep: delete room", err)
	}
}

func (w *Worker) cleanupOrphans(ctx context.Context) error {
	records, err := w.registry.ListRecords(ctx)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if rec.RoomID == "" {
			if w.now().Sub(rec.LastSeen) > orphanWithoutRoomAge {
				_ = w.registry.DeleteRecord(ctx, rec.ID)
			}
			continue
		}
		exists, err := w.repo.ExistsID(ctx, rec.RoomID)
		if err != nil {
			w.logErr("sweep: check room existence", err)
			continue
		}
		if !exists {
			_ = w.registry.DeleteRecord(ctx, rec.ID)
		}
	}
	return nil
}

// snapshotOnce upserts every room into the durable store in batches,
// with bounded retries per batch.
func (w *Worker) snapshotOnce(ctx context.Context) error {
	if w.snap == nil {
		return nil
	}
	ids, err := w.repo.ListIDs(ctx)
	if err != nil {
		return err
	}

	var batch []snapshot.Record
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.snapshotBatchWithRetry(ctx, batch); err != nil {
			w.logErr("snapshot: upsert batch", err)
		}
		batch = batch[:0]
	}

	for _, id := range ids {
		room, err := w.repo.Load(ctx, id)
		if errors.Is(err, roomstate.ErrNotFound) {
			continue
		}
		if err != nil {
			w.logErr("snapshot: load room", err)
			continue
		}
		data, err := room.Marshal()
		if err != nil {
			w.logErr("snapshot: marshal room", err)
			continue
		}
		batch = append(batch, snapshot.Record{ID: room.ID, Data: data})
		if len(batch) >= snapshotBatchSize {
			flush()
		}
	}
	flush()
	return nil
}

func (w *Worker) snapshotBatchWithRetry(ctx context.Context, batch []snapshot.Record) error {
	var err error
	for attempt := 0; attempt <= snapshotMaxRetries; attempt++ {
		if err = w.snap.UpsertMany(ctx, batch); err == nil {
			return nil
		}
		if attempt == snapshotMaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(snapshotRetryDelay):
		}
	}
	return err
}

// reverseSyncOnce streams every durable record back into the shared
// state store, recreating rooms lost to a store restart.
func (w *Worker) reverseSyncOnce(ctx context.Context) error {
	if w.snap == nil {
		return nil
	}
	cur, err := w.snap.All(ctx)
	if err != nil {
		return err
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		rec, err := cur.Decode()
		if err != nil {
			w.logErr("reverse sync: decode record", err)
			continue
		}
		room, err := roomstate.Unmarshal(rec.Data)
		if err != nil {
			w.logErr("reverse sync: unmarshal room", err)
			continue
		}
		exists, err := w.repo.ExistsID(ctx, room.ID)
		if err != nil {
			w.logErr("reverse sync: check existence", err)
			continue
		}
		if !exists {
			if err := w.repo.Create(ctx, room); err != nil && !errors.Is(err, roomstate.ErrConflict) {
				w.logErr("reverse sync: recreate room", err)
			}
		}
	}
	return cur.Err()
}

// integrityPass drops orphaned client records and filters each room's
// client list to members whose client record still exists.
func (w *Worker) integrityPass(ctx context.Context) error {
	if err := w.cleanupOrphans(ctx); err != nil {
		return err
	}

	records, err := w.registry.ListRecords(ctx)
	if err != nil {
		return err
	}
	live := make(map[string]struct{}, len(records))
	for _, rec := range records {
		live[rec.ID] = struct{}{}
	}

	ids, err := w.repo.ListIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		_, err := w.repo.Mutate(ctx, id, func(room *roomstate.Room) (*roomstate.Room, error) {
			filtered := room.Clients[:0]
			for _, c := range room.Clients {
				if _, ok := live[c]; ok {
					filtered = append(filtered, c)
				}
			}
			room.Clients = filtered
			return room, nil
		}, roomstate.WithNoBroadcast())
		if err != nil && !errors.Is(err, roomstate.ErrNotFound) {
			w.logErr("integrity: filter room clients", err)
		}
	}
	return nil
}

func (w *Worker) logErr(msg string, err error) {
	if w.log != nil {
		w.log.Error("lifecycle: "+msg, "error", err)
	}
}
