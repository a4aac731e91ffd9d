package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/syncwatch/room-backend/internal/broadcast"
	"github.com/syncwatch/room-backend/internal/clientregistry"
	"github.com/syncwatch/room-backend/internal/roomstate"
	"github.com/syncwatch/room-backend/internal/snapshot"
	"github.com/syncwatch/room-backend/internal/store"
	"github.com/syncwatch/room-backend/internal/videomodel"
)

// fakeSnapshotStore is an in-memory snapshot.Store double, since the
// durable store collaborator is a mongo-driver client in production.
type fakeSnapshotStore struct {
	mu      sync.Mutex
	records map[string]snapshot.Record
	failN   int // UpsertMany fails this many times before succeeding
}

func newFakeSnapshotStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{records: make(map[string]snapshot.Record)}
}

func (s *fakeSnapshotStore) UpsertMany(ctx context.Context, records []snapshot.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return context.DeadlineExceeded
	}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return nil
}

func (s *fakeSnapshotStore) All(ctx context.Context) (snapshot.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := make([]snapshot.Record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	return &fakeCursor{records: recs, idx: -1}, nil
}

type fakeCursor struct {
	records []snapshot.Record
	idx     int
}

func (c *fakeCursor) Next(ctx context.Context) bool {
	c.idx++
	return c.idx < len(c.records)
}

func (c *fakeCursor) Decode() (snapshot.Record, error) { return c.records[c.idx], nil }
func (c *fakeCursor) Close(ctx context.Context) error  { return nil }
func (c *fakeCursor) Err() error                       { return nil }

type harness struct {
	repo     *roomstate.Repository
	registry *clientregistry.Registry
	bus      *broadcast.Bus
	snap     *fakeSnapshotStore
	worker   *Worker
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewWithClient(client)

	registry := clientregistry.New(s)
	bus := broadcast.New(s, registry, nil)
	repo := roomstate.NewRepository(s, bus)
	snap := newFakeSnapshotStore()

	h := &harness{repo: repo, registry: registry, bus: bus, snap: snap, now: time.Now()}
	h.worker = New(Config{
		Repo:                    repo,
		Registry:                registry,
		Bus:                     bus,
		Snapshot:                snap,
		InactiveTimeout:         30 * time.Minute,
		MinVideoTimeoutHours:    2,
		VideoDurationMultiplier: 3,
		Now:                     func() time.Time { return h.now },
	})
	return h
}

func (h *harness) createRoom(t *testing.T, id, creator string, lastActivity time.Time) {
	t.Helper()
	room := &roomstate.Room{
		ID:           id,
		CreatorID:    creator,
		Volume:       100,
		LastActivity: lastActivity.UnixMilli(),
	}
	require.NoError(t, h.repo.Create(context.Background(), room))
}

func TestSweepEvictsEmptyRoom(t *testing.T) {
	h := newHarness(t)
	h.createRoom(t, "AAA111", "creator", h.now)

	require.NoError(t, h.worker.sweep(context.Background()))

	exists, err := h.repo.ExistsID(context.Background(), "AAA111")
	require.NoError(t, err)
	require.False(t, exists, "empty room must be evicted")
}

func TestSweepEvictsInactiveRoom(t *testing.T) {
	h := newHarness(t)
	h.createRoom(t, "AAA111", "creator", h.now.Add(-1*time.Hour))
	_, err := h.repo.Mutate(context.Background(), "AAA111", func(r *roomstate.Room) (*roomstate.Room, error) {
		r.AddClient("conn-1")
		return r, nil
	})
	require.NoError(t, err)

	require.NoError(t, h.worker.sweep(context.Background()))

	exists, err := h.repo.ExistsID(context.Background(), "AAA111")
	require.NoError(t, err)
	require.False(t, exists, "inactive room past the base timeout must be evicted")
}

func TestSweepKeepsActivePlaybackRoom(t *testing.T) {
	h := newHarness(t)
	h.createRoom(t, "AAA111", "creator", h.now.Add(-1*time.Hour))
	_, err := h.repo.Mutate(context.Background(), "AAA111", func(r *roomstate.Room) (*roomstate.Room, error) {
		r.AddClient("conn-1")
		r.IsPlaying = true
		r.PlayingNow = &videomodel.Video{ID: "v1", DurationSeconds: 3600}
		return r, nil
	})
	require.NoError(t, err)

	require.NoError(t, h.worker.sweep(context.Background()))

	exists, err := h.repo.ExistsID(context.Background(), "AAA111")
	require.NoError(t, err)
	require.True(t, exists, "a room playing a long video extends its eviction timeout")
}

func TestCleanupOrphansDropsOldRoomlessRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.registry.Bind(ctx, "conn-orphan", ""))

	h.now = h.now.Add(25 * time.Hour)
	require.NoError(t, h.worker.cleanupOrphans(ctx))

	_, ok, err := h.registry.LookupRoom(ctx, "conn-orphan")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCleanupOrphansDropsRecordReferencingMissingRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.registry.Bind(ctx, "conn-1", "GHOST1"))

	require.NoError(t, h.worker.cleanupOrphans(ctx))

	_, ok, err := h.registry.LookupRoom(ctx, "conn-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSnapshotOnceWritesRoomsAndRetries(t *testing.T) {
	h := newHarness(t)
	h.createRoom(t, "AAA111", "creator", h.now)
	h.snap.failN = 2 // fails twice, succeeds on the 3rd attempt

	require.NoError(t, h.worker.snapshotOnce(context.Background()))

	h.snap.mu.Lock()
	_, ok := h.snap.records["AAA111"]
	h.snap.mu.Unlock()
	require.True(t, ok, "snapshot must eventually persist the room after transient failures")
}

func TestReverseSyncRecreatesMissingRoom(t *testing.T) {
	h := newHarness(t)
	room := &roomstate.Room{ID: "BBB222", CreatorID: "creator", Volume: 50}
	data, err := room.Marshal()
	require.NoError(t, err)
	h.snap.records["BBB222"] = snapshot.Record{ID: "BBB222", Data: data}

	require.NoError(t, h.worker.reverseSyncOnce(context.Background()))

	exists, err := h.repo.ExistsID(context.Background(), "BBB222")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestIntegrityPassFiltersDeadClients(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createRoom(t, "AAA111", "creator", h.now)
	_, err := h.repo.Mutate(ctx, "AAA111", func(r *roomstate.Room) (*roomstate.Room, error) {
		r.AddClient("conn-live")
		r.AddClient("conn-dead")
		return r, nil
	})
	require.NoError(t, err)
	require.NoError(t, h.registry.Bind(ctx, "conn-live", "AAA111"))

	require.NoError(t, h.worker.integrityPass(ctx))

	room, err := h.repo.Load(ctx, "AAA111")
	require.NoError(t, err)
	require.Equal(t, []string{"conn-live"}, room.Clients)
}

func TestRunWithBackoffGivesUpAfterPersistentFailure(t *testing.T) {
	h := newHarness(t)
	calls := 0
	task := func(ctx context.Context) error {
		calls++
		return context.DeadlineExceeded
	}

	start := time.Now()
	h.worker.runWithBackoff(context.Background(), "test task", task)
	elapsed := time.Since(start)

	require.Equal(t, backoffMaxTries, calls)
	require.GreaterOrEqual(t, elapsed, backoffBase+2*backoffBase, "must wait through the doubling backoff between attempts")
}
