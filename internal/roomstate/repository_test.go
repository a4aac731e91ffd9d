package roomstate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/syncwatch/room-backend/internal/store"
)

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeBroadcaster) Notify(ctx context.Context, roomID, eventType string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, roomID)
	return nil
}

func newTestRepo(t *testing.T) (*Repository, *fakeBroadcaster) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewWithClient(client)
	bc := &fakeBroadcaster{}
	return NewRepository(s, bc), bc
}

func TestCreateLoadDelete(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	room := &Room{ID: "473829", CreatorID: "A", Volume: 100}
	require.NoError(t, repo.Create(ctx, room))

	err := repo.Create(ctx, room)
	require.ErrorIs(t, err, ErrConflict)

	loaded, err := repo.Load(ctx, "473829")
	require.NoError(t, err)
	require.Equal(t, "A", loaded.CreatorID)

	require.NoError(t, repo.Delete(ctx, "473829"))
	_, err = repo.Load(ctx, "473829")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMutateNotFound(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Mutate(ctx, "000000", func(room *Room) (*Room, error) {
		return room, nil
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMutateEmitsRoomChanged(t *testing.T) {
	repo, bc := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &Room{ID: "111111", CreatorID: "A", Volume: 50}))

	updated, err := repo.Mutate(ctx, "111111", func(room *Room) (*Room, error) {
		room.Volume = 75
		return room, nil
	})
	require.NoError(t, err)
	require.Equal(t, 75, updated.Volume)
	require.Equal(t, []string{"111111"}, bc.calls)
}

func TestMutateRejectionDoesNotPersistOrBroadcast(t *testing.T) {
	repo, bc := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &Room{ID: "222222", CreatorID: "A", Volume: 50}))

	_, err := repo.Mutate(ctx, "222222", func(room *Room) (*Room, error) {
		return nil, ErrConflict
	})
	require.Error(t, err)
	require.Empty(t, bc.calls)

	loaded, err := repo.Load(ctx, "222222")
	require.NoError(t, err)
	require.Equal(t, 50, loaded.Volume)
}

func TestMutateSerializesConcurrentWriters(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &Room{ID: "333333", CreatorID: "A", Volume: 0}))

	const n = 40
	var wg sync.WaitGroup
	var successes int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Mutate(ctx, "333333", func(room *Room) (*Room, error) {
				room.Volume++
				return room, nil
			})
			if err == nil {
				atomic.AddInt64(&successes, 1)
			}
		}()
	}
	wg.Wait()

	loaded, err := repo.Load(ctx, "333333")
	require.NoError(t, err)
	require.Equal(t, int(successes), loaded.Volume)
}

func TestMutateWithEventOverride(t *testing.T) {
	repo, bc := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &Room{ID: "444444", CreatorID: "A", IsPlaying: false}))

	_, err := repo.Mutate(ctx, "444444", func(room *Room) (*Room, error) {
		room.IsPlaying = true
		return room, nil
	}, WithEvent("play", map[string]bool{"isPlaying": true}))
	require.NoError(t, err)
	require.Equal(t, []string{"444444"}, bc.calls)
}

func TestMutateWithNoBroadcastSuppressesEvent(t *testing.T) {
	repo, bc := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &Room{ID: "555555", CreatorID: "A"}))

	_, err := repo.Mutate(ctx, "555555", func(room *Room) (*Room, error) {
		room.AddClient("B")
		return room, nil
	}, WithNoBroadcast())
	require.NoError(t, err)
	require.Empty(t, bc.calls)
}

func TestListIDs(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &Room{ID: "100000", CreatorID: "A"}))
	require.NoError(t, repo.Create(ctx, &Room{ID: "200000", CreatorID: "B"}))

	ids, err := repo.ListIDs(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"100000", "200000"}, ids)
}
