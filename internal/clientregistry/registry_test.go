package clientregistry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/syncwatch/room-backend/internal/store"
)

type fakeConn struct{ sent [][]byte }

func (f *fakeConn) Send(event []byte) error {
	f.sent = append(f.sent, event)
	return nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(store.NewWithClient(client))
}

func TestLocalConnectionLifecycle(t *testing.T) {
	reg := newTestRegistry(t)
	conn := &fakeConn{}

	_, ok := reg.LocalConnection("A")
	require.False(t, ok)

	reg.RegisterConnection("A", conn)
	got, ok := reg.LocalConnection("A")
	require.True(t, ok)
	require.Same(t, conn, got.(*fakeConn))

	reg.DropConnection("A")
	_, ok = reg.LocalConnection("A")
	require.False(t, ok)
}

func TestBindUnbindLookup(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, ok, err := reg.LookupRoom(ctx, "A")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, reg.Bind(ctx, "A", "473829"))

	roomID, ok, err := reg.LookupRoom(ctx, "A")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "473829", roomID)

	require.NoError(t, reg.Unbind(ctx, "A"))
	_, ok, err = reg.LookupRoom(ctx, "A")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListRecords(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Bind(ctx, "A", "111111"))
	require.NoError(t, reg.Bind(ctx, "B", "222222"))

	records, err := reg.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byID := map[string]Record{}
	for _, r := range records {
		byID[r.ID] = r
	}
	require.Equal(t, "111111", byID["A"].RoomID)
	require.Equal(t, "222222", byID["B"].RoomID)
	require.False(t, byID["A"].LastSeen.IsZero())
}
