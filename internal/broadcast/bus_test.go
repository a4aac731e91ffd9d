package broadcast

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/syncwatch/room-backend/internal/clientregistry"
	"github.com/syncwatch/room-backend/internal/store"
)

type recordingConn struct {
	frames chan []byte
	fail   bool
}

func newRecordingConn() *recordingConn {
	return &recordingConn{frames: make(chan []byte, 8)}
}

func (c *recordingConn) Send(event []byte) error {
	if c.fail {
		return context.DeadlineExceeded
	}
	c.frames <- event
	return nil
}

func newTestBus(t *testing.T) (*Bus, *clientregistry.Registry, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewWithClient(client)
	reg := clientregistry.New(s)
	return New(s, reg, nil), reg, client
}

func TestBusDeliversToLocalMember(t *testing.T) {
	bus, reg, client := newTestBus(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	defer client.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() { defer close(done); bus.Start(ctx) }()

	conn := newRecordingConn()
	reg.RegisterConnection("connA", conn)
	bus.Join("473829", "connA")

	// give the subscriber loop time to attach before publishing.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, bus.Notify(ctx, "473829", "roomUpdate", map[string]string{"x": "y"}))

	select {
	case frame := <-conn.frames:
		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(frame, &decoded))
		require.Equal(t, "roomUpdate", decoded["type"])
		require.Equal(t, "y", decoded["x"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered frame")
	}

	cancel()
	<-done
}

func TestBusDoesNotDeliverToNonMembers(t *testing.T) {
	bus, reg, client := newTestBus(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	defer client.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() { defer close(done); bus.Start(ctx) }()

	conn := newRecordingConn()
	reg.RegisterConnection("connA", conn)
	// deliberately not joined to any room

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, bus.Notify(ctx, "473829", "roomUpdate", map[string]string{}))

	select {
	case <-conn.frames:
		t.Fatal("non-member connection should not receive the event")
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	<-done
}

func TestBusDeliveryFailureInvokesHandler(t *testing.T) {
	bus, reg, client := newTestBus(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	defer client.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failed := make(chan string, 1)
	bus.SetDeliveryFailureHandler(func(connID string) { failed <- connID })

	done := make(chan struct{})
	go func() { defer close(done); bus.Start(ctx) }()

	conn := newRecordingConn()
	conn.fail = true
	reg.RegisterConnection("connA", conn)
	bus.Join("473829", "connA")

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, bus.Notify(ctx, "473829", "roomUpdate", map[string]string{}))

	select {
	case id := <-failed:
		require.Equal(t, "connA", id)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery failure callback")
	}

	cancel()
	<-done
}

func TestRoomClosedPurgesLocalMembership(t *testing.T) {
	bus, reg, client := newTestBus(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	defer client.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() { defer close(done); bus.Start(ctx) }()

	conn := newRecordingConn()
	reg.RegisterConnection("connA", conn)
	bus.Join("473829", "connA")

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, bus.Notify(ctx, "473829", "roomClosed", map[string]string{"reason": "empty room"}))

	select {
	case frame := <-conn.frames:
		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(frame, &decoded))
		require.Equal(t, "roomClosed", decoded["type"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for roomClosed frame")
	}

	require.Eventually(t, func() bool {
		return len(bus.localMembers("473829")) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestLeaveAndLeaveAll(t *testing.T) {
	bus, _, _ := newTestBus(t)

	bus.Join("473829", "connA")
	bus.Join("473829", "connB")
	bus.Join("111111", "connA")

	bus.Leave("473829", "connA")
	require.ElementsMatch(t, []string{"connB"}, bus.localMembers("473829"))
	require.ElementsMatch(t, []string{"connA"}, bus.localMembers("111111"))

	bus.LeaveAll("connA")
	require.Empty(t, bus.localMembers("111111"))
}
