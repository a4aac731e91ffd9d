package assets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/syncwatch/room-backend/internal/store"
	"github.com/syncwatch/room-backend/internal/videomodel"
)

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewWithClient(client)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return New(s, Options{BaseURL: srv.URL, HTTPClient: srv.Client()})
}

func TestIsEmbeddableCachesResult(t *testing.T) {
	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("<html>ok</html>"))
	})
	a := newTestAdapter(t, handler)
	ctx := context.Background()

	embeddable, err := a.IsEmbeddable(ctx, "v1")
	require.NoError(t, err)
	require.True(t, embeddable)
	require.Equal(t, 1, calls)

	embeddable, err = a.IsEmbeddable(ctx, "v1")
	require.NoError(t, err)
	require.True(t, embeddable)
	require.Equal(t, 1, calls, "second call must be served from cache, not re-probe")
}

func TestIsEmbeddableDetectsFailureMarker(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Video unavailable"))
	})
	a := newTestAdapter(t, handler)

	embeddable, err := a.IsEmbeddable(context.Background(), "blocked")
	require.NoError(t, err)
	require.False(t, embeddable)
}

func TestExpandPlaylistBoundsEntries(t *testing.T) {
	videos := make([]videomodel.Video, 250)
	for i := range videos {
		videos[i] = videomodel.Video{ID: string(rune('a' + i%26))}
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(videos)
	})
	a := newTestAdapter(t, handler)

	got, err := a.ExpandPlaylist(context.Background(), "ref")
	require.NoError(t, err)
	require.Len(t, got, maxPlaylistEntries)
}
