package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/syncwatch/room-backend/internal/assets"
	"github.com/syncwatch/room-backend/internal/auth"
	"github.com/syncwatch/room-backend/internal/videomodel"
)

type fakeCatalog struct {
	searchResult  assets.SearchResult
	suggestions   []string
	playlist      []videomodel.Video
	related       assets.RelatedResult
	embedStatuses []assets.EmbedStatus
}

func (f *fakeCatalog) Search(ctx context.Context, query, continuation string) (assets.SearchResult, error) {
	return f.searchResult, nil
}
func (f *fakeCatalog) Suggestions(ctx context.Context, query string) ([]string, error) {
	return f.suggestions, nil
}
func (f *fakeCatalog) ExpandPlaylist(ctx context.Context, ref string) ([]videomodel.Video, error) {
	return f.playlist, nil
}
func (f *fakeCatalog) Related(ctx context.Context, videoID, continuation string) (assets.RelatedResult, error) {
	return f.related, nil
}
func (f *fakeCatalog) CheckEmbeddable(ctx context.Context, videoIDs []string) ([]assets.EmbedStatus, error) {
	return f.embedStatuses, nil
}

func newTestServer(t *testing.T, catalog CatalogService) (*httptest.Server, *auth.TicketIssuer) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	issuer := auth.NewTicketIssuer("test-key")

	wsProxy := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Resolved-Connection-Id", r.URL.Query().Get("verified_connection_id"))
		w.WriteHeader(http.StatusOK)
	})

	handler := NewServer(Options{
		Catalog:            catalog,
		Tickets:            issuer,
		WebSocketHandler:   wsProxy,
		RedisClient:        client,
		RateLimitPerSecond: 20,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, issuer
}

func TestHandleSuggestionsReturnsList(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCatalog{suggestions: []string{"a", "b"}})

	resp, err := http.Post(srv.URL+"/suggestions", "application/json", bytes.NewBufferString(`{"query":"q"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, []string{"a", "b"}, got)
}

func TestHandleCheckEmbeddable(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCatalog{embedStatuses: []assets.EmbedStatus{{VideoID: "v1", CanEmbed: true}}})

	resp, err := http.Post(srv.URL+"/check-embeddable", "application/json", bytes.NewBufferString(`{"videoIds":["v1"]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []assets.EmbedStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, "v1", got[0].VideoID)
	require.True(t, got[0].CanEmbed)
}

func TestHandleSearchRejectsGet(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCatalog{})

	resp, err := http.Get(srv.URL + "/search")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebSocketUpgradeResolvesValidTicket(t *testing.T) {
	srv, issuer := newTestServer(t, &fakeCatalog{})
	ticket, err := issuer.IssueTicket("conn-42")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/ws?client_token=" + ticket)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "conn-42", resp.Header.Get("X-Resolved-Connection-Id"))
}

func TestWebSocketUpgradeIgnoresInvalidTicket(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCatalog{})

	resp, err := http.Get(srv.URL + "/ws?client_token=garbage")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "", resp.Header.Get("X-Resolved-Connection-Id"))
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &fakeCatalog{})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
