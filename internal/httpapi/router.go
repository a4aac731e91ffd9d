package httpapi

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/syncwatch/room-backend/internal/assets"
	"github.com/syncwatch/room-backend/internal/auth"
	"github.com/syncwatch/room-backend/internal/videomodel"
)

// CatalogService is the subset of the asset adapter's surface this HTTP
// layer proxies directly to clients. Kept as an interface (rather than
// *assets.Adapter directly) purely for test doubling.
type CatalogService interface {
	Search(ctx context.Context, query, continuation string) (assets.SearchResult, error)
	Suggestions(ctx context.Context, query string) ([]string, error)
	ExpandPlaylist(ctx context.Context, ref string) ([]videomodel.Video, error)
	Related(ctx context.Context, videoID, continuation string) (assets.RelatedResult, error)
	CheckEmbeddable(ctx context.Context, videoIDs []string) ([]assets.EmbedStatus, error)
}

// Server is the HTTP surface alongside /ws.
type Server struct {
	mux     *http.ServeMux
	catalog CatalogService
	tickets *auth.TicketIssuer
	wsProxy http.Handler
}

// Options configures a Server.
type Options struct {
	Catalog            CatalogService
	Tickets            *auth.TicketIssuer
	WebSocketHandler   http.Handler
	RedisClient        *redis.Client
	RateLimitPerSecond float64
}

// NewServer builds the HTTP surface: catalog proxy endpoints, /healthz,
// /metrics, and a ticket-validating wrapper in front of /ws. The /ws
// endpoint is exempt from the rate limiter; a connection's impact is
// already bounded by its read loop and send buffer.
func NewServer(opts Options) http.Handler {
	s := &Server{
		mux:     http.NewServeMux(),
		catalog: opts.Catalog,
		tickets: opts.Tickets,
		wsProxy: opts.WebSocketHandler,
	}

	limiter := NewRateLimiter(opts.RedisClient, opts.RateLimitPerSecond)
	rateLimited := func(h http.HandlerFunc) http.Handler {
		return limiter.Middleware(h)
	}

	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.Handle("/search", rateLimited(s.handleSearch))
	s.mux.Handle("/suggestions", rateLimited(s.handleSuggestions))
	s.mux.Handle("/playlist", rateLimited(s.handlePlaylist))
	s.mux.Handle("/related", rateLimited(s.handleRelated))
	s.mux.Handle("/check-embeddable", rateLimited(s.handleCheckEmbeddable))
	s.mux.Handle("/ws", http.HandlerFunc(s.handleWebSocket))

	return requestIDMiddleware(s.mux)
}

// handleWebSocket validates an optional `client_token` reconnect ticket
// before handing the request to the Connection Handler: a valid ticket
// is exchanged for the `verified_connection_id` query parameter
// wsconn.connectionIdentity looks for, per that function's documented
// contract. An absent or invalid ticket is not an error: the
// connection simply gets a fresh identity, same as a first-time client.
func (s *Server) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	if s.tickets != nil {
		if raw := req.URL.Query().Get("client_token"); raw != "" {
			if connID, err := s.tickets.ValidateTicket(raw); err == nil {
				q := req.URL.Query()
				q.Set("verified_connection_id", connID)
				req.URL.RawQuery = q.Encode()
			}
		}
	}
	s.wsProxy.ServeHTTP(w, req)
}
