// Package assets adapts the upstream video-catalog service: the
// embeddability probe and playlist expansion the command dispatcher
// consumes, plus the search/suggestions/related proxy surface. Both
// operations are treated as slow and potentially failing; a circuit
// breaker keeps a degraded catalog service from cascading into the
// room engine.
package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/syncwatch/room-backend/internal/store"
	"github.com/syncwatch/room-backend/internal/videomodel"
)

const (
	embedStatusKeyPrefix = "youtube_embed_status:"
	embedStatusTTL       = 15 * 24 * time.Hour
	callTimeout          = 8 * time.Second
	maxPlaylistEntries   = 200

	// embedFailureMarker is the known marker identifying a video whose
	// embed page reports playback is disallowed in third-party players.
	embedFailureMarker = "Video unavailable"
)

// Adapter is the catalog-service client.
type Adapter struct {
	store      *store.Store
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker
}

// Options configures an Adapter.
type Options struct {
	// BaseURL is the catalog service's base address; embed checks and
	// playlist expansion requests are issued against it.
	BaseURL    string
	HTTPClient *http.Client
}

// New builds an Adapter backed by s for the embeddability cache.
func New(s *store.Store, opts Options) *Adapter {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: callTimeout}
	}

	st := gobreaker.Settings{
		Name:        "asset-adapter",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}

	return &Adapter{
		store:      s,
		httpClient: client,
		baseURL:    opts.BaseURL,
		cb:         gobreaker.NewCircuitBreaker(st),
	}
}

// IsEmbeddable reports whether videoID can be played in a third-party
// embedded context. Results are cached for 15 days keyed by videoID; a
// cache hit never re-probes the upstream service.
func (a *Adapter) IsEmbeddable(ctx context.Context, videoID string) (bool, error) {
	key := embedStatusKeyPrefix + videoID
	if cached, err := a.store.Get(ctx, key); err == nil {
		return string(cached) == "true", nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	embeddable, err := a.probeEmbeddable(ctx, videoID)
	if err != nil {
		// A probe failure is not cached, so the next call retries.
		return false, err
	}

	value := "false"
	if embeddable {
		value = "true"
	}
	if err := a.store.Set(ctx, key, []byte(value), embedStatusTTL); err != nil {
		return embeddable, err
	}
	return embeddable, nil
}

func (a *Adapter) probeEmbeddable(ctx context.Context, videoID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	result, err := a.cb.Execute(func() (interface{}, error) {
		return a.fetchEmbedPage(ctx, videoID)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == context.DeadlineExceeded {
			// On timeout (or an open breaker, the same class of upstream
			// degradation) the video is reported as not embeddable rather
			// than propagating an error.
			return false, nil
		}
		return false, err
	}
	return result.(bool), nil
}

func (a *Adapter) fetchEmbedPage(ctx context.Context, videoID string) (bool, error) {
	url := fmt.Sprintf("%s/embed/%s", a.baseURL, videoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return false, context.DeadlineExceeded
		}
		return false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, err
	}

	return !bytes.Contains(body, []byte(embedFailureMarker)), nil
}

// ExpandPlaylist resolves ref (a playlist URL or id) into its member
// video descriptors, bounded to at most 200 entries.
func (a *Adapter) ExpandPlaylist(ctx context.Context, ref string) ([]videomodel.Video, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	result, err := a.cb.Execute(func() (interface{}, error) {
		return a.fetchPlaylist(ctx, ref)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, fmt.Errorf("assets: playlist expansion unavailable: %w", err)
		}
		return nil, err
	}

	videos := result.([]videomodel.Video)
	if len(videos) > maxPlaylistEntries {
		videos = videos[:maxPlaylistEntries]
	}
	return videos, nil
}

func (a *Adapter) fetchPlaylist(ctx context.Context, ref string) ([]videomodel.Video, error) {
	url := fmt.Sprintf("%s/playlist?playlistUrlOrId=%s", a.baseURL, ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("assets: playlist expansion returned status %s", strconv.Itoa(resp.StatusCode))
	}

	var videos []videomodel.Video
	if err := json.NewDecoder(resp.Body).Decode(&videos); err != nil {
		return nil, err
	}
	return videos, nil
}
