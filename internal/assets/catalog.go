package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// continuationTTL bounds how long an issued pagination token stays
// resolvable; an expired token silently falls back to a first page.
const continuationTTL = 5 * time.Minute

// SearchResult is one page of POST /search results.
type SearchResult struct {
	Items        []json.RawMessage `json:"items"`
	Continuation string            `json:"continuation,omitempty"`
}

// RelatedResult is one page of POST /related results.
type RelatedResult struct {
	Items        []json.RawMessage `json:"items"`
	Continuation string            `json:"continuation,omitempty"`
}

// EmbedStatus is one entry of POST /check-embeddable's response.
type EmbedStatus struct {
	VideoID  string `json:"videoId"`
	CanEmbed bool   `json:"canEmbed"`
}

// Search runs a catalog search, resolving an opaque continuation token
// back to the upstream cursor it stands for.
func (a *Adapter) Search(ctx context.Context, query, continuation string) (SearchResult, error) {
	upstreamCursor, err := a.resolveContinuation(ctx, "search-instance:", continuation)
	if err != nil {
		return SearchResult{}, err
	}

	result, err := a.cb.Execute(func() (interface{}, error) {
		return a.fetchSearch(ctx, query, upstreamCursor)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return SearchResult{}, fmt.Errorf("assets: search unavailable: %w", err)
		}
		return SearchResult{}, err
	}

	page := result.(catalogPage)
	out := SearchResult{Items: page.Items}
	if page.NextCursor != "" {
		token, err := a.issueContinuation(ctx, "search-instance:", page.NextCursor)
		if err != nil {
			return SearchResult{}, err
		}
		out.Continuation = token
	}
	return out, nil
}

// Suggestions returns search-box autocomplete strings for query.
func (a *Adapter) Suggestions(ctx context.Context, query string) ([]string, error) {
	result, err := a.cb.Execute(func() (interface{}, error) {
		return a.fetchSuggestions(ctx, query)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, fmt.Errorf("assets: suggestions unavailable: %w", err)
		}
		return nil, err
	}
	return result.([]string), nil
}

// Related returns videos related to videoID, paginated like Search.
func (a *Adapter) Related(ctx context.Context, videoID, continuation string) (RelatedResult, error) {
	upstreamCursor, err := a.resolveContinuation(ctx, "related-instance:", continuation)
	if err != nil {
		return RelatedResult{}, err
	}

	result, err := a.cb.Execute(func() (interface{}, error) {
		return a.fetchRelated(ctx, videoID, upstreamCursor)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return RelatedResult{}, fmt.Errorf("assets: related videos unavailable: %w", err)
		}
		return RelatedResult{}, err
	}

	page := result.(catalogPage)
	out := RelatedResult{Items: page.Items}
	if page.NextCursor != "" {
		token, err := a.issueContinuation(ctx, "related-instance:", page.NextCursor)
		if err != nil {
			return RelatedResult{}, err
		}
		out.Continuation = token
	}
	return out, nil
}

// CheckEmbeddable reports embeddability for every id in videoIDs,
// reusing IsEmbeddable's 15-day cache per id.
func (a *Adapter) CheckEmbeddable(ctx context.Context, videoIDs []string) ([]EmbedStatus, error) {
	out := make([]EmbedStatus, 0, len(videoIDs))
	for _, id := range videoIDs {
		embeddable, err := a.IsEmbeddable(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, EmbedStatus{VideoID: id, CanEmbed: embeddable})
	}
	return out, nil
}

type catalogPage struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

func (a *Adapter) fetchSearch(ctx context.Context, query, cursor string) (catalogPage, error) {
	q := url.Values{"query": {query}}
	if cursor != "" {
		q.Set("continuation", cursor)
	}
	return a.fetchCatalogPage(ctx, "/search?"+q.Encode())
}

func (a *Adapter) fetchRelated(ctx context.Context, videoID, cursor string) (catalogPage, error) {
	q := url.Values{"videoId": {videoID}}
	if cursor != "" {
		q.Set("continuation", cursor)
	}
	return a.fetchCatalogPage(ctx, "/related?"+q.Encode())
}

func (a *Adapter) fetchCatalogPage(ctx context.Context, path string) (catalogPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return catalogPage{}, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return catalogPage{}, err
	}
	defer resp.Body.Close()

	var page catalogPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return catalogPage{}, err
	}
	return page, nil
}

func (a *Adapter) fetchSuggestions(ctx context.Context, query string) ([]string, error) {
	q := url.Values{"query": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/suggestions?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var suggestions []string
	if err := json.NewDecoder(resp.Body).Decode(&suggestions); err != nil {
		return nil, err
	}
	return suggestions, nil
}

// issueContinuation stores cursor under a fresh opaque token keyed by
// keyPrefix, with a 5-minute TTL, and returns the token.
func (a *Adapter) issueContinuation(ctx context.Context, keyPrefix, cursor string) (string, error) {
	token := uuid.NewString()
	if err := a.store.Set(ctx, keyPrefix+token, []byte(cursor), continuationTTL); err != nil {
		return "", err
	}
	return token, nil
}

// resolveContinuation turns a client-supplied continuation token back
// into the upstream cursor it was issued for. An empty token (first
// page) resolves to an empty cursor without touching the store.
func (a *Adapter) resolveContinuation(ctx context.Context, keyPrefix, token string) (string, error) {
	if token == "" {
		return "", nil
	}
	cursor, err := a.store.Get(ctx, keyPrefix+token)
	if err != nil {
		return "", nil // expired or unknown token: fall back to a first page
	}
	return string(cursor), nil
}
