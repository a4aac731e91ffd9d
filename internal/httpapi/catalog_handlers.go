package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/syncwatch/room-backend/internal/apierrors"
)

type searchRequest struct {
	Query        string `json:"query"`
	Continuation string `json:"continuation,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, req *http.Request) {
	var body searchRequest
	if !decodeJSON(w, req, &body) {
		return
	}
	result, err := s.catalog.Search(req.Context(), body.Query, body.Continuation)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	apierrors.RespondJSON(w, http.StatusOK, result)
}

type suggestionsRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleSuggestions(w http.ResponseWriter, req *http.Request) {
	var body suggestionsRequest
	if !decodeJSON(w, req, &body) {
		return
	}
	suggestions, err := s.catalog.Suggestions(req.Context(), body.Query)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	apierrors.RespondJSON(w, http.StatusOK, suggestions)
}

type playlistRequest struct {
	PlaylistURLOrID string `json:"playlistUrlOrId"`
}

func (s *Server) handlePlaylist(w http.ResponseWriter, req *http.Request) {
	var body playlistRequest
	if !decodeJSON(w, req, &body) {
		return
	}
	videos, err := s.catalog.ExpandPlaylist(req.Context(), body.PlaylistURLOrID)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	apierrors.RespondJSON(w, http.StatusOK, videos)
}

type relatedRequest struct {
	VideoID      string `json:"videoId"`
	Continuation string `json:"continuation,omitempty"`
}

func (s *Server) handleRelated(w http.ResponseWriter, req *http.Request) {
	var body relatedRequest
	if !decodeJSON(w, req, &body) {
		return
	}
	result, err := s.catalog.Related(req.Context(), body.VideoID, body.Continuation)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	apierrors.RespondJSON(w, http.StatusOK, result)
}

type checkEmbeddableRequest struct {
	VideoIDs []string `json:"videoIds"`
}

func (s *Server) handleCheckEmbeddable(w http.ResponseWriter, req *http.Request) {
	var body checkEmbeddableRequest
	if !decodeJSON(w, req, &body) {
		return
	}
	statuses, err := s.catalog.CheckEmbeddable(req.Context(), body.VideoIDs)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	apierrors.RespondJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleHealthz(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func decodeJSON(w http.ResponseWriter, req *http.Request, v interface{}) bool {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// writeUpstreamError reports a catalog-service failure as a 502: the
// client made a well-formed request, but the collaborator this process
// depends on is unavailable.
func writeUpstreamError(w http.ResponseWriter, err error) {
	apierrors.RespondJSON(w, http.StatusBadGateway, apierrors.ErrorResponse{
		Error:   "upstreamUnavailable",
		Message: "catalog service unavailable",
	})
}
