package ingress

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"excluster/internal/store"
	"excluster/pkg/types"
)

// handleListClusters implements the supplemented query surface (SPEC_FULL.md
// §E item 1): pagination via limit/offset, filtering by service_id/status/since.
func (s *Server) handleListClusters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ClusterFilter{
		ServiceID: q.Get("service_id"),
		Status:    types.ClusterStatus(q.Get("status")),
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = t
		}
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = offset
	}

	clusters, err := s.clusterer.List(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"clusters": clusters})
}

func (s *Server) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, err := s.clusterer.Get(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "cluster not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type statusRequest struct {
	Status types.ClusterStatus `json:"status"`
	Actor  string              `json:"actor"`
}

func (s *Server) handleSetClusterStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	switch req.Status {
	case types.StatusActive, types.StatusSkipped, types.StatusResolved:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status must be active, skipped, or resolved"})
		return
	}

	if err := s.clusterer.SetStatus(r.Context(), id, req.Status, req.Actor); err != nil {
		if err == store.ErrNotFound {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "cluster not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
