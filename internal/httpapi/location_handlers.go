package httpapi

import (
	"net/http"

	"github.com/coverline/dispatch-core/internal/domain"
)

type postLocationRequest struct {
	Lat           float64                `json:"lat"`
	Lng           float64                `json:"lng"`
	Accuracy      float64                `json:"accuracy"`
	Source        domain.LocationSource  `json:"source"`
	UpdatePrimary bool                   `json:"update_primary"`
}

// handlePostLocation appends a GPS breadcrumb for an in-flight request and
// broadcasts location_update to its participants (§4.E location-log
// ingest).
func (s *Server) handlePostLocation(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req postLocationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "malformed body"})
		return
	}
	requestID := muxVar(r, "id")
	loc := domain.LocationLog{
		RequestID: requestID,
		UserID:    claims.PrincipalID,
		Lat:       req.Lat,
		Lng:       req.Lng,
		Accuracy:  req.Accuracy,
		Source:    req.Source,
	}
	if err := s.fanout.IngestLocation(r.Context(), loc, req.UpdatePrimary); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
