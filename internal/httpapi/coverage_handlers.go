package httpapi

import (
	"net/http"
	"strconv"

	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/geo"
)

// handleCoveringFirms answers "which approved firms cover this point for
// this service type", the pre-ingest lookup a group admin uses to pick a
// firm before purchasing a subscription product.
func (s *Server) handleCoveringFirms(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "lat/lng required"})
		return
	}
	pt := geo.Point{Lat: lat, Lng: lng}
	if !pt.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid coordinates"})
		return
	}
	serviceType := domain.ServiceType(q.Get("service_type"))
	if !domain.ValidServiceType(serviceType) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid service_type"})
		return
	}
	firms, err := s.coverage.CoveringFirms(r.Context(), pt, serviceType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, firms)
}
