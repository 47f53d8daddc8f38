package httpapi

import (
	"net/http"
	"strconv"
)

func (s *Server) handleApprovedFirms(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	firms, err := s.catalog.ListApprovedFirms(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, firms)
}

func (s *Server) handleActiveProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.catalog.ListActiveProducts(r.Context(), muxVar(r, "firm_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}
