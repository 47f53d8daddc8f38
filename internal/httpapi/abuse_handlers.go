package httpapi

import "net/http"

type payFineRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) handlePayFine(w http.ResponseWriter, r *http.Request) {
	var req payFineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "malformed body"})
		return
	}
	if err := s.abuse.PayFine(r.Context(), muxVar(r, "id"), req.IdempotencyKey); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
