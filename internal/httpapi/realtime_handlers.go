package httpapi

import (
	"net/http"

	"github.com/coverline/dispatch-core/internal/realtime"
)

// handleRealtimeConnect upgrades an already-authenticated request to a
// websocket session registered with the shared Directory.
func (s *Server) handleRealtimeConnect(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	realtime.HandleUpgrade(s.directory, w, r, claims.PrincipalID, claims.FirmID, claims.Role)
}
