package httpapi

import (
	"net/http"

	"github.com/coverline/dispatch-core/internal/dispatch"
	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/geo"
)

type panicRequest struct {
	RequesterPhone string             `json:"requester_phone"`
	GroupID        string             `json:"group_id"`
	ServiceType    domain.ServiceType `json:"service_type"`
	Lat            float64            `json:"lat"`
	Lng            float64            `json:"lng"`
	Address        string             `json:"address"`
	Description    string             `json:"description"`
}

func (s *Server) handlePanicIngest(w http.ResponseWriter, r *http.Request) {
	var req panicRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "malformed body"})
		return
	}
	out, err := s.dispatch.Ingest(r.Context(), dispatch.IngestInput{
		RequesterPhone: req.RequesterPhone,
		GroupID:        req.GroupID,
		ServiceType:    req.ServiceType,
		Point:          geo.Point{Lat: req.Lat, Lng: req.Lng},
		Address:        req.Address,
		Description:    req.Description,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

type allocateRequest struct {
	TeamID     string   `json:"team_id"`
	ProviderID string   `json:"provider_id"`
	CallerLat  *float64 `json:"caller_lat"`
	CallerLng  *float64 `json:"caller_lng"`
	Notes      string   `json:"notes"`
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req allocateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "malformed body"})
		return
	}
	err := s.dispatch.Allocate(r.Context(), muxVar(r, "id"), claims.FirmID, req.TeamID, req.ProviderID, req.CallerLat, req.CallerLng, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type reassignRequest struct {
	TeamID     string `json:"team_id"`
	ProviderID string `json:"provider_id"`
	Notes      string `json:"notes"`
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req reassignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "malformed body"})
		return
	}
	err := s.dispatch.Reassign(r.Context(), muxVar(r, "id"), claims.FirmID, req.TeamID, req.ProviderID, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type transitionRequest struct {
	To      domain.RequestStatus `json:"to"`
	Message string               `json:"message"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "malformed body"})
		return
	}
	err := s.dispatch.Transition(r.Context(), muxVar(r, "id"), req.To, claims.PrincipalID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "malformed body"})
		return
	}
	if err := s.dispatch.Cancel(r.Context(), muxVar(r, "id"), claims.PrincipalID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type completeRequest struct {
	IsPrank  bool   `json:"is_prank"`
	Rating   *int   `json:"rating"`
	Comments string `json:"comments"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "malformed body"})
		return
	}
	requestID := muxVar(r, "id")
	err := s.dispatch.Complete(r.Context(), requestID, domain.RequestFeedback{
		RequestID: requestID,
		IsPrank:   req.IsPrank,
		Rating:    req.Rating,
		Comments:  req.Comments,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
