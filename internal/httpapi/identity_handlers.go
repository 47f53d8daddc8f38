package httpapi

import "net/http"

type loginRequest struct {
	Identifier string   `json:"identifier"`
	Password   string   `json:"password"`
	FirmID     string   `json:"firm_id"`
	Role       string   `json:"role"`
	Perms      []string `json:"perms"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "malformed body"})
		return
	}
	result, err := s.identity.Login(r.Context(), req.Identifier, req.Password, req.FirmID, req.Role, req.Perms)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "malformed body"})
		return
	}
	result, err := s.identity.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if err := s.identity.Revoke(r.Context(), token); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, err := s.identity.Me(r.Context(), bearerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAccountStatus(w http.ResponseWriter, r *http.Request) {
	p, err := s.identity.AccountStatus(r.Context(), muxVar(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type unlockRequestBody struct {
	Channel string `json:"channel"`
	Address string `json:"address"`
}

func (s *Server) handleUnlockRequest(w http.ResponseWriter, r *http.Request) {
	var req unlockRequestBody
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "malformed body"})
		return
	}
	if err := s.identity.RequestUnlockOTP(r.Context(), muxVar(r, "id"), req.Channel, req.Address); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type unlockVerifyBody struct {
	Code string `json:"code"`
}

func (s *Server) handleUnlockVerify(w http.ResponseWriter, r *http.Request) {
	var req unlockVerifyBody
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "malformed body"})
		return
	}
	if err := s.identity.VerifyUnlockOTP(r.Context(), muxVar(r, "id"), req.Code); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
