package httpapi

import "net/http"

type purchaseCreditsRequest struct {
	AmountCents    int64  `json:"amount_cents"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) handlePurchaseCredits(w http.ResponseWriter, r *http.Request) {
	var req purchaseCreditsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "malformed body"})
		return
	}
	tx, err := s.subscription.PurchaseCredits(r.Context(), muxVar(r, "firm_id"), req.AmountCents, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

type createProductRequest struct {
	Name       string `json:"name"`
	MaxUsers   int    `json:"max_users"`
	PriceCents int64  `json:"price_cents"`
	CreditCost int64  `json:"credit_cost"`
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "malformed body"})
		return
	}
	p, err := s.subscription.CreateProduct(r.Context(), muxVar(r, "firm_id"), req.Name, req.MaxUsers, req.PriceCents, req.CreditCost)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type purchaseSubscriptionRequest struct {
	ProductID      string `json:"product_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) handlePurchaseSubscription(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req purchaseSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "malformed body"})
		return
	}
	stored, err := s.subscription.PurchaseSubscription(r.Context(), claims.PrincipalID, req.ProductID, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

type applySubscriptionRequest struct {
	StoredSubscriptionID string `json:"stored_subscription_id"`
	GroupID              string `json:"group_id"`
}

func (s *Server) handleApplySubscription(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req applySubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "malformed body"})
		return
	}
	if err := s.subscription.ApplySubscription(r.Context(), claims.PrincipalID, req.StoredSubscriptionID, req.GroupID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	active, expiresAt, grace, err := s.subscription.ValidateSubscription(r.Context(), muxVar(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":     active,
		"expires_at": expiresAt,
		"grace":      grace,
	})
}
