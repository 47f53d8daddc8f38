package domain

import "time"

// UserFine is created when a user's prank count crosses a threshold.
type UserFine struct {
	ID       string
	UserID   string
	AmountCents int64
	Reason   string
	Paid     bool
	PaidAt   time.Time
	CreatedAt time.Time
}

// RevokedToken backs the access/refresh token revocation list.
type RevokedToken struct {
	TokenID     string
	PrincipalID string
	RevokedAt   time.Time
	ExpiresAt   time.Time
}
