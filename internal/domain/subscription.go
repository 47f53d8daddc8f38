package domain

import "time"

// SubscriptionProduct is a firm-owned offer.
type SubscriptionProduct struct {
	ID         string
	FirmID     string
	Name       string
	MaxUsers   int
	PriceCents int64
	CreditCost int64
	Active     bool
	CreatedAt  time.Time
}

// StoredSubscription is a paid-for-but-unapplied entitlement.
type StoredSubscription struct {
	ID            string
	UserID        string
	ProductID     string
	Applied       bool
	AppliedToGroup string
	PurchasedAt   time.Time
	AppliedAt     time.Time
}

// CreditTransaction is an append-only ledger row mirroring every firm
// credit-balance mutation, doubling as the Spanner audit mirror's source.
type CreditTransaction struct {
	ID          string
	FirmID      string
	Delta       int64
	Reason      string
	ExternalRef string
	CreatedAt   time.Time
}
