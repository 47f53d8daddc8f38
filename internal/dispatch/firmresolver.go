package dispatch

import (
	"context"

	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/errs"
)

// StoredSubscriptionLookup resolves a stored subscription's product, the
// primary-store half of FirmResolver's join.
type StoredSubscriptionLookup interface {
	FindByID(ctx context.Context, id string) (*domain.StoredSubscription, error)
}

// ProductLookup resolves a subscription product's owning firm, the Catalog
// Store half of FirmResolver's join.
type ProductLookup interface {
	FindProduct(ctx context.Context, id string) (*domain.SubscriptionProduct, error)
}

// FirmResolver implements dispatch.FirmOfGroup by joining a group's
// currently-applied stored subscription to its product's owning firm
// across the primary store and the Catalog Store (§4.I's deliberate split).
type FirmResolver struct {
	stored   StoredSubscriptionLookup
	products ProductLookup
}

func NewFirmResolver(stored StoredSubscriptionLookup, products ProductLookup) *FirmResolver {
	return &FirmResolver{stored: stored, products: products}
}

func (r *FirmResolver) FirmForStoredSubscription(ctx context.Context, subscriptionID string) (string, error) {
	if subscriptionID == "" {
		return "", errs.New(errs.CodeSubNotFound, "group has no applied subscription")
	}
	ss, err := r.stored.FindByID(ctx, subscriptionID)
	if err != nil {
		return "", err
	}
	product, err := r.products.FindProduct(ctx, ss.ProductID)
	if err != nil {
		return "", err
	}
	return product.FirmID, nil
}
