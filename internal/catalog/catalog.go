// Package catalog is the low-write-contention administrative store: firm
// records, provider-type catalogue entries, and subscription products,
// served through Supabase's PostgREST client rather than the primary
// transactional store (§4.I).
package catalog

import (
	"context"
	"fmt"
	"os"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/coverline/dispatch-core/internal/domain"
	"github.com/coverline/dispatch-core/internal/errs"
)

// Client wraps the Supabase Go client with dispatch-domain CRUD operations.
type Client struct {
	client *supabase.Client
}

// NewClient builds a client from explicit URL/key, falling back to the
// SUPABASE_URL/SUPABASE_SERVICE_KEY environment variables.
func NewClient(url, key string) (*Client, error) {
	if url == "" {
		url = os.Getenv("SUPABASE_URL")
	}
	if key == "" {
		key = os.Getenv("SUPABASE_SERVICE_KEY")
	}
	if url == "" || key == "" {
		return nil, fmt.Errorf("catalog: SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	c, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("catalog: create supabase client: %w", err)
	}
	return &Client{client: c}, nil
}

// --- SecurityFirm ---

func (c *Client) GetFirm(ctx context.Context, id string) (*domain.SecurityFirm, error) {
	var firms []domain.SecurityFirm
	_, err := c.client.From("firms").Select("*", "", false).Eq("id", id).ExecuteTo(&firms)
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "catalog: get firm", err)
	}
	if len(firms) == 0 {
		return nil, errs.New(errs.CodeFirmNotFound, "no such firm")
	}
	return &firms[0], nil
}

func (c *Client) CreateFirm(ctx context.Context, f *domain.SecurityFirm) error {
	var result []domain.SecurityFirm
	_, err := c.client.From("firms").Insert(f, false, "", "", "").ExecuteTo(&result)
	if err != nil {
		return errs.Wrap(errs.CodeSysInternal, "catalog: create firm", err)
	}
	return nil
}

func (c *Client) UpdateFirmStatus(ctx context.Context, id string, status domain.VerificationStatus) error {
	var result []domain.SecurityFirm
	_, err := c.client.From("firms").
		Update(map[string]any{"status": string(status)}, "", "").
		Eq("id", id).ExecuteTo(&result)
	if err != nil {
		return errs.Wrap(errs.CodeSysInternal, "catalog: update firm status", err)
	}
	return nil
}

func (c *Client) ListApprovedFirms(ctx context.Context, limit int) ([]domain.SecurityFirm, error) {
	var firms []domain.SecurityFirm
	_, err := c.client.From("firms").
		Select("*", "", false).
		Eq("status", string(domain.FirmApproved)).
		Eq("locked", "false").
		Limit(limit, "").
		ExecuteTo(&firms)
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "catalog: list approved firms", err)
	}
	return firms, nil
}

// --- CoverageArea ---

func (c *Client) ListActiveCoverageAreas(ctx context.Context, firmID string) ([]domain.CoverageArea, error) {
	var areas []domain.CoverageArea
	q := c.client.From("coverage_areas").Select("*", "", false).Eq("active", "true")
	if firmID != "" {
		q = q.Eq("firm_id", firmID)
	}
	_, err := q.ExecuteTo(&areas)
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "catalog: list coverage areas", err)
	}
	return areas, nil
}

func (c *Client) CreateCoverageArea(ctx context.Context, a *domain.CoverageArea) error {
	var result []domain.CoverageArea
	_, err := c.client.From("coverage_areas").Insert(a, false, "", "", "").ExecuteTo(&result)
	if err != nil {
		return errs.Wrap(errs.CodeSysInternal, "catalog: create coverage area", err)
	}
	return nil
}

// --- EmergencyProviderType ---

func (c *Client) GetProviderType(ctx context.Context, id string) (*domain.EmergencyProviderType, error) {
	var types []domain.EmergencyProviderType
	_, err := c.client.From("provider_types").Select("*", "", false).Eq("id", id).ExecuteTo(&types)
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "catalog: get provider type", err)
	}
	if len(types) == 0 {
		return nil, errs.New(errs.CodeReqNotFound, "no such provider type")
	}
	return &types[0], nil
}

func (c *Client) CreateProviderType(ctx context.Context, t *domain.EmergencyProviderType) error {
	var result []domain.EmergencyProviderType
	_, err := c.client.From("provider_types").Insert(t, false, "", "", "").ExecuteTo(&result)
	if err != nil {
		return errs.Wrap(errs.CodeSysInternal, "catalog: create provider type", err)
	}
	return nil
}

// --- SubscriptionProduct ---

func (c *Client) CreateProduct(ctx context.Context, p *domain.SubscriptionProduct) error {
	var result []domain.SubscriptionProduct
	_, err := c.client.From("subscription_products").Insert(p, false, "", "", "").ExecuteTo(&result)
	if err != nil {
		return errs.Wrap(errs.CodeSysInternal, "catalog: create product", err)
	}
	return nil
}

func (c *Client) FindProduct(ctx context.Context, id string) (*domain.SubscriptionProduct, error) {
	var products []domain.SubscriptionProduct
	_, err := c.client.From("subscription_products").Select("*", "", false).Eq("id", id).ExecuteTo(&products)
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "catalog: find product", err)
	}
	if len(products) == 0 {
		return nil, errs.New(errs.CodeSubNotFound, "no such product")
	}
	return &products[0], nil
}

func (c *Client) SetProductActive(ctx context.Context, id string, active bool) error {
	var result []domain.SubscriptionProduct
	_, err := c.client.From("subscription_products").
		Update(map[string]any{"active": active}, "", "").
		Eq("id", id).ExecuteTo(&result)
	if err != nil {
		return errs.Wrap(errs.CodeSysInternal, "catalog: set product active", err)
	}
	return nil
}

func (c *Client) ListActiveProducts(ctx context.Context, firmID string) ([]domain.SubscriptionProduct, error) {
	var products []domain.SubscriptionProduct
	_, err := c.client.From("subscription_products").
		Select("*", "", false).
		Eq("firm_id", firmID).
		Eq("active", "true").
		ExecuteTo(&products)
	if err != nil {
		return nil, errs.Wrap(errs.CodeSysInternal, "catalog: list active products", err)
	}
	return products, nil
}
