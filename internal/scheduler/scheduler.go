// Package scheduler runs the four periodic, idempotent jobs of §4.G:
// subscription-expiry notices, the request-timeout sweep, catalog
// cache-warming, and revoked-token pruning. Each job is its own ticker loop,
// grounded on the teacher's middleware.RateLimiter background cleanup
// ticker; the expiry-notice job additionally fans out through an
// EventEmitter the way the teacher's webhooks.CloudDispatcher enqueues one
// delivery per subscriber.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/coverline/dispatch-core/internal/domain"
)

// TimeoutSweeper is dispatch.Service's contract for the 1-minute job.
type TimeoutSweeper interface {
	SweepTimeouts(ctx context.Context) error
}

// TokenPruner is store.RevocationRepo's contract for the hourly job.
type TokenPruner interface {
	PruneExpired(before time.Time) (int, error)
}

// ExpiringGroupsLister resolves groups whose subscription expires on a
// given calendar day, the 5-minute job's source of truth.
type ExpiringGroupsLister interface {
	ExpiringOn(ctx context.Context, day time.Time) ([]domain.UserGroup, error)
}

// FirmCatalog is the subset of the catalog store the cache-warm job reads.
type FirmCatalog interface {
	ListApprovedFirms(ctx context.Context, limit int) ([]domain.SecurityFirm, error)
	ListActiveProducts(ctx context.Context, firmID string) ([]domain.SubscriptionProduct, error)
}

// CacheWarmer is cache.Warmer's contract.
type CacheWarmer interface {
	WarmActiveProducts(ctx context.Context, firmID string, products interface{}) error
	WarmApprovedFirms(ctx context.Context, firms interface{}) error
}

// NotificationEmitter is events.EventEmitter's contract, used to fan out
// subscription.expiring notices instead of a direct websocket push (the
// recipient may not hold an open session).
type NotificationEmitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// maxWarmFirms bounds the cache-warm job's firm scan; a platform running
// more approved firms than this needs a paginated warm job, not a constant.
const maxWarmFirms = 2000

// expiryThresholds are the T-7d/T-3d/T-1d/T-0 notice points (§4.G).
var expiryThresholds = []struct {
	label string
	in    time.Duration
}{
	{"T-7d", 7 * 24 * time.Hour},
	{"T-3d", 3 * 24 * time.Hour},
	{"T-1d", 24 * time.Hour},
	{"T-0", 0},
}

// Scheduler owns the four job tickers.
type Scheduler struct {
	groups   ExpiringGroupsLister
	sweeper  TimeoutSweeper
	catalog  FirmCatalog
	cache    CacheWarmer
	tokens   TokenPruner
	notifier NotificationEmitter
	logger   *log.Logger
}

func New(groups ExpiringGroupsLister, sweeper TimeoutSweeper, catalog FirmCatalog,
	cache CacheWarmer, tokens TokenPruner, notifier NotificationEmitter) *Scheduler {
	return &Scheduler{
		groups: groups, sweeper: sweeper, catalog: catalog, cache: cache,
		tokens: tokens, notifier: notifier,
		logger: log.New(log.Writer(), "[scheduler] ", log.LstdFlags),
	}
}

// Run starts all four job loops and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	go s.loop(ctx, 5*time.Minute, s.runExpiryScan)
	go s.loop(ctx, time.Minute, s.runTimeoutSweep)
	go s.loop(ctx, 10*time.Minute, s.runCacheWarm)
	go s.loop(ctx, time.Hour, s.runTokenPrune)
	<-ctx.Done()
	s.logger.Println("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, job func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			job(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// runExpiryScan fires one notice envelope per group crossing a threshold
// boundary today; idempotent because ExpiringOn scopes to the calendar day,
// so re-running mid-window re-finds (and re-notifies) the same rows rather
// than accumulating duplicates across a sliding window.
func (s *Scheduler) runExpiryScan(ctx context.Context) {
	now := time.Now().UTC()
	for _, th := range expiryThresholds {
		groups, err := s.groups.ExpiringOn(ctx, now.Add(th.in))
		if err != nil {
			s.logger.Printf("expiry scan (%s) failed: %v", th.label, err)
			continue
		}
		for _, g := range groups {
			s.notifier.Emit("subscription.expiring", "/v1/groups", g.ID, map[string]interface{}{
				"group_id":   g.ID,
				"threshold":  th.label,
				"expires_at": g.SubscriptionExpiresAt,
			})
		}
	}
}

func (s *Scheduler) runTimeoutSweep(ctx context.Context) {
	if err := s.sweeper.SweepTimeouts(ctx); err != nil {
		s.logger.Printf("timeout sweep failed: %v", err)
	}
}

func (s *Scheduler) runCacheWarm(ctx context.Context) {
	firms, err := s.catalog.ListApprovedFirms(ctx, maxWarmFirms)
	if err != nil {
		s.logger.Printf("cache warm: list approved firms failed: %v", err)
		return
	}
	if err := s.cache.WarmApprovedFirms(ctx, firms); err != nil {
		s.logger.Printf("cache warm: persist approved firms failed: %v", err)
	}
	for _, f := range firms {
		products, err := s.catalog.ListActiveProducts(ctx, f.ID)
		if err != nil {
			s.logger.Printf("cache warm: list products for firm %s failed: %v", f.ID, err)
			continue
		}
		if err := s.cache.WarmActiveProducts(ctx, f.ID, products); err != nil {
			s.logger.Printf("cache warm: persist products for firm %s failed: %v", f.ID, err)
		}
	}
}

func (s *Scheduler) runTokenPrune(ctx context.Context) {
	n, err := s.tokens.PruneExpired(time.Now())
	if err != nil {
		s.logger.Printf("token prune failed: %v", err)
		return
	}
	if n > 0 {
		s.logger.Printf("pruned %d expired revocations", n)
	}
}
