package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverline/dispatch-core/internal/domain"
)

type fakeGroups struct {
	byThreshold map[string][]domain.UserGroup
	err         error
}

func (f *fakeGroups) ExpiringOn(ctx context.Context, day time.Time) ([]domain.UserGroup, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byThreshold[day.Format("2006-01-02")], nil
}

type fakeSweeper struct {
	called bool
	err    error
}

func (f *fakeSweeper) SweepTimeouts(ctx context.Context) error {
	f.called = true
	return f.err
}

type fakeCatalog struct {
	firms    []domain.SecurityFirm
	products map[string][]domain.SubscriptionProduct
	firmsErr error
}

func (f *fakeCatalog) ListApprovedFirms(ctx context.Context, limit int) ([]domain.SecurityFirm, error) {
	if f.firmsErr != nil {
		return nil, f.firmsErr
	}
	return f.firms, nil
}

func (f *fakeCatalog) ListActiveProducts(ctx context.Context, firmID string) ([]domain.SubscriptionProduct, error) {
	return f.products[firmID], nil
}

type fakeCacheWarmer struct {
	warmedFirms    bool
	warmedProducts map[string]bool
}

func (f *fakeCacheWarmer) WarmActiveProducts(ctx context.Context, firmID string, products interface{}) error {
	if f.warmedProducts == nil {
		f.warmedProducts = map[string]bool{}
	}
	f.warmedProducts[firmID] = true
	return nil
}

func (f *fakeCacheWarmer) WarmApprovedFirms(ctx context.Context, firms interface{}) error {
	f.warmedFirms = true
	return nil
}

type fakeTokens struct {
	pruned int
	err    error
}

func (f *fakeTokens) PruneExpired(before time.Time) (int, error) {
	return f.pruned, f.err
}

type fakeNotifier struct {
	emitted []string
}

func (f *fakeNotifier) Emit(eventType, source, subject string, data map[string]interface{}) {
	f.emitted = append(f.emitted, subject+":"+data["threshold"].(string))
}

func TestRunExpiryScanEmitsOnePerThresholdCrossing(t *testing.T) {
	today := time.Now().UTC().Format("2006-01-02")
	groups := &fakeGroups{byThreshold: map[string][]domain.UserGroup{
		today: {{ID: "group-1"}},
	}}
	notifier := &fakeNotifier{}
	s := New(groups, &fakeSweeper{}, &fakeCatalog{}, &fakeCacheWarmer{}, &fakeTokens{}, notifier)

	s.runExpiryScan(context.Background())

	assert.Len(t, notifier.emitted, 1)
	assert.Contains(t, notifier.emitted, "group-1:T-0")
}

func TestRunExpiryScanContinuesAfterOneThresholdFails(t *testing.T) {
	groups := &fakeGroups{err: assertErr("boom")}
	notifier := &fakeNotifier{}
	s := New(groups, &fakeSweeper{}, &fakeCatalog{}, &fakeCacheWarmer{}, &fakeTokens{}, notifier)

	assert.NotPanics(t, func() { s.runExpiryScan(context.Background()) })
	assert.Empty(t, notifier.emitted)
}

func TestRunTimeoutSweepCallsSweeper(t *testing.T) {
	sweeper := &fakeSweeper{}
	s := New(&fakeGroups{}, sweeper, &fakeCatalog{}, &fakeCacheWarmer{}, &fakeTokens{}, &fakeNotifier{})

	s.runTimeoutSweep(context.Background())
	assert.True(t, sweeper.called)
}

func TestRunCacheWarmWarmsFirmsAndTheirProducts(t *testing.T) {
	catalog := &fakeCatalog{
		firms: []domain.SecurityFirm{{ID: "firm-1"}, {ID: "firm-2"}},
		products: map[string][]domain.SubscriptionProduct{
			"firm-1": {{ID: "prod-1"}},
		},
	}
	cache := &fakeCacheWarmer{}
	s := New(&fakeGroups{}, &fakeSweeper{}, catalog, cache, &fakeTokens{}, &fakeNotifier{})

	s.runCacheWarm(context.Background())

	assert.True(t, cache.warmedFirms)
	assert.True(t, cache.warmedProducts["firm-1"])
	assert.True(t, cache.warmedProducts["firm-2"])
}

func TestRunCacheWarmStopsIfFirmListFails(t *testing.T) {
	catalog := &fakeCatalog{firmsErr: assertErr("db down")}
	cache := &fakeCacheWarmer{}
	s := New(&fakeGroups{}, &fakeSweeper{}, catalog, cache, &fakeTokens{}, &fakeNotifier{})

	s.runCacheWarm(context.Background())
	assert.False(t, cache.warmedFirms)
}

func TestRunTokenPruneLogsCountWithoutError(t *testing.T) {
	tokens := &fakeTokens{pruned: 3}
	s := New(&fakeGroups{}, &fakeSweeper{}, &fakeCatalog{}, &fakeCacheWarmer{}, tokens, &fakeNotifier{})

	require.NotPanics(t, func() { s.runTokenPrune(context.Background()) })
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
