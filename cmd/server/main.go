// Command server wires every component of the dispatch core into one
// process: the primary store, the catalog store, the coverage index, the
// four domain services, the background scheduler, and the HTTP entrypoint.
package main

import (
	"context"
	"log"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/coverline/dispatch-core/internal/abuse"
	"github.com/coverline/dispatch-core/internal/cache"
	"github.com/coverline/dispatch-core/internal/catalog"
	"github.com/coverline/dispatch-core/internal/circuitbreaker"
	"github.com/coverline/dispatch-core/internal/config"
	"github.com/coverline/dispatch-core/internal/coverage"
	"github.com/coverline/dispatch-core/internal/dispatch"
	"github.com/coverline/dispatch-core/internal/events"
	"github.com/coverline/dispatch-core/internal/httpapi"
	"github.com/coverline/dispatch-core/internal/identity"
	"github.com/coverline/dispatch-core/internal/ledger"
	"github.com/coverline/dispatch-core/internal/realtime"
	"github.com/coverline/dispatch-core/internal/scheduler"
	"github.com/coverline/dispatch-core/internal/store"
	"github.com/coverline/dispatch-core/internal/subscription"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on process environment")
	}
	cfg := config.Get()

	db, err := store.Open(cfg.Store.DSN, cfg.Store.MaxOpenConns, cfg.Store.MaxIdleConns,
		time.Duration(cfg.Store.ConnMaxLifeSec)*time.Second)
	if err != nil {
		log.Fatalf("store.Open: %v", err)
	}

	principals := store.NewPrincipalRepo(db)
	firms := store.NewFirmRepo(db)
	groups := store.NewGroupRepo(db)
	subs := store.NewSubscriptionRepo(db)
	requests := store.NewRequestRepo(db)
	providers := store.NewProviderRepo(db)
	revocations := store.NewRevocationRepo(db)
	fines := store.NewFineRepo(db)
	realtimeLookup := store.NewRealtimeLookup(db)

	catalogClient, err := catalog.NewClient(cfg.Catalog.URL, cfg.Catalog.ServiceKey)
	if err != nil {
		log.Fatalf("catalog.NewClient: %v", err)
	}

	coverageIdx := coverage.NewIndex(catalogClient, providers, providers)

	breakers := circuitbreaker.NewOutboundCircuitBreakers(
		cfg.Outbound.BreakerFailureThreshold, time.Duration(cfg.Outbound.BreakerOpenSec)*time.Second)

	// subscriptionLedger and abuseMirror stay nil interfaces unless the
	// Spanner mirror is enabled — passing a typed-nil *SpannerMirror would
	// make the `!= nil` checks in subscription.Service and abuse.Service
	// see a non-nil interface and panic on the first call.
	var subscriptionLedger subscription.AuditLedger
	var abuseMirror abuse.AuditMirror
	if cfg.Ledger.Enabled {
		mirror, err := ledger.NewSpannerMirror(cfg.Ledger.ProjectID, cfg.Ledger.InstanceID, cfg.Ledger.DatabaseID)
		if err != nil {
			log.Fatalf("ledger.NewSpannerMirror: %v", err)
		}
		defer mirror.Close()
		subscriptionLedger = mirror
		abuseMirror = mirror
	}

	var deliver identity.OutboundDelivery
	if cfg.PubSub.Enabled {
		pubsubDeliver, err := identity.NewPubSubDelivery(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			log.Fatalf("identity.NewPubSubDelivery: %v", err)
		}
		defer pubsubDeliver.Close()
		deliver = pubsubDeliver
	}

	tokenBroker := identity.NewTokenBroker(identity.TokenBrokerConfig{
		HMACSecret:            cfg.Auth.HMACSecret,
		PreviousHMACSecret:    cfg.Auth.PrevHMACSecret,
		RotationGracePeriod:   time.Duration(cfg.Auth.KeyRotationGraceSec) * time.Second,
		AccessTTL:             time.Duration(cfg.Auth.AccessTokenTTLMin) * time.Minute,
		RefreshTTL:            time.Duration(cfg.Auth.RefreshTokenTTLDays) * 24 * time.Hour,
		Issuer:                "dispatch-core",
		MaxActivePerPrincipal: cfg.Auth.MaxTokensPerPrincipal,
	}, revocations)

	identitySvc := identity.NewService(principals, groups, deliver, tokenBroker, identity.LockoutPolicy{
		FailThreshold:  cfg.Lockout.FailThreshold,
		LockDuration:   time.Duration(cfg.Lockout.LockDurationMin) * time.Minute,
		OTPLifetime:    time.Duration(cfg.OTP.LifetimeMin) * time.Minute,
		OTPMaxAttempts: cfg.OTP.MaxAttempts,
	}, cfg.Auth.BcryptCost)

	payment := subscription.NewHTTPPaymentGateway(cfg.Outbound.PaymentGatewayURL)

	subscriptionSvc := subscription.NewService(firms, catalogClient, groups, subs, coverageIdx,
		payment, breakers.Payment, subscriptionLedger,
		cfg.Subscription.WindowDays, cfg.Subscription.GraceDays)

	firmResolver := dispatch.NewFirmResolver(subs, catalogClient)

	eventBus := events.NewEventBus()
	var emitter events.EventEmitter = eventBus
	if cfg.PubSub.Enabled {
		pubsubBus, err := events.NewPubSubEventBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			log.Fatalf("events.NewPubSubEventBus: %v", err)
		}
		defer pubsubBus.Close()
		emitter = pubsubBus
	}

	directory := realtime.NewDirectory()
	fanout := realtime.NewFanout(directory, realtimeLookup, realtimeLookup, emitter)

	abuseSvc := abuse.NewService(principals, fines, payment, breakers.Payment, abuseMirror)

	dispatchSvc := dispatch.NewService(requests, providers, identitySvc, subscriptionSvc,
		groups, firmResolver, coverageIdx, abuseSvc, fanout, dispatch.Windows{
			DedupeWindow:     time.Duration(cfg.Dispatch.DedupeWindowMin) * time.Minute,
			AcceptRateWindow: time.Duration(cfg.Dispatch.RequestRateWindowSec) * time.Second,
			MaxAcceptsInRate: cfg.Dispatch.MaxRequestsPerWindow,
			PendingTimeout:   time.Duration(cfg.Dispatch.PendingTimeoutMin) * time.Minute,
			AllocatedTimeout: time.Duration(cfg.Dispatch.AllocatedTimeoutMin) * time.Minute,
			StaleActiveAlert: time.Duration(cfg.Dispatch.StaleProgressTimeoutMin) * time.Minute,
			ArrivalRadiusM:   cfg.Dispatch.ArrivalRadiusMeters,
		})

	var cacheWarmer scheduler.CacheWarmer
	if cfg.Cache.DSN != "" {
		redisAdapter, err := cache.NewRedisAdapter(cfg.Cache.DSN, "", 0)
		if err != nil {
			log.Printf("cache.NewRedisAdapter: %v (continuing without cache warm)", err)
		} else {
			defer redisAdapter.Close()
			cacheWarmer = cache.NewWarmer(redisAdapter)
		}
	}

	var notifier scheduler.NotificationEmitter = eventBus
	if cfg.CloudTasks.Enabled {
		ctNotifier, err := scheduler.NewCloudTasksNotifier(cfg.CloudTasks.ProjectID,
			cfg.CloudTasks.LocationID, cfg.CloudTasks.QueueID, cfg.Outbound.AttestationVerifierURL, eventBus)
		if err != nil {
			log.Printf("scheduler.NewCloudTasksNotifier: %v (falling back to in-memory bus)", err)
		} else {
			notifier = ctNotifier
		}
	}

	sched := scheduler.New(groups, dispatchSvc, catalogClient, cacheWarmer, revocations, notifier)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	server := httpapi.NewServer(identitySvc, subscriptionSvc, catalogClient, coverageIdx, dispatchSvc, abuseSvc, directory, fanout)

	log.Printf("dispatch-core listening on %s", cfg.GetPort())
	if err := server.Start(":" + cfg.GetPort()); err != nil {
		log.Fatalf("server.Start: %v", err)
	}
}
