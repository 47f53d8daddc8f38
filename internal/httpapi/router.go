package httpapi

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coverline/dispatch-core/internal/abuse"
	"github.com/coverline/dispatch-core/internal/catalog"
	"github.com/coverline/dispatch-core/internal/coverage"
	"github.com/coverline/dispatch-core/internal/dispatch"
	"github.com/coverline/dispatch-core/internal/identity"
	"github.com/coverline/dispatch-core/internal/middleware"
	"github.com/coverline/dispatch-core/internal/realtime"
	"github.com/coverline/dispatch-core/internal/subscription"
)

// Server wires every component's service into one gorilla/mux router.
type Server struct {
	identity     *identity.Service
	subscription *subscription.Service
	catalog      *catalog.Client
	coverage     *coverage.Index
	dispatch     *dispatch.Service
	abuse        *abuse.Service
	directory    *realtime.Directory
	fanout       *realtime.Fanout
	anonLimiter  *middleware.RateLimiter
}

func NewServer(id *identity.Service, sub *subscription.Service, cat *catalog.Client,
	cov *coverage.Index, disp *dispatch.Service, ab *abuse.Service, dir *realtime.Directory, fo *realtime.Fanout) *Server {
	return &Server{
		identity: id, subscription: sub, catalog: cat,
		coverage: cov, dispatch: disp, abuse: ab, directory: dir, fanout: fo,
		// Panic ingest and login have no principal to rate-limit by the
		// §4.A lockout policy until after they've run, so they're bounded
		// by caller address instead, generously above any real caller's
		// legitimate retry rate.
		anonLimiter: middleware.NewRateLimiter(middleware.RateLimitConfig{MaxCallsPerMinute: 30, BurstSize: 60}),
	}
}

// Router builds the mux.Router, the one piece other packages (cmd/server,
// tests) touch directly.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(withCORS)

	auth := requireAuth(s.identity)

	// Identity & accounts
	r.Handle("/v1/auth/login", s.anonLimiter.Middleware(http.HandlerFunc(s.handleLogin))).Methods(http.MethodPost)
	r.HandleFunc("/v1/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.Handle("/v1/auth/logout", auth(http.HandlerFunc(s.handleLogout))).Methods(http.MethodPost)
	r.Handle("/v1/me", auth(http.HandlerFunc(s.handleMe))).Methods(http.MethodGet)
	r.Handle("/v1/accounts/{id}/status", auth(http.HandlerFunc(s.handleAccountStatus))).Methods(http.MethodGet)
	r.Handle("/v1/accounts/{id}/unlock/request", auth(http.HandlerFunc(s.handleUnlockRequest))).Methods(http.MethodPost)
	r.Handle("/v1/accounts/{id}/unlock/verify", auth(http.HandlerFunc(s.handleUnlockVerify))).Methods(http.MethodPost)

	// Panic ingest is unauthenticated at the HTTP layer: the emergency
	// override inside dispatch.Ingest is itself the authorization check
	// (verified membership of requester_phone in group_id), independent of
	// any session token — a caller in crisis may not have one.
	r.Handle("/v1/panic", s.anonLimiter.Middleware(http.HandlerFunc(s.handlePanicIngest))).Methods(http.MethodPost)

	r.Handle("/v1/requests/{id}/allocate", auth(http.HandlerFunc(s.handleAllocate))).Methods(http.MethodPost)
	r.Handle("/v1/requests/{id}/reassign", auth(http.HandlerFunc(s.handleReassign))).Methods(http.MethodPost)
	r.Handle("/v1/requests/{id}/transition", auth(http.HandlerFunc(s.handleTransition))).Methods(http.MethodPost)
	r.Handle("/v1/requests/{id}/cancel", auth(http.HandlerFunc(s.handleCancel))).Methods(http.MethodPost)
	r.Handle("/v1/requests/{id}/complete", auth(http.HandlerFunc(s.handleComplete))).Methods(http.MethodPost)
	r.Handle("/v1/requests/{id}/locations", auth(http.HandlerFunc(s.handlePostLocation))).Methods(http.MethodPost)

	// Subscriptions & credits
	r.Handle("/v1/firms/{firm_id}/credits/purchase", auth(http.HandlerFunc(s.handlePurchaseCredits))).Methods(http.MethodPost)
	r.Handle("/v1/firms/{firm_id}/products", auth(http.HandlerFunc(s.handleCreateProduct))).Methods(http.MethodPost)
	r.Handle("/v1/subscriptions/purchase", auth(http.HandlerFunc(s.handlePurchaseSubscription))).Methods(http.MethodPost)
	r.Handle("/v1/subscriptions/apply", auth(http.HandlerFunc(s.handleApplySubscription))).Methods(http.MethodPost)
	r.Handle("/v1/groups/{id}/subscription", auth(http.HandlerFunc(s.handleSubscriptionStatus))).Methods(http.MethodGet)

	// Catalog
	r.HandleFunc("/v1/firms/approved", s.handleApprovedFirms).Methods(http.MethodGet)
	r.HandleFunc("/v1/firms/{firm_id}/products/active", s.handleActiveProducts).Methods(http.MethodGet)

	// Coverage
	r.HandleFunc("/v1/coverage/firms", s.handleCoveringFirms).Methods(http.MethodGet)

	// Abuse & fines
	r.Handle("/v1/fines/{id}/pay", auth(http.HandlerFunc(s.handlePayFine))).Methods(http.MethodPost)

	// Realtime
	r.Handle("/v1/realtime/connect", auth(http.HandlerFunc(s.handleRealtimeConnect))).Methods(http.MethodGet)

	// Metrics
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// Start runs the HTTP server on addr, logging like the teacher's
// api.APIServer.Start.
func (s *Server) Start(addr string) error {
	log.Printf("[httpapi] listening on %s", addr)
	return http.ListenAndServe(addr, s.Router())
}

func muxVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}
