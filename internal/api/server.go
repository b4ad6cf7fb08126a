package api

import (
	"net/http"

	"github.com/dialcast/dialcast/internal/agent"
	"github.com/dialcast/dialcast/internal/api/middleware"
	"github.com/dialcast/dialcast/internal/bridge"
	"github.com/dialcast/dialcast/internal/campaign"
	"github.com/dialcast/dialcast/internal/config"
	"github.com/dialcast/dialcast/internal/database"
	"github.com/dialcast/dialcast/internal/hub"
	"github.com/dialcast/dialcast/internal/lifecycle"
	"github.com/dialcast/dialcast/internal/recording"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// Deps are the server's collaborators, wired up in main.
type Deps struct {
	Store      *database.Store
	Config     *config.Config
	Manager    *lifecycle.Manager
	Scheduler  *campaign.Scheduler
	Hub        *hub.Hub
	Typewriter *hub.Typewriter
	Agent      agent.Opener
	Recordings *recording.Cache
	// BridgeMetrics instruments media bridges; nil disables instrumentation.
	BridgeMetrics bridge.Metrics
	// Metrics is the Prometheus scrape handler.
	Metrics   http.Handler
	JWTSecret []byte
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	deps     Deps
	upgrader websocket.Upgrader
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps) *Server {
	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Carrier and dashboard clients connect cross-origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders(false))
	if s.deps.Config != nil && s.deps.Config.CORSOrigins != "" {
		r.Use(middleware.CORS(middleware.ParseCORSOrigins(s.deps.Config.CORSOrigins)))
	}

	apiLimiter := middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig())
	authLimiter := middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig())

	// Unauthenticated surface.
	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(authLimiter))
		r.Post("/setup", s.handleSetup)
		r.Post("/auth/login", s.handleLogin)
	})

	// Carrier-facing endpoints. The carrier cannot carry a bearer token;
	// these rely on network-path auth (webhook URLs are unguessable in
	// production deployments).
	r.Post("/webhooks/carrier/status", s.handleCarrierStatus)
	r.Post("/webhooks/carrier/recording", s.handleCarrierRecording)
	r.Get("/outbound-media-stream", s.handleMediaStream)

	// Agent-facing endpoint, authenticated by HMAC signature.
	r.Post("/webhooks/agent", s.handleAgentWebhook)

	// Dashboard realtime channel; the token rides in a query parameter
	// because browsers cannot set headers on WebSocket dials.
	r.Get("/rt", s.handleRealtime)

	// Authenticated dashboard surface.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(apiLimiter))
		r.Use(middleware.RequireAuth(s.deps.JWTSecret))

		r.Get("/auth/me", s.handleMe)

		r.Post("/outbound-call", s.handleOutboundCall)

		r.Route("/api/db", func(r chi.Router) {
			r.Route("/contacts", func(r chi.Router) {
				r.Get("/", s.handleListContacts)
				r.Post("/", s.handleCreateContact)
				r.Post("/import", s.handleImportContacts)
				r.Get("/actions/export", s.handleExportContacts)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetContact)
					r.Put("/", s.handleUpdateContact)
					r.Delete("/", s.handleDeleteContact)
				})
			})

			r.Route("/campaigns", func(r chi.Router) {
				r.Get("/", s.handleListCampaigns)
				r.Post("/", s.handleCreateCampaign)
				r.Get("/active", s.handleActiveCampaigns)
				r.Post("/start-from-csv", s.handleCampaignFromCSV)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetCampaign)
					r.Put("/", s.handleUpdateCampaign)
					r.Delete("/", s.handleDeleteCampaign)
					r.Post("/start", s.handleStartCampaign)
					r.Post("/pause", s.handlePauseCampaign)
					r.Post("/resume", s.handleResumeCampaign)
					r.Post("/stop", s.handleStopCampaign)
					r.Post("/cancel", s.handleStopCampaign)
					r.Get("/progress", s.handleCampaignProgress)
				})
			})

			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleListCalls)
				r.Get("/actions/export", s.handleExportCalls)
				r.Route("/{callSid}", func(r chi.Router) {
					r.Get("/", s.handleGetCall)
					r.Put("/status", s.handleUpdateCallStatus)
					r.Delete("/", s.handleDeleteCall)
				})
			})

			r.Route("/events", func(r chi.Router) {
				r.Post("/", s.handleAppendEvent)
				r.Get("/{callSid}", s.handleCallEvents)
			})

			r.Get("/transcripts/{callSid}", s.handleCallTranscript)
			r.Get("/recordings/{callSid}", s.handleCallRecordings)
		})

		r.Get("/api/recordings/{recordingSid}/download", s.handleRecordingDownload)
	})
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.deps.Manager.ActiveCount(),
	})
}
