package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"garden-hub/internal/automation"
	"garden-hub/internal/connectivity"
	"garden-hub/internal/dispatch"
	"garden-hub/internal/events"
	"garden-hub/internal/recommend"
	"garden-hub/internal/schedule"
	"garden-hub/internal/store"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Deps are the services behind the API.
type Deps struct {
	Store      store.Store
	Dispatcher *dispatch.Dispatcher
	Schedules  *schedule.Manager
	Compiler   *recommend.Compiler
	Tracker    *connectivity.Tracker
	Bus        *events.Bus
}

// Server is the HTTP API and websocket endpoint.
type Server struct {
	store          store.Store
	dispatcher     *dispatch.Dispatcher
	schedules      *schedule.Manager
	compiler       *recommend.Compiler
	tracker        *connectivity.Tracker
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer wires the routes and starts the websocket hub.
func NewServer(deps Deps, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		schedules:  deps.Schedules,
		compiler:   deps.Compiler,
		tracker:    deps.Tracker,
		logger:     logger.With("component", "web"),
		mux:        http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Every bus event goes to the websocket room of its garden.
	if deps.Bus != nil {
		s.unsubEvents = deps.Bus.OnAll(s.wsHub.Broadcast)
	}

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	// Gardens
	s.mux.HandleFunc("GET /api/gardens", s.handleAPIListGardens)
	s.mux.HandleFunc("POST /api/gardens", s.handleAPICreateGarden)
	s.mux.HandleFunc("GET /api/gardens/{id}", s.handleAPIGetGarden)
	s.mux.HandleFunc("PATCH /api/gardens/{id}", s.handleAPIRenameGarden)
	s.mux.HandleFunc("DELETE /api/gardens/{id}", s.handleAPIDeleteGarden)
	s.mux.HandleFunc("PUT /api/gardens/{id}/settings", s.handleAPIUpdateSettings)
	s.mux.HandleFunc("POST /api/gardens/{id}/command", s.handleAPISendCommand)
	s.mux.HandleFunc("GET /api/gardens/{id}/state", s.handleAPIGardenState)
	s.mux.HandleFunc("GET /api/gardens/{id}/history", s.handleAPIGardenHistory)
	s.mux.HandleFunc("GET /api/gardens/{id}/snapshots", s.handleAPIGardenSnapshots)

	// Schedules
	s.mux.HandleFunc("GET /api/gardens/{id}/schedules", s.handleAPIListSchedules)
	s.mux.HandleFunc("POST /api/gardens/{id}/schedules", s.handleAPICreateSchedule)
	s.mux.HandleFunc("PUT /api/schedules/{id}", s.handleAPIUpdateSchedule)
	s.mux.HandleFunc("DELETE /api/schedules/{id}", s.handleAPIDeleteSchedule)
	s.mux.HandleFunc("POST /api/gardens/{id}/recommendations", s.handleAPICompileRecommendation)

	// Automation scripts
	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-User-ID")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// The websocket upgrade is exempt: browsers cannot set custom
		// headers on it.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// actor is the user reference recorded on rules and audit entries.
func actor(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
