// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-optimizer/internal/backtester"
	"github.com/atlas-desktop/strategy-optimizer/internal/config"
	"github.com/atlas-desktop/strategy-optimizer/internal/data"
	"github.com/atlas-desktop/strategy-optimizer/internal/hyperopt"
	"github.com/atlas-desktop/strategy-optimizer/internal/metrics"
	"github.com/atlas-desktop/strategy-optimizer/internal/optimization"
	"github.com/atlas-desktop/strategy-optimizer/internal/signals"
	"github.com/atlas-desktop/strategy-optimizer/internal/strategy"
	"github.com/atlas-desktop/strategy-optimizer/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     config.ServerConfig
	router     *mux.Router
	mu         sync.Mutex
	httpServer *http.Server
	upgrader   websocket.Upgrader
	service    *hyperopt.Service
	jobs       *JobManager
	hub        *Hub
	gatherer   prometheus.Gatherer
	stopHub    context.CancelFunc
}

// NewServer creates a new API server. collector and gatherer may be nil, in
// which case no search metrics are recorded and /metrics is not served.
func NewServer(logger *zap.Logger, cfg config.ServerConfig, service *hyperopt.Service, collector *metrics.Collector, gatherer prometheus.Gatherer) *Server {
	hub := NewHub(logger)
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	server := &Server{
		logger:   logger,
		config:   cfg,
		router:   mux.NewRouter(),
		service:  service,
		jobs:     NewJobManager(logger, service, hub, collector, cfg.MaxJobs),
		hub:      hub,
		gatherer: gatherer,
		stopHub:  stopHub,
	}
	server.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     server.checkOrigin,
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/strategies", s.handleListStrategies).Methods("GET")
	s.router.HandleFunc("/api/v1/strategies/{name}", s.handleGetStrategy).Methods("GET")
	s.router.HandleFunc("/api/v1/data/symbols", s.handleGetSymbols).Methods("GET")
	s.router.HandleFunc("/api/v1/data/quality", s.handleDataQuality).Methods("GET")

	s.router.HandleFunc("/api/v1/backtest", s.handleRunBacktest).Methods("POST")

	s.router.HandleFunc("/api/v1/hyperopt", s.handleStartHyperopt).Methods("POST")
	s.router.HandleFunc("/api/v1/hyperopt", s.handleListHyperopt).Methods("GET")
	s.router.HandleFunc("/api/v1/hyperopt/{id}", s.handleGetHyperopt).Methods("GET")
	s.router.HandleFunc("/api/v1/hyperopt/{id}/trades", s.handleGetHyperoptTrades).Methods("GET")
	s.router.HandleFunc("/api/v1/hyperopt/{id}/cancel", s.handleCancelHyperopt).Methods("POST")

	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Router returns the HTTP handler without CORS, for embedding and tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Handler wraps the router with CORS
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := s.config.Addr()

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	s.logger.Info("Starting API server", zap.String("addr", addr))

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop cancels running jobs, closes WebSocket clients and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	if err := s.jobs.Shutdown(ctx); err != nil {
		s.logger.Warn("Jobs did not finish before shutdown", zap.Error(err))
	}
	s.stopHub()

	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// jsonResponse writes data as JSON with the given status
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to write response", zap.Error(err))
	}
}

// errorResponse writes an error response.
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	var cfgErr *signals.ConfigError
	var spaceErr *optimization.SpaceError
	switch {
	case errors.Is(err, hyperopt.ErrUnknownStrategy), errors.Is(err, data.ErrNoData), errors.Is(err, ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTooManyJobs):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrJobNotRunning):
		return http.StatusConflict
	case errors.As(err, &cfgErr), errors.As(err, &spaceErr),
		errors.Is(err, strategy.ErrInvalidDefinition), errors.Is(err, backtester.ErrInvalidROITable):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"time":    time.Now().Unix(),
		"jobs":    s.jobs.Active(),
		"clients": s.hub.ClientCount(),
	})
}

// handleListStrategies returns every registered strategy definition
func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	defs := s.service.Strategies()
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"strategies": defs,
		"count":      len(defs),
	})
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	for _, def := range s.service.Strategies() {
		if def.Name == name {
			s.jsonResponse(w, http.StatusOK, def)
			return
		}
	}
	s.errorResponse(w, http.StatusNotFound, "Strategy not found")
}

// handleGetSymbols returns symbols with stored market data
func (s *Server) handleGetSymbols(w http.ResponseWriter, r *http.Request) {
	symbols := s.service.Symbols()
	if symbols == nil {
		symbols = []string{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"symbols": symbols,
	})
}

// handleDataQuality validates the stored series named by the symbol and
// timeframe query parameters
func (s *Server) handleDataQuality(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	timeframe := types.Timeframe(r.URL.Query().Get("timeframe"))
	if symbol == "" || timeframe.Duration() == 0 {
		s.errorResponse(w, http.StatusBadRequest, "symbol and a valid timeframe are required")
		return
	}
	report, err := s.service.Quality(r.Context(), symbol, timeframe)
	if err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, report)
}

// handleRunBacktest evaluates one parameter set synchronously
func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req hyperopt.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	report, err := s.service.Backtest(r.Context(), &req)
	if err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, report)
}

// handleStartHyperopt starts a background search
func (s *Server) handleStartHyperopt(w http.ResponseWriter, r *http.Request) {
	var req hyperopt.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	job, err := s.jobs.Start(req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		s.errorResponse(w, status, err.Error())
		return
	}

	s.jsonResponse(w, http.StatusAccepted, map[string]interface{}{
		"id":      job.ID,
		"status":  job.Status,
		"started": job.Started.Unix(),
	})
}

func (s *Server) handleListHyperopt(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.List()
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// handleGetHyperopt returns job status, live progress and, once finished, the report
func (s *Server) handleGetHyperopt(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(mux.Vars(r)["id"])
	if err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, job)
}

// handleGetHyperoptTrades returns the ledger of the best parameter set
func (s *Server) handleGetHyperoptTrades(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.jobs.Get(id)
	if err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}
	if job.Report == nil {
		s.errorResponse(w, http.StatusConflict, "Job has no result")
		return
	}

	trades := []types.Trade{}
	if job.Report.Best != nil {
		trades = job.Report.Best.Trades
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"trades": trades,
		"count":  len(trades),
	})
}

// handleCancelHyperopt cancels a running search; it finishes with the best result so far
func (s *Server) handleCancelHyperopt(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.jobs.Cancel(id); err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusAccepted, map[string]interface{}{
		"id":     id,
		"status": "cancelling",
	})
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), s.hub, conn)
	if !s.hub.Register(client) {
		conn.Close()
		return
	}
	s.logger.Info("WebSocket client connected", zap.String("id", client.id))

	go client.WritePump()
	go client.ReadPump()
}
