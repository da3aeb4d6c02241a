package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"nymeahem/internal/coordinator"
	"nymeahem/internal/nymea"
	"nymeahem/internal/sensor"
	"nymeahem/internal/value"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsQueueSize    = 8
)

// Source provides the polled data served by the API. *coordinator.Coordinator
// implements it.
type Source interface {
	Snapshot() (coordinator.Snapshot, bool)
	LastError() error
	Subscribe(fn func(coordinator.Snapshot)) func()
}

// HubStatus is the part of the hub client the API reports on
type HubStatus interface {
	ServerInfo() *nymea.ServerInfo
	IsConnected() bool
}

// Server provides read-only HTTP endpoints over the latest hub poll
type Server struct {
	source    Source
	hub       HubStatus
	converter *value.Converter
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	server    *http.Server

	clientsMu sync.Mutex
	clients   map[*wsClient]struct{}

	unsubscribe func()
}

// NewServer creates a new API server. gatherer backs /metrics and may be nil
// to omit the endpoint.
func NewServer(source Source, hub HubStatus, gatherer prometheus.Gatherer, logger *zap.Logger, port int) *Server {
	s := &Server{
		source:    source,
		hub:       hub,
		converter: value.NewConverter(logger),
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*wsClient]struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/", s.handleSitemap)
	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/server", s.handleServer)
		r.Get("/sensors", s.handleSensors)
		r.Get("/things", s.handleThings)
	})
	r.Get("/ws", s.handleWebSocket)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.unsubscribe = source.Subscribe(s.broadcast)
	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SensorState is a sensor with its current value
type SensorState struct {
	*sensor.Sensor
	State      any            `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

// SensorsResponse is the body of /api/sensors and of each /ws message
type SensorsResponse struct {
	UpdatedAt time.Time     `json:"updated_at"`
	Sensors   []SensorState `json:"sensors"`
}

// HealthResponse is the body of /health
type HealthResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) sensorsResponse(snap coordinator.Snapshot) SensorsResponse {
	resp := SensorsResponse{
		UpdatedAt: snap.UpdatedAt,
		Sensors:   make([]SensorState, 0, len(snap.Sensors)),
	}
	for _, sn := range snap.Sensors {
		resp.Sensors = append(resp.Sensors, SensorState{
			Sensor:     sn,
			State:      sn.NativeValue(snap.Things, s.converter),
			Attributes: sn.Attributes(),
		})
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Connected: s.hub.IsConnected()}
	status := http.StatusOK

	if err := s.source.LastError(); err != nil {
		resp.Error = err.Error()
	}
	if !resp.Connected || resp.Error != "" {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, resp)
}

func (s *Server) handleServer(w http.ResponseWriter, r *http.Request) {
	info := s.hub.ServerInfo()
	if info == nil {
		s.writeError(w, http.StatusServiceUnavailable, "hub handshake not completed")
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.source.Snapshot()
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, "no data polled yet")
		return
	}
	s.writeJSON(w, http.StatusOK, s.sensorsResponse(snap))
}

func (s *Server) handleThings(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.source.Snapshot()
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, "no data polled yet")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"updated_at": snap.UpdatedAt,
		"things":     snap.Things,
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/health", Method: "GET", Description: "200 when the hub is connected and the last poll succeeded, 503 otherwise"},
	{Path: "/api/server", Method: "GET", Description: "Hub information from the handshake"},
	{Path: "/api/sensors", Method: "GET", Description: "Sensors with their current values"},
	{Path: "/api/things", Method: "GET", Description: "Raw thing inventory from the last poll"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
	{Path: "/ws", Method: "GET", Description: "WebSocket stream of sensors after every poll"},
}

func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"endpoints": endpoints})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr))
	})
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop disconnects websocket clients and gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	s.unsubscribe()
	s.closeClients()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
