// Package microservice is the HTTP surface of a connector process: liveness,
// readiness derived from client sessions, and whatever else the host mounts
// on the mux, typically /metrics.
package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/illmade-knight/go-dataflow-mqtt/pkg/session"
	"github.com/rs/zerolog"
)

// BaseConfig holds the process settings shared by connector binaries.
type BaseConfig struct {
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `yaml:"log_format" env:"LOG_FORMAT" envDefault:"console"`
	HTTPPort    string `yaml:"http_port" env:"HTTP_PORT" envDefault:":8080"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME" envDefault:"mqttbridge"`
}

// Service is the lifecycle every connector server exposes.
type Service interface {
	Start() error
	Shutdown(ctx context.Context) error
	Mux() *http.ServeMux
	GetHTTPPort() string
}

// ReadinessCheck reports nil when a dependency is ready to serve.
type ReadinessCheck func() error

// BaseServer serves /healthz and /readyz and any handlers mounted on Mux.
type BaseServer struct {
	Logger     zerolog.Logger
	HTTPPort   string
	httpServer *http.Server
	mux        *http.ServeMux
	actualAddr string
	mu         sync.RWMutex
	checks     map[string]ReadinessCheck
}

// NewBaseServer creates and initializes a new BaseServer.
func NewBaseServer(logger zerolog.Logger, httpPort string) *BaseServer {
	s := &BaseServer{
		Logger:   logger.With().Str("component", "BaseServer").Logger(),
		HTTPPort: httpPort,
		mux:      http.NewServeMux(),
		checks:   make(map[string]ReadinessCheck),
	}
	s.mux.HandleFunc("/healthz", HealthzHandler)
	s.mux.HandleFunc("/readyz", s.readyzHandler)
	s.httpServer = &http.Server{
		Addr:              httpPort,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// AddReadinessCheck registers a named check consulted by /readyz.
func (s *BaseServer) AddReadinessCheck(name string, check ReadinessCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Start listens and serves in a background goroutine.
func (s *BaseServer) Start() error {
	listener, err := net.Listen("tcp", s.HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.HTTPPort, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.Logger.Info().Str("address", s.actualAddr).Msg("HTTP server starting to listen.")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("HTTP server failed.")
		}
	}()
	return nil
}

// Shutdown stops the HTTP server within the context's deadline.
func (s *BaseServer) Shutdown(ctx context.Context) error {
	s.Logger.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return err
	}
	s.Logger.Info().Msg("HTTP server stopped.")
	return nil
}

// GetHTTPPort returns the port the server actually listens on, which differs
// from the configured one when that was ":0".
func (s *BaseServer) GetHTTPPort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, port, err := net.SplitHostPort(s.actualAddr)
	if err != nil {
		return s.HTTPPort
	}
	return ":" + port
}

// Mux returns the underlying ServeMux.
func (s *BaseServer) Mux() *http.ServeMux {
	return s.mux
}

// HealthzHandler responds to liveness probes.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *BaseServer) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	checks := make(map[string]ReadinessCheck, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	s.mu.RUnlock()
	sort.Strings(names)

	body := readiness{Status: "ok", Checks: make(map[string]string, len(names))}
	code := http.StatusOK
	for _, name := range names {
		if err := checks[name](); err != nil {
			body.Checks[name] = err.Error()
			body.Status = "unavailable"
			code = http.StatusServiceUnavailable
			continue
		}
		body.Checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.Logger.Warn().Err(err).Msg("Failed to write readiness response.")
	}
}

// SessionCheck reports a session ready only while it is connected.
func SessionCheck(sess *session.Session) ReadinessCheck {
	return func() error {
		state := sess.State()
		if state == session.Connected {
			return nil
		}
		if err := sess.Err(); err != nil {
			return err
		}
		return fmt.Errorf("session %s is %s", sess.ClientID(), state)
	}
}
