package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// EngineStatus reports whether the broadcast engine's loop is live.
type EngineStatus interface {
	Running() bool
}

// DBChecker abstracts the database health check for testability. A nil
// checker means the deployment runs without a database.
type DBChecker interface {
	Ping(ctx context.Context) error
}

type Server struct {
	srv       *http.Server
	dbChecker DBChecker
	engine    EngineStatus
	logger    *zap.Logger
}

func NewServer(addr string, dbChecker DBChecker, engine EngineStatus, logger *zap.Logger) *Server {
	s := &Server{
		dbChecker: dbChecker,
		engine:    engine,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["postgres"] = "error"
			allOK = false
		} else {
			checks["postgres"] = "ok"
		}
	}

	if s.engine != nil && s.engine.Running() {
		checks["broadcast_engine"] = "ok"
	} else {
		checks["broadcast_engine"] = "not_running"
		allOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
