package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

type stubEngine struct{ running bool }

func (s *stubEngine) Running() bool { return s.running }

type stubDB struct{ err error }

func (s *stubDB) Ping(_ context.Context) error { return s.err }

func TestHealthzAlwaysOK(t *testing.T) {
	s := NewServer(":0", nil, &stubEngine{running: false}, zap.NewNop())

	rec := httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestReadyz_ReadyWhenEngineRuns(t *testing.T) {
	s := NewServer(":0", nil, &stubEngine{running: true}, zap.NewNop())

	rec := httptest.NewRecorder()
	s.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestReadyz_NotReadyWhenEngineStopped(t *testing.T) {
	s := NewServer(":0", nil, &stubEngine{running: false}, zap.NewNop())

	rec := httptest.NewRecorder()
	s.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Checks["broadcast_engine"] != "not_running" {
		t.Fatalf("checks = %v", body.Checks)
	}
}

func TestReadyz_DatabaseFailureReported(t *testing.T) {
	s := NewServer(":0", &stubDB{err: errors.New("down")}, &stubEngine{running: true}, zap.NewNop())

	rec := httptest.NewRecorder()
	s.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestReadyz_DatabaseOK(t *testing.T) {
	s := NewServer(":0", &stubDB{}, &stubEngine{running: true}, zap.NewNop())

	rec := httptest.NewRecorder()
	s.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
