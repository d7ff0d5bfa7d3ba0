package metrics

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "component_received_events_total",
		Help: "test counter",
	})
	c.Add(7)
	registry.MustRegister(c)
	return registry
}

func TestServer_Endpoints(t *testing.T) {
	s := NewServer("127.0.0.1:0", testRegistry(), testLogger())
	h := s.Handler()

	tests := []struct {
		path     string
		ready    bool
		wantCode int
		wantBody string
	}{
		{"/health", false, http.StatusOK, "ok"},
		{"/healthz", false, http.StatusOK, "ok"},
		{"/ready", false, http.StatusServiceUnavailable, "not ready"},
		{"/readyz", true, http.StatusOK, "ok"},
		{"/metrics", false, http.StatusOK, "component_received_events_total 7"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			s.SetReady(tt.ready)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want substring %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestServer_StartShutdown(t *testing.T) {
	s := NewServer("127.0.0.1:0", testRegistry(), testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestServer_StartBindError(t *testing.T) {
	s := NewServer("256.0.0.1:bad", testRegistry(), testLogger())
	if err := s.Start(); err == nil {
		t.Error("expected bind error")
	}
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteText(&buf, testRegistry()); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	want := "# TYPE component_received_events_total counter\ncomponent_received_events_total 7\n"
	if !strings.Contains(buf.String(), want) {
		t.Errorf("output = %q, want substring %q", buf.String(), want)
	}
}

func TestDumpToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.prom")
	if err := DumpToFile(path, testRegistry()); err != nil {
		t.Fatalf("DumpToFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "component_received_events_total 7") {
		t.Errorf("dump = %q", data)
	}

	if err := DumpToFile(filepath.Join(t.TempDir(), "missing", "x.prom"), testRegistry()); err == nil {
		t.Error("expected error for missing directory")
	}
}
