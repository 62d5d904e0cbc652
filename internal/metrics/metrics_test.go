package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilRegistryIsSafe(t *testing.T) {
	var r *Registry
	r.FrameReceived()
	r.FrameOutcome("update")
	r.SinkFailed("mqtt")
	r.Publish("update", "ok")
	r.Swept(1, 2)
	r.SetPipelineState(2)
	r.SessionEnded("ok")
	if r.Registerer() != nil {
		t.Error("Registerer() on nil Registry should be nil")
	}
}

func TestCounters(t *testing.T) {
	r := New()

	r.FrameReceived()
	r.FrameReceived()
	r.FrameOutcome("update")
	r.FrameOutcome("malformed")
	r.FrameOutcome("update")
	r.SinkFailed("mqtt")
	r.Publish("config", "ok")
	r.Publish("config", "ok")
	r.Publish("update", "error")
	r.Swept(3, 1)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"frames received", testutil.ToFloat64(r.framesReceived), 2},
		{"update outcomes", testutil.ToFloat64(r.frameOutcomes.WithLabelValues("update")), 2},
		{"malformed outcomes", testutil.ToFloat64(r.frameOutcomes.WithLabelValues("malformed")), 1},
		{"mqtt sink failures", testutil.ToFloat64(r.sinkFailures.WithLabelValues("mqtt")), 1},
		{"config publishes ok", testutil.ToFloat64(r.publishes.WithLabelValues("config", "ok")), 2},
		{"update publishes error", testutil.ToFloat64(r.publishes.WithLabelValues("update", "error")), 1},
		{"sweeps", testutil.ToFloat64(r.sweeps), 1},
		{"online devices", testutil.ToFloat64(r.devices.WithLabelValues("online")), 3},
		{"offline devices", testutil.ToFloat64(r.devices.WithLabelValues("offline")), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestHandler_Metrics(t *testing.T) {
	r := New()
	r.FrameReceived()

	srv := httptest.NewServer(r.Handler(nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "iaqbridge_stream_frames_received_total 1") {
		t.Errorf("/metrics missing frames counter:\n%s", body)
	}
}

func TestHandler_Healthz(t *testing.T) {
	r := New()
	srv := httptest.NewServer(r.Handler(func() any {
		return map[string]any{"state": "receiving", "devices": 2}
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["state"] != "receiving" || doc["devices"] != float64(2) {
		t.Errorf("healthz = %v", doc)
	}
}
