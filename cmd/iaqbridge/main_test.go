package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/gorilla/websocket"

	"github.com/nugget/iaqbridge/internal/config"
	"github.com/nugget/iaqbridge/internal/iaq"
	"github.com/nugget/iaqbridge/internal/liveness"
	"github.com/nugget/iaqbridge/internal/mqtt"
	"github.com/nugget/iaqbridge/internal/pipeline"
)

// lockedBuffer is a bytes.Buffer safe for concurrent log writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("run(version) error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "iaqbridge ") {
		t.Errorf("output = %q, want iaqbridge prefix", out.String())
	}

	out.Reset()
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run(-o json version) error = %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version json: %v\n%s", err, out.String())
	}
	if info["version"] == "" {
		t.Error("json output has no version")
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: iaqbridge") {
			t.Errorf("run(%v) did not print usage", args)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-x", "log"}, "unknown argument"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "log"}, "config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), &out, &out, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) error = %v, want containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRunInit(t *testing.T) {
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })

	dir := t.TempDir()
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"init", dir}); err != nil {
		t.Fatalf("run(init) error = %v", err)
	}

	if info, err := os.Stat(filepath.Join(dir, "data")); err != nil || !info.IsDir() {
		t.Errorf("data dir not created: %v", err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	info, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}

	// A second init leaves edits alone.
	os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o600)
	out.Reset()
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("second runInit error = %v", err)
	}
	data, _ := os.ReadFile(cfgPath)
	if string(data) != "log_level: debug\n" {
		t.Errorf("config.yaml overwritten: %q", data)
	}
	if !strings.Contains(out.String(), "left unchanged") {
		t.Errorf("output = %q, want note about existing file", out.String())
	}
}

const testFrame = `{"type":"IAQGetData","deviceId":"FFF","co2":"600","hcho":"0.01","tvoc":"120","pm25":"8","temperature":"22.5","humidity":"40","iq":"95"}`

// fakeCloud serves login, the device list and an event stream that
// sends frames then closes.
func fakeCloud(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/00100002/user", func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc123"})
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v2/00100002/user/device/list", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"devices":[{"deviceId":"FFF","deviceSerial":"S1","online":true,"deviceInfo":{"room":"Bedroom","home":"Flat"}}]}`))
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		conn.ReadMessage()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	dir := t.TempDir()
	cfg := "honeywell:\n" +
		"  phone_number: \"+8613800000000\"\n" +
		"  password: secret\n" +
		"  api_url: " + srv.URL + "\n" +
		"  stream_url: ws" + strings.TrimPrefix(srv.URL, "http") + "/stream\n" +
		"reconnect:\n" +
		"  max_attempts: 1\n" +
		"data_dir: " + filepath.Join(dir, "data") + "\n"
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_Devices(t *testing.T) {
	srv := fakeCloud(t)
	cfgPath := writeConfig(t, srv)

	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-config", cfgPath, "devices"}); err != nil {
		t.Fatalf("run(devices) error = %v", err)
	}
	got := out.String()
	for _, want := range []string{"1 devices", "FFF", "online", "serial=S1", `room="Bedroom"`} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}

	// The generated phone UUID is kept for the next run.
	if _, err := os.Stat(filepath.Join(filepath.Dir(cfgPath), "data", "phone_uuid")); err != nil {
		t.Errorf("phone_uuid not persisted: %v", err)
	}
}

func TestRun_LogBridge(t *testing.T) {
	srv := fakeCloud(t, testFrame, `{"type":"OnlineStatus","deviceId":"FFF"}`)
	cfgPath := writeConfig(t, srv)

	var out lockedBuffer
	err := run(context.Background(), &out, &out, []string{"-config", cfgPath, "log"})
	if !errors.Is(err, pipeline.ErrGaveUp) {
		t.Fatalf("run(log) error = %v, want ErrGaveUp after the stream closed", err)
	}

	logs := out.String()
	for _, want := range []string{`msg="devices listed"`, `msg="update received"`, "device_id=FFF"} {
		if !strings.Contains(logs, want) {
			t.Errorf("logs missing %q:\n%s", want, logs)
		}
	}
}

func TestRun_MQTTNeedsBroker(t *testing.T) {
	srv := fakeCloud(t)
	cfgPath := writeConfig(t, srv)

	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-config", cfgPath, "mqtt"})
	if err == nil || !strings.Contains(err.Error(), "mqtt.broker") {
		t.Errorf("run(mqtt) error = %v, want missing broker", err)
	}
}

// retainingBroker keeps the last retained payload per topic.
type retainingBroker struct {
	mu   sync.Mutex
	held map[string]string
}

func (b *retainingBroker) Publish(_ context.Context, msg *paho.Publish) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg.Retain {
		if b.held == nil {
			b.held = map[string]string{}
		}
		b.held[msg.Topic] = string(msg.Payload)
	}
	return nil
}

func TestShutdown_MarksDevicesOffline(t *testing.T) {
	logger := config.NewLogger(&lockedBuffer{}, config.LevelTrace, "text")
	broker := &retainingBroker{}
	ctx := context.Background()

	var publisher *mqtt.Publisher
	tracker := liveness.New(time.Hour,
		liveness.StatusPublisherFunc(func(ctx context.Context, id string, online bool) {
			publisher.PublishStatus(ctx, id, online)
		}), logger)
	publisher = mqtt.NewPublisher(broker, tracker, mqtt.PublisherConfig{QoS: 1}, logger)
	if err := publisher.Start(ctx); err != nil {
		t.Fatal(err)
	}
	tracker.Start(ctx)

	publisher.PublishAvailability(true)
	publisher.Process(ctx, iaq.DeviceUpdate{DeviceID: "FFF", CO2: "600"})
	tracker.Sweep(ctx)

	shutdown(logger, nil, publisher, tracker)

	broker.mu.Lock()
	defer broker.mu.Unlock()
	for _, topic := range []string{"honeywell/FFF/state", "honeywell/availability"} {
		if got := broker.held[topic]; got != "offline" {
			t.Errorf("retained %s = %q after shutdown, want offline", topic, got)
		}
	}
	if tracker.Running() {
		t.Error("tracker still running after shutdown")
	}
}
