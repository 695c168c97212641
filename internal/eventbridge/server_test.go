package eventbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kingrea/sleuth/internal/config"
	"github.com/kingrea/sleuth/internal/logbook"
	"github.com/kingrea/sleuth/resolution"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testSettings(maxBody int64) Settings {
	return Settings{Enabled: true, Host: "127.0.0.1", Port: 0, MaxBodyBytes: maxBody, ReadTimeout: time.Second, WriteTimeout: time.Second, IdleTimeout: time.Second}
}

func postMessage(t *testing.T, h http.Handler, payload any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/messages", bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSettingsFromConfigHonorsEnv(t *testing.T) {
	t.Setenv("SLEUTH_BRIDGE_PORT", "9001")
	t.Setenv("SLEUTH_BRIDGE_HOST", "0.0.0.0")
	t.Setenv("SLEUTH_BRIDGE_ENABLED", "false")
	t.Setenv("SLEUTH_BRIDGE_MAX_BODY", "2048")
	cfg := &config.Config{}
	settings := SettingsFromConfig(cfg)
	if settings.Port != 9001 {
		t.Fatalf("expected port 9001, got %d", settings.Port)
	}
	if settings.Host != "0.0.0.0" {
		t.Fatalf("expected host override, got %s", settings.Host)
	}
	if settings.Enabled {
		t.Fatalf("expected enabled=false from env override")
	}
	if settings.MaxBodyBytes != 2048 {
		t.Fatalf("expected body limit override, got %d", settings.MaxBodyBytes)
	}
}

func TestMessageValidate(t *testing.T) {
	msg := Message{Message: resolution.Message{Module: "dns", Severity: "Warning", Message: "  rate limited  "}}
	msg.Normalize()
	if err := msg.Validate(); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}
	if msg.Severity != "warning" || msg.Message.Message != "rate limited" {
		t.Fatalf("message not normalized: %+v", msg)
	}
	msg.Severity = "debug"
	if err := msg.Validate(); err == nil {
		t.Fatalf("expected severity error")
	}
	msg.Severity = "info"
	msg.Message.Message = ""
	if err := msg.Validate(); err == nil {
		t.Fatalf("expected empty message error")
	}
}

func TestMessagesReachLogbook(t *testing.T) {
	fixed := time.Unix(1730000000, 0).UTC()
	sink := &logbook.Collector{}
	srv := NewServer(testSettings(1024),
		WithClock(func() time.Time { return fixed }),
		WithProcessor(LogbookProcessor(sink)))

	w := postMessage(t, srv.Handler(), resolution.Message{
		Module:   "dns",
		Unit:     "whois",
		Severity: resolution.SeverityError,
		Message:  "quota exhausted",
		Popup:    true,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	entries := sink.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one logbook entry, got %d", len(entries))
	}
	got := entries[0]
	if got.Level != logbook.LevelError || got.Source != "dns/whois" || !got.Popup || !got.Time.Equal(fixed) {
		t.Fatalf("unexpected entry %+v", got)
	}
}

func TestRejectsInvalidMessages(t *testing.T) {
	srv := NewServer(testSettings(1024))
	if w := postMessage(t, srv.Handler(), map[string]any{"severity": "loud", "message": "x"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad severity, got %d", w.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", w.Code)
	}
	req = httptest.NewRequest(http.MethodGet, "/messages", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestServerEnforcesPayloadLimit(t *testing.T) {
	srv := NewServer(testSettings(64))
	w := postMessage(t, srv.Handler(), map[string]any{
		"severity": "info",
		"message":  strings.Repeat("a", 512),
	})
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := NewServer(testSettings(1024))
	postMessage(t, srv.Handler(), map[string]any{"severity": "info", "message": "hello"})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "sleuth_bridge_messages_total") {
		t.Fatalf("bridge counter missing from metrics output")
	}
}

func TestServerLifecycle(t *testing.T) {
	srv := NewServer(testSettings(1024))
	if env := srv.Environ(); env != nil {
		t.Fatalf("expected no environment before start, got %v", env)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})
	if srv.Status() != StatusReady {
		t.Fatalf("expected ready, got %s", srv.Status())
	}
	env := srv.Environ()
	if len(env) != 1 || !strings.HasPrefix(env[0], resolution.EnvBridgeURL+"=http://127.0.0.1:") {
		t.Fatalf("unexpected environment %v", env)
	}

	resp, err := http.Get(srv.BaseURL() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	resp.Body.Close()
	if health.Status != string(StatusReady) || health.Version != ProtocolVersion {
		t.Fatalf("unexpected health %+v", health)
	}

	t.Setenv(resolution.EnvBridgeURL, srv.BaseURL())
	if err := resolution.Report(context.Background(), resolution.SeverityInfo, "progress 50%", false); err != nil {
		t.Fatalf("report through running bridge: %v", err)
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if srv.Status() != StatusDraining {
		t.Fatalf("expected draining, got %s", srv.Status())
	}
}

func TestDisabledServerDoesNotStart(t *testing.T) {
	settings := testSettings(1024)
	settings.Enabled = false
	if err := NewServer(settings).Start(context.Background()); err != ErrServerDisabled {
		t.Fatalf("expected ErrServerDisabled, got %v", err)
	}
}

func TestSettingsLayerProjectConfig(t *testing.T) {
	disabled := false
	cfg := &config.Config{}
	cfg.Project.EventBridge = config.BridgeConfig{Enabled: &disabled, Host: " 0.0.0.0 ", Port: 9100, MaxBody: 2048}
	settings := SettingsFromConfig(cfg)
	if settings.Enabled || settings.Host != "0.0.0.0" || settings.Port != 9100 || settings.MaxBodyBytes != 2048 {
		t.Fatalf("project config not applied: %+v", settings)
	}

	t.Setenv(EnvBridgePort, "70000")
	t.Setenv(EnvBridgeMaxBody, "-1")
	settings = SettingsFromConfig(cfg)
	if settings.Port != 9100 || settings.MaxBodyBytes != 2048 {
		t.Fatalf("invalid overrides must be ignored: %+v", settings)
	}

	defaults := SettingsFromConfig(&config.Config{})
	if defaults.Port != DefaultPort || defaults.Host != DefaultHost || !defaults.Enabled {
		t.Fatalf("unexpected defaults %+v", defaults)
	}
}
