package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawgate/internal/attachments"
	"github.com/nextlevelbuilder/clawgate/internal/bridge"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/metrics"
	"github.com/nextlevelbuilder/clawgate/internal/security"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

type fakeRuntime struct {
	response string
	err      error
}

func (r *fakeRuntime) Communicate(ctx context.Context, msg bridge.UserMessage, opts bridge.RunOptions) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return r.response, nil
}

type fakeProbe struct {
	err error
}

func (p *fakeProbe) Ping(ctx context.Context) error { return p.err }

// newTestServer wires a server with in-memory collaborators and serves
// its mux on an ephemeral port.
func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	media, err := attachments.New(attachments.Options{Dir: filepath.Join(t.TempDir(), "uploads")})
	if err != nil {
		t.Fatalf("attachments.New() error = %v", err)
	}

	b := bridge.New(&fakeRuntime{response: "ok"})
	collector := metrics.NewCollector()
	sec := security.NewManager(cfg)
	mgr := channels.NewManager(b, sec, collector, cfg, nil, media)

	s := NewServer(Deps{
		Config:     cfg,
		ConfigPath: filepath.Join(t.TempDir(), "config.yaml"),
		Version:    "test",
		Manager:    mgr,
		Bridge:     b,
		Cleaner:    bridge.NewCleaner(b, 24, 3600),
		Security:   sec,
		Metrics:    collector,
		Agent:      &fakeProbe{},
		Media:      media,
		Events:     bus.New(),
	})

	ts := httptest.NewServer(s.BuildMux())
	t.Cleanup(ts.Close)
	return s, ts
}

func getJSON(t *testing.T, url, bearer string, out interface{}) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestAuthGuard(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Gateway.Auth.Token = "secret"
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusForbidden},
		{"valid token", "Bearer secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
			if err != nil {
				t.Fatalf("NewRequest() error = %v", err)
			}
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request error = %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := getJSON(t, ts.URL+"/api/status", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 with auth disabled", resp.StatusCode)
	}
}

func TestHealthSkipsAuth(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Gateway.Auth.Token = "secret"
	})

	var report HealthReport
	resp := getJSON(t, ts.URL+"/api/health", "", &report)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status code = %d, want 200", resp.StatusCode)
	}

	// No channels registered: overall degraded, not unhealthy.
	if report.Status != statusDegraded {
		t.Errorf("health status = %q, want %q", report.Status, statusDegraded)
	}

	byName := map[string]HealthCheck{}
	for _, c := range report.Checks {
		byName[c.Name] = c
	}
	if got := byName["gateway"].Status; got != statusHealthy {
		t.Errorf("gateway check = %q, want healthy", got)
	}
	if got := byName["channels"].Status; got != statusDegraded {
		t.Errorf("channels check = %q, want degraded", got)
	}
	if got := byName["agent"].Status; got != statusHealthy {
		t.Errorf("agent check = %q, want healthy", got)
	}
	if got := byName["staging"].Status; got != statusHealthy {
		t.Errorf("staging check = %q, want healthy", got)
	}
}

func TestHealthAgentUnreachable(t *testing.T) {
	s, ts := newTestServer(t, nil)
	s.agent = &fakeProbe{err: errors.New("connection refused")}

	var report HealthReport
	getJSON(t, ts.URL+"/api/health", "", &report)
	if report.Status != statusUnhealthy {
		t.Errorf("health status = %q, want unhealthy when agent is down", report.Status)
	}
}

func TestHealthUnhealthyDuringShutdown(t *testing.T) {
	s, ts := newTestServer(t, nil)
	s.BeginShutdown()

	var report HealthReport
	getJSON(t, ts.URL+"/api/health", "", &report)
	if report.Status != statusUnhealthy {
		t.Errorf("health status = %q, want unhealthy while shutting down", report.Status)
	}
}

func TestStatusPayload(t *testing.T) {
	s, ts := newTestServer(t, nil)

	msg := &bus.InboundMessage{Channel: "telegram", UserID: "U1", ChatID: "C1", MessageID: "M1", Content: "hi"}
	if _, err := s.bridge.ProcessMessage(context.Background(), msg, nil, nil); err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}

	var payload struct {
		Version       string  `json:"version"`
		StartedAt     string  `json:"started_at"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Sessions      int     `json:"sessions"`
		DedupSize     *int    `json:"dedup_size"`
	}
	getJSON(t, ts.URL+"/api/status", "", &payload)

	if payload.Version != "test" {
		t.Errorf("version = %q, want %q", payload.Version, "test")
	}
	if payload.Sessions != 1 {
		t.Errorf("sessions = %d, want 1", payload.Sessions)
	}
	if payload.DedupSize == nil || *payload.DedupSize != 0 {
		t.Errorf("dedup_size = %v, want 0", payload.DedupSize)
	}
	if _, err := time.Parse(time.RFC3339, payload.StartedAt); err != nil {
		t.Errorf("started_at = %q, not RFC 3339: %v", payload.StartedAt, err)
	}
}

func TestSessionsPayload(t *testing.T) {
	s, ts := newTestServer(t, nil)

	msg := &bus.InboundMessage{Channel: "telegram", UserID: "U1", ChatID: "C1", MessageID: "M1", Content: "hi", UserName: "Alice"}
	if _, err := s.bridge.ProcessMessage(context.Background(), msg, nil, nil); err != nil {
		t.Fatalf("ProcessMessage() error = %v", err)
	}

	var payload struct {
		Sessions map[string]bridge.Session `json:"sessions"`
		Count    int                       `json:"count"`
	}
	getJSON(t, ts.URL+"/api/sessions", "", &payload)

	if payload.Count != 1 {
		t.Fatalf("count = %d, want 1", payload.Count)
	}
	sess, ok := payload.Sessions["tg:U1"]
	if !ok {
		t.Fatalf("sessions = %v, want key tg:U1", payload.Sessions)
	}
	if sess.Channel != "telegram" || sess.UserID != "U1" || sess.UserName != "Alice" {
		t.Errorf("session = %+v, want telegram/U1/Alice", sess)
	}
}

func TestSessionsFilters(t *testing.T) {
	s, ts := newTestServer(t, nil)

	for _, m := range []*bus.InboundMessage{
		{Channel: "telegram", UserID: "U1", ChatID: "C1", MessageID: "M1", Content: "hi"},
		{Channel: "discord", UserID: "U2", ChatID: "C2", MessageID: "M2", Content: "hey"},
	} {
		if _, err := s.bridge.ProcessMessage(context.Background(), m, nil, nil); err != nil {
			t.Fatalf("ProcessMessage() error = %v", err)
		}
	}

	var byChannel struct {
		Sessions map[string]bridge.Session `json:"sessions"`
		Count    int                       `json:"count"`
	}
	getJSON(t, ts.URL+"/api/sessions?channel=telegram", "", &byChannel)
	if byChannel.Count != 1 {
		t.Fatalf("channel filter count = %d, want 1", byChannel.Count)
	}
	if _, ok := byChannel.Sessions["tg:U1"]; !ok {
		t.Errorf("sessions = %v, want key tg:U1", byChannel.Sessions)
	}

	// Fresh sessions are not idle yet.
	var idle struct {
		Idle  []bridge.IdleSession `json:"idle"`
		Count int                  `json:"count"`
	}
	getJSON(t, ts.URL+"/api/sessions?idle_hours=1", "", &idle)
	if idle.Count != 0 || len(idle.Idle) != 0 {
		t.Errorf("idle = %+v count = %d, want none", idle.Idle, idle.Count)
	}

	resp := getJSON(t, ts.URL+"/api/sessions?idle_hours=nope", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad idle_hours = %d, want 400", resp.StatusCode)
	}
}

func TestMetricsPayload(t *testing.T) {
	s, ts := newTestServer(t, nil)
	s.metrics.RecordReceived("telegram")
	s.metrics.RecordSent("telegram", 120*time.Millisecond)

	var payload struct {
		Metrics metrics.Summary `json:"metrics"`
	}
	getJSON(t, ts.URL+"/api/metrics", "", &payload)

	if got := payload.Metrics.Totals.TotalMessagesReceived; got != 1 {
		t.Errorf("total received = %d, want 1", got)
	}
	if got := payload.Metrics.Totals.TotalMessagesSent; got != 1 {
		t.Errorf("total sent = %d, want 1", got)
	}
}

func TestMetricsReset(t *testing.T) {
	s, ts := newTestServer(t, nil)
	s.metrics.RecordReceived("telegram")

	resp, err := http.Post(ts.URL+"/api/metrics/reset", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/metrics/reset error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset = %d, want 200", resp.StatusCode)
	}

	var payload struct {
		Metrics metrics.Summary `json:"metrics"`
	}
	getJSON(t, ts.URL+"/api/metrics", "", &payload)
	if got := payload.Metrics.Totals.TotalMessagesReceived; got != 0 {
		t.Errorf("total received after reset = %d, want 0", got)
	}
}

func TestSecurityAccess(t *testing.T) {
	s, ts := newTestServer(t, nil)

	post := func(body string) *http.Response {
		t.Helper()
		resp, err := http.Post(ts.URL+"/api/security/access", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST /api/security/access error = %v", err)
		}
		resp.Body.Close()
		return resp
	}

	resp := post(`{"list":"blacklist","action":"add","channel":"telegram","user_id":"mallory"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("blacklist add = %d, want 200", resp.StatusCode)
	}
	if s.security.CheckAccess("telegram", "mallory") {
		t.Error("mallory should be denied after blacklist add")
	}

	resp = post(`{"list":"blacklist","action":"remove","channel":"telegram","user_id":"mallory"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("blacklist remove = %d, want 200", resp.StatusCode)
	}
	if !s.security.CheckAccess("telegram", "mallory") {
		t.Error("mallory should pass after blacklist remove")
	}

	bad := map[string]string{
		"unknown list":   `{"list":"greylist","action":"add","channel":"telegram","user_id":"u"}`,
		"unknown action": `{"list":"whitelist","action":"toggle","channel":"telegram","user_id":"u"}`,
		"missing user":   `{"list":"whitelist","action":"add","channel":"telegram"}`,
		"malformed body": `{`,
	}
	for name, body := range bad {
		if resp := post(body); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}

	resp = getJSON(t, ts.URL+"/api/security/access", "", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET = %d, want 405", resp.StatusCode)
	}
}

func TestReloadEndpoint(t *testing.T) {
	s, ts := newTestServer(t, nil)

	if err := os.WriteFile(s.configPath, []byte("gateway:\n  port: 18901\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	resp, err := http.Post(ts.URL+"/api/reload", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/reload error = %v", err)
	}
	var payload struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode reload response: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || !payload.Success {
		t.Fatalf("reload = %d success=%v, want 200 success=true", resp.StatusCode, payload.Success)
	}
	if got := s.config().Gateway.Port; got != 18901 {
		t.Errorf("port after reload = %d, want 18901", got)
	}
}

func TestReloadRejectsGet(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := getJSON(t, ts.URL+"/api/reload", "", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/reload = %d, want 405", resp.StatusCode)
	}
}

func TestReloadFailsOnBadConfig(t *testing.T) {
	s, ts := newTestServer(t, nil)

	if err := os.WriteFile(s.configPath, []byte("gateway: [not a map"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	resp, err := http.Post(ts.URL+"/api/reload", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/reload error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("reload with bad config = %d, want 500", resp.StatusCode)
	}
}

func TestWebsocketBroadcast(t *testing.T) {
	s, ts := newTestServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	defer conn.Close()

	waitForClients(t, s, 1)

	s.BroadcastEvent(protocol.NewEvent(protocol.EventConfigReloaded, map[string]string{"hash": "abc123"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev protocol.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Name != protocol.EventConfigReloaded {
		t.Errorf("event name = %q, want %q", ev.Name, protocol.EventConfigReloaded)
	}
}

func TestWebsocketUnregistersOnDisconnect(t *testing.T) {
	s, ts := newTestServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	waitForClients(t, s, 1)

	conn.Close()
	waitForClients(t, s, 0)
}

func TestWebsocketRejectsBadOrigin(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Gateway.AllowedOrigins = []string{"https://ops.example.com"}
	})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		conn.Close()
		t.Fatal("dial with rejected origin succeeded, want failure")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("upgrade status = %d, want 403", resp.StatusCode)
	}
}

func TestStartTestServerLifecycle(t *testing.T) {
	s, _ := newTestServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, start := StartTestServer(s, ctx)

	done := make(chan struct{})
	go func() {
		start()
		close(done)
	}()

	var report HealthReport
	resp := getJSON(t, "http://"+addr+"/api/health", "", &report)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health over test listener = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop after context cancel")
	}
}

func waitForClients(t *testing.T, s *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.clientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client count = %d, want %d", s.clientCount(), want)
}
