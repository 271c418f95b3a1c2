package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/WilBtc/autoheal/internal/alerting"
	"github.com/WilBtc/autoheal/internal/config"
	"github.com/WilBtc/autoheal/internal/escalation"
	"github.com/WilBtc/autoheal/internal/source"
	"github.com/WilBtc/autoheal/internal/storage"
	"github.com/WilBtc/autoheal/internal/types"
)

const testToken = "review-token"

type fixture struct {
	sink   *escalation.Sink
	server *Server
	ts     *httptest.Server
}

func newFixture(t *testing.T, withAuth bool) *fixture {
	t.Helper()
	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.GatewayConfig{Enabled: true, ListenAddr: "127.0.0.1:0"}
	if withAuth {
		hash, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
		if err != nil {
			t.Fatal(err)
		}
		cfg.APITokenHash = string(hash)
	}

	srv := NewServer(cfg, nil, nil, nil, zerolog.Nop())
	sink := escalation.NewSink(db, []alerting.Notifier{srv.Hub()}, zerolog.Nop())
	srv.sink = sink
	t.Cleanup(sink.Drain)

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Hub().Close)

	return &fixture{sink: sink, server: srv, ts: ts}
}

func (f *fixture) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func enqueueIncident(t *testing.T, sink *escalation.Sink, subject string) *types.Escalation {
	t.Helper()
	inc := &types.Incident{
		ID:       "inc-" + subject,
		Kind:     types.KindServiceFailure,
		Subject:  subject,
		Message:  "unit entered failed state",
		Severity: types.SeverityCritical,
		Attempts: types.AttemptLog{
			{Phase: 1, Strategy: "restart-unit", Outcome: types.OutcomeFailed},
		},
	}
	esc, err := sink.Enqueue(inc, types.Diagnosis{RootCause: "bad unit file", Confidence: 0.4})
	if err != nil {
		t.Fatal(err)
	}
	return esc
}

func TestAuthRejectsBadToken(t *testing.T) {
	f := newFixture(t, true)

	resp, err := http.Get(f.ts.URL + "/api/v1/escalations")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/api/v1/escalations", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = f.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", resp.StatusCode)
	}
}

func TestHealthNeedsNoToken(t *testing.T) {
	f := newFixture(t, true)
	resp, err := http.Get(f.ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	body := decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}
}

func TestListAndGetEscalations(t *testing.T) {
	f := newFixture(t, true)
	esc := enqueueIncident(t, f.sink, "api.service")

	resp := f.request(t, http.MethodGet, "/api/v1/escalations", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	list := decode[struct {
		Escalations []types.Escalation `json:"escalations"`
		Count       int                `json:"count"`
	}](t, resp)
	if list.Count != 1 || len(list.Escalations) != 1 {
		t.Fatalf("list = %+v, want one pending escalation", list)
	}
	if list.Escalations[0].Incident.Subject != "api.service" {
		t.Errorf("subject = %q", list.Escalations[0].Incident.Subject)
	}

	resp = f.request(t, http.MethodGet, fmt.Sprintf("/api/v1/escalations/%d", esc.ID), nil)
	got := decode[types.Escalation](t, resp)
	if got.ID != esc.ID || got.Diagnosis.RootCause != "bad unit file" {
		t.Errorf("get = %+v", got)
	}

	resp = f.request(t, http.MethodGet, "/api/v1/escalations/999", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing id: status = %d, want 404", resp.StatusCode)
	}
}

func TestResolveAndDismiss(t *testing.T) {
	f := newFixture(t, true)
	first := enqueueIncident(t, f.sink, "api.service")
	second := enqueueIncident(t, f.sink, "db.service")

	resp := f.request(t, http.MethodPost, fmt.Sprintf("/api/v1/escalations/%d/resolve", first.ID),
		map[string]string{"method": "manual-restart", "notes": "rotated creds"})
	got := decode[types.Escalation](t, resp)
	if got.Status != types.EscalationResolved || got.ResolutionMethod != "manual-restart" {
		t.Errorf("resolve = %+v", got)
	}

	// Resolving an already resolved escalation is a no-op.
	resp = f.request(t, http.MethodPost, fmt.Sprintf("/api/v1/escalations/%d/resolve", first.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("second resolve: status = %d, want 200", resp.StatusCode)
	}

	// Dismissing it afterwards conflicts.
	resp = f.request(t, http.MethodPost, fmt.Sprintf("/api/v1/escalations/%d/dismiss", first.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("dismiss after resolve: status = %d, want 409", resp.StatusCode)
	}

	resp = f.request(t, http.MethodPost, fmt.Sprintf("/api/v1/escalations/%d/dismiss", second.ID),
		map[string]string{"notes": "known flake"})
	got = decode[types.Escalation](t, resp)
	if got.Status != types.EscalationDismissed || got.Notes != "known flake" {
		t.Errorf("dismiss = %+v", got)
	}

	resp = f.request(t, http.MethodGet, "/api/v1/escalations", nil)
	list := decode[struct {
		Count int `json:"count"`
	}](t, resp)
	if list.Count != 0 {
		t.Errorf("pending after close-out = %d, want 0", list.Count)
	}
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t, false)
	enqueueIncident(t, f.sink, "api.service")

	resp := f.request(t, http.MethodGet, "/api/v1/stats", nil)
	got := decode[struct {
		Queue    escalation.Stats `json:"queue"`
		Pipeline *json.RawMessage `json:"pipeline"`
	}](t, resp)
	if got.Queue.Total != 1 || got.Queue.Pending != 1 {
		t.Errorf("queue stats = %+v", got.Queue)
	}
	if got.Pipeline != nil {
		t.Error("pipeline stats should be omitted when the daemon is not running")
	}
}

func TestIngestSubmitsToAdapter(t *testing.T) {
	f := newFixture(t, false)
	adapter := source.NewAdapter(4, zerolog.Nop())
	f.server.intake = adapter

	resp := f.request(t, http.MethodPost, "/api/v1/incidents", map[string]any{
		"kind":     "service_failure",
		"subject":  "api.service",
		"message":  "unit entered failed state",
		"severity": "critical",
	})
	body := decode[map[string]string](t, resp)
	if resp.StatusCode != http.StatusAccepted || body["id"] == "" {
		t.Fatalf("ingest = %d %v", resp.StatusCode, body)
	}

	inc := <-adapter.Incidents()
	if inc.Subject != "api.service" || inc.Severity != types.SeverityCritical {
		t.Errorf("queued incident = %+v", inc)
	}

	// Missing subject is a validation error.
	resp = f.request(t, http.MethodPost, "/api/v1/incidents", map[string]any{
		"kind":    "service_failure",
		"message": "no subject",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid incident: status = %d, want 400", resp.StatusCode)
	}
}

func TestIngestWithoutDaemon(t *testing.T) {
	f := newFixture(t, false)
	resp := f.request(t, http.MethodPost, "/api/v1/incidents", map[string]any{
		"kind": "service_failure", "subject": "x", "message": "y",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, false)
	resp := f.request(t, http.MethodDelete, "/api/v1/escalations/1", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestWebSocketReceivesEnqueuedEscalation(t *testing.T) {
	f := newFixture(t, true)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/v1/ws"
	header := http.Header{"Authorization": []string{"Bearer " + testToken}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	enqueueIncident(t, f.sink, "api.service")
	f.sink.Drain()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev struct {
		Type       string            `json:"type"`
		Escalation *types.Escalation `json:"escalation"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != "escalation" || ev.Escalation == nil {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Escalation.Incident.Subject != "api.service" {
		t.Errorf("subject = %q", ev.Escalation.Incident.Subject)
	}
}

func TestHubDropsStalledClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ch, ok := hub.register()
	if !ok {
		t.Fatal("register on open hub should succeed")
	}
	for i := 0; i < clientSendBuffer+1; i++ {
		hub.SendDigest("tick")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("clients = %d, want stalled client dropped", hub.ClientCount())
	}
	// The dropped client's channel was closed after the buffered events.
	for range ch {
	}
}
