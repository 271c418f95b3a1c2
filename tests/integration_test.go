// End-to-end tests wiring the full daemon stack the way cmd/autoheal
// does: HTTP ingest through the gateway, the remediation cascade over a
// scripted executor, and escalation review back through the API.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/WilBtc/autoheal/internal/config"
	"github.com/WilBtc/autoheal/internal/coordinator"
	"github.com/WilBtc/autoheal/internal/diagnose"
	"github.com/WilBtc/autoheal/internal/escalation"
	"github.com/WilBtc/autoheal/internal/executor"
	"github.com/WilBtc/autoheal/internal/gateway"
	"github.com/WilBtc/autoheal/internal/knowledge"
	"github.com/WilBtc/autoheal/internal/learning"
	"github.com/WilBtc/autoheal/internal/quickfix"
	"github.com/WilBtc/autoheal/internal/source"
	"github.com/WilBtc/autoheal/internal/storage"
	"github.com/WilBtc/autoheal/internal/types"
)

// scriptedExec routes every command to a handler so scenarios control
// both remediation commands and diagnostic worker replies.
type scriptedExec struct {
	mu      sync.Mutex
	handler func(command, stdin string) (executor.Result, error)
}

func (s *scriptedExec) Run(_ context.Context, command, stdin string, _ executor.Limits) (executor.Result, error) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	return h(command, stdin)
}

type stack struct {
	exec    *scriptedExec
	adapter *source.Adapter
	coord   *coordinator.Coordinator
	sink    *escalation.Sink
	learner *learning.Store
	ts      *httptest.Server
	done    chan struct{}
	cancel  context.CancelFunc
}

func newStack(t *testing.T, handler func(command, stdin string) (executor.Result, error)) *stack {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Storage.DSN = filepath.Join(t.TempDir(), "autoheal.db")
	cfg.Knowledge.DocsPath = filepath.Join(t.TempDir(), "missing-docs")
	cfg.Knowledge.RepoPath = t.TempDir()
	cfg.Pipeline.Phase1BudgetSeconds = 5
	cfg.Pipeline.Phase2BudgetSeconds = 8
	cfg.Pipeline.Phase3BudgetSeconds = 8
	cfg.Diagnostics.WorkerCommand = "diag-worker"
	cfg.Diagnostics.WorkerTimeoutSeconds = 2

	db, err := storage.NewSQLite(cfg.Storage.DSN, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	exec := &scriptedExec{handler: handler}
	learner := learning.NewStore(cfg.Learning, db, zerolog.Nop())
	retriever := knowledge.NewRetriever(cfg.Knowledge, knowledge.GitVCS{}, zerolog.Nop())
	t.Cleanup(retriever.Close)
	fixer := quickfix.NewFixer(exec, zerolog.Nop())
	diagnostician := diagnose.NewDiagnostician(cfg.Diagnostics, exec, zerolog.Nop())
	adapter := source.NewAdapter(cfg.Pipeline.QueueSize, zerolog.Nop())

	srv := gateway.NewServer(cfg.Gateway, nil, nil, adapter, zerolog.Nop())
	sink := escalation.NewSink(db, nil, zerolog.Nop())
	coord := coordinator.New(cfg.Pipeline, retriever, diagnostician, fixer, learner, sink, zerolog.Nop())
	srv.SetSink(sink)
	srv.SetPipeline(coord)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.Run(ctx, adapter.Incidents())
	}()

	st := &stack{
		exec: exec, adapter: adapter, coord: coord, sink: sink,
		learner: learner, ts: ts, done: done, cancel: cancel,
	}
	t.Cleanup(st.shutdown)
	return st
}

func (s *stack) shutdown() {
	s.adapter.Close()
	select {
	case <-s.done:
	case <-time.After(10 * time.Second):
	}
	s.cancel()
	s.sink.Drain()
}

func (s *stack) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(s.ts.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (s *stack) submit(t *testing.T, subject string) {
	t.Helper()
	resp := s.post(t, "/api/v1/incidents", map[string]any{
		"kind":     "service_failure",
		"subject":  subject,
		"message":  "Main process exited, code=exited, status=1/FAILURE",
		"severity": "warning",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest status = %d, want 202", resp.StatusCode)
	}
}

func (s *stack) waitProcessed(t *testing.T, n int64) coordinator.Stats {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if st := s.coord.Stats(); st.Processed >= n {
			return st
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("pipeline never processed %d incidents: %+v", n, s.coord.Stats())
	return coordinator.Stats{}
}

func TestResolveOnQuickFixAndLearnFastPath(t *testing.T) {
	st := newStack(t, func(command, stdin string) (executor.Result, error) {
		if strings.HasPrefix(command, "systemctl restart") {
			return executor.Result{ExitStatus: 0}, nil
		}
		return executor.Result{ExitStatus: 1, StderrHead: "unexpected command: " + command}, nil
	})

	st.submit(t, "api.service")
	stats := st.waitProcessed(t, 1)
	if stats.Phase1Resolved != 1 || stats.Escalated != 0 {
		t.Fatalf("first run stats = %+v, want phase 1 resolution", stats)
	}

	// The recorded fix replays without re-diagnosis on the next hit.
	st.submit(t, "api.service")
	stats = st.waitProcessed(t, 2)
	if stats.FastPathHits != 1 {
		t.Errorf("stats = %+v, want one fast-path hit", stats)
	}
}

func TestEscalationRoundTripOverAPI(t *testing.T) {
	workerReply := "DIAGNOSIS: unit binary segfaults on start\n" +
		"CONFIDENCE: 20%\n" +
		"FIX_1: inspect-core-dump|collect the core dump for engineering|none\n"
	st := newStack(t, func(command, stdin string) (executor.Result, error) {
		if strings.HasPrefix(command, "diag-worker") {
			return executor.Result{ExitStatus: 0, StdoutHead: workerReply}, nil
		}
		return executor.Result{ExitStatus: 1, StderrHead: "Job for api.service failed"}, nil
	})

	st.submit(t, "api.service")
	stats := st.waitProcessed(t, 1)
	if stats.Escalated != 1 {
		t.Fatalf("stats = %+v, want one escalation", stats)
	}

	resp, err := http.Get(st.ts.URL + "/api/v1/escalations")
	if err != nil {
		t.Fatal(err)
	}
	var list struct {
		Escalations []types.Escalation `json:"escalations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(list.Escalations) != 1 {
		t.Fatalf("pending = %+v, want one", list.Escalations)
	}
	esc := list.Escalations[0]
	if esc.Incident.Subject != "api.service" || len(esc.Attempts) == 0 {
		t.Errorf("escalation = %+v", esc)
	}
	if esc.Diagnosis.RootCause != "unit binary segfaults on start" {
		t.Errorf("diagnosis = %+v", esc.Diagnosis)
	}

	resp = st.post(t, fmt.Sprintf("/api/v1/escalations/%d/resolve", esc.ID),
		map[string]string{"method": "manual", "notes": "binary rolled back"})
	var resolved types.Escalation
	if err := json.NewDecoder(resp.Body).Decode(&resolved); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resolved.Status != types.EscalationResolved {
		t.Errorf("status = %q, want resolved", resolved.Status)
	}

	// The queue is empty again and the stats surface agrees.
	resp, err = http.Get(st.ts.URL + "/api/v1/stats")
	if err != nil {
		t.Fatal(err)
	}
	var apiStats struct {
		Queue    escalation.Stats  `json:"queue"`
		Pipeline coordinator.Stats `json:"pipeline"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiStats); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if apiStats.Queue.Pending != 0 || apiStats.Queue.Resolved != 1 {
		t.Errorf("queue stats = %+v", apiStats.Queue)
	}
	if apiStats.Pipeline.Escalated != 1 {
		t.Errorf("pipeline stats = %+v", apiStats.Pipeline)
	}
}

func TestShutdownDrainsAcceptedIncidents(t *testing.T) {
	st := newStack(t, func(command, stdin string) (executor.Result, error) {
		return executor.Result{ExitStatus: 0}, nil
	})

	for i := 0; i < 3; i++ {
		st.submit(t, fmt.Sprintf("svc-%d.service", i))
	}
	st.adapter.Close()

	select {
	case <-st.done:
	case <-time.After(15 * time.Second):
		t.Fatal("coordinator did not drain after intake closed")
	}
	if got := st.coord.Stats().Processed; got != 3 {
		t.Errorf("processed = %d, want every accepted incident handled before exit", got)
	}
}
