package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pulsehq/pulse/internal/cron"
	"github.com/pulsehq/pulse/internal/cron/crontest"
	"github.com/pulsehq/pulse/internal/lockfile"
)

// testGateway bundles a Gateway wired to a real scheduler over a temp store
// with mock collaborators.
type testGateway struct {
	gw    *Gateway
	srv   *httptest.Server
	sink  *crontest.EventSink
	waker *crontest.Waker
	cron  *cron.Service
}

func newTestGateway(t *testing.T, cfg Config) *testGateway {
	t.Helper()

	sink := &crontest.EventSink{}
	waker := &crontest.Waker{}
	svc, err := cron.NewService(cron.Config{
		StorePath: filepath.Join(t.TempDir(), "jobs.json"),
		LockOpts:  lockfile.Options{Timeout: time.Second},
		History:   &crontest.Recorder{},
	}, lockfile.NewRegistry(nil, nil), cron.Collaborators{
		Events: sink,
		Agent:  &crontest.AgentStub{Result: cron.AgentRunResult{Status: cron.StatusOK, Summary: "done"}},
		Waker:  waker,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	gw, err := New(cfg, nil, svc, sink, waker)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	srv := httptest.NewServer(gw.buildRouter())
	t.Cleanup(srv.Close)

	return &testGateway{gw: gw, srv: srv, sink: sink, waker: waker, cron: svc}
}

// rpc posts a cron.* call and decodes the envelope.
func (tg *testGateway) rpc(t *testing.T, method string, params any, headers map[string]string) (int, rpcResponse) {
	t.Helper()

	body := map[string]any{"method": method}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest(http.MethodPost, tg.srv.URL+"/rpc", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("rpc %s: %v", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var env rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("rpc %s: decode response: %v", method, err)
	}
	return resp.StatusCode, env
}

// addParams is a valid main-session job spec for RPC tests.
func addParams() map[string]any {
	return map[string]any{
		"name":          "reminder",
		"schedule":      map[string]any{"kind": "every", "everyMs": 60_000},
		"sessionTarget": "main",
		"wakeMode":      "next-heartbeat",
		"payload":       map[string]any{"kind": "systemEvent", "text": "hello"},
	}
}

// resultJob re-decodes an RPC result into a Job.
func resultJob(t *testing.T, result any) cron.Job {
	t.Helper()
	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatal(err)
	}
	var job cron.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		t.Fatalf("result is not a job: %v", err)
	}
	return job
}
