package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meshivr/meshivr/internal/database"
	"github.com/meshivr/meshivr/internal/dialog"
	"github.com/meshivr/meshivr/internal/federation"
	"github.com/prometheus/client_golang/prometheus"
)

func testServer(t *testing.T) (*Server, *federation.Node, database.Store) {
	t.Helper()
	node := federation.New(federation.Options{})
	store, err := database.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewServer(node, store, prometheus.NewRegistry()), node, store
}

func decodeData(t *testing.T, body []byte, into any) {
	t.Helper()
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	if env.Error != "" {
		t.Fatalf("unexpected error in envelope: %s", env.Error)
	}
	if err := json.Unmarshal(env.Data, into); err != nil {
		t.Fatalf("decoding data: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, node, _ := testServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var status struct {
		NodeID   string `json:"node_id"`
		Joined   bool   `json:"joined"`
		Contacts int    `json:"contacts"`
	}
	decodeData(t, rec.Body.Bytes(), &status)
	if status.NodeID != node.ID().Hex() {
		t.Errorf("node_id = %q, want %q", status.NodeID, node.ID().Hex())
	}
	if status.Joined {
		t.Error("joined = true for an unstarted node")
	}
}

func TestTuplesEndpoint(t *testing.T) {
	srv, node, _ := testServer(t)
	if err := node.PublishIVRHandler("SIP/100", ""); err != nil {
		t.Fatalf("PublishIVRHandler: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tuples", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var tuples []struct {
		Owner  string   `json:"owner"`
		Fields []string `json:"fields"`
	}
	decodeData(t, rec.Body.Bytes(), &tuples)
	if len(tuples) != 1 {
		t.Fatalf("got %d tuples, want 1", len(tuples))
	}
	if tuples[0].Owner != node.ID().Hex() {
		t.Errorf("owner = %q, want local node", tuples[0].Owner)
	}
	if len(tuples[0].Fields) < 4 || tuples[0].Fields[0] != "handler" || tuples[0].Fields[3] != "SIP/100" {
		t.Errorf("fields = %v", tuples[0].Fields)
	}
}

func TestCallEndpoints(t *testing.T) {
	srv, _, store := testServer(t)

	h := dialog.NewCallHistory("sess-9", time.Date(2025, 6, 12, 10, 0, 0, 0, time.UTC), "+271", "100")
	h.HangupTime = h.AnswerTime.Add(time.Minute)
	h.Completed = true
	h.Nodes = []dialog.NodeRecord{{Name: "start", StartTime: h.AnswerTime, EndTime: h.HangupTime}}
	if err := store.SaveCall(context.Background(), h); err != nil {
		t.Fatalf("SaveCall: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/calls", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	var list []database.CallSummary
	decodeData(t, rec.Body.Bytes(), &list)
	if len(list) != 1 || list[0].SessionID != "sess-9" {
		t.Fatalf("list = %+v", list)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/calls/sess-9", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}
	var call dialog.CallHistory
	decodeData(t, rec.Body.Bytes(), &call)
	if call.SessionID != "sess-9" || len(call.Nodes) != 1 {
		t.Errorf("call = %+v", call)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/calls/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing call status = %d, want 404", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
