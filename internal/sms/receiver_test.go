package sms

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingNotifier captures delivered messages and signals each arrival.
type recordingNotifier struct {
	mu       sync.Mutex
	callerID string
	message  string
	arrived  chan struct{}
	err      error
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{arrived: make(chan struct{}, 8)}
}

func (n *recordingNotifier) NotifySMS(ctx context.Context, callerID, message string) error {
	n.mu.Lock()
	n.callerID = callerID
	n.message = message
	n.mu.Unlock()
	n.arrived <- struct{}{}
	return n.err
}

// last blocks until the next delivery lands, then returns it.
func (n *recordingNotifier) last(t *testing.T) (string, string) {
	t.Helper()
	select {
	case <-n.arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the notifier")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.callerID, n.message
}

// countingNotifier never blocks, for tests that fire many requests.
type countingNotifier struct {
	n atomic.Int32
}

func (c *countingNotifier) NotifySMS(ctx context.Context, callerID, message string) error {
	c.n.Add(1)
	return nil
}

func get(t *testing.T, rc *Receiver, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	rc.ServeHTTP(w, req)
	return w
}

func TestInboundMessageAccepted(t *testing.T) {
	notifier := newRecordingNotifier()
	rc := NewReceiver(0, notifier, slog.Default())

	w := get(t, rc, "/?callerid=%2B27821234567&message=hello+there")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "Message received OK.\n" {
		t.Errorf("unexpected body %q", w.Body.String())
	}

	callerID, message := notifier.last(t)
	if callerID != "+27821234567" {
		t.Errorf("expected caller id %q, got %q", "+27821234567", callerID)
	}
	if message != "hello there" {
		t.Errorf("expected message %q, got %q", "hello there", message)
	}
}

func TestInboundParameterCaseFolded(t *testing.T) {
	notifier := newRecordingNotifier()
	rc := NewReceiver(0, notifier, slog.Default())

	w := get(t, rc, "/?CallerID=100&Message=hi")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	callerID, message := notifier.last(t)
	if callerID != "100" || message != "hi" {
		t.Errorf("got caller id %q, message %q", callerID, message)
	}
}

func TestInboundMissingCallerID(t *testing.T) {
	rc := NewReceiver(0, newRecordingNotifier(), slog.Default())

	w := get(t, rc, "/?message=hi")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
	if w.Body.String() != "Invalid request; missing \"callerid\" variable.\n" {
		t.Errorf("unexpected body %q", w.Body.String())
	}
}

func TestInboundMissingMessage(t *testing.T) {
	rc := NewReceiver(0, newRecordingNotifier(), slog.Default())

	w := get(t, rc, "/?callerid=100")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
	if w.Body.String() != "Invalid request; missing \"message\" variable.\n" {
		t.Errorf("unexpected body %q", w.Body.String())
	}
}

func TestInboundUnparseableQuery(t *testing.T) {
	rc := NewReceiver(0, newRecordingNotifier(), slog.Default())

	w := get(t, rc, "/?callerid=%zz&message=hi")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
	if w.Body.String() != "Invalid request.\n" {
		t.Errorf("unexpected body %q", w.Body.String())
	}
}

func TestInboundNotifierFailureStillAcknowledged(t *testing.T) {
	notifier := newRecordingNotifier()
	notifier.err = fmt.Errorf("no sms handler registered")
	rc := NewReceiver(0, notifier, slog.Default())

	// The gateway got its acknowledgement before routing ran, so a
	// routing failure can only be logged.
	w := get(t, rc, "/?callerid=100&message=hi")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	notifier.last(t)
}

func TestInboundRateLimited(t *testing.T) {
	rc := NewReceiver(0, &countingNotifier{}, slog.Default())

	limited := 0
	for i := 0; i < 2*inboundBurst; i++ {
		w := get(t, rc, "/?callerid=1&message=x")
		if w.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited == 0 {
		t.Fatal("expected the limiter to reject part of the burst")
	}
}

func TestReceiverServesOverTCP(t *testing.T) {
	notifier := newRecordingNotifier()
	rc := NewReceiver(0, notifier, slog.Default())
	if err := rc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rc.Stop()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/?callerid=42&message=ping", rc.Port()))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if string(body) != "Message received OK.\n" {
		t.Errorf("unexpected body %q", body)
	}

	callerID, message := notifier.last(t)
	if callerID != "42" || message != "ping" {
		t.Errorf("got caller id %q, message %q", callerID, message)
	}
}
