package apps

import (
	"testing"

	"github.com/meshivr/meshivr/internal/federation"
)

func TestSenderFromClaim(t *testing.T) {
	tests := []struct {
		name    string
		creds   []string
		wantErr bool
	}{
		{"valid", []string{"127.0.0.1", "13013", "mobilIVR", "mobilIVR"}, false},
		{"too short", []string{"127.0.0.1", "13013"}, true},
		{"bad port", []string{"127.0.0.1", "kannel", "u", "p"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claim := &federation.ClaimedResource{Type: "sms", Credentials: tt.creds}
			_, err := senderFromClaim(claim, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("senderFromClaim(%v) error = %v, wantErr %v", tt.creds, err, tt.wantErr)
			}
		})
	}
}

func TestDispatcherQueue(t *testing.T) {
	cd := &CallbackDispatcher{wake: make(chan struct{}, 1)}

	if _, ok := cd.dequeue(); ok {
		t.Fatal("dequeue on an empty queue returned a request")
	}
	cd.enqueue(callbackRequest{callerID: "+27831"})
	cd.enqueue(callbackRequest{callerID: "+27832", attempts: 1})
	if got := cd.QueueLen(); got != 2 {
		t.Fatalf("QueueLen = %d, want 2", got)
	}

	first, ok := cd.dequeue()
	if !ok || first.callerID != "+27831" {
		t.Errorf("first dequeue = %+v, %v; want +27831", first, ok)
	}
	second, ok := cd.dequeue()
	if !ok || second.callerID != "+27832" || second.attempts != 1 {
		t.Errorf("second dequeue = %+v, %v; want +27832 with 1 attempt", second, ok)
	}

	// The wake channel never blocks enqueue, even when nobody listens.
	for i := 0; i < 3; i++ {
		cd.enqueue(callbackRequest{callerID: "+27833"})
	}
}

func TestSlotStateString(t *testing.T) {
	states := map[slotState]string{
		slotIdle:    "idle",
		slotDialing: "dialing",
		slotBusy:    "busy",
	}
	for state, want := range states {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
