package apps

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/meshivr/meshivr/internal/dialer"
	"github.com/meshivr/meshivr/internal/dialog"
	"github.com/meshivr/meshivr/internal/fastagi"
	"github.com/meshivr/meshivr/internal/federation"
)

// serviceWait is the pause before a failed callback is retried.
const serviceWait = 10 * time.Second

// slotState tracks one outgoing line of the dispatcher. A slot returns
// to idle exactly when its worker finishes with the call, successful or
// not.
type slotState int

const (
	slotIdle slotState = iota
	slotDialing
	slotBusy
)

func (s slotState) String() string {
	switch s {
	case slotDialing:
		return "dialing"
	case slotBusy:
		return "busy"
	default:
		return "idle"
	}
}

// callbackRequest is one caller waiting to be phoned back.
type callbackRequest struct {
	callerID string
	attempts int
}

// CallbackDispatcher lets callers ring once for free and calls them
// back: the inbound leg hears ringing for a moment and is hung up
// unanswered, then an outgoing slot dials the caller and runs the
// dialog the builder declares. It satisfies federation.IVRHandler.
type CallbackDispatcher struct {
	Node   *federation.Node
	Build  BuildFunc
	Slots  int // concurrent outgoing lines, default 1
	Tries  int // dial attempts per caller, default 3
	Logger *slog.Logger

	mu     sync.Mutex
	queue  []callbackRequest
	states []slotState
	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start brings up the outgoing slots.
func (cd *CallbackDispatcher) Start(ctx context.Context) {
	cd.mu.Lock()
	if cd.Slots <= 0 {
		cd.Slots = 1
	}
	if cd.Tries <= 0 {
		cd.Tries = 3
	}
	cd.states = make([]slotState, cd.Slots)
	cd.wake = make(chan struct{}, 1)
	ctx, cd.cancel = context.WithCancel(ctx)
	cd.mu.Unlock()

	for i := 0; i < cd.Slots; i++ {
		cd.wg.Add(1)
		go cd.slotLoop(ctx, i)
	}
}

// Stop shuts the slots down. Calls in progress finish; queued callers
// are dropped.
func (cd *CallbackDispatcher) Stop() {
	if cd.cancel != nil {
		cd.cancel()
	}
	cd.wg.Wait()
}

// SlotStates reports the state of every outgoing line.
func (cd *CallbackDispatcher) SlotStates() []slotState {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	out := make([]slotState, len(cd.states))
	copy(out, cd.states)
	return out
}

// QueueLen reports how many callers are waiting.
func (cd *CallbackDispatcher) QueueLen() int {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	return len(cd.queue)
}

// HandleIVR receives the inbound ring: the caller id is queued for a
// callback and the leg is dropped unanswered so the caller pays
// nothing.
func (cd *CallbackDispatcher) HandleIVR(sess *fastagi.Session) error {
	log := orDefault(cd.Logger).With("component", "apps", "session_id", sess.SessionID)
	defer sess.Close()

	if sess.CallerID == "" {
		log.Warn("caller withheld their number, cannot call back")
		return sess.Hangup("FAILURE")
	}
	cd.enqueue(callbackRequest{callerID: sess.CallerID})
	log.Info("queued caller for callback", "caller_id", sess.CallerID)

	// Let the caller hear ringing briefly before the drop.
	sess.Exec("Ringing")
	sess.Exec("Wait 1")
	return sess.Hangup("SUCCESS")
}

func (cd *CallbackDispatcher) enqueue(req callbackRequest) {
	cd.mu.Lock()
	cd.queue = append(cd.queue, req)
	cd.mu.Unlock()
	select {
	case cd.wake <- struct{}{}:
	default:
	}
}

func (cd *CallbackDispatcher) dequeue() (callbackRequest, bool) {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	if len(cd.queue) == 0 {
		return callbackRequest{}, false
	}
	req := cd.queue[0]
	cd.queue = cd.queue[1:]
	return req, true
}

func (cd *CallbackDispatcher) setState(slot int, s slotState) {
	cd.mu.Lock()
	cd.states[slot] = s
	cd.mu.Unlock()
}

// slotLoop is one outgoing line: it drains the callback queue, moving
// its slot through dialing and busy and back to idle per caller.
func (cd *CallbackDispatcher) slotLoop(ctx context.Context, slot int) {
	defer cd.wg.Done()
	log := orDefault(cd.Logger).With("component", "apps", "slot", slot)

	for {
		req, ok := cd.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-cd.wake:
				continue
			}
		}

		cd.setState(slot, slotDialing)
		err := cd.callBack(ctx, slot, req.callerID)
		cd.setState(slot, slotIdle)

		if err == nil {
			continue
		}
		req.attempts++
		if errors.Is(err, context.Canceled) {
			return
		}
		if req.attempts >= cd.Tries {
			log.Error("giving up on callback", "caller_id", req.callerID,
				"attempts", req.attempts, "error", err)
			continue
		}
		log.Warn("callback failed, will retry", "caller_id", req.callerID,
			"attempts", req.attempts, "error", err)
		timer := time.NewTimer(serviceWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		cd.enqueue(req)
	}
}

// callBack dials one caller and runs the dialog on the connected leg.
func (cd *CallbackDispatcher) callBack(ctx context.Context, slot int, callerID string) error {
	log := orDefault(cd.Logger).With("component", "apps", "caller_id", callerID)

	line, err := dialer.New(cd.Node, orDefault(cd.Logger)).Claim(ctx)
	if err != nil {
		return err
	}
	defer line.Release()

	sess, err := line.Dial(ctx, callerID)
	if err != nil {
		return err
	}
	defer sess.Close()

	cd.setState(slot, slotBusy)
	if err := sess.Answer(); err != nil {
		sess.Hangup("FAILURE")
		return err
	}
	d := dialog.NewFromSession(sess, orDefault(cd.Logger))
	if err := cd.Build(d); err != nil {
		sess.Hangup("FAILURE")
		return err
	}
	if err := d.Run(); err != nil {
		log.Error("callback dialog failed", "error", err)
		sess.Hangup("FAILURE")
		return nil // the caller was reached; do not redial
	}
	return sess.Hangup("SUCCESS")
}
