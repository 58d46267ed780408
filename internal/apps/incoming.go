package apps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meshivr/meshivr/internal/database"
	"github.com/meshivr/meshivr/internal/dialog"
	"github.com/meshivr/meshivr/internal/fastagi"
)

// BuildFunc declares the nodes and callbacks of a dialog before it
// runs.
type BuildFunc func(d *dialog.Dialog) error

// IncomingCall answers inbound calls and walks each caller through the
// dialog its builder declares. It satisfies federation.IVRHandler.
type IncomingCall struct {
	Build  BuildFunc
	Store  database.Store // optional; finished histories are persisted when set
	Logger *slog.Logger
}

// HandleIVR runs one inbound call to completion.
func (a *IncomingCall) HandleIVR(sess *fastagi.Session) error {
	log := orDefault(a.Logger).With("component", "apps", "session_id", sess.SessionID)
	defer sess.Close()

	if err := sess.Answer(); err != nil {
		return fmt.Errorf("answering call: %w", err)
	}
	log.Info("answered incoming call", "caller_id", sess.CallerID)

	d := dialog.NewFromSession(sess, orDefault(a.Logger))
	if err := a.Build(d); err != nil {
		sess.Hangup("FAILURE")
		return fmt.Errorf("building dialog: %w", err)
	}

	runErr := d.Run()
	a.saveHistory(d.History(), log)
	if runErr != nil {
		sess.Hangup("FAILURE")
		return fmt.Errorf("running dialog: %w", runErr)
	}
	return sess.Hangup("SUCCESS")
}

// saveHistory persists the call trail in the background; storage
// trouble is logged, never surfaced into call handling.
func (a *IncomingCall) saveHistory(h *dialog.CallHistory, log *slog.Logger) {
	if a.Store == nil || h == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Store.SaveCall(ctx, h); err != nil {
			log.Error("failed to persist call history", "error", err)
		}
	}()
}
