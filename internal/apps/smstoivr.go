package apps

import (
	"fmt"
	"log/slog"

	"github.com/meshivr/meshivr/internal/dialer"
	"github.com/meshivr/meshivr/internal/federation"
)

// SMSToIVR calls a texter back and reads their message to them. It
// satisfies federation.SMSHandler.
type SMSToIVR struct {
	Node   *federation.Node
	Logger *slog.Logger

	// Preamble is spoken before the message text.
	Preamble string
}

// HandleSMS originates the callback for one received message.
func (a *SMSToIVR) HandleSMS(callerID, message string) error {
	log := orDefault(a.Logger).With("component", "apps", "caller_id", callerID)
	log.Info("calling texter back to read their message")

	ctx, cancel := claimContext()
	defer cancel()

	line, err := dialer.New(a.Node, orDefault(a.Logger)).Claim(ctx)
	if err != nil {
		return fmt.Errorf("sms callback to %s: %w", callerID, err)
	}
	defer line.Release()

	sess, err := line.Dial(ctx, callerID)
	if err != nil {
		return fmt.Errorf("sms callback to %s: %w", callerID, err)
	}
	defer sess.Close()

	if err := sess.Answer(); err != nil {
		sess.Hangup("FAILURE")
		return fmt.Errorf("sms callback to %s: %w", callerID, err)
	}
	text := message
	if a.Preamble != "" {
		text = a.Preamble + " " + message
	}
	if _, err := sess.Say(text); err != nil {
		sess.Hangup("FAILURE")
		return fmt.Errorf("reading message to %s: %w", callerID, err)
	}
	return sess.Hangup("SUCCESS")
}
