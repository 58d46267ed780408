package apps

import (
	"fmt"
	"log/slog"

	"github.com/meshivr/meshivr/internal/dialer"
	"github.com/meshivr/meshivr/internal/fastagi"
	"github.com/meshivr/meshivr/internal/federation"
	"github.com/meshivr/meshivr/internal/tts"
)

// OutgoingCall borrows a dial-out line, calls a number and reads an
// announcement to whoever answers. It satisfies federation.App.
type OutgoingCall struct {
	Number  string
	Message string
	Logger  *slog.Logger

	// Renderer, when set, synthesizes the announcement locally before
	// the call and pushes the audio to the PBX, so the same file serves
	// repeated announcements. Without it the PBX speaks the text over
	// its own engine.
	Renderer tts.Renderer
}

// Run places the call. The borrowed line is returned on every path.
func (a *OutgoingCall) Run(n *federation.Node) error {
	log := orDefault(a.Logger).With("component", "apps")
	ctx, cancel := claimContext()
	defer cancel()

	var announcement string
	if a.Renderer != nil {
		file, err := a.Renderer.Render(ctx, a.Message)
		if err != nil {
			return fmt.Errorf("outgoing call: %w", err)
		}
		announcement = file
	}

	line, err := dialer.New(n, orDefault(a.Logger)).Claim(ctx)
	if err != nil {
		return fmt.Errorf("outgoing call: %w", err)
	}
	defer line.Release()

	sess, err := line.Dial(ctx, a.Number)
	if err != nil {
		return fmt.Errorf("outgoing call to %s: %w", a.Number, err)
	}
	defer sess.Close()

	log.Info("outbound call connected", "number", a.Number, "session_id", sess.SessionID)
	if err := sess.Answer(); err != nil {
		sess.Hangup("FAILURE")
		return fmt.Errorf("outgoing call to %s: %w", a.Number, err)
	}
	if err := a.announce(sess, announcement); err != nil {
		sess.Hangup("FAILURE")
		return fmt.Errorf("announcing to %s: %w", a.Number, err)
	}
	return sess.Hangup("SUCCESS")
}

func (a *OutgoingCall) announce(sess *fastagi.Session, file string) error {
	if file == "" {
		_, err := sess.Say(a.Message)
		return err
	}
	if _, err := sess.SendSoundFile(file); err != nil {
		return err
	}
	_, err := sess.PlayAudio(file)
	return err
}
