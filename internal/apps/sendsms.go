package apps

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/meshivr/meshivr/internal/federation"
	"github.com/meshivr/meshivr/internal/federation/tuplespace"
	"github.com/meshivr/meshivr/internal/sms"
)

// SendSMS borrows an sms gateway from the federation and delivers one
// message to each destination. It satisfies federation.App.
type SendSMS struct {
	Text         string
	Destinations []string
	Logger       *slog.Logger

	// Results receives the per-destination outcome when set.
	Results chan<- []bool
}

// Run sends the message. SMS gateways are shared, so the resource is
// read rather than taken.
func (a *SendSMS) Run(n *federation.Node) error {
	log := orDefault(a.Logger).With("component", "apps")
	ctx, cancel := claimContext()
	defer cancel()

	claim, err := n.Claim(ctx, tuplespace.TypeSMS, false)
	if err != nil {
		return fmt.Errorf("sending sms: %w", err)
	}
	defer claim.Release()

	sender, err := senderFromClaim(claim, orDefault(a.Logger))
	if err != nil {
		return err
	}
	results, err := sender.Send(ctx, a.Text, a.Destinations...)
	if a.Results != nil {
		a.Results <- results
	}
	if err != nil {
		return fmt.Errorf("sending sms: %w", err)
	}
	for i, ok := range results {
		if !ok {
			log.Warn("sms not accepted by the gateway", "destination", a.Destinations[i])
		}
	}
	return nil
}

// senderFromClaim unpacks an sms credential vector: gateway host and
// port, then the submit username and password.
func senderFromClaim(claim *federation.ClaimedResource, logger *slog.Logger) (*sms.Sender, error) {
	creds := claim.Credentials
	if len(creds) < 4 {
		return nil, fmt.Errorf("malformed sms resource credentials: got %d of 4 fields", len(creds))
	}
	port, err := strconv.Atoi(creds[1])
	if err != nil {
		return nil, fmt.Errorf("malformed sms resource credentials: port %q", creds[1])
	}
	return sms.NewSender(creds[0], port, creds[2], creds[3], logger), nil
}
