// Package dialer places outbound calls: it borrows a dial-out resource
// from the federation, asks the lending PBX to originate the call and
// waits for the AGI leg to connect back to the local FastAGI server.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/meshivr/meshivr/internal/fastagi"
	"github.com/meshivr/meshivr/internal/federation"
	"github.com/meshivr/meshivr/internal/federation/rpc"
	"github.com/meshivr/meshivr/internal/federation/tuplespace"
	"github.com/meshivr/meshivr/internal/manager"
)

// dialTimeout bounds the wait for the AGI return leg after the PBX
// accepted the originate.
var dialTimeout = 10 * time.Second

var (
	// ErrDialoutFailed is returned when the PBX accepted the call but the
	// AGI leg never connected back.
	ErrDialoutFailed = errors.New("dialout failed, handler response timeout")
	// ErrBadCredentials is returned when a lender hands over a credential
	// vector the dialer cannot use.
	ErrBadCredentials = errors.New("malformed dial-out resource credentials")
	// ErrNoAGIServer is returned when the node runs no local FastAGI
	// server for the return leg to connect to.
	ErrNoAGIServer = errors.New("dialing out needs a local fastagi server")
)

// Dialer claims dial-out lines from the federation.
type Dialer struct {
	node *federation.Node
	log  *slog.Logger
}

// New returns a dialer backed by the given node's federation.
func New(node *federation.Node, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{node: node, log: logger.With("component", "dialer")}
}

// Claim borrows a dial-out line, blocking until some node lends one or
// the context ends. The line is held exclusively until Release returns
// it to its lender.
func (d *Dialer) Claim(ctx context.Context) (*Line, error) {
	if d.node.AGIServer() == nil {
		return nil, ErrNoAGIServer
	}
	claim, err := d.node.Claim(ctx, tuplespace.TypeIVR, true)
	if err != nil {
		return nil, err
	}
	line, err := d.newLine(claim)
	if err != nil {
		claim.Release()
		return nil, err
	}
	return line, nil
}

// newLine unpacks the credential vector of a claimed ivr resource:
// manager host and port, dial-out channel, manager username and secret,
// gateway, dial prefix and internal extension length.
func (d *Dialer) newLine(claim *federation.ClaimedResource) (*Line, error) {
	creds := claim.Credentials
	if len(creds) < 8 {
		return nil, fmt.Errorf("%w: got %d of 8 fields", ErrBadCredentials, len(creds))
	}
	port, err := strconv.Atoi(creds[1])
	if err != nil {
		return nil, fmt.Errorf("%w: manager port %q", ErrBadCredentials, creds[1])
	}
	return &Line{
		agi:     d.node.AGIServer(),
		claim:   claim,
		man:     manager.NewClient(creds[0], port, creds[3], creds[4], d.log),
		log:     d.log,
		channel: creds[2],
		gateway: creds[5],
		prefix:  creds[6],
		extLen:  creds[7],
	}, nil
}

// Line is one borrowed dial-out telephone line: the lending PBX's
// manager endpoint plus the dial rules of its trunk.
type Line struct {
	agi   *fastagi.Server
	claim *federation.ClaimedResource
	man   *manager.Client
	log   *slog.Logger

	channel string
	gateway string
	prefix  string
	extLen  string
}

// Channel reports the PBX channel the line dials out on.
func (l *Line) Channel() string { return l.channel }

// Lender identifies the contact the line was borrowed from, nil when it
// is a local line.
func (l *Line) Lender() *rpc.Contact { return l.claim.Contact }

// Dial places a call to number and returns the AGI session the PBX
// opens back to the local FastAGI server. The caller drives the call
// from there and must hang the session up when done.
func (l *Line) Dial(ctx context.Context, number string) (*fastagi.Session, error) {
	handlerID := l.channel + strconv.Itoa(rand.Intn(1000))
	sessions := l.agi.Register(handlerID)
	defer l.agi.Deregister(handlerID)

	dial := l.dialString(number)
	l.log.Info("invoking outgoing call", "number", dial, "handler_id", handlerID)
	if err := l.man.Originate(ctx, manager.Call{
		Number:    dial,
		Channel:   l.channel,
		AGIPort:   l.agi.Port(),
		HandlerID: handlerID,
	}); err != nil {
		return nil, fmt.Errorf("dialing %s: %w", number, err)
	}

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()
	select {
	case sess := <-sessions:
		l.log.Info("handing control over to the ivr application", "session_id", sess.SessionID)
		return sess, nil
	case <-timer.C:
		l.agi.MarkRogue(handlerID)
		l.log.Error("no answer from the call handler, marking it rogue", "handler_id", handlerID)
		return nil, ErrDialoutFailed
	case <-ctx.Done():
		l.agi.MarkRogue(handlerID)
		return nil, ctx.Err()
	}
}

// dialString applies the line's dial rules: the prefix is added for
// numbers longer than an internal extension (or always, when no length
// is configured) and the gateway trunk is appended when one is set.
func (l *Line) dialString(number string) string {
	if l.prefix != "" {
		if limit, err := strconv.Atoi(l.extLen); err != nil || len(number) > limit {
			number = l.prefix + number
		}
	}
	if l.gateway != "" {
		number += "@" + l.gateway
	}
	return number
}

// Release returns the line to its lender. Releasing twice is a no-op.
func (l *Line) Release() error {
	return l.claim.Release()
}
