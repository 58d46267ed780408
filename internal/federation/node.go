// Package federation implements the meshivr node: it composes the UDP RPC
// transport, the contact registry and the tuple registry into the fabric
// that lends resources and routes call events between peers.
package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/meshivr/meshivr/internal/config"
	"github.com/meshivr/meshivr/internal/fastagi"
	"github.com/meshivr/meshivr/internal/federation/rpc"
	"github.com/meshivr/meshivr/internal/federation/tuplespace"
	"github.com/meshivr/meshivr/internal/manager"
	"github.com/meshivr/meshivr/internal/sms"
	"github.com/zeebo/bencode"
)

var (
	// ErrJoinPartial is returned when some, but not all, seed contacts
	// answered the join exchange.
	ErrJoinPartial = errors.New("not all contacts responded")
	// ErrJoinUnreachable is returned when no seed contact answered.
	ErrJoinUnreachable = errors.New("none of the contacts could be reached")
	// ErrNoResource is returned when a claim resolves to a peer that no
	// longer offers the requested resource.
	ErrNoResource = errors.New("no resource available")
	// ErrResourceBusy is reported to a consuming claim when the owner's
	// resource is already lent out or busy with a call.
	ErrResourceBusy = errors.New("resource busy")
	// ErrNotJoined guards operations that need an active federation.
	ErrNotJoined = errors.New("node has not joined a federation")
)

type rpcMethod func(sender rpc.Contact, args []bencode.RawMessage) (any, error)

// Options configures a federation node.
type Options struct {
	UDPPort int
	Seeds   []config.Seed
	IVR     *config.IVRConfig
	SMS     *config.SMSConfig
	Logger  *slog.Logger
}

// Node is one peer in the meshivr federation. Create it with New and bring
// it up with Start; there is no implicit background startup.
type Node struct {
	id        rpc.NodeID
	transport *rpc.Transport
	contacts  *rpc.Registry
	store     *tuplespace.Store
	ivrCfg    *config.IVRConfig
	smsCfg    *config.SMSConfig
	seeds     []config.Seed
	log       *slog.Logger

	methods map[string]rpcMethod

	agi         *fastagi.Server
	smsReceiver *sms.Receiver

	mu           sync.Mutex
	joined       bool
	deferred     []func() error
	ivrHandlers  []ivrRegistration
	smsHandlers  []SMSHandler
	claimedCount int
	claimedZero  chan struct{}

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started time.Time
}

// New builds a node with a fresh random identifier. The RPC dispatch table
// is fixed here: only these five methods are callable over the wire.
func New(opts Options) *Node {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		id:          rpc.NewRandomID(),
		contacts:    rpc.NewRegistry(),
		ivrCfg:      opts.IVR,
		smsCfg:      opts.SMS,
		seeds:       opts.Seeds,
		log:         logger.With("component", "node"),
		claimedZero: make(chan struct{}),
	}
	n.store = tuplespace.NewStore(logger)
	n.transport = rpc.NewTransport(n.id, opts.UDPPort, n, logger)
	n.methods = map[string]rpcMethod{
		"invokeResource": n.rpcInvokeResource,
		"handleEvent":    n.rpcHandleEvent,
		"findTuple":      n.rpcFindTuple,
		"getOwnedTuples": n.rpcGetOwnedTuples,
		"getAllTuples":   n.rpcGetAllTuples,
	}
	return n
}

// ID returns the node's 160-bit identifier.
func (n *Node) ID() rpc.NodeID { return n.id }

// Port returns the bound UDP port.
func (n *Node) Port() int { return n.transport.Port() }

// Joined reports whether the node completed its federation join.
func (n *Node) Joined() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.joined
}

// ContactCount reports the number of known peers.
func (n *Node) ContactCount() int { return n.contacts.Len() }

// Contacts lists the known peers.
func (n *Node) Contacts() []rpc.Contact { return n.contacts.All() }

// TupleCount reports the number of locally stored tuples.
func (n *Node) TupleCount() int { return n.store.Len() }

// Tuples enumerates the local tuple view.
func (n *Node) Tuples() []tuplespace.OwnedTuple { return n.store.All() }

// AGIServer returns the local FastAGI server, or nil when no IVR services
// are configured.
func (n *Node) AGIServer() *fastagi.Server { return n.agi }

// Uptime reports how long the node has been running.
func (n *Node) Uptime() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started.IsZero() {
		return 0
	}
	return time.Since(n.started)
}

// Start binds the UDP endpoint, joins the federation through the
// configured seeds, starts local services and drains registrations queued
// before the join.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.runCtx = ctx
	n.cancel = cancel

	if err := n.transport.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("starting transport: %w", err)
	}
	n.log.Info("node starting", "id", n.id, "udp_port", n.transport.Port())

	if err := n.Join(ctx, n.seeds); err != nil {
		n.log.Error("join failed", "error", err)
		n.transport.Stop()
		cancel()
		return err
	}
	if err := n.startServices(ctx); err != nil {
		n.transport.Stop()
		cancel()
		return err
	}
	n.drainDeferred()

	n.mu.Lock()
	n.joined = true
	n.started = time.Now()
	n.mu.Unlock()
	return nil
}

// Join polls every seed with a getOwnedTuples exchange, learning real node
// ids from the reply envelopes and replicating the seeds' tuples locally.
// An empty seed list succeeds immediately.
func (n *Node) Join(ctx context.Context, seeds []config.Seed) error {
	if len(seeds) == 0 {
		return nil
	}
	n.log.Info("joining federation", "seeds", len(seeds))

	var (
		mu      sync.Mutex
		reached int
	)
	var wg sync.WaitGroup
	for _, seed := range seeds {
		wg.Add(1)
		go func(seed config.Seed) {
			defer wg.Done()
			if err := n.joinSeed(ctx, seed); err != nil {
				n.log.Warn("seed did not respond", "addr", seed.Addr, "port", seed.Port, "error", err)
				return
			}
			mu.Lock()
			reached++
			mu.Unlock()
		}(seed)
	}
	wg.Wait()

	switch {
	case reached == 0:
		return ErrJoinUnreachable
	case reached < len(seeds):
		return ErrJoinPartial
	}
	return nil
}

// joinSeed runs the join exchange against one seed: the contact is
// addressed with a throwaway id until its reply reveals the real one.
func (n *Node) joinSeed(ctx context.Context, seed config.Seed) error {
	tentative := rpc.Contact{ID: rpc.NewRandomID(), Addr: seed.Addr, Port: seed.Port}
	reply, err := n.transport.Call(ctx, tentative, "getOwnedTuples")
	if err != nil {
		return err
	}

	contact := rpc.Contact{ID: reply.Sender, Addr: seed.Addr, Port: seed.Port}
	n.contacts.Add(contact)

	var pairs [][]string
	if err := bencode.DecodeBytes(reply.Payload, &pairs); err != nil {
		return fmt.Errorf("decoding tuple list from %s: %w", contact, err)
	}
	for _, pair := range pairs {
		if len(pair) != 2 {
			continue
		}
		owner, err := rpc.IDFromBytes([]byte(pair[0]))
		if err != nil {
			n.log.Warn("discarding replicated tuple with bad owner id", "seed", contact.String(), "error", err)
			continue
		}
		if err := n.store.PutSerialized([]byte(pair[1]), owner); err != nil {
			n.log.Warn("discarding malformed replicated tuple", "seed", contact.String(), "error", err)
		}
	}
	n.log.Info("seed joined", "contact", contact.String(), "tuples", len(pairs))
	return nil
}

// startServices publishes resources and brings up the local servers the
// configuration asks for.
func (n *Node) startServices(ctx context.Context) error {
	if n.smsCfg != nil {
		if n.smsCfg.Receive != nil {
			n.smsReceiver = sms.NewReceiver(n.smsCfg.Receive.Port, n, n.log)
			if err := n.smsReceiver.Start(ctx); err != nil {
				return fmt.Errorf("starting sms receiver: %w", err)
			}
		}
		if n.smsCfg.Send != nil {
			if err := n.PublishResource(tuplespace.TypeSMS, nil); err != nil {
				return err
			}
		}
	}

	if n.ivrCfg != nil && (n.ivrCfg.Outgoing != nil || n.ivrCfg.Incoming != nil) {
		n.agi = fastagi.NewServer(fastagi.Config{
			Port:       n.ivrCfg.FastAGIPort,
			TTS:        n.ivrCfg.DefaultTTS,
			SpeechHost: n.ivrCfg.Speech.Address,
			SpeechPort: n.ivrCfg.Speech.Port,
		}, n, n.log)
		if err := n.agi.Start(ctx); err != nil {
			return fmt.Errorf("starting fastagi server: %w", err)
		}
		n.log.Info("created local fastagi server", "port", n.agi.Port())

		if n.ivrCfg.Incoming != nil && n.ivrCfg.Outgoing != nil {
			if err := n.primeIncoming(ctx); err != nil {
				n.log.Error("error preparing asterisk for incoming calls", "error", err)
				n.log.Error("depending on your asterisk dialplan, incoming calls may not work")
			}
		}
		if n.ivrCfg.Outgoing != nil {
			if err := n.PublishResource(tuplespace.TypeIVR, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// primeIncoming points the PBX dialplan at the local FastAGI server so
// inbound calls reach us.
func (n *Node) primeIncoming(ctx context.Context) error {
	out := n.ivrCfg.Outgoing
	client := manager.NewClient(out.Host, out.Port, out.Username, out.Secret, n.log)
	if err := client.SetVar(ctx, "agihost", config.LocalIP()); err != nil {
		return err
	}
	return client.SetVar(ctx, "agiport", strconv.Itoa(n.agi.Port()))
}

// DispatchRPC implements rpc.Dispatcher over the fixed method table. Any
// inbound request introduces its sender as a contact.
func (n *Node) DispatchRPC(sender rpc.Contact, method string, args []bencode.RawMessage) (any, error) {
	n.contacts.Add(sender)
	fn, ok := n.methods[method]
	if !ok {
		return nil, fmt.Errorf("%w %q", rpc.ErrUnknownMethod, method)
	}
	return fn(sender, args)
}

func (n *Node) rpcFindTuple(_ rpc.Contact, args []bencode.RawMessage) (any, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("findTuple: missing template")
	}
	var fields []string
	if err := bencode.DecodeBytes(args[0], &fields); err != nil {
		return nil, fmt.Errorf("findTuple: decoding template: %w", err)
	}
	tup, _, ok := n.store.Find(tuplespace.Tuple(fields))
	if !ok {
		return nil, nil
	}
	return []string(tup), nil
}

func (n *Node) rpcGetOwnedTuples(rpc.Contact, []bencode.RawMessage) (any, error) {
	return encodeOwnedTuples(n.store.OwnedBy(n.id)), nil
}

func (n *Node) rpcGetAllTuples(rpc.Contact, []bencode.RawMessage) (any, error) {
	return encodeOwnedTuples(n.store.All()), nil
}

// encodeOwnedTuples renders (owner, value) pairs in the wire shape of the
// enumeration RPCs: a list of two-element lists with raw id bytes.
func encodeOwnedTuples(tuples []tuplespace.OwnedTuple) [][]string {
	pairs := make([][]string, 0, len(tuples))
	for _, t := range tuples {
		pairs = append(pairs, []string{string(t.Owner.Bytes()), string(t.Serialized)})
	}
	return pairs
}

// Shutdown waits for every claimed resource to be released, tells peers we
// are leaving and stops the servers and the transport. The context bounds
// the wait; cancelling it forces shutdown with claims outstanding.
func (n *Node) Shutdown(ctx context.Context) error {
	n.log.Info("shutting down")

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var waitErr error
wait:
	for {
		n.mu.Lock()
		claimed := n.claimedCount
		zero := n.claimedZero
		n.mu.Unlock()
		if claimed == 0 {
			break
		}
		select {
		case <-zero:
		case <-ticker.C:
			n.log.Info("waiting for claimed resources to be released", "claimed", claimed)
		case <-ctx.Done():
			waitErr = ctx.Err()
			break wait
		}
	}

	ev := Event{Type: EventShutdown, NodeID: n.id.Hex()}
	for _, contact := range n.contacts.All() {
		if _, err := n.transport.Call(ctx, contact, "handleEvent", ev); err != nil {
			n.log.Debug("shutdown notice not delivered", "contact", contact.String(), "error", err)
		}
	}

	if n.smsReceiver != nil {
		n.smsReceiver.Stop()
	}
	if n.agi != nil {
		n.agi.Stop()
	}
	n.store.Close()
	n.transport.Stop()
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	n.log.Info("shutdown complete")
	return waitErr
}
