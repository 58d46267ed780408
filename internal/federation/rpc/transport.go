package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/zeebo/bencode"
)

// DefaultTimeout is the response deadline for a single RPC.
const DefaultTimeout = 500 * time.Millisecond

// Dispatcher routes an inbound RPC request to an exposed method. Returning
// ErrUnknownMethod (possibly wrapped) reports an AttributeError to the
// peer; any other error is reported as a generic exception.
type Dispatcher interface {
	DispatchRPC(sender Contact, method string, args []bencode.RawMessage) (any, error)
}

// Reply is a successful RPC response. Sender is taken from the reply
// envelope; this is how a joining node learns the real id behind a seed
// address.
type Reply struct {
	Sender  NodeID
	Payload bencode.RawMessage
}

// rpcKey identifies one in-flight exchange with one peer endpoint. Both the
// pending-call table and the fragment reassembly buffers are keyed by it.
type rpcKey struct {
	msgID MessageID
	addr  string
}

// Transport owns the node's single UDP endpoint. It issues outbound
// request/response RPCs and dispatches inbound requests to its Dispatcher.
type Transport struct {
	id         NodeID
	port       int
	dispatcher Dispatcher
	log        *slog.Logger
	timeout    time.Duration

	mu         sync.Mutex
	conn       *net.UDPConn
	pending    map[rpcKey]chan *Message
	assemblies map[rpcKey]*assembly

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTransport creates a transport bound to the given UDP port at Start.
// Port 0 selects an ephemeral port, which Port reports after Start.
func NewTransport(id NodeID, port int, dispatcher Dispatcher, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		id:         id,
		port:       port,
		dispatcher: dispatcher,
		log:        logger.With("component", "transport"),
		timeout:    DefaultTimeout,
		pending:    make(map[rpcKey]chan *Message),
		assemblies: make(map[rpcKey]*assembly),
	}
}

// Start binds the UDP endpoint and begins servicing datagrams.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return errors.New("transport already started")
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: t.port})
	if err != nil {
		return fmt.Errorf("binding udp port %d: %w", t.port, err)
	}
	t.conn = conn

	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(ctx)
	}()

	t.log.Info("udp endpoint listening", "addr", conn.LocalAddr())
	return nil
}

// Stop closes the endpoint and waits for the read loop to exit. Pending
// calls complete with timeouts.
func (t *Transport) Stop() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	t.wg.Wait()
	t.log.Info("udp endpoint stopped")
}

// Port returns the bound UDP port, valid after Start.
func (t *Transport) Port() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return t.port
	}
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

// ID returns the local node id the transport stamps on outbound messages.
func (t *Transport) ID() NodeID {
	return t.id
}

// Call issues one RPC to a contact and waits for its response, an error
// response, the response deadline or ctx cancellation, whichever comes
// first. A *TimeoutError means the peer should be treated as dead.
func (t *Transport) Call(ctx context.Context, contact Contact, method string, args ...any) (*Reply, error) {
	raddr, err := net.ResolveUDPAddr("udp", contact.HostPort())
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", contact.HostPort(), err)
	}

	msgID := NewMessageID()
	data, err := encodeRequest(msgID, t.id, method, args)
	if err != nil {
		return nil, err
	}

	key := rpcKey{msgID: msgID, addr: raddr.String()}
	ch := make(chan *Message, 1)

	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		return nil, ErrStopped
	}
	t.pending[key] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
	}()

	if err := t.send(msgID, data, raddr); err != nil {
		return nil, fmt.Errorf("sending %s to %s: %w", method, contact, err)
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case msg := <-ch:
		if msg.Type == typeError {
			return nil, &RemoteError{Tag: msg.ErrTag, Message: msg.ErrMsg}
		}
		return &Reply{Sender: msg.Sender, Payload: msg.Payload}, nil
	case <-timer.C:
		return nil, &TimeoutError{Contact: contact}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send transmits one encoded message, fragmenting when it exceeds the
// datagram budget.
func (t *Transport) send(msgID MessageID, data []byte, raddr *net.UDPAddr) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrStopped
	}

	if len(data) <= MaxDatagram {
		_, err := conn.WriteToUDP(data, raddr)
		return err
	}
	frags, err := fragmentMessage(msgID, data, MaxDatagram)
	if err != nil {
		return err
	}
	for _, frag := range frags {
		if _, err := conn.WriteToUDP(frag, raddr); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) readLoop(ctx context.Context) {
	buf := make([]byte, 65535)
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Error("udp read failed", "error", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		t.handleDatagram(ctx, data, raddr)
	}
}

func (t *Transport) handleDatagram(ctx context.Context, data []byte, raddr *net.UDPAddr) {
	msgType, err := peekType(data)
	if err != nil {
		t.log.Debug("dropping undecodable datagram", "remote", raddr, "error", err)
		return
	}

	if msgType == typeFragment {
		full, ok := t.addFragment(data, raddr)
		if !ok {
			return
		}
		data = full
	}

	msg, err := decodeMessage(data)
	if err != nil {
		t.log.Debug("dropping malformed message", "remote", raddr, "error", err)
		return
	}

	switch msg.Type {
	case typeRequest:
		sender := Contact{ID: msg.Sender, Addr: raddr.IP.String(), Port: raddr.Port}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.serveRequest(ctx, msg, sender, raddr)
		}()
	case typeResponse, typeError:
		key := rpcKey{msgID: msg.MsgID, addr: raddr.String()}
		t.mu.Lock()
		ch, ok := t.pending[key]
		t.mu.Unlock()
		if !ok {
			t.log.Debug("dropping unsolicited response", "remote", raddr, "msg_id", msg.MsgID)
			return
		}
		select {
		case ch <- msg:
		default:
		}
	}
}

// addFragment buffers one fragment datagram and returns the reassembled
// message when its last slice arrives.
func (t *Transport) addFragment(data []byte, raddr *net.UDPAddr) ([]byte, bool) {
	var frag wireFragment
	if err := bencode.DecodeBytes(data, &frag); err != nil {
		t.log.Debug("dropping malformed fragment", "remote", raddr, "error", err)
		return nil, false
	}
	msgID, err := MessageIDFromBytes([]byte(frag.MsgID))
	if err != nil || frag.Total < 1 {
		return nil, false
	}
	key := rpcKey{msgID: msgID, addr: raddr.String()}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for k, a := range t.assemblies {
		if a.expired(now) {
			delete(t.assemblies, k)
		}
	}

	a, ok := t.assemblies[key]
	if !ok {
		a = newAssembly(frag.Total)
		t.assemblies[key] = a
	}
	full, done := a.add(frag.Seq, []byte(frag.Data))
	if !done {
		return nil, false
	}
	delete(t.assemblies, key)
	return full, true
}

// serveRequest dispatches one inbound request and sends the reply.
func (t *Transport) serveRequest(ctx context.Context, msg *Message, sender Contact, raddr *net.UDPAddr) {
	value, err := t.dispatcher.DispatchRPC(sender, msg.Method, msg.Args)

	var reply []byte
	if err != nil {
		tag := exceptionTag
		if errors.Is(err, ErrUnknownMethod) {
			tag = attributeErrorTag
		}
		reply, err = encodeErrorResponse(msg.MsgID, t.id, tag, err.Error())
	} else {
		reply, err = encodeResponse(msg.MsgID, t.id, value)
	}
	if err != nil {
		t.log.Error("encoding reply failed", "method", msg.Method, "error", err)
		return
	}
	if err := t.send(msg.MsgID, reply, raddr); err != nil && ctx.Err() == nil {
		t.log.Error("sending reply failed", "method", msg.Method, "remote", raddr, "error", err)
	}
}
