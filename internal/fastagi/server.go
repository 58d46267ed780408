// Package fastagi implements the network side of the PBX's AGI
// protocol: a server accepting the TCP legs the PBX opens for each
// call, and the synchronous session API handlers use to drive a call.
package fastagi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"sync"
)

// Config holds the FastAGI listener settings.
type Config struct {
	Port       int
	TTS        string
	SpeechHost string
	SpeechPort int
}

// InboundCall describes a PBX leg that arrived without a handler id.
type InboundCall struct {
	Channel      string
	CallerID     string
	DialedNumber string
	SessionID    string
	HandlerID    string
}

// Route is where an inbound leg should be redirected.
type Route struct {
	Host string
	Port int
}

// Router decides what happens to inbound calls. ClaimLine gates
// concurrent inbound load; the release func it returns is always
// called, whatever the routing outcome.
type Router interface {
	ClaimLine(ctx context.Context) (release func(), err error)
	RouteInbound(ctx context.Context, call InboundCall) (*Route, error)
}

// Server accepts AGI connections from the PBX and binds each one either
// to the waiting session that originated it or to the inbound routing
// flow.
type Server struct {
	cfg    Config
	router Router
	log    *slog.Logger

	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	waiters map[string]chan *Session
	rogue   map[string]bool
	active  int
}

// NewServer returns a stopped server; call Start to bind the listener.
func NewServer(cfg Config, router Router, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTS == "" {
		cfg.TTS = "tts"
	}
	return &Server{
		cfg:     cfg,
		router:  router,
		log:     logger.With("component", "fastagi"),
		waiters: make(map[string]chan *Session),
		rogue:   make(map[string]bool),
	}
}

// Start binds the listener and begins accepting PBX legs.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("starting fastagi listener: %w", err)
	}
	s.ln = ln
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.acceptLoop(runCtx)
	return nil
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.ln.Close()
	s.wg.Wait()
	s.log.Info("fastagi server stopped")
}

// Port reports the bound listener port.
func (s *Server) Port() int {
	if s.ln == nil {
		return s.cfg.Port
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// ActiveSessions reports how many AGI conversations are open.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Register announces a handler id whose AGI leg is expected; the
// returned channel yields the session once the PBX connects back.
func (s *Server) Register(handlerID string) <-chan *Session {
	ch := make(chan *Session, 1)
	s.mu.Lock()
	s.waiters[handlerID] = ch
	delete(s.rogue, handlerID)
	s.mu.Unlock()
	return ch
}

// Deregister forgets a handler id. Safe to call after delivery.
func (s *Server) Deregister(handlerID string) {
	s.mu.Lock()
	delete(s.waiters, handlerID)
	s.mu.Unlock()
}

// MarkRogue records that the waiter for handlerID gave up, so a late
// AGI leg carrying that id is hung up instead of delivered.
func (s *Server) MarkRogue(handlerID string) {
	s.mu.Lock()
	delete(s.waiters, handlerID)
	s.rogue[handlerID] = true
	s.mu.Unlock()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("accepting agi connection failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	sess, err := s.accept(conn)
	if err != nil {
		s.log.Error("agi handshake failed", "error", err)
		conn.Close()
		return
	}
	s.mu.Lock()
	s.active++
	s.mu.Unlock()
	sess.onClose = func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}

	if sess.handlerID != "" {
		s.deliver(sess)
		return
	}
	s.routeInbound(ctx, sess)
}

// accept reads the AGI header block and the channel variables that tell
// us what kind of leg this is.
func (s *Server) accept(conn net.Conn) (*Session, error) {
	r := bufio.NewReader(conn)
	sess := &Session{
		conn:       conn,
		r:          r,
		log:        s.log,
		tts:        s.cfg.TTS,
		speechHost: s.cfg.SpeechHost,
		speechPort: s.cfg.SpeechPort,
	}

	env, err := readHeader(r)
	if err != nil {
		return nil, fmt.Errorf("reading agi header: %w", err)
	}
	sess.Channel = env["agi_channel"]
	sess.SessionID = env["agi_uniqueid"]
	if id := env["agi_callerid"]; id != "unknown" {
		sess.CallerID = id
	}

	// A diverted call carries the original destination in rdnis.
	rdnis, err := sess.GetVariable("CALLERID(rdnis)")
	if err != nil {
		return nil, err
	}
	if rdnis != "" {
		sess.DialedNumber = rdnis
		if sess.DivertedNumber, err = sess.GetVariable("CALLERID(dnid)"); err != nil {
			return nil, err
		}
	} else if sess.DialedNumber, err = sess.GetVariable("CALLERID(dnid)"); err != nil {
		return nil, err
	}

	if sess.handlerID, err = sess.GetVariable("ivrhandlerid"); err != nil {
		return nil, err
	}
	return sess, nil
}

func readHeader(r *bufio.Reader) (map[string]string, error) {
	env := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return env, nil
		}
		if key, value, ok := strings.Cut(line, ":"); ok {
			env[key] = strings.TrimSpace(value)
		}
	}
}

// deliver hands a return leg to the session waiter that originated it.
func (s *Server) deliver(sess *Session) {
	s.mu.Lock()
	if s.rogue[sess.handlerID] {
		delete(s.rogue, sess.handlerID)
		s.mu.Unlock()
		s.log.Error("rogue handler detected, hanging up call", "caller_id", sess.CallerID)
		sess.Hangup("HANGUP")
		return
	}
	ch, ok := s.waiters[sess.handlerID]
	s.mu.Unlock()
	if !ok {
		s.log.Warn("no handler waiting for agi leg", "handler_id", sess.handlerID)
		sess.Close()
		return
	}
	s.log.Info("received connection on local fastagi server, starting the handler for this call",
		"session_id", sess.SessionID)
	select {
	case ch <- sess:
	default:
		s.log.Warn("duplicate agi leg for handler, dropping", "handler_id", sess.handlerID)
		sess.Close()
	}
}

// routeInbound services a call nobody originated: gate it on a local
// ivr line, tag it with a fresh handler id and redirect the PBX to
// whichever node the federation picked.
func (s *Server) routeInbound(ctx context.Context, sess *Session) {
	defer sess.Close()
	s.log.Info("received incoming call on local fastagi server", "session_id", sess.SessionID)

	release, err := s.router.ClaimLine(ctx)
	if err != nil {
		s.log.Error("could not claim an ivr line for the incoming call", "error", err)
		return
	}
	defer release()

	handlerID := fmt.Sprintf("incoming:%s%d", sess.Channel, rand.Intn(1000))
	if err := sess.SetVariable("ivrhandlerid", handlerID); err != nil {
		s.log.Error("could not tag the incoming call", "error", err)
		return
	}

	route, err := s.router.RouteInbound(ctx, InboundCall{
		Channel:      sess.Channel,
		CallerID:     sess.CallerID,
		DialedNumber: sess.DialedNumber,
		SessionID:    sess.SessionID,
		HandlerID:    handlerID,
	})
	if err != nil {
		s.log.Error("routing the incoming call failed", "error", err)
		return
	}
	if route == nil {
		return
	}
	s.log.Info("re-routing call to remote fastagi server",
		"host", route.Host, "port", route.Port, "session_id", sess.SessionID)
	// EXEC AGI blocks until the re-routed call ends, so the deferred
	// release covers the whole call.
	if _, err := sess.Exec(fmt.Sprintf("AGI agi://%s:%d", route.Host, route.Port)); err != nil {
		s.log.Error("re-routing the call failed", "error", err)
	}
}
