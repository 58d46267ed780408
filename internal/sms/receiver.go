// Package sms carries text messages in both directions through a
// Kannel-style gateway: a Receiver the gateway pushes inbound messages
// to over HTTP, and a Sender that submits outbound messages through the
// gateway's sendsms interface.
package sms

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

// Inbound traffic comes from a single gateway, so one process-wide
// limiter is enough.
const (
	inboundRate  = rate.Limit(20)
	inboundBurst = 40

	deliverTimeout = 30 * time.Second
)

// Notifier accepts inbound messages for routing to whichever node has a
// handler registered for them.
type Notifier interface {
	NotifySMS(ctx context.Context, callerID, message string) error
}

// Receiver is the HTTP endpoint the SMS gateway delivers inbound
// messages to, one GET request per message.
type Receiver struct {
	port     int
	notifier Notifier
	log      *slog.Logger
	limiter  *rate.Limiter
	router   *chi.Mux

	ln     net.Listener
	srv    *http.Server
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReceiver creates a receiver for the given TCP port. Port 0 binds an
// ephemeral port, reported by Port after Start.
func NewReceiver(port int, notifier Notifier, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	rc := &Receiver{
		port:     port,
		notifier: notifier,
		log:      logger.With("component", "sms"),
		limiter:  rate.NewLimiter(inboundRate, inboundBurst),
		runCtx:   context.Background(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", rc.handleInbound)
	rc.router = r
	return rc
}

// ServeHTTP implements http.Handler.
func (rc *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rc.router.ServeHTTP(w, req)
}

// Start binds the listener and serves gateway callbacks until Stop.
func (rc *Receiver) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", rc.port))
	if err != nil {
		return fmt.Errorf("sms receiver listen: %w", err)
	}
	rc.ln = ln
	rc.runCtx, rc.cancel = context.WithCancel(ctx)

	rc.srv = &http.Server{
		Handler:      rc,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		if err := rc.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			rc.log.Error("sms receiver failed", "error", err)
		}
	}()
	rc.log.Info("sms receiver listening", "port", rc.Port())
	return nil
}

// Port reports the bound port, which differs from the configured one
// when the receiver was started on port 0.
func (rc *Receiver) Port() int {
	if rc.ln == nil {
		return rc.port
	}
	return rc.ln.Addr().(*net.TCPAddr).Port
}

// Stop closes the listener, cancels in-flight deliveries and waits for
// them to drain.
func (rc *Receiver) Stop() {
	if rc.cancel != nil {
		rc.cancel()
	}
	if rc.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rc.srv.Shutdown(ctx); err != nil {
			rc.log.Error("sms receiver shutdown error", "error", err)
		}
	}
	rc.wg.Wait()
	rc.log.Info("sms receiver stopped")
}

func (rc *Receiver) handleInbound(w http.ResponseWriter, req *http.Request) {
	if !rc.limiter.Allow() {
		http.Error(w, "Too many requests.", http.StatusTooManyRequests)
		return
	}
	values, err := url.ParseQuery(req.URL.RawQuery)
	if err != nil {
		respond(w, http.StatusBadRequest, "Invalid request.\n")
		return
	}
	// Gateways disagree on parameter casing, so fold the keys.
	params := make(map[string]string, len(values))
	for key, vals := range values {
		if len(vals) > 0 {
			params[strings.ToLower(key)] = vals[0]
		}
	}
	callerID, ok := params["callerid"]
	if !ok {
		respond(w, http.StatusBadRequest, "Invalid request; missing \"callerid\" variable.\n")
		return
	}
	message, ok := params["message"]
	if !ok {
		respond(w, http.StatusBadRequest, "Invalid request; missing \"message\" variable.\n")
		return
	}

	// Acknowledge to the gateway right away; routing the message across
	// the federation happens in the background.
	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		ctx, cancel := context.WithTimeout(rc.runCtx, deliverTimeout)
		defer cancel()
		if err := rc.notifier.NotifySMS(ctx, callerID, message); err != nil {
			rc.log.Error("inbound sms not delivered", "caller_id", callerID, "error", err)
		}
	}()
	rc.log.Info("received sms", "caller_id", callerID)
	respond(w, http.StatusOK, "Message received OK.\n")
}

func respond(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, body)
}
