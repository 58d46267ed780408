package fastagi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeRouter struct {
	mu       sync.Mutex
	claims   int
	releases int
	calls    []InboundCall
	route    *Route
	routeErr error
	claimErr error
}

func (f *fakeRouter) ClaimLine(ctx context.Context) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	f.claims++
	return func() {
		f.mu.Lock()
		f.releases++
		f.mu.Unlock()
	}, nil
}

func (f *fakeRouter) RouteInbound(ctx context.Context, call InboundCall) (*Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.route, f.routeErr
}

func (f *fakeRouter) snapshot() (claims, releases int, calls []InboundCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claims, f.releases, append([]InboundCall(nil), f.calls...)
}

func startTestServer(t *testing.T, router Router) *Server {
	t.Helper()
	srv := NewServer(Config{Port: 0, TTS: "tts"}, router, slog.Default())
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("starting server: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

// pbxLeg plays the PBX side of one AGI connection.
type pbxLeg struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialLeg(t *testing.T, port int, header map[string]string) *pbxLeg {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dialing server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	var b strings.Builder
	for k, v := range header {
		b.WriteString(k + ": " + v + "\n")
	}
	b.WriteString("\n")
	if _, err := conn.Write([]byte(b.String())); err != nil {
		t.Fatalf("sending header: %v", err)
	}
	return &pbxLeg{t: t, conn: conn, r: bufio.NewReader(conn)}
}

// expect reads one command line, checks its prefix and answers it.
func (l *pbxLeg) expect(prefix, reply string) string {
	l.t.Helper()
	l.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := l.r.ReadString('\n')
	if err != nil {
		l.t.Fatalf("reading command (want %q): %v", prefix, err)
	}
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, prefix) {
		l.t.Fatalf("command = %q, want prefix %q", line, prefix)
	}
	if _, err := l.conn.Write([]byte(reply + "\n")); err != nil {
		l.t.Fatalf("replying: %v", err)
	}
	return line
}

func (l *pbxLeg) expectEOF() {
	l.t.Helper()
	l.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if line, err := l.r.ReadString('\n'); err == nil {
		l.t.Fatalf("expected the server to close, got %q", line)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func standardHeader() map[string]string {
	return map[string]string{
		"agi_channel":  "SIP/trunk-00000001",
		"agi_callerid": "0821112222",
		"agi_uniqueid": "uid-1",
		"agi_dnid":     "100",
	}
}

func TestDeliverToRegisteredHandler(t *testing.T) {
	srv := startTestServer(t, &fakeRouter{})
	ch := srv.Register("dial-42")

	leg := dialLeg(t, srv.Port(), standardHeader())
	leg.expect("GET VARIABLE CALLERID(rdnis)", "200 result=0")
	leg.expect("GET VARIABLE CALLERID(dnid)", "200 result=1 (100)")
	leg.expect("GET VARIABLE ivrhandlerid", "200 result=1 (dial-42)")

	var sess *Session
	select {
	case sess = <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("session was not delivered")
	}
	if sess.CallerID != "0821112222" {
		t.Errorf("CallerID = %q", sess.CallerID)
	}
	if sess.Channel != "SIP/trunk-00000001" {
		t.Errorf("Channel = %q", sess.Channel)
	}
	if sess.SessionID != "uid-1" {
		t.Errorf("SessionID = %q", sess.SessionID)
	}
	if sess.DialedNumber != "100" {
		t.Errorf("DialedNumber = %q", sess.DialedNumber)
	}
	if got := srv.ActiveSessions(); got != 1 {
		t.Errorf("ActiveSessions = %d, want 1", got)
	}
	sess.Close()
	if got := srv.ActiveSessions(); got != 0 {
		t.Errorf("ActiveSessions after close = %d, want 0", got)
	}
}

func TestDivertedCallNumbers(t *testing.T) {
	srv := startTestServer(t, &fakeRouter{})
	ch := srv.Register("dial-7")

	leg := dialLeg(t, srv.Port(), standardHeader())
	leg.expect("GET VARIABLE CALLERID(rdnis)", "200 result=1 (200)")
	leg.expect("GET VARIABLE CALLERID(dnid)", "200 result=1 (100)")
	leg.expect("GET VARIABLE ivrhandlerid", "200 result=1 (dial-7)")

	sess := <-ch
	if sess.DialedNumber != "200" {
		t.Errorf("DialedNumber = %q, want the rdnis value", sess.DialedNumber)
	}
	if sess.DivertedNumber != "100" {
		t.Errorf("DivertedNumber = %q, want the dnid value", sess.DivertedNumber)
	}
	sess.Close()
}

func TestUnknownCallerIDCleared(t *testing.T) {
	srv := startTestServer(t, &fakeRouter{})
	ch := srv.Register("dial-9")

	header := standardHeader()
	header["agi_callerid"] = "unknown"
	leg := dialLeg(t, srv.Port(), header)
	leg.expect("GET VARIABLE CALLERID(rdnis)", "200 result=0")
	leg.expect("GET VARIABLE CALLERID(dnid)", "200 result=0")
	leg.expect("GET VARIABLE ivrhandlerid", "200 result=1 (dial-9)")

	sess := <-ch
	if sess.CallerID != "" {
		t.Errorf("CallerID = %q, want empty", sess.CallerID)
	}
	sess.Close()
}

func TestRogueHandlerHungUp(t *testing.T) {
	srv := startTestServer(t, &fakeRouter{})
	srv.Register("gone")
	srv.MarkRogue("gone")

	leg := dialLeg(t, srv.Port(), standardHeader())
	leg.expect("GET VARIABLE CALLERID(rdnis)", "200 result=0")
	leg.expect("GET VARIABLE CALLERID(dnid)", "200 result=1 (100)")
	leg.expect("GET VARIABLE ivrhandlerid", "200 result=1 (gone)")

	leg.expect("SET VARIABLE AGISTATUS HANGUP", "200 result=1")
	leg.expectEOF()
}

func TestInboundRouted(t *testing.T) {
	router := &fakeRouter{route: &Route{Host: "10.0.0.9", Port: 4577}}
	srv := startTestServer(t, router)

	leg := dialLeg(t, srv.Port(), standardHeader())
	leg.expect("GET VARIABLE CALLERID(rdnis)", "200 result=0")
	leg.expect("GET VARIABLE CALLERID(dnid)", "200 result=1 (0861234)")
	leg.expect("GET VARIABLE ivrhandlerid", "200 result=0")

	setLine := leg.expect("SET VARIABLE ivrhandlerid incoming:SIP/trunk-00000001", "200 result=1")
	handlerID := strings.TrimPrefix(setLine, "SET VARIABLE ivrhandlerid ")
	leg.expect("EXEC AGI agi://10.0.0.9:4577", "200 result=0")
	leg.expectEOF()

	waitFor(t, "the line release", func() bool {
		_, releases, _ := router.snapshot()
		return releases == 1
	})
	claims, _, calls := router.snapshot()
	if claims != 1 {
		t.Errorf("claims = %d, want 1", claims)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	call := calls[0]
	if call.HandlerID != handlerID {
		t.Errorf("HandlerID = %q, want %q", call.HandlerID, handlerID)
	}
	if call.Channel != "SIP/trunk-00000001" || call.DialedNumber != "0861234" {
		t.Errorf("call = %+v", call)
	}
	if call.SessionID != "uid-1" {
		t.Errorf("SessionID = %q", call.SessionID)
	}
}

func TestInboundNoHandlerStillReleases(t *testing.T) {
	router := &fakeRouter{} // route stays nil: nobody wants the call
	srv := startTestServer(t, router)

	leg := dialLeg(t, srv.Port(), standardHeader())
	leg.expect("GET VARIABLE CALLERID(rdnis)", "200 result=0")
	leg.expect("GET VARIABLE CALLERID(dnid)", "200 result=0")
	leg.expect("GET VARIABLE ivrhandlerid", "200 result=0")
	leg.expect("SET VARIABLE ivrhandlerid incoming:", "200 result=1")
	leg.expectEOF()

	waitFor(t, "the line release", func() bool {
		_, releases, _ := router.snapshot()
		return releases == 1
	})
}

func TestInboundClaimFailure(t *testing.T) {
	router := &fakeRouter{claimErr: errors.New("no lines")}
	srv := startTestServer(t, router)

	leg := dialLeg(t, srv.Port(), standardHeader())
	leg.expect("GET VARIABLE CALLERID(rdnis)", "200 result=0")
	leg.expect("GET VARIABLE CALLERID(dnid)", "200 result=0")
	leg.expect("GET VARIABLE ivrhandlerid", "200 result=0")
	leg.expectEOF()

	_, _, calls := router.snapshot()
	if len(calls) != 0 {
		t.Errorf("RouteInbound was called %d times, want 0", len(calls))
	}
}

func TestDuplicateLegDropped(t *testing.T) {
	srv := startTestServer(t, &fakeRouter{})
	ch := srv.Register("dial-2")

	first := dialLeg(t, srv.Port(), standardHeader())
	first.expect("GET VARIABLE CALLERID(rdnis)", "200 result=0")
	first.expect("GET VARIABLE CALLERID(dnid)", "200 result=0")
	first.expect("GET VARIABLE ivrhandlerid", "200 result=1 (dial-2)")

	waitFor(t, "the first delivery", func() bool { return len(ch) == 1 })

	second := dialLeg(t, srv.Port(), standardHeader())
	second.expect("GET VARIABLE CALLERID(rdnis)", "200 result=0")
	second.expect("GET VARIABLE CALLERID(dnid)", "200 result=0")
	second.expect("GET VARIABLE ivrhandlerid", "200 result=1 (dial-2)")
	second.expectEOF()

	sess := <-ch
	sess.Close()
}
