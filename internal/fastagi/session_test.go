package fastagi

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// agiScript plays the PBX side of a session: it answers each command
// the session sends with the next canned reply and records the command
// lines it received.
type agiScript struct {
	conn    net.Conn
	replies []string

	mu  sync.Mutex
	got []string
}

func newTestSession(t *testing.T, replies ...string) (*Session, *agiScript) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	sess := &Session{
		conn:       client,
		r:          bufio.NewReader(client),
		log:        slog.Default(),
		tts:        "tts",
		speechHost: "127.0.0.1",
		speechPort: 9000,
	}
	script := &agiScript{conn: server, replies: replies}
	go script.run()
	return sess, script
}

func (a *agiScript) run() {
	r := bufio.NewReader(a.conn)
	for _, reply := range a.replies {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		a.mu.Lock()
		a.got = append(a.got, strings.TrimRight(line, "\n"))
		a.mu.Unlock()
		if _, err := a.conn.Write([]byte(reply + "\n")); err != nil {
			return
		}
	}
}

func (a *agiScript) commands() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.got...)
}

func TestGetVariable(t *testing.T) {
	sess, script := newTestSession(t, "200 result=1 (abc123)")
	value, err := sess.GetVariable("myvar")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "abc123" {
		t.Errorf("value = %q, want abc123", value)
	}
	if cmds := script.commands(); cmds[0] != "GET VARIABLE myvar" {
		t.Errorf("command = %q", cmds[0])
	}
}

func TestGetVariableUnset(t *testing.T) {
	sess, _ := newTestSession(t, "200 result=0")
	value, err := sess.GetVariable("missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "" {
		t.Errorf("value = %q, want empty", value)
	}
}

func TestGetVariableExpression(t *testing.T) {
	sess, script := newTestSession(t, "200 result=1 (4)")
	if _, err := sess.GetVariable("$[2+2]"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmds := script.commands(); cmds[0] != "GET FULL VARIABLE $[2+2]" {
		t.Errorf("command = %q, want GET FULL VARIABLE", cmds[0])
	}
}

func TestPlayAudioControlStripsExtension(t *testing.T) {
	sess, script := newTestSession(t, "200 result=0 endpos=1200")
	res, err := sess.PlayAudioControl("welcome.gsm", "123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Code != 0 {
		t.Errorf("Code = %d, want 0", res.Code)
	}
	if cmds := script.commands(); cmds[0] != "STREAM FILE welcome 123" {
		t.Errorf("command = %q", cmds[0])
	}
}

func TestPlayAudioMissingFile(t *testing.T) {
	sess, _ := newTestSession(t, "200 result=0 endpos=0")
	res, err := sess.PlayAudio("nosuchfile")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Failed() {
		t.Errorf("Code = %d, want a failure", res.Code)
	}
}

func TestPlayDTMFBargeIn(t *testing.T) {
	sess, _ := newTestSession(t, "200 result=53 endpos=400")
	in, err := sess.PlayDTMF("menu.gsm", "12345", 4000, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Digit != "5" {
		t.Errorf("Digit = %q, want 5", in.Digit)
	}
	if !in.BargeIn {
		t.Error("BargeIn = false, want true")
	}
}

func TestPlayDTMFWaitsForDigit(t *testing.T) {
	sess, script := newTestSession(t, "200 result=0 endpos=800", "200 result=49")
	in, err := sess.PlayDTMF("menu.gsm", "123", 4000, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Digit != "1" {
		t.Errorf("Digit = %q, want 1", in.Digit)
	}
	if in.BargeIn {
		t.Error("BargeIn = true, want false")
	}
	cmds := script.commands()
	if cmds[1] != "WAIT FOR DIGIT 4000" {
		t.Errorf("second command = %q", cmds[1])
	}
}

func TestPlayDTMFTimeout(t *testing.T) {
	sess, _ := newTestSession(t, "200 result=0 endpos=800", "200 result=0")
	in, err := sess.PlayDTMF("menu.gsm", "123", 2000, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !in.Timeout {
		t.Error("Timeout = false, want true")
	}
	if in.Digit != "" {
		t.Errorf("Digit = %q, want empty", in.Digit)
	}
}

func TestPlayDTMFNoInputRequired(t *testing.T) {
	sess, script := newTestSession(t, "200 result=0 endpos=800")
	in, err := sess.PlayDTMF("announce.gsm", "", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Digit != "" || in.Timeout {
		t.Errorf("result = %+v, want neither digit nor timeout", in)
	}
	if cmds := script.commands(); len(cmds) != 1 {
		t.Errorf("commands = %v, want only the playback", cmds)
	}
}

func TestPlayDTMFHangupSurfacesError(t *testing.T) {
	sess, _ := newTestSession(t, "200 result=-1 endpos=0")
	if _, err := sess.PlayDTMF("menu.gsm", "123", 1000, 0); err == nil {
		t.Fatal("expected an error on a failed prompt")
	}
}

func TestHangupIdempotent(t *testing.T) {
	sess, script := newTestSession(t, "200 result=1")
	if err := sess.Hangup("SUCCESS"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sess.Hangup("SUCCESS"); err != nil {
		t.Fatalf("second hangup: %v", err)
	}
	cmds := script.commands()
	if len(cmds) != 1 {
		t.Fatalf("commands = %v, want exactly one", cmds)
	}
	if cmds[0] != "SET VARIABLE AGISTATUS SUCCESS" {
		t.Errorf("command = %q", cmds[0])
	}
}

func TestRecognizeSpeech(t *testing.T) {
	sess, script := newTestSession(t,
		"200 result=0",
		"200 result=1 (SENT-START hello SENT-END)",
		"200 result=1 (0.82)",
		"200 result=1 (1)",
		"200 result=1 (120)",
	)
	hyp, err := sess.PlayASR("prompt.gsm", "menu-grammar", ASROptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hyp == nil {
		t.Fatal("hyp = nil, want a hypothesis")
	}
	if hyp.Utterance != "hello" {
		t.Errorf("Utterance = %q, want hello", hyp.Utterance)
	}
	if hyp.Level != ConfidenceHigh {
		t.Errorf("Level = %q, want %q", hyp.Level, ConfidenceHigh)
	}
	if hyp.Score != 0.82 {
		t.Errorf("Score = %v, want 0.82", hyp.Score)
	}
	if !hyp.BargedIn {
		t.Error("BargedIn = false, want true")
	}
	if hyp.BargeInFrame != "120" {
		t.Errorf("BargeInFrame = %q, want 120", hyp.BargeInFrame)
	}
	cmd := script.commands()[0]
	want := "EXEC recognizer prompt|100|127.0.0.1:9000|menu-grammar|5000|5000|1000"
	if cmd != want {
		t.Errorf("command = %q, want %q", cmd, want)
	}
}

func TestRecognizeSpeechLowConfidence(t *testing.T) {
	sess, _ := newTestSession(t,
		"200 result=0",
		"200 result=1 (yes)",
		"200 result=1 (0.5)",
		"200 result=0",
		"200 result=0",
	)
	hyp, err := sess.PlayASR("prompt.gsm", "yesno", ASROptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The threshold is strict: a score of exactly 0.5 is still low.
	if hyp.Level != ConfidenceLow {
		t.Errorf("Level = %q, want %q", hyp.Level, ConfidenceLow)
	}
}

func TestRecognizeSpeechNothingRecognized(t *testing.T) {
	sess, _ := newTestSession(t,
		"200 result=0",
		"200 result=1 (SIL SILN)",
		"200 result=1 (0.1)",
		"200 result=0",
		"200 result=0",
	)
	hyp, err := sess.PlayASR("prompt.gsm", "yesno", ASROptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hyp != nil {
		t.Errorf("hyp = %+v, want nil", hyp)
	}
}

func TestScrubUtterance(t *testing.T) {
	tests := []struct{ in, want string }{
		{"SENT-START hello world SENT-END", "hello world"},
		{"SIL yes SIL-ENCE", "yes"},
		{"_SILN no", "no"},
		{"plain", "plain"},
	}
	for _, tc := range tests {
		if got := scrubUtterance(tc.in); got != tc.want {
			t.Errorf("scrubUtterance(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTransfer(t *testing.T) {
	sess, script := newTestSession(t,
		"200 result=0",
		"200 result=1 (ANSWER)",
		"200 result=1 (42)",
	)
	res, err := sess.Transfer("0123", 30000, "warn.gsm", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != "ANSWER" {
		t.Errorf("Status = %q, want ANSWER", res.Status)
	}
	if res.BridgedMillis != 42000 {
		t.Errorf("BridgedMillis = %d, want 42000", res.BridgedMillis)
	}
	if cmd := script.commands()[0]; cmd != "EXEC Dial 0123|30|r|m()A(warn.gsm)" {
		t.Errorf("command = %q", cmd)
	}
}

func TestTransferNotBridged(t *testing.T) {
	sess, _ := newTestSession(t,
		"200 result=0",
		"200 result=1 (NOANSWER)",
		"200 result=0",
	)
	res, err := sess.Transfer("0123", 0, "", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != "NOANSWER" {
		t.Errorf("Status = %q, want NOANSWER", res.Status)
	}
	if res.BridgedMillis != -1 {
		t.Errorf("BridgedMillis = %d, want -1", res.BridgedMillis)
	}
}

func TestChannelIsActive(t *testing.T) {
	sess, _ := newTestSession(t, "200 result=6", "200 result=1")
	active, err := sess.ChannelIsActive()
	if err != nil || !active {
		t.Errorf("active = %v err = %v, want true", active, err)
	}
	active, err = sess.ChannelIsActive()
	if err != nil || active {
		t.Errorf("active = %v err = %v, want false", active, err)
	}
}

func TestRenderText(t *testing.T) {
	sess, script := newTestSession(t,
		"200 result=0",
		"200 result=1 (/tmp/tts-00042)",
	)
	file, err := sess.RenderText("hello there")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if file != "/tmp/tts-00042.ulaw" {
		t.Errorf("file = %q", file)
	}
	if cmd := script.commands()[0]; cmd != `EXEC tts "hello there"|bufferonly` {
		t.Errorf("command = %q", cmd)
	}
}

func TestRenderTextWrongEngine(t *testing.T) {
	sess, script := newTestSession(t)
	sess.tts = "flite"
	if _, err := sess.RenderText("hello"); err == nil {
		t.Fatal("expected an error for a non-tts engine")
	}
	if len(script.commands()) != 0 {
		t.Error("no command should have been sent")
	}
}

func TestGetInputString(t *testing.T) {
	sess, script := newTestSession(t,
		"200 result=0",
		"200 result=1 (1234)",
	)
	value, err := sess.GetInputString("prompt", 4, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "1234" {
		t.Errorf("value = %q, want 1234", value)
	}
	if cmd := script.commands()[0]; cmd != `EXEC Read "InputString|prompt|4|||10"` {
		t.Errorf("command = %q", cmd)
	}
}

func TestUsageBlockDrained(t *testing.T) {
	sess, _ := newTestSession(t,
		"520-Invalid command syntax.  Proper usage follows:\nUsage: ANSWER\n520 End of proper usage.",
		"200 result=1",
	)
	res, err := sess.Exec("Broken")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Failed() {
		t.Errorf("Code = %d, want a failure", res.Code)
	}
	// The usage block must not bleed into the next command's reply.
	if err := sess.SetVariable("x", "1"); err != nil {
		t.Fatalf("follow-up command: %v", err)
	}
}

func TestFetchSoundFile(t *testing.T) {
	payload := "hello world!"
	encoded := base64.StdEncoding.EncodeToString([]byte(payload))
	path := filepath.Join(t.TempDir(), "out.wav")
	sess, _ := newTestSession(t, "200 result=0 size=12\n"+encoded)

	if err := sess.FetchSoundFile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading fetched file: %v", err)
	}
	if string(got) != payload {
		t.Errorf("content = %q, want %q", got, payload)
	}
}

func TestSendSoundFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	payload := bytes.Repeat([]byte{0xAB}, 140) // three chunks
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	sess := &Session{conn: client, r: bufio.NewReader(client), log: slog.Default(), tts: "tts"}

	type peerResult struct {
		decoded []byte
		err     error
	}
	done := make(chan peerResult, 1)
	go func() {
		r := bufio.NewReader(server)
		if _, err := r.ReadString('\n'); err != nil { // PUT SOUNDFILE …
			done <- peerResult{err: err}
			return
		}
		server.Write([]byte("200 result=0\n"))
		var decoded []byte
		for i := 0; i < 3; i++ {
			line, err := r.ReadString('\n')
			if err != nil {
				done <- peerResult{err: err}
				return
			}
			raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line))
			if err != nil {
				done <- peerResult{err: err}
				return
			}
			decoded = append(decoded, raw...)
		}
		server.Write([]byte("200 result=0\n"))
		done <- peerResult{decoded: decoded}
	}()

	res, err := sess.SendSoundFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Code != 0 {
		t.Errorf("Code = %d, want 0", res.Code)
	}
	select {
	case pr := <-done:
		if pr.err != nil {
			t.Fatalf("peer: %v", pr.err)
		}
		if !bytes.Equal(pr.decoded, payload) {
			t.Errorf("peer decoded %d bytes, want %d", len(pr.decoded), len(payload))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not finish")
	}
}
