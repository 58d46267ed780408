package fastagi

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Confidence levels reported with recognition results.
const (
	ConfidenceHigh = "HIGH"
	ConfidenceLow  = "LOW"
)

// asrConfidenceThreshold separates high from low confidence hypotheses.
const asrConfidenceThreshold = 0.5

// InputResult is the outcome of a DTMF prompt. An empty Digit with
// Timeout unset means the prompt required no input.
type InputResult struct {
	Digit     string
	Timeout   bool
	BargeIn   bool
	InputAt   time.Time
	StoppedAt time.Time
}

// ASRResult is one recognition hypothesis.
type ASRResult struct {
	Utterance    string
	Level        string
	Score        float64
	BargedIn     bool
	BargeInFrame string
}

// ASROptions tunes the recognizer application. All durations are in
// milliseconds; zero fields take the recognizer defaults.
type ASROptions struct {
	RecognitionTimeout        int
	BargeInDuration           int
	ConsecutiveSpeechDuration int
	SilenceTimeout            int
}

func (o ASROptions) withDefaults() ASROptions {
	if o.RecognitionTimeout == 0 {
		o.RecognitionTimeout = 5000
	}
	if o.BargeInDuration == 0 {
		o.BargeInDuration = 100
	}
	if o.ConsecutiveSpeechDuration == 0 {
		o.ConsecutiveSpeechDuration = 5000
	}
	if o.SilenceTimeout == 0 {
		o.SilenceTimeout = 1000
	}
	return o
}

// RecordOptions tunes RecordAudio. MaxTime is in milliseconds with -1
// for unlimited; SilenceTimeout is in seconds and zero disables silence
// detection.
type RecordOptions struct {
	MaxTime         int
	IntKeys         string
	PlayBeep        bool
	SilenceTimeout  int
	CustomDetection bool
}

// RecordResult describes a finished recording. File is the local copy,
// empty when the transfer from the PBX failed. SilencePercentage and
// HashTerminated are only set by the custom silence detector.
type RecordResult struct {
	File              string
	SilencePercentage string
	HashTerminated    bool
}

// TransferResult reports how a Dial attempt ended. BridgedMillis is -1
// when the call never bridged.
type TransferResult struct {
	Status        string
	BridgedMillis int
}

// Session is one AGI conversation with the PBX. The server hands it to
// an IVR handler, which drives the call through the synchronous
// command/response protocol until Hangup.
type Session struct {
	conn net.Conn
	r    *bufio.Reader
	log  *slog.Logger

	tts        string
	speechHost string
	speechPort int

	// Channel facts parsed from the AGI header block.
	CallerID       string
	Channel        string
	DialedNumber   string
	DivertedNumber string
	SessionID      string

	handlerID string
	hungup    bool
	closed    bool
	onClose   func()
}

// send issues one command line and reads its reply.
func (s *Session) send(command string) (Result, error) {
	command = strings.TrimSpace(command)
	if _, err := s.conn.Write([]byte(command + "\n")); err != nil {
		return Result{}, fmt.Errorf("sending agi command: %w", err)
	}
	return s.readResult(command)
}

func (s *Session) readResult(command string) (Result, error) {
	line, err := s.r.ReadString('\n')
	if err != nil {
		return Result{}, fmt.Errorf("reading agi response: %w", err)
	}
	line = strings.TrimSpace(line)

	// A syntax error brackets a usage block in 520 lines; drain it.
	codeStr, _, _ := strings.Cut(line, " ")
	if _, convErr := strconv.Atoi(codeStr); convErr != nil && strings.HasPrefix(line, "520") {
		for {
			next, readErr := s.r.ReadString('\n')
			if readErr != nil {
				return Result{}, fmt.Errorf("reading agi usage block: %w", readErr)
			}
			if strings.HasPrefix(next, "520") {
				break
			}
		}
		return Result{Code: failCode}, nil
	}
	return parseReply(command, line)
}

// Answer picks up the channel.
func (s *Session) Answer() error {
	s.hungup = false
	_, err := s.send("ANSWER")
	return err
}

// Hangup ends the session, reporting status back to the dialplan via
// the AGISTATUS variable. Status is HANGUP, SUCCESS or FAILURE; calling
// Hangup twice is harmless.
func (s *Session) Hangup(status string) error {
	if s.hungup {
		return nil
	}
	err := s.SetVariable("AGISTATUS", status)
	s.hungup = true
	s.Close()
	return err
}

// Close releases the underlying socket. Safe to call more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.onClose != nil {
		s.onClose()
	}
	return s.conn.Close()
}

// Exec runs a non-AGI dialplan application.
func (s *Session) Exec(command string) (Result, error) {
	return s.send("EXEC " + command)
}

// ttsCommand renders text into the EXEC line for the configured TTS
// application, stripping characters the application cannot carry.
func (s *Session) ttsCommand(text string) string {
	clean := strings.ReplaceAll(strings.ReplaceAll(text, "\n", " "), `"`, "")
	return "EXEC " + s.tts + ` "` + clean + `"`
}

// Say speaks text with the TTS engine. Playback cannot be interrupted.
func (s *Session) Say(text string) (Result, error) {
	return s.send(s.ttsCommand(text))
}

// SayControl speaks text, letting any of intKeys interrupt playback.
// The result code is the pressed key, 0 when none was pressed.
func (s *Session) SayControl(text, intKeys string) (Result, error) {
	return s.send(s.ttsCommand(text) + "|" + intKeys)
}

// PlayAudio streams an audio file without interrupt keys.
func (s *Session) PlayAudio(filename string) (Result, error) {
	return s.PlayAudioControl(filename, `""`)
}

// PlayAudioControl streams an audio file; any of intKeys stops
// playback. The result code is the pressed key, 0 when none.
func (s *Session) PlayAudioControl(filename, intKeys string) (Result, error) {
	// STREAM FILE wants the name without its extension.
	if idx := strings.LastIndexByte(filename, '.'); idx >= 0 {
		filename = filename[:idx]
	}
	if intKeys == "" {
		intKeys = `""`
	}
	return s.send("STREAM FILE " + filename + " " + intKeys)
}

// GetInput waits up to timeout milliseconds for one DTMF key. The
// result code is the key's code, 0 when none arrived.
func (s *Session) GetInput(timeout int) (Result, error) {
	return s.send("WAIT FOR DIGIT " + strconv.Itoa(timeout))
}

// PlayDTMF plays a prompt and collects one DTMF digit. When the caller
// barges in during playback the digit is returned immediately;
// otherwise, with maxTimeout > 0, the session waits that many
// milliseconds for input and reports Timeout when none arrives.
// delayAfterInput is a settle time in seconds applied after a digit.
func (s *Session) PlayDTMF(filename, valid string, maxTimeout, delayAfterInput int) (InputResult, error) {
	res, err := s.PlayAudioControl(filename, valid)
	if err != nil {
		return InputResult{}, err
	}
	stopped := time.Now()
	if res.Failed() {
		return InputResult{}, fmt.Errorf("dtmf prompt failed (possible hangup): result %d", res.Code)
	}
	if res.Code > 0 {
		time.Sleep(time.Duration(delayAfterInput) * time.Second)
		return InputResult{Digit: dtmfDigit(res.Code), BargeIn: true, InputAt: stopped, StoppedAt: stopped}, nil
	}
	if maxTimeout > 0 {
		in, err := s.GetInput(maxTimeout)
		if err != nil {
			return InputResult{}, err
		}
		if in.Failed() {
			return InputResult{}, fmt.Errorf("dtmf input failed (possible hangup): result %d", in.Code)
		}
		if in.Code > 0 {
			at := time.Now()
			time.Sleep(time.Duration(delayAfterInput) * time.Second)
			return InputResult{Digit: dtmfDigit(in.Code), InputAt: at, StoppedAt: stopped}, nil
		}
		return InputResult{Timeout: true, StoppedAt: stopped}, nil
	}
	return InputResult{StoppedAt: stopped}, nil
}

// SayDTMF renders text to a buffered audio file and collects a digit
// the same way PlayDTMF does.
func (s *Session) SayDTMF(text, valid string, maxTimeout int) (InputResult, error) {
	prompt, err := s.RenderText(text)
	if err != nil {
		return InputResult{}, err
	}
	return s.PlayDTMF(prompt, valid, maxTimeout, 0)
}

// GetInputString prompts with an audio file and reads a DTMF string,
// terminated by hash or maxDigits. timeout is in seconds. An empty
// string means the read failed.
func (s *Session) GetInputString(audioFile string, maxDigits, timeout, delayAfterInput int) (string, error) {
	res, err := s.send(fmt.Sprintf(`EXEC Read "InputString|%s|%d|||%d"`, audioFile, maxDigits, timeout))
	if err != nil {
		return "", err
	}
	if res.Failed() {
		return "", nil
	}
	value, err := s.GetVariable("InputString")
	if err != nil {
		return "", err
	}
	time.Sleep(time.Duration(delayAfterInput) * time.Second)
	return value, nil
}

// SetVariable sets a channel variable.
func (s *Session) SetVariable(name, value string) error {
	_, err := s.send(fmt.Sprintf("SET VARIABLE %s %s", name, value))
	return err
}

// GetVariable reads a channel variable, returning "" when it is unset.
// Names starting with $ are evaluated as dialplan expressions.
func (s *Session) GetVariable(name string) (string, error) {
	cmd := "GET VARIABLE"
	if strings.HasPrefix(name, "$") {
		cmd = "GET FULL VARIABLE"
	}
	res, err := s.send(cmd + " " + name)
	if err != nil {
		return "", err
	}
	return trimParens(res.Rest), nil
}

func trimParens(s string) string {
	if len(s) < 2 {
		return ""
	}
	return s[1 : len(s)-1]
}

// ChannelIsActive reports whether the channel is up (status 6).
func (s *Session) ChannelIsActive() (bool, error) {
	res, err := s.send("CHANNEL STATUS")
	if err != nil {
		return false, err
	}
	return res.Code == 6, nil
}

// Message prints text on the PBX console.
func (s *Session) Message(text string) error {
	_, err := s.send("EXEC NOOP " + text)
	return err
}

// RenderText renders text to an audio file with the TTS engine without
// playing it, returning the file's name on the PBX host.
func (s *Session) RenderText(text string) (string, error) {
	if !strings.EqualFold(s.tts, "tts") {
		return "", fmt.Errorf("buffered rendering needs the tts application, configured is %q", s.tts)
	}
	res, err := s.send(s.ttsCommand(text) + "|bufferonly")
	if err != nil {
		return "", err
	}
	if res.Failed() {
		return "", errors.New("asterisk tts command failed")
	}
	filename, err := s.GetVariable("TTS_FILENAME")
	if err != nil {
		return "", err
	}
	if filename == "" {
		return "", errors.New("tts did not set the variable TTS_FILENAME")
	}
	// The tts application writes ulaw audio.
	return filename + ".ulaw", nil
}

// PlayASR plays a prompt while the configured speech server listens,
// and returns the recognized hypothesis. A nil result means nothing was
// recognized.
func (s *Session) PlayASR(audioFile, grammar string, opts ASROptions) (*ASRResult, error) {
	return s.RecognizeSpeech(s.speechHost, s.speechPort, audioFile, grammar, opts)
}

// SayASR renders text to audio first, then recognizes like PlayASR.
func (s *Session) SayASR(text, grammar string, opts ASROptions) (*ASRResult, error) {
	prompt, err := s.RenderText(text)
	if err != nil {
		return nil, err
	}
	return s.RecognizeSpeech(s.speechHost, s.speechPort, prompt, grammar, opts)
}

var asrFillers = []*regexp.Regexp{
	regexp.MustCompile(`(SILN|_SILN)\s?`),
	regexp.MustCompile(`(SIL|SENT-START|SENT-END|SIL-ENCE)\s?`),
	regexp.MustCompile(`(-ENCE)\s?`),
}

// scrubUtterance removes the recognizer's silence and sentence markers.
func scrubUtterance(utterance string) string {
	for _, re := range asrFillers {
		utterance = strings.TrimRight(re.ReplaceAllString(utterance, ""), " \t\r\n")
	}
	return utterance
}

// RecognizeSpeech runs the PBX recognizer application against the given
// speech server while playing promptFile, then collects the hypothesis
// from the RECOGNITION_* channel variables.
func (s *Session) RecognizeSpeech(host string, port int, promptFile, grammar string, opts ASROptions) (*ASRResult, error) {
	opts = opts.withDefaults()
	if idx := strings.LastIndexByte(promptFile, '.'); idx >= 0 {
		promptFile = promptFile[:idx]
	}
	res, err := s.send(fmt.Sprintf("EXEC recognizer %s|%d|%s:%d|%s|%d|%d|%d",
		promptFile, opts.BargeInDuration, host, port, grammar,
		opts.RecognitionTimeout, opts.ConsecutiveSpeechDuration, opts.SilenceTimeout))
	if err != nil {
		return nil, err
	}
	if res.Failed() {
		return nil, fmt.Errorf("asterisk asr command failed: result %d", res.Code)
	}

	utterance, err := s.GetVariable("RECOGNITION_RESULTS")
	if err != nil {
		return nil, err
	}
	utterance = scrubUtterance(utterance)
	scoreStr, err := s.GetVariable("RECOGNITION_CONFIDENCE")
	if err != nil {
		return nil, err
	}
	score, _ := strconv.ParseFloat(scoreStr, 64)
	bargedIn, err := s.GetVariable("RECOGNITION_BARGIN")
	if err != nil {
		return nil, err
	}
	frame, err := s.GetVariable("RECOGNITION_BARGINFRAME")
	if err != nil {
		return nil, err
	}

	if utterance == "" {
		return nil, nil
	}
	level := ConfidenceLow
	if score > asrConfidenceThreshold {
		level = ConfidenceHigh
	}
	return &ASRResult{
		Utterance:    utterance,
		Level:        level,
		Score:        score,
		BargedIn:     parseFlag(bargedIn),
		BargeInFrame: frame,
	}, nil
}

func parseFlag(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// RecordAudio records the caller and copies the produced file back from
// the PBX host. With CustomDetection the RecordSD application is used,
// which also reports silence statistics.
func (s *Session) RecordAudio(filename string, opts RecordOptions) (*RecordResult, error) {
	name, format := filename, "wav"
	if idx := strings.LastIndexByte(filename, '.'); idx >= 0 {
		name, format = filename[:idx], filename[idx+1:]
	}
	intKeys := opts.IntKeys
	if intKeys == "" {
		intKeys = `""`
	}

	rec := &RecordResult{}
	var res Result
	var err error
	if !opts.CustomDetection {
		cmd := fmt.Sprintf("RECORD FILE %s %s %s %d", name, format, intKeys, opts.MaxTime)
		if opts.PlayBeep {
			cmd += " beep"
		}
		if opts.SilenceTimeout > 0 {
			cmd += fmt.Sprintf(" s=%d", opts.SilenceTimeout)
		}
		res, err = s.send(cmd)
		if err != nil {
			return nil, err
		}
	} else {
		cmd := fmt.Sprintf("EXEC RecordSD %s.%s|%d|%d", name, format, opts.SilenceTimeout, opts.MaxTime)
		if !opts.PlayBeep {
			cmd += "|q"
		}
		res, err = s.send(cmd)
		if err != nil {
			return nil, err
		}
		if rec.SilencePercentage, err = s.GetVariable("SILENCE_PERCENTAGE"); err != nil {
			return nil, err
		}
		hash, err := s.GetVariable("HASH_TERMINATION")
		if err != nil {
			return nil, err
		}
		rec.HashTerminated = parseFlag(hash)
	}

	// The recording sits on the PBX host; copy it here.
	if fetchErr := s.FetchSoundFile(filename); fetchErr != nil {
		s.log.Warn("could not fetch recording from the pbx host", "file", filename, "error", fetchErr)
	} else {
		rec.File = filename
	}
	if res.Code != 0 {
		return nil, fmt.Errorf("recording failed: result %d", res.Code)
	}
	return rec, nil
}

// Transfer bridges the caller to number via the Dial application.
// dialTimeout is in milliseconds, announcement an optional audio file
// played to the callee on pickup.
func (s *Session) Transfer(number string, dialTimeout int, announcement string, ringing bool) (TransferResult, error) {
	cmd := "EXEC Dial " + number
	if dialTimeout > 0 {
		cmd += fmt.Sprintf("|%d", dialTimeout/1000)
	}
	if ringing {
		cmd += "|r"
	}
	cmd += "|m()"
	if announcement != "" {
		cmd += fmt.Sprintf("A(%s)", announcement)
	}
	if _, err := s.send(cmd); err != nil {
		return TransferResult{}, err
	}
	status, err := s.GetVariable("DIALSTATUS")
	if err != nil {
		return TransferResult{}, err
	}
	bridged := -1
	if answered, err := s.GetVariable("ANSWEREDTIME"); err == nil && answered != "" {
		if secs, convErr := strconv.Atoi(answered); convErr == nil {
			bridged = secs * 1000
		}
	}
	return TransferResult{Status: status, BridgedMillis: bridged}, nil
}

// base64ChunkSize is the raw chunk size of the audiotx file transfer;
// 57 bytes encode to one 76-character base64 line.
const base64ChunkSize = 57

// SendSoundFile pushes a local audio file to the PBX host with the
// audiotx AGI extension.
func (s *Session) SendSoundFile(filename string) (Result, error) {
	info, err := os.Stat(filename)
	if err != nil {
		return Result{}, fmt.Errorf("sending soundfile: %w", err)
	}
	res, err := s.send(fmt.Sprintf("PUT SOUNDFILE %s %d", filename, info.Size()))
	if err != nil || res.Code != 0 {
		return res, err
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return Result{}, fmt.Errorf("sending soundfile: %w", err)
	}
	for len(data) > 0 {
		n := base64ChunkSize
		if n > len(data) {
			n = len(data)
		}
		line := base64.StdEncoding.EncodeToString(data[:n]) + "\n"
		if _, err := s.conn.Write([]byte(line)); err != nil {
			return Result{}, fmt.Errorf("sending soundfile chunk: %w", err)
		}
		data = data[n:]
	}
	return s.readResult("PUT SOUNDFILE")
}

// FetchSoundFile copies a file from the PBX host to the local disk via
// the audiotx transfer protocol.
func (s *Session) FetchSoundFile(filename string) error {
	res, err := s.send("GET SOUNDFILE " + filename)
	if err != nil {
		return err
	}
	if res.Code != 0 {
		return fmt.Errorf("fetching %s: result %d", filename, res.Code)
	}
	idx := strings.Index(res.Rest, "size=")
	if idx < 0 {
		return fmt.Errorf("fetching %s: no size in reply %q", filename, res.Rest)
	}
	size, err := strconv.Atoi(strings.TrimSpace(res.Rest[idx+len("size="):]))
	if err != nil {
		return fmt.Errorf("fetching %s: bad size: %w", filename, err)
	}

	buf := make([]byte, 0, size)
	for len(buf) < size {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("fetching %s: %w", filename, err)
		}
		if strings.HasPrefix(line, "200") {
			return fmt.Errorf("pbx aborted the transfer of %s: %s", filename, strings.TrimSpace(line))
		}
		chunk, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line))
		if err != nil {
			return fmt.Errorf("fetching %s: bad chunk: %w", filename, err)
		}
		buf = append(buf, chunk...)
	}
	if err := os.WriteFile(filename, buf, 0o644); err != nil {
		return fmt.Errorf("fetching %s: %w", filename, err)
	}
	return nil
}
