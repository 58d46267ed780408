// Package dialog runs scripted IVR call flows. A dialog is a graph of
// named nodes; each node fires custom callbacks, plays prompts,
// collects DTMF or speech input and routes to the next node, with
// visit-counted retries and rerouting on bad or missing input. The
// loop drives a single AGI session and records a CallHistory as it
// goes.
package dialog

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/meshivr/meshivr/internal/fastagi"
)

// ErrDialogInvalid is returned when a dialog fails pre-run validation.
var ErrDialogInvalid = errors.New("dialog is not valid")

// ErrNoRoute is returned when a node has no usable destination left
// and the dialog cannot make progress.
var ErrNoRoute = errors.New("no reachable destination")

// AGI is the slice of the call session the dialog loop drives. It is
// satisfied by *fastagi.Session.
type AGI interface {
	PlayDTMF(filename, valid string, maxTimeout, delayAfterInput int) (fastagi.InputResult, error)
	SayDTMF(text, valid string, maxTimeout int) (fastagi.InputResult, error)
	PlayASR(audioFile, grammar string, opts fastagi.ASROptions) (*fastagi.ASRResult, error)
	SayASR(text, grammar string, opts fastagi.ASROptions) (*fastagi.ASRResult, error)
	RecordAudio(filename string, opts fastagi.RecordOptions) (*fastagi.RecordResult, error)
}

var _ AGI = (*fastagi.Session)(nil)

// CallInfo identifies the call leg a dialog is attached to.
type CallInfo struct {
	SessionID    string
	CallerID     string
	DialedNumber string
}

// CustomFunc is a callback a node can invoke by name during its custom
// stage. The results map is shared by all callbacks for the lifetime
// of the call. A returned error aborts the dialog.
type CustomFunc func(d *Dialog, n *Node, results map[string]any) error

// promptOutcome mirrors the three-way result contract of the input
// prompts: nothing solicited, input received, or timed out waiting.
type promptOutcome int

const (
	outcomeNone promptOutcome = iota
	outcomeInput
	outcomeTimeout
)

// Dialog is a call-flow state machine bound to one AGI session. Build
// it with the Add and Set methods, register the callbacks the nodes
// name, then call Run. A Dialog drives one call; it is not safe for
// concurrent use.
type Dialog struct {
	agi  AGI
	call CallInfo
	log  *slog.Logger

	nodes          map[string]*Node
	globals        map[string]string
	start          string
	funcs          map[string]CustomFunc
	finalizeNode   func(*Dialog, *Node)
	finalizeDialog func(*Dialog)

	audioIndex      int
	delayAfterInput int

	current       *Node
	visited       []string
	results       map[string]any
	history       *CallHistory
	lastMode      InputMode
	lastInput     string
	lastScore     float64
	lastHigh      bool
	lastRecording *fastagi.RecordResult
	completed     bool
}

// New creates an empty dialog for the given call leg.
func New(agi AGI, call CallInfo, logger *slog.Logger) *Dialog {
	return &Dialog{
		agi:     agi,
		call:    call,
		log:     logger.With("component", "dialog", "session_id", call.SessionID),
		nodes:   make(map[string]*Node),
		globals: make(map[string]string),
		funcs:   make(map[string]CustomFunc),
		results: make(map[string]any),
	}
}

// NewFromSession binds a dialog to an inbound fastagi session.
func NewFromSession(sess *fastagi.Session, logger *slog.Logger) *Dialog {
	return New(sess, CallInfo{
		SessionID:    sess.SessionID,
		CallerID:     sess.CallerID,
		DialedNumber: sess.DialedNumber,
	}, logger)
}

// AddNode declares a node under the given name, replacing any earlier
// declaration.
func (d *Dialog) AddNode(name string, spec NodeSpec) {
	d.nodes[name] = newNode(name, spec)
}

// AddCustomNode declares a node that only fires callbacks and then
// moves to dest.
func (d *Dialog) AddCustomNode(name string, funcs []string, dest string) {
	d.AddNode(name, NodeSpec{Custom: funcs, Goto: dest})
}

// AddPlaybackNode declares a node that plays prompts without
// collecting input and then moves to dest.
func (d *Dialog) AddPlaybackNode(name string, audio []AudioItem, dest string) {
	d.AddNode(name, NodeSpec{Audio: audio, Goto: dest})
}

// AddDtmfInputNode declares a prompt node that routes on the keypad
// digit the caller presses.
func (d *Dialog) AddDtmfInputNode(name string, input InputSettings, policy ErrorPolicy, audio []AudioItem, options map[string]string) {
	input.Mode = InputDTMF
	d.AddNode(name, NodeSpec{Audio: audio, Options: options, Input: &input, Error: &policy})
}

// AddAsrInputNode declares a prompt node that routes to dest on a
// high-confidence recognition. Low confidence takes the unknown path
// and silence the timeout path.
func (d *Dialog) AddAsrInputNode(name string, input InputSettings, policy ErrorPolicy, dest string, audio []AudioItem) {
	input.Mode = InputASR
	d.AddNode(name, NodeSpec{Audio: audio, Goto: dest, Input: &input, Error: &policy})
}

// SetStartNode picks the node execution begins at.
func (d *Dialog) SetStartNode(name string) { d.start = name }

// SetGlobalOptions replaces the dialog-wide input routing, consulted
// before a node's own options unless the node opts out.
func (d *Dialog) SetGlobalOptions(options map[string]string) {
	d.globals = make(map[string]string, len(options))
	for k, v := range options {
		d.globals[k] = v
	}
}

// AddGlobalOption installs a single dialog-wide input mapping.
func (d *Dialog) AddGlobalOption(option, dest string) { d.globals[option] = dest }

// SetAudioIndex selects which variant multilingual prompts play.
func (d *Dialog) SetAudioIndex(index int) { d.audioIndex = index }

// SetDelayAfterInput adds a settle time in seconds after each accepted
// key press.
func (d *Dialog) SetDelayAfterInput(seconds int) { d.delayAfterInput = seconds }

// RegisterFunc makes a callback available to custom items under the
// given name.
func (d *Dialog) RegisterFunc(name string, fn CustomFunc) { d.funcs[name] = fn }

// SetNodeFinalizer installs a hook run every time a node is left.
func (d *Dialog) SetNodeFinalizer(fn func(*Dialog, *Node)) { d.finalizeNode = fn }

// SetFinalizer installs a hook run once after the loop ends, before
// Run returns.
func (d *Dialog) SetFinalizer(fn func(*Dialog)) { d.finalizeDialog = fn }

// CallerID returns the calling party's number.
func (d *Dialog) CallerID() string { return d.call.CallerID }

// DialedNumber returns the number the caller dialed.
func (d *Dialog) DialedNumber() string { return d.call.DialedNumber }

// SessionID returns the PBX's unique id for this call.
func (d *Dialog) SessionID() string { return d.call.SessionID }

// AGI exposes the underlying session so callbacks can drive extra
// operations on the call.
func (d *Dialog) AGI() AGI { return d.agi }

// Logger returns the session-tagged logger.
func (d *Dialog) Logger() *slog.Logger { return d.log }

// History returns the trail recorded so far; nil before Run.
func (d *Dialog) History() *CallHistory { return d.history }

// Visited returns the trail of node names, with consecutive repeats
// collapsed.
func (d *Dialog) Visited() []string { return slices.Clone(d.visited) }

// Node returns a declared node, or nil.
func (d *Dialog) Node(name string) *Node { return d.nodes[name] }

// PreviousNode returns the node visited before the current one, or
// nil at the start of the call.
func (d *Dialog) PreviousNode() *Node {
	if len(d.visited) == 0 {
		return nil
	}
	return d.nodes[d.visited[len(d.visited)-1]]
}

// Results returns the map custom callbacks share across nodes.
func (d *Dialog) Results() map[string]any { return d.results }

// LastInput returns the most recent digit or utterance.
func (d *Dialog) LastInput() string { return d.lastInput }

// LastASRScore returns the confidence score of the most recent
// recognition.
func (d *Dialog) LastASRScore() float64 { return d.lastScore }

// LastASRHighConfidence reports whether the most recent recognition
// cleared the confidence threshold.
func (d *Dialog) LastASRHighConfidence() bool { return d.lastHigh }

// LastRecording returns the most recent recording outcome, or nil.
func (d *Dialog) LastRecording() *fastagi.RecordResult { return d.lastRecording }

// SetCustomHistory attaches caller-defined data to the current node's
// history record.
func (d *Dialog) SetCustomHistory(data map[string]any) {
	if d.history != nil {
		d.history.SetCustom(data)
	}
}

// Validate checks the dialog graph before it runs: the start node must
// be declared, every custom item must name a registered callback, and
// every destination must be PREVIOUS, CURRENT, or a declared node,
// including the results inside EVAL expressions.
func (d *Dialog) Validate() error {
	var problems []string
	if d.start == "" {
		problems = append(problems, "no start node set")
	} else if _, ok := d.nodes[d.start]; !ok {
		problems = append(problems, fmt.Sprintf("start node %q is not declared", d.start))
	}

	names := make([]string, 0, len(d.nodes))
	for name := range d.nodes {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		n := d.nodes[name]
		for _, fn := range n.custom {
			if _, ok := d.funcs[fn]; !ok {
				problems = append(problems, fmt.Sprintf("node %q names unregistered function %q", name, fn))
			}
		}
		problems = append(problems, d.checkDest(name, "goto", n.dest, true)...)
		for _, opt := range sortedKeys(n.options) {
			problems = append(problems, d.checkDest(name, fmt.Sprintf("option %q", opt), n.options[opt], false)...)
		}
		if n.policy != nil {
			problems = append(problems, d.checkDest(name, "timeout", n.policy.Timeout, true)...)
			problems = append(problems, d.checkDest(name, "unknown", n.policy.Unknown, true)...)
			problems = append(problems, d.checkDest(name, "reroute", n.policy.Reroute, true)...)
		}
	}
	for _, opt := range sortedKeys(d.globals) {
		problems = append(problems, d.checkDest("", fmt.Sprintf("global option %q", opt), d.globals[opt], false)...)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrDialogInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// checkDest validates one destination. Goto and error bindings may be
// empty (they resolve to the unknown path at runtime); options must
// point somewhere.
func (d *Dialog) checkDest(node, kind, dest string, optional bool) []string {
	where := kind
	if node != "" {
		where = fmt.Sprintf("node %q %s", node, kind)
	}
	if dest == "" {
		if optional {
			return nil
		}
		return []string{where + " has no destination"}
	}
	if isEval(dest) {
		clauses, err := parseEval(dest)
		if err != nil {
			return []string{fmt.Sprintf("%s: %v", where, err)}
		}
		var out []string
		for _, c := range clauses {
			if isPosition(c.result) {
				continue
			}
			if _, ok := d.nodes[c.result]; !ok {
				out = append(out, fmt.Sprintf("%s references undeclared node %q", where, c.result))
			}
		}
		return out
	}
	if isPosition(dest) {
		return nil
	}
	if _, ok := d.nodes[dest]; !ok {
		return []string{fmt.Sprintf("%s references undeclared node %q", where, dest)}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Run validates the dialog and drives the call through it until an
// exit node, a routing dead end, or an AGI failure, which is how a
// hangup surfaces. The call history is closed out on every path.
func (d *Dialog) Run() error {
	if err := d.Validate(); err != nil {
		return err
	}

	start := time.Now()
	d.history = NewCallHistory(d.call.SessionID, start, d.call.CallerID, d.call.DialedNumber)
	for _, n := range d.nodes {
		n.reset()
		n.visits = 0
		n.lastOption = ""
	}
	d.current = d.nodes[d.start]
	d.visited = nil
	d.completed = false
	d.lastInput = ""
	d.lastRecording = nil
	d.history.StartNode(d.current.name, start)

	defer func() {
		exit := time.Now()
		d.history.EndNode(exit)
		d.history.SetHangupTime(exit)
		d.history.Completed = d.completed
		if d.finalizeDialog != nil {
			d.finalizeDialog(d)
		}
		if d.completed {
			d.log.Info("dialog finished, expecting hangup")
		} else {
			d.log.Warn("dialog ended before completion")
		}
	}()

	var (
		outcome promptOutcome
		dtmf    fastagi.InputResult
		asr     *fastagi.ASRResult
		prev    = Event(-1)
	)
	for {
		cur := d.current
		event := cur.event
		if event == EventCustom && event != prev {
			d.log.Info("entering node", "node", cur.name)
		}
		prev = event

		switch event {
		case EventCustom:
			fnName, ok := cur.nextCustom()
			if !ok {
				continue
			}
			if err := d.funcs[fnName](d, cur, d.results); err != nil {
				return fmt.Errorf("custom function %q on node %q: %w", fnName, cur.name, err)
			}

		case EventAudio:
			item, ok := cur.nextAudio()
			if !ok {
				continue
			}
			var err error
			outcome, dtmf, asr, err = d.prompt(cur, item)
			if err != nil {
				return err
			}
			if outcome == outcomeInput {
				cur.event = EventOption
			}

		case EventOption:
			switch outcome {
			case outcomeInput:
				outcome = outcomeNone
				var err error
				if d.lastMode == InputASR {
					err = d.handleASR(asr)
				} else {
					err = d.handleDTMF(dtmf)
				}
				if err != nil {
					return err
				}
			case outcomeTimeout:
				outcome = outcomeNone
				d.lastInput = ""
				cur.event = EventTimeout
			default:
				if _, err := d.advance(optGoto); err != nil {
					return err
				}
			}

		case EventRecord:
			rec := cur.takeRecord()
			d.log.Info("recording caller audio", "node", cur.name, "file", rec.Filename)
			res, err := d.agi.RecordAudio(rec.Filename, fastagi.RecordOptions{
				MaxTime:         rec.MaxTime,
				IntKeys:         rec.IntKeys,
				PlayBeep:        rec.PlayBeep,
				SilenceTimeout:  rec.SilenceTimeout,
				CustomDetection: rec.CustomDetection,
			})
			if err != nil {
				return fmt.Errorf("recording on node %q: %w", cur.name, err)
			}
			if res.HashTerminated {
				d.log.Info("recording stopped by the hash key")
			}
			d.history.SetRecordResults(res.SilencePercentage, res.HashTerminated)
			d.lastRecording = res

		case EventUnknown:
			d.history.SetIsInvalid(true)
			if d.lastMode == InputASR {
				d.log.Info("invalid speech input", "node", cur.name, "visits", cur.visits)
			} else {
				d.log.Info("invalid dtmf input", "node", cur.name, "visits", cur.visits)
			}
			if err := d.escalate(cur, optUnknown); err != nil {
				return err
			}

		case EventTimeout:
			d.history.SetIsTimeout(true)
			d.log.Info("timed out waiting for input", "node", cur.name, "visits", cur.visits)
			if err := d.escalate(cur, optTimeout); err != nil {
				return err
			}

		case EventReroute:
			d.history.SetIsMaxTries(true)
			ok, err := d.advance(optReroute)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w from node %q", ErrNoRoute, cur.name)
			}

		case EventExit:
			d.log.Info("dialog reached its end node", "node", cur.name)
			d.completed = true
			return nil

		default:
			return fmt.Errorf("node %q raised undefined event %d", cur.name, event)
		}
	}
}

// prompt plays one audio item in the node's input mode and classifies
// the result.
func (d *Dialog) prompt(cur *Node, item AudioItem) (promptOutcome, fastagi.InputResult, *fastagi.ASRResult, error) {
	value, err := item.variant(d.audioIndex)
	if err != nil {
		return outcomeNone, fastagi.InputResult{}, nil, fmt.Errorf("node %q audio: %w", cur.name, err)
	}
	mode := cur.mode()
	d.lastMode = mode

	switch mode {
	case InputDTMF:
		valid := d.validKeys(cur)
		wait := cur.maxTime()
		if wait == 0 {
			d.log.Info("playing prompt", "node", cur.name)
		} else {
			d.log.Info("playing prompt and waiting for dtmf", "node", cur.name)
		}
		var res fastagi.InputResult
		switch item.Source {
		case SourceFile:
			res, err = d.agi.PlayDTMF(value, valid, wait, d.delayAfterInput)
		case SourceText:
			res, err = d.agi.SayDTMF(value, valid, wait)
		default:
			return outcomeNone, fastagi.InputResult{}, nil, fmt.Errorf("node %q: unrecognised audio source %q", cur.name, item.Source)
		}
		if err != nil {
			return outcomeNone, fastagi.InputResult{}, nil, fmt.Errorf("prompting node %q: %w", cur.name, err)
		}
		switch {
		case res.Digit != "":
			return outcomeInput, res, nil, nil
		case res.Timeout:
			return outcomeTimeout, fastagi.InputResult{}, nil, nil
		default:
			return outcomeNone, fastagi.InputResult{}, nil, nil
		}

	case InputASR:
		in := cur.input
		d.log.Info("playing prompt and waiting for speech", "node", cur.name)
		opts := fastagi.ASROptions{
			RecognitionTimeout:        in.MaxTime,
			BargeInDuration:           in.BargeInDuration,
			ConsecutiveSpeechDuration: in.ConsecutiveSpeechDuration,
			SilenceTimeout:            in.SilenceTimeout,
		}
		var res *fastagi.ASRResult
		switch item.Source {
		case SourceFile:
			res, err = d.agi.PlayASR(value, in.Grammar, opts)
		case SourceText:
			res, err = d.agi.SayASR(value, in.Grammar, opts)
		default:
			return outcomeNone, fastagi.InputResult{}, nil, fmt.Errorf("node %q: unrecognised audio source %q", cur.name, item.Source)
		}
		if err != nil {
			return outcomeNone, fastagi.InputResult{}, nil, fmt.Errorf("prompting node %q: %w", cur.name, err)
		}
		if res == nil {
			return outcomeTimeout, fastagi.InputResult{}, nil, nil
		}
		return outcomeInput, fastagi.InputResult{}, res, nil
	}
	return outcomeNone, fastagi.InputResult{}, nil, fmt.Errorf("node %q: unrecognised input mode %q", cur.name, mode)
}

// handleDTMF records a key press and routes on it.
func (d *Dialog) handleDTMF(res fastagi.InputResult) error {
	d.log.Info("dtmf input", "digit", res.Digit, "barge_in", res.BargeIn)
	d.history.SetDTMFResults(res.Digit, res.InputAt, res.BargeIn)
	if _, err := d.advance(res.Digit); err != nil {
		return err
	}
	d.lastInput = res.Digit
	return nil
}

// handleASR records a recognition hypothesis and routes on its
// confidence: high takes the node's goto, low the unknown path.
func (d *Dialog) handleASR(res *fastagi.ASRResult) error {
	frames, _ := strconv.Atoi(res.BargeInFrame)
	d.lastScore = res.Score
	d.lastHigh = res.Level == fastagi.ConfidenceHigh
	d.log.Info("speech input", "utterance", res.Utterance, "confidence", res.Level, "score", res.Score)
	d.history.SetASRResults(res.Utterance, res.Score, res.Level, res.BargedIn, frames*20)
	if d.lastHigh {
		if _, err := d.advance(optGoto); err != nil {
			return err
		}
	} else {
		d.current.event = EventUnknown
	}
	d.lastInput = res.Utterance
	return nil
}

// escalate retries a node through its timeout or unknown binding while
// the visit count allows, rerouting once it is exhausted or when the
// binding itself cannot resolve.
func (d *Dialog) escalate(cur *Node, option string) error {
	if cur.visits < cur.maxVisits() {
		ok, err := d.advance(option)
		if err != nil {
			return err
		}
		if !ok {
			cur.event = EventReroute
		}
		return nil
	}
	cur.event = EventReroute
	return nil
}

// advance routes away from the current node using the given selector.
// It reports false when no destination resolves, leaving the node in
// the unknown state for the caller to escalate.
func (d *Dialog) advance(option string) (bool, error) {
	cur := d.current
	// Collapse consecutive visits so PREVIOUS skips self-loops.
	if n := len(d.visited); n == 0 || d.visited[n-1] != cur.name {
		d.visited = append(d.visited, cur.name)
	}
	now := time.Now()

	dest, ok := cur.destFor(option, d.globals, d.visited)
	if ok {
		d.log.Info("selecting next node", "option", option, "dest", dest)
	}
	resolved := false
	switch {
	case !ok:
		cur.event = EventUnknown
	case dest == Current:
		d.leave(cur, now)
		resolved = true
	case dest == Previous:
		if len(d.visited) < 2 {
			return false, fmt.Errorf("node %q: no previous node to return to", cur.name)
		}
		target := d.nodes[d.visited[len(d.visited)-2]]
		d.leave(cur, now)
		d.current = target
		resolved = true
	default:
		target, declared := d.nodes[dest]
		if !declared {
			cur.event = EventUnknown
		} else {
			d.leave(cur, now)
			d.current = target
			resolved = true
		}
	}

	d.current.lastOption = option
	d.history.StartNode(d.current.name, now)
	return resolved, nil
}

// leave closes out a node on departure: its history record, the node
// finalizer, and its per-visit state.
func (d *Dialog) leave(n *Node, t time.Time) {
	d.history.EndNode(t)
	if d.finalizeNode != nil {
		d.finalizeNode(d, n)
	}
	n.reset()
}

// validKeys assembles the DTMF digits a prompt accepts. Nodes with
// options default to the whole keypad so that wrong keys surface as
// invalid input; nodes without options fall back to the global
// options, or take none.
func (d *Dialog) validKeys(n *Node) string {
	global := ""
	if !n.skipGlobals {
		global = strings.Join(sortedKeys(d.globals), "")
	}
	if len(n.options) > 0 {
		if n.input == nil || !n.input.RestrictDTMF {
			return AllDTMFDigits
		}
		return strings.Join(sortedKeys(n.options), "") + global
	}
	return global
}
