package dialog

import "fmt"

// Event identifies the stage a node is in within its execution life
// cycle. Every node starts at EventCustom and signals the next stage
// as each kind of item is exhausted.
type Event int

const (
	EventCustom Event = iota
	EventAudio
	EventOption
	EventRecord
	EventUnknown
	EventTimeout
	EventReroute
	EventExit
)

func (e Event) String() string {
	switch e {
	case EventCustom:
		return "custom"
	case EventAudio:
		return "audio"
	case EventOption:
		return "option"
	case EventRecord:
		return "record"
	case EventUnknown:
		return "unknown"
	case EventTimeout:
		return "timeout"
	case EventReroute:
		return "reroute"
	case EventExit:
		return "exit"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// InputMode selects how a prompt collects caller input.
type InputMode string

const (
	InputDTMF InputMode = "dtmf"
	InputASR  InputMode = "asr"
)

// AudioSource tells a prompt whether its value names a sound file or
// carries text for the speech synthesizer.
type AudioSource string

const (
	SourceFile AudioSource = "file"
	SourceText AudioSource = "text"
)

// Relative destinations usable wherever a node name is expected.
const (
	Previous = "PREVIOUS"
	Current  = "CURRENT"
)

// AllDTMFDigits is the full telephone keypad.
const AllDTMFDigits = "0123456789*#"

// Routing selectors used internally by the event loop. They share the
// option namespace with caller input, which is safe because no keypad
// digit or utterance spells them.
const (
	optGoto    = "GOTO"
	optTimeout = "TIMEOUT"
	optUnknown = "UNKNOWN"
	optReroute = "REROUTE"
)

func isPosition(dest string) bool {
	return dest == Previous || dest == Current
}

// AudioItem is one prompt in a node's playback sequence. Value carries
// the sound file name or the text to synthesize; multilingual dialogs
// may set Values instead, keyed by the dialog's audio index.
type AudioItem struct {
	Source AudioSource
	Value  string
	Values map[int]string
}

// PlayFile builds a prompt item that plays a sound file.
func PlayFile(name string) AudioItem {
	return AudioItem{Source: SourceFile, Value: name}
}

// SayText builds a prompt item that synthesizes text.
func SayText(text string) AudioItem {
	return AudioItem{Source: SourceText, Value: text}
}

func (a AudioItem) variant(index int) (string, error) {
	if a.Values == nil {
		return a.Value, nil
	}
	v, ok := a.Values[index]
	if !ok {
		return "", fmt.Errorf("no audio variant for index %d", index)
	}
	return v, nil
}

// InputSettings configures how a node collects caller input. MaxTime
// is the post-playback input wait in milliseconds; the ASR durations
// are in milliseconds as well.
type InputSettings struct {
	Mode      InputMode
	MaxTime   int
	MaxVisits int

	// RestrictDTMF narrows the accepted keys to the declared options.
	// By default any keypad digit is accepted, so that a wrong key can
	// be answered with the unknown path instead of being ignored.
	RestrictDTMF bool

	BargeInDuration           int
	ConsecutiveSpeechDuration int
	SilenceTimeout            int
	Grammar                   string
}

// ErrorPolicy names the destinations for a node's failure paths:
// Timeout and Unknown while the visit count is under its limit,
// Reroute once it is exhausted.
type ErrorPolicy struct {
	Timeout string
	Unknown string
	Reroute string
}

// RecordItem asks a node to capture caller audio after its prompts.
// MaxTime is in milliseconds with -1 for unlimited; SilenceTimeout is
// in seconds and zero disables silence detection.
type RecordItem struct {
	Filename        string
	MaxTime         int
	IntKeys         string
	PlayBeep        bool
	SilenceTimeout  int
	CustomDetection bool
}

// NodeSpec declares one dialog node. Destination fields accept a node
// name, PREVIOUS, CURRENT, or an EVAL: expression.
type NodeSpec struct {
	// Custom names registered callback functions, fired in order
	// before anything else the node does.
	Custom []string

	// Audio is the prompt sequence; only the last item waits for
	// caller input.
	Audio []AudioItem

	// Options maps caller input to destinations.
	Options map[string]string

	// Goto is the default destination when no input was solicited.
	Goto string

	Input  *InputSettings
	Error  *ErrorPolicy
	Record *RecordItem

	// SkipGlobals leaves this node out of dialog-wide option routing.
	SkipGlobals bool

	// Exit marks a terminal node.
	Exit bool
}

// Node is one state in a dialog's call flow. Custom callbacks receive
// the node they are attached to and may inspect it through the
// accessors.
type Node struct {
	name        string
	custom      []string
	audio       []AudioItem
	options     map[string]string
	dest        string
	input       *InputSettings
	policy      *ErrorPolicy
	record      *RecordItem
	skipGlobals bool
	exit        bool

	event       Event
	customIndex int
	audioIndex  int
	visits      int
	lastOption  string
}

func newNode(name string, spec NodeSpec) *Node {
	n := &Node{
		name:        name,
		custom:      spec.Custom,
		audio:       spec.Audio,
		options:     spec.Options,
		dest:        spec.Goto,
		input:       spec.Input,
		policy:      spec.Error,
		record:      spec.Record,
		skipGlobals: spec.SkipGlobals,
		exit:        spec.Exit,
	}
	if n.options == nil {
		n.options = map[string]string{}
	}
	return n
}

// Name returns the node's declared name.
func (n *Node) Name() string { return n.name }

// Visits counts how many times the node's prompt stage has been
// entered since the error-loop counter was last reset.
func (n *Node) Visits() int { return n.visits }

// LastOption is the routing selector or caller input that led here.
func (n *Node) LastOption() string { return n.lastOption }

// nextCustom hands out the next callback name, moving on to the audio
// stage when none remain.
func (n *Node) nextCustom() (string, bool) {
	if n.customIndex < len(n.custom) {
		name := n.custom[n.customIndex]
		n.customIndex++
		return name, true
	}
	n.event = EventAudio
	return "", false
}

// nextAudio hands out the next prompt. Entering the audio stage counts
// as a visit. Once the prompts are exhausted the node advances to its
// recording, its exit, or the option stage.
func (n *Node) nextAudio() (AudioItem, bool) {
	if n.audioIndex == 0 {
		n.visits++
	}
	if n.audioIndex < len(n.audio) {
		item := n.audio[n.audioIndex]
		n.audioIndex++
		return item, true
	}
	switch {
	case n.record != nil:
		n.event = EventRecord
	case n.exit:
		n.event = EventExit
	default:
		n.event = EventOption
	}
	return AudioItem{}, false
}

// takeRecord returns the recording settings and moves the node past
// the recording stage.
func (n *Node) takeRecord() *RecordItem {
	if n.exit {
		n.event = EventExit
	} else {
		n.event = EventOption
	}
	return n.record
}

// maxTime is the input wait for the prompt about to play: zero while
// prompts remain, the configured wait on the last one.
func (n *Node) maxTime() int {
	if n.audioIndex < len(n.audio) {
		return 0
	}
	if n.input == nil {
		return 0
	}
	return n.input.MaxTime
}

func (n *Node) maxVisits() int {
	if n.input == nil {
		return 0
	}
	return n.input.MaxVisits
}

func (n *Node) mode() InputMode {
	if n.input == nil || n.input.Mode == "" {
		return InputDTMF
	}
	return n.input.Mode
}

// destFor resolves a routing selector or caller input into a
// destination. Error bindings are consulted first, then the dialog's
// global options unless the node opts out, then the node's own
// options. Forward routing resets the visit counter; the timeout and
// unknown retries deliberately do not, so the counter can reach the
// reroute threshold.
func (n *Node) destFor(option string, globals map[string]string, visited []string) (string, bool) {
	switch option {
	case optGoto:
		return n.forward(n.dest, visited)
	case optTimeout:
		if n.policy == nil {
			return "", false
		}
		return n.retry(n.policy.Timeout, visited)
	case optUnknown:
		if n.policy == nil {
			return "", false
		}
		return n.retry(n.policy.Unknown, visited)
	case optReroute:
		if n.policy == nil {
			return "", false
		}
		return n.forward(n.policy.Reroute, visited)
	}
	if !n.skipGlobals {
		if dest, ok := globals[option]; ok {
			return n.forward(dest, visited)
		}
	}
	if dest, ok := n.options[option]; ok {
		return n.forward(dest, visited)
	}
	return "", false
}

func (n *Node) forward(dest string, visited []string) (string, bool) {
	resolved := evalDest(dest, visited)
	if resolved == "" {
		return "", false
	}
	n.visits = 0
	return resolved, true
}

func (n *Node) retry(dest string, visited []string) (string, bool) {
	resolved := evalDest(dest, visited)
	return resolved, resolved != ""
}

// reset prepares the node for its next visit. The visit counter is
// left alone: forward routing clears it, error retries accumulate it.
func (n *Node) reset() {
	n.customIndex = 0
	n.audioIndex = 0
	n.event = EventCustom
}
