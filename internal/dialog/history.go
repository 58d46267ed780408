package dialog

import "time"

// NodeRecord captures what happened during one visit to a node.
type NodeRecord struct {
	Name      string
	StartTime time.Time
	EndTime   time.Time

	DTMF        string
	DTMFTime    time.Time
	DTMFBargeIn bool

	ASRUtterance     string
	ASRScore         float64
	ASRLevel         string
	ASRBargeIn       bool
	ASRBargeInMillis int

	RecordSilencePct     string
	RecordHashTerminated bool

	IsTimeout  bool
	IsInvalid  bool
	IsMaxTries bool

	Custom map[string]any
}

// CallHistory is the per-call trail of node visits, built up by the
// dialog loop and closed out when the call ends. It is not safe for
// concurrent use; hand it off only after Run returns.
type CallHistory struct {
	SessionID    string
	CallerNumber string
	DialedNumber string
	AnswerTime   time.Time
	HangupTime   time.Time
	Completed    bool
	Nodes        []NodeRecord

	current NodeRecord
}

// NewCallHistory starts the trail for one answered call.
func NewCallHistory(sessionID string, answered time.Time, caller, dialed string) *CallHistory {
	return &CallHistory{
		SessionID:    sessionID,
		CallerNumber: caller,
		DialedNumber: dialed,
		AnswerTime:   answered,
	}
}

// StartNode opens the record for a node visit. Calling it again before
// EndNode restamps the pending record without losing results already
// attached to it.
func (h *CallHistory) StartNode(name string, t time.Time) {
	h.current.Name = name
	h.current.StartTime = t
}

// EndNode closes the pending record and appends it to the trail.
func (h *CallHistory) EndNode(t time.Time) {
	h.current.EndTime = t
	h.Nodes = append(h.Nodes, h.current)
	h.current = NodeRecord{}
}

// SetHangupTime records when the call went away.
func (h *CallHistory) SetHangupTime(t time.Time) { h.HangupTime = t }

// SetDTMFResults attaches a key press to the pending record.
func (h *CallHistory) SetDTMFResults(digit string, at time.Time, bargeIn bool) {
	h.current.DTMF = digit
	h.current.DTMFTime = at
	h.current.DTMFBargeIn = bargeIn
}

// SetASRResults attaches a recognition hypothesis to the pending
// record. The barge-in position is in milliseconds from playback
// start.
func (h *CallHistory) SetASRResults(utterance string, score float64, level string, bargeIn bool, bargeInMillis int) {
	h.current.ASRUtterance = utterance
	h.current.ASRScore = score
	h.current.ASRLevel = level
	h.current.ASRBargeIn = bargeIn
	h.current.ASRBargeInMillis = bargeInMillis
}

// SetRecordResults attaches the outcome of a recording.
func (h *CallHistory) SetRecordResults(silencePct string, hashTerminated bool) {
	h.current.RecordSilencePct = silencePct
	h.current.RecordHashTerminated = hashTerminated
}

func (h *CallHistory) SetIsTimeout(v bool)  { h.current.IsTimeout = v }
func (h *CallHistory) SetIsInvalid(v bool)  { h.current.IsInvalid = v }
func (h *CallHistory) SetIsMaxTries(v bool) { h.current.IsMaxTries = v }

// SetCustom attaches caller-defined data to the pending record.
func (h *CallHistory) SetCustom(data map[string]any) { h.current.Custom = data }
