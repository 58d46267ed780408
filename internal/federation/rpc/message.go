package rpc

import (
	"fmt"
	"time"

	"github.com/zeebo/bencode"
)

// Message type tags, first field of every datagram.
const (
	typeRequest  = 0
	typeResponse = 1
	typeError    = 2
	typeFragment = 3
)

// MaxDatagram is the largest UDP payload sent as a single datagram. Encoded
// messages above this size are spread over several fragment datagrams.
const MaxDatagram = 8192

// fragmentHeadroom reserves space in each fragment datagram for the
// fragment's own bencode envelope.
const fragmentHeadroom = 128

// assemblyTTL bounds how long an incomplete fragment assembly is buffered.
const assemblyTTL = 10 * time.Second

// wirePacket is the on-wire shape of a complete message. The stringified
// numeric keys form the fixed header schema: type, msgId, senderId,
// payload, args. Payload holds the method name for requests, the result
// value for responses and the exception tag for error responses; Args holds
// the argument vector for requests and the exception message for errors.
type wirePacket struct {
	Type    int                `bencode:"0"`
	MsgID   string             `bencode:"1"`
	Sender  string             `bencode:"2"`
	Payload bencode.RawMessage `bencode:"3,omitempty"`
	Args    bencode.RawMessage `bencode:"4,omitempty"`
}

// wireFragment is one slice of an oversize message. Slices share the parent
// message id; Seq is 1-based.
type wireFragment struct {
	Type  int    `bencode:"0"`
	MsgID string `bencode:"1"`
	Seq   int    `bencode:"5"`
	Total int    `bencode:"6"`
	Data  string `bencode:"7"`
}

// Message is one decoded RPC message.
type Message struct {
	Type   int
	MsgID  MessageID
	Sender NodeID

	// Requests.
	Method string
	Args   []bencode.RawMessage

	// Responses.
	Payload bencode.RawMessage

	// Error responses.
	ErrTag string
	ErrMsg string
}

func encodeRequest(msgID MessageID, sender NodeID, method string, args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	rawArgs, err := bencode.EncodeBytes(args)
	if err != nil {
		return nil, fmt.Errorf("encoding args: %w", err)
	}
	rawMethod, err := bencode.EncodeBytes(method)
	if err != nil {
		return nil, fmt.Errorf("encoding method: %w", err)
	}
	return bencode.EncodeBytes(wirePacket{
		Type:    typeRequest,
		MsgID:   string(msgID[:]),
		Sender:  string(sender[:]),
		Payload: rawMethod,
		Args:    rawArgs,
	})
}

func encodeResponse(msgID MessageID, sender NodeID, value any) (_ []byte, err error) {
	var rawValue bencode.RawMessage
	if value == nil {
		// bencode has no null; an absent result is the empty string.
		rawValue, err = bencode.EncodeBytes("")
	} else {
		rawValue, err = bencode.EncodeBytes(value)
	}
	if err != nil {
		return nil, fmt.Errorf("encoding response value: %w", err)
	}
	return bencode.EncodeBytes(wirePacket{
		Type:    typeResponse,
		MsgID:   string(msgID[:]),
		Sender:  string(sender[:]),
		Payload: rawValue,
	})
}

func encodeErrorResponse(msgID MessageID, sender NodeID, tag, message string) ([]byte, error) {
	rawTag, err := bencode.EncodeBytes(tag)
	if err != nil {
		return nil, fmt.Errorf("encoding error tag: %w", err)
	}
	rawMsg, err := bencode.EncodeBytes(message)
	if err != nil {
		return nil, fmt.Errorf("encoding error message: %w", err)
	}
	return bencode.EncodeBytes(wirePacket{
		Type:    typeError,
		MsgID:   string(msgID[:]),
		Sender:  string(sender[:]),
		Payload: rawTag,
		Args:    rawMsg,
	})
}

func decodeMessage(data []byte) (*Message, error) {
	var pkt wirePacket
	if err := bencode.DecodeBytes(data, &pkt); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	msgID, err := MessageIDFromBytes([]byte(pkt.MsgID))
	if err != nil {
		return nil, err
	}
	sender, err := IDFromBytes([]byte(pkt.Sender))
	if err != nil {
		return nil, err
	}
	msg := &Message{Type: pkt.Type, MsgID: msgID, Sender: sender}

	switch pkt.Type {
	case typeRequest:
		if err := bencode.DecodeBytes(pkt.Payload, &msg.Method); err != nil {
			return nil, fmt.Errorf("decoding method name: %w", err)
		}
		if len(pkt.Args) > 0 {
			if err := bencode.DecodeBytes(pkt.Args, &msg.Args); err != nil {
				return nil, fmt.Errorf("decoding args: %w", err)
			}
		}
	case typeResponse:
		msg.Payload = pkt.Payload
	case typeError:
		if err := bencode.DecodeBytes(pkt.Payload, &msg.ErrTag); err != nil {
			return nil, fmt.Errorf("decoding error tag: %w", err)
		}
		if len(pkt.Args) > 0 {
			if err := bencode.DecodeBytes(pkt.Args, &msg.ErrMsg); err != nil {
				return nil, fmt.Errorf("decoding error message: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("unknown message type %d", pkt.Type)
	}
	return msg, nil
}

// fragmentMessage splits an encoded message into fragment datagrams of at
// most limit bytes each.
func fragmentMessage(msgID MessageID, encoded []byte, limit int) ([][]byte, error) {
	chunk := limit - fragmentHeadroom
	if chunk <= 0 {
		return nil, fmt.Errorf("datagram limit %d too small to fragment", limit)
	}
	total := (len(encoded) + chunk - 1) / chunk
	frags := make([][]byte, 0, total)
	for seq := 1; seq <= total; seq++ {
		start := (seq - 1) * chunk
		end := start + chunk
		if end > len(encoded) {
			end = len(encoded)
		}
		data, err := bencode.EncodeBytes(wireFragment{
			Type:  typeFragment,
			MsgID: string(msgID[:]),
			Seq:   seq,
			Total: total,
			Data:  string(encoded[start:end]),
		})
		if err != nil {
			return nil, fmt.Errorf("encoding fragment %d/%d: %w", seq, total, err)
		}
		frags = append(frags, data)
	}
	return frags, nil
}

// peekType reads the message type tag without decoding the whole datagram.
func peekType(data []byte) (int, error) {
	var probe struct {
		Type int `bencode:"0"`
	}
	if err := bencode.DecodeBytes(data, &probe); err != nil {
		return 0, fmt.Errorf("decoding type tag: %w", err)
	}
	return probe.Type, nil
}

// assembly buffers the fragments of one oversize message until complete.
type assembly struct {
	total    int
	parts    [][]byte
	received int
	expires  time.Time
}

func newAssembly(total int) *assembly {
	return &assembly{
		total:   total,
		parts:   make([][]byte, total),
		expires: time.Now().Add(assemblyTTL),
	}
}

// add records one fragment and returns the reassembled message once every
// slice has arrived. Duplicate slices are ignored.
func (a *assembly) add(seq int, data []byte) ([]byte, bool) {
	if seq < 1 || seq > a.total || a.parts[seq-1] != nil {
		return nil, false
	}
	a.parts[seq-1] = data
	a.received++
	if a.received < a.total {
		return nil, false
	}
	var full []byte
	for _, p := range a.parts {
		full = append(full, p...)
	}
	return full, true
}

func (a *assembly) expired(now time.Time) bool {
	return now.After(a.expires)
}
