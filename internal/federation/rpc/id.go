package rpc

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// IDLength is the size in bytes of node and message identifiers.
const IDLength = 20

// NodeID is the 160-bit identifier of a federation endpoint, generated at
// startup and compared as raw bytes.
type NodeID [IDLength]byte

// NewRandomID returns a fresh pseudo-random NodeID.
func NewRandomID() NodeID {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("reading random id: %v", err))
	}
	return id
}

// IDFromBytes converts a raw 20-byte slice to a NodeID.
func IDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != IDLength {
		return id, fmt.Errorf("node id must be %d bytes, got %d", IDLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// IDFromHex parses a 40-character hex string into a NodeID.
func IDFromHex(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parsing node id: %w", err)
	}
	return IDFromBytes(b)
}

// Hex returns the full lowercase hex encoding of the id.
func (id NodeID) Hex() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the id as a byte slice.
func (id NodeID) Bytes() []byte {
	return id[:]
}

// IsZero reports whether the id is the all-zero value.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// String returns a shortened hex form for logging.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:4])
}

// MessageID identifies one RPC exchange; unique within the sender.
type MessageID [IDLength]byte

// NewMessageID returns a fresh random MessageID.
func NewMessageID() MessageID {
	var id MessageID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("reading random message id: %v", err))
	}
	return id
}

// MessageIDFromBytes converts a raw 20-byte slice to a MessageID.
func MessageIDFromBytes(b []byte) (MessageID, error) {
	var id MessageID
	if len(b) != IDLength {
		return id, fmt.Errorf("message id must be %d bytes, got %d", IDLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id MessageID) String() string {
	return hex.EncodeToString(id[:4])
}
