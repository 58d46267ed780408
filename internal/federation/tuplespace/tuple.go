// Package tuplespace implements the content-addressed tuple registry that
// backs resource lending and handler advertisement across the federation.
package tuplespace

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/meshivr/meshivr/internal/federation/rpc"
	"github.com/zeebo/bencode"
)

// Wildcard marks a template field that matches any stored value. The NUL
// string cannot collide with a real field because stored tuples reject it.
const Wildcard = "\x00"

// Tuple kinds, always the first field.
const (
	KindResource = "resource"
	KindHandler  = "handler"
)

// Resource and handler types, always the second field.
const (
	TypeIVR = "ivr"
	TypeSMS = "sms"
)

// Field positions. Node ids inside tuple fields are hex-encoded; raw id
// bytes travel only in message envelopes.
const (
	fieldKind  = 0
	fieldType  = 1
	fieldOwner = 2

	fieldChannelFilter  = 3
	fieldCallerIDFilter = 4
)

// Tuple is an ordered sequence of string fields. Its identity is the SHA-1
// hash of its serialization, so equal-valued tuples are indistinguishable.
type Tuple []string

// NewResourceTuple builds a lendable resource advertisement.
func NewResourceTuple(resourceType string, owner rpc.NodeID) Tuple {
	return Tuple{KindResource, resourceType, owner.Hex()}
}

// NewIVRHandlerTuple builds an IVR handler advertisement. Empty filters
// match any channel / caller id.
func NewIVRHandlerTuple(owner rpc.NodeID, channelFilter, callerIDFilter string) Tuple {
	return Tuple{KindHandler, TypeIVR, owner.Hex(), channelFilter, callerIDFilter}
}

// NewSMSHandlerTuple builds an SMS handler advertisement.
func NewSMSHandlerTuple(owner rpc.NodeID) Tuple {
	return Tuple{KindHandler, TypeSMS, owner.Hex()}
}

// ResourceTemplate matches any owner's resource tuple of the given type.
func ResourceTemplate(resourceType string) Tuple {
	return Tuple{KindResource, resourceType, Wildcard}
}

// OwnedResourceTemplate matches exactly one node's resource tuple.
func OwnedResourceTemplate(resourceType string, owner rpc.NodeID) Tuple {
	return Tuple{KindResource, resourceType, owner.Hex()}
}

// IVRHandlerTemplate matches every IVR handler advertisement.
func IVRHandlerTemplate() Tuple {
	return Tuple{KindHandler, TypeIVR, Wildcard, Wildcard, Wildcard}
}

// SMSHandlerTemplate matches every SMS handler advertisement.
func SMSHandlerTemplate() Tuple {
	return Tuple{KindHandler, TypeSMS, Wildcard}
}

// Kind returns the first field, or "" for an empty tuple.
func (t Tuple) Kind() string {
	if len(t) == 0 {
		return ""
	}
	return t[fieldKind]
}

// ResourceType returns the second field, or "".
func (t Tuple) ResourceType() string {
	if len(t) <= fieldType {
		return ""
	}
	return t[fieldType]
}

// Owner parses the hex-encoded owner id field.
func (t Tuple) Owner() (rpc.NodeID, error) {
	if len(t) <= fieldOwner {
		return rpc.NodeID{}, fmt.Errorf("tuple %v has no owner field", t)
	}
	return rpc.IDFromHex(t[fieldOwner])
}

// ChannelFilter returns the handler channel filter; "" means any.
func (t Tuple) ChannelFilter() string {
	if len(t) <= fieldChannelFilter {
		return ""
	}
	return t[fieldChannelFilter]
}

// CallerIDFilter returns the handler caller-id filter; "" means any.
func (t Tuple) CallerIDFilter() string {
	if len(t) <= fieldCallerIDFilter {
		return ""
	}
	return t[fieldCallerIDFilter]
}

// IsTemplate reports whether any field is the wildcard placeholder.
func (t Tuple) IsTemplate() bool {
	for _, f := range t {
		if f == Wildcard {
			return true
		}
	}
	return false
}

// Matches reports whether the stored tuple is matched by template:
// equal length and field-wise equality on every non-wildcard field.
func (t Tuple) Matches(template Tuple) bool {
	if len(t) != len(template) {
		return false
	}
	for i, f := range template {
		if f != Wildcard && f != t[i] {
			return false
		}
	}
	return true
}

// Serialize encodes the tuple as a bencoded list of its fields. Templates
// cannot be serialized.
func (t Tuple) Serialize() ([]byte, error) {
	if len(t) == 0 {
		return nil, fmt.Errorf("cannot serialize an empty tuple")
	}
	if t.IsTemplate() {
		return nil, fmt.Errorf("cannot serialize template %v", t)
	}
	return bencode.EncodeBytes([]string(t))
}

// Deserialize decodes a serialized tuple value.
func Deserialize(data []byte) (Tuple, error) {
	var fields []string
	if err := bencode.DecodeBytes(data, &fields); err != nil {
		return nil, fmt.Errorf("decoding tuple: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("decoded tuple has no fields")
	}
	return Tuple(fields), nil
}

// Key is a tuple's storage identity: the SHA-1 digest of its serialization.
type Key [sha1.Size]byte

func (k Key) String() string {
	return hex.EncodeToString(k[:4])
}

// Key hashes the serialized tuple.
func (t Tuple) Key() (Key, error) {
	data, err := t.Serialize()
	if err != nil {
		return Key{}, err
	}
	return sha1.Sum(data), nil
}

func (t Tuple) String() string {
	out := "("
	for i, f := range t {
		if i > 0 {
			out += ", "
		}
		if f == Wildcard {
			out += "*"
		} else {
			out += f
		}
	}
	return out + ")"
}
