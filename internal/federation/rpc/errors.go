package rpc

import (
	"errors"
	"fmt"
)

// ErrUnknownMethod is returned by a Dispatcher when the requested method is
// not RPC-exposed. The peer receives it as an AttributeError response.
var ErrUnknownMethod = errors.New("unknown rpc method")

// ErrStopped is returned for calls issued before Start or after Stop.
var ErrStopped = errors.New("transport not running")

// attributeErrorTag is the exception tag reported for calls to methods that
// are not RPC-exposed.
const attributeErrorTag = "AttributeError"

// exceptionTag is the exception tag reported for all other dispatch errors.
const exceptionTag = "Exception"

// TimeoutError reports that a peer did not answer an RPC within the
// response deadline. The contact it carries is presumed dead and should be
// pruned by the caller.
type TimeoutError struct {
	Contact Contact
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc timeout waiting for %s", e.Contact)
}

// Timeout reports true so the error satisfies net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// IsTimeout reports whether err is an RPC response timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// RemoteError is an ErrorResponse received from a peer, carrying the
// exception tag and message the peer reported.
type RemoteError struct {
	Tag     string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Tag, e.Message)
}
