package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zeebo/bencode"
)

// dispatchFunc adapts a function to the Dispatcher interface.
type dispatchFunc func(sender Contact, method string, args []bencode.RawMessage) (any, error)

func (f dispatchFunc) DispatchRPC(sender Contact, method string, args []bencode.RawMessage) (any, error) {
	return f(sender, method, args)
}

func startTransport(t *testing.T, id NodeID, d Dispatcher) *Transport {
	t.Helper()
	tr := NewTransport(id, 0, d, slog.Default())
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("starting transport: %v", err)
	}
	t.Cleanup(tr.Stop)
	return tr
}

func contactFor(tr *Transport) Contact {
	return Contact{ID: tr.ID(), Addr: "127.0.0.1", Port: tr.Port()}
}

func TestCallRoundTrip(t *testing.T) {
	idA, idB := NewRandomID(), NewRandomID()

	var mu sync.Mutex
	var gotSender Contact
	var gotMethod string

	b := startTransport(t, idB, dispatchFunc(func(sender Contact, method string, args []bencode.RawMessage) (any, error) {
		mu.Lock()
		gotSender = sender
		gotMethod = method
		mu.Unlock()

		var s string
		if err := bencode.DecodeBytes(args[0], &s); err != nil {
			return nil, err
		}
		return "echo:" + s, nil
	}))
	a := startTransport(t, idA, dispatchFunc(func(Contact, string, []bencode.RawMessage) (any, error) {
		return nil, ErrUnknownMethod
	}))

	reply, err := a.Call(context.Background(), contactFor(b), "echo", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Sender != idB {
		t.Errorf("reply.Sender = %v, want %v", reply.Sender, idB)
	}
	var payload string
	if err := bencode.DecodeBytes(reply.Payload, &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload != "echo:hello" {
		t.Errorf("payload = %q, want echo:hello", payload)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotMethod != "echo" {
		t.Errorf("dispatched method = %q, want echo", gotMethod)
	}
	if gotSender.ID != idA {
		t.Errorf("dispatched sender id = %v, want %v", gotSender.ID, idA)
	}
	if gotSender.Port != a.Port() {
		t.Errorf("dispatched sender port = %d, want %d", gotSender.Port, a.Port())
	}
}

func TestCallUnknownMethod(t *testing.T) {
	b := startTransport(t, NewRandomID(), dispatchFunc(func(_ Contact, method string, _ []bencode.RawMessage) (any, error) {
		return nil, fmt.Errorf("%w %q", ErrUnknownMethod, method)
	}))
	a := startTransport(t, NewRandomID(), nil)

	_, err := a.Call(context.Background(), contactFor(b), "secretMethod")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want *RemoteError", err)
	}
	if remote.Tag != attributeErrorTag {
		t.Errorf("Tag = %q, want %q", remote.Tag, attributeErrorTag)
	}
}

func TestCallDispatchError(t *testing.T) {
	b := startTransport(t, NewRandomID(), dispatchFunc(func(Contact, string, []bencode.RawMessage) (any, error) {
		return nil, errors.New("handler exploded")
	}))
	a := startTransport(t, NewRandomID(), nil)

	_, err := a.Call(context.Background(), contactFor(b), "boom")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want *RemoteError", err)
	}
	if remote.Tag != exceptionTag {
		t.Errorf("Tag = %q, want %q", remote.Tag, exceptionTag)
	}
	if remote.Message != "handler exploded" {
		t.Errorf("Message = %q, want %q", remote.Message, "handler exploded")
	}
}

func TestCallTimeout(t *testing.T) {
	a := startTransport(t, NewRandomID(), nil)

	// Nothing listens on the dead contact's port.
	dead := Contact{ID: NewRandomID(), Addr: "127.0.0.1", Port: 1}

	start := time.Now()
	_, err := a.Call(context.Background(), dead, "ping")
	elapsed := time.Since(start)

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if te.Contact.ID != dead.ID {
		t.Errorf("timeout contact = %v, want %v", te.Contact.ID, dead.ID)
	}
	if !IsTimeout(err) {
		t.Error("IsTimeout = false, want true")
	}
	if elapsed < DefaultTimeout {
		t.Errorf("call returned after %v, before the %v deadline", elapsed, DefaultTimeout)
	}
}

func TestCallContextCancel(t *testing.T) {
	a := startTransport(t, NewRandomID(), nil)
	dead := Contact{ID: NewRandomID(), Addr: "127.0.0.1", Port: 1}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := a.Call(ctx, dead, "ping")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestCallFragmentedPayloads(t *testing.T) {
	big := strings.Repeat("0123456789abcdef", 2048) // 32 KB

	b := startTransport(t, NewRandomID(), dispatchFunc(func(_ Contact, _ string, args []bencode.RawMessage) (any, error) {
		var s string
		if err := bencode.DecodeBytes(args[0], &s); err != nil {
			return nil, err
		}
		// Round-trip the oversize argument back as an oversize response.
		return s, nil
	}))
	a := startTransport(t, NewRandomID(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := a.Call(ctx, contactFor(b), "mirror", big)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got string
	if err := bencode.DecodeBytes(reply.Payload, &got); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if got != big {
		t.Errorf("payload corrupted: got %d bytes, want %d", len(got), len(big))
	}
}

func TestCallAfterStop(t *testing.T) {
	tr := NewTransport(NewRandomID(), 0, nil, slog.Default())
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	peer := contactFor(tr)
	tr.Stop()

	_, err := tr.Call(context.Background(), peer, "ping")
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}
