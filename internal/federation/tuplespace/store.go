package tuplespace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meshivr/meshivr/internal/federation/rpc"
)

// ErrStopped is returned by operations on a closed store.
var ErrStopped = errors.New("tuple store stopped")

type entry struct {
	tuple      Tuple
	owner      rpc.NodeID
	serialized []byte
}

// OwnedTuple pairs a serialized tuple value with its owning node, the
// shape the enumeration RPCs exchange.
type OwnedTuple struct {
	Owner      rpc.NodeID
	Serialized []byte
}

// Match is one stored tuple produced by a template scan.
type Match struct {
	Tuple Tuple
	Owner rpc.NodeID
}

// Store is the local tuple registry. Tuples are keyed by the SHA-1 of
// their serialization; wildcard templates scan in insertion order.
type Store struct {
	mu      sync.Mutex
	entries map[Key]*entry
	order   []Key
	putCh   chan struct{}
	done    chan struct{}
	log     *slog.Logger
}

// NewStore returns an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		entries: make(map[Key]*entry),
		order:   make([]Key, 0, 16),
		putCh:   make(chan struct{}),
		done:    make(chan struct{}),
		log:     logger.With("component", "tuplespace"),
	}
}

// Close unblocks every waiter with ErrStopped. Subsequent puts fail.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Put stores the tuple under its content key. Storing an already-present
// value keeps its scan position and updates the owner. Every put wakes
// all blocked waiters.
func (s *Store) Put(t Tuple, owner rpc.NodeID) error {
	data, err := t.Serialize()
	if err != nil {
		return err
	}
	key, err := t.Key()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return ErrStopped
	default:
	}

	if e, ok := s.entries[key]; ok {
		e.owner = owner
	} else {
		s.entries[key] = &entry{tuple: t, owner: owner, serialized: data}
		s.order = append(s.order, key)
	}
	s.log.Debug("tuple stored", "tuple", t.String(), "owner", owner)

	close(s.putCh)
	s.putCh = make(chan struct{})
	return nil
}

// PutSerialized stores a tuple received in serialized form, as during
// registry replication at join.
func (s *Store) PutSerialized(data []byte, owner rpc.NodeID) error {
	t, err := Deserialize(data)
	if err != nil {
		return fmt.Errorf("storing serialized tuple: %w", err)
	}
	return s.Put(t, owner)
}

// Find returns the first stored tuple matching the template without
// removing it. The result preserves the caller's bound fields, fills
// wildcard slots from the stored entry and the owner slot from the
// entry's owner.
func (s *Store) Find(template Tuple) (Tuple, rpc.NodeID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, e, ok := s.findLocked(template)
	if !ok {
		return nil, rpc.NodeID{}, false
	}
	return echo(template, e), e.owner, true
}

// FindAll returns every stored tuple matching the template, in insertion
// order, without removing any.
func (s *Store) FindAll(template Tuple) []Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Match
	for _, key := range s.order {
		e := s.entries[key]
		if e.tuple.Matches(template) {
			out = append(out, Match{Tuple: echo(template, e), Owner: e.owner})
		}
	}
	return out
}

// Take removes and returns the first stored tuple matching the template.
func (s *Store) Take(template Tuple) (Tuple, rpc.NodeID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, e, ok := s.findLocked(template)
	if !ok {
		return nil, rpc.NodeID{}, false
	}
	s.deleteLocked(key)
	s.log.Debug("tuple taken", "tuple", e.tuple.String(), "owner", e.owner)
	return echo(template, e), e.owner, true
}

// WaitFind blocks until a matching tuple is stored or the context ends.
func (s *Store) WaitFind(ctx context.Context, template Tuple) (Tuple, rpc.NodeID, error) {
	return s.wait(ctx, template, s.Find)
}

// WaitTake blocks until a matching tuple can be taken or the context ends.
func (s *Store) WaitTake(ctx context.Context, template Tuple) (Tuple, rpc.NodeID, error) {
	return s.wait(ctx, template, s.Take)
}

func (s *Store) wait(ctx context.Context, template Tuple, op func(Tuple) (Tuple, rpc.NodeID, bool)) (Tuple, rpc.NodeID, error) {
	for {
		if t, owner, ok := op(template); ok {
			return t, owner, nil
		}
		s.mu.Lock()
		pulse := s.putCh
		s.mu.Unlock()
		select {
		case <-pulse:
		case <-s.done:
			return nil, rpc.NodeID{}, ErrStopped
		case <-ctx.Done():
			return nil, rpc.NodeID{}, ctx.Err()
		}
	}
}

// OwnedBy enumerates the tuples owned by one node.
func (s *Store) OwnedBy(owner rpc.NodeID) []OwnedTuple {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OwnedTuple
	for _, key := range s.order {
		if e := s.entries[key]; e.owner == owner {
			out = append(out, OwnedTuple{Owner: e.owner, Serialized: e.serialized})
		}
	}
	return out
}

// All enumerates every stored tuple.
func (s *Store) All() []OwnedTuple {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OwnedTuple, 0, len(s.order))
	for _, key := range s.order {
		e := s.entries[key]
		out = append(out, OwnedTuple{Owner: e.owner, Serialized: e.serialized})
	}
	return out
}

// Len reports the number of stored tuples.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// findLocked locates the first entry matching the template. Fully bound
// templates resolve by content key, wildcarded ones scan insertion order.
func (s *Store) findLocked(template Tuple) (Key, *entry, bool) {
	if !template.IsTemplate() {
		key, err := template.Key()
		if err != nil {
			return Key{}, nil, false
		}
		e, ok := s.entries[key]
		if !ok {
			return Key{}, nil, false
		}
		return key, e, true
	}
	for _, key := range s.order {
		if e := s.entries[key]; e.tuple.Matches(template) {
			return key, e, true
		}
	}
	return Key{}, nil, false
}

func (s *Store) deleteLocked(key Key) {
	delete(s.entries, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// echo builds the tuple returned to a caller: bound template fields are
// preserved, wildcards resolve to the stored fields, and the owner field
// reflects the entry's owner metadata.
func echo(template Tuple, e *entry) Tuple {
	out := make(Tuple, len(e.tuple))
	for i := range e.tuple {
		switch {
		case i == fieldOwner:
			out[i] = e.owner.Hex()
		case i < len(template) && template[i] != Wildcard:
			out[i] = template[i]
		default:
			out[i] = e.tuple[i]
		}
	}
	return out
}
