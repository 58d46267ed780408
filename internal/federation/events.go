package federation

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/meshivr/meshivr/internal/fastagi"
	"github.com/meshivr/meshivr/internal/federation/rpc"
	"github.com/meshivr/meshivr/internal/federation/tuplespace"
	"github.com/zeebo/bencode"
)

// Event types carried by handleEvent.
const (
	EventIVR      = "ivr"
	EventSMS      = "sms"
	EventRelease  = "release"
	EventShutdown = "shutdown"
)

// Event is the payload of a handleEvent RPC. Field names follow the wire
// protocol; node ids inside events are hex-encoded.
type Event struct {
	Type      string `bencode:"type"`
	SessionID string `bencode:"uniqueID,omitempty"`
	HandlerID string `bencode:"ivrHandlerID,omitempty"`
	Channel   string `bencode:"channel,omitempty"`
	CallerID  string `bencode:"callerID,omitempty"`
	Message   string `bencode:"message,omitempty"`
	Resource  string `bencode:"resourceType,omitempty"`
	NodeID    string `bencode:"nodeID,omitempty"`
}

// HandlerAddr locates the FastAGI endpoint of the node that accepted an
// IVR event.
type HandlerAddr struct {
	Host string
	Port int
}

// NotifyEvent routes an event through the federation. For IVR events it
// returns the FastAGI endpoint of the accepting node, or nil when no
// handler could be found; for SMS events the address is always nil.
func (n *Node) NotifyEvent(ctx context.Context, ev Event) (*HandlerAddr, error) {
	switch ev.Type {
	case EventSMS:
		return nil, n.routeSMS(ctx, ev)
	case EventIVR:
		return n.routeIVR(ctx, ev)
	case EventRelease:
		return nil, n.PublishResource(ev.Resource, nil)
	case EventShutdown:
		id, err := rpc.IDFromHex(ev.NodeID)
		if err != nil {
			return nil, fmt.Errorf("shutdown event with bad node id: %w", err)
		}
		n.contacts.Remove(id)
		return nil, nil
	}
	return nil, fmt.Errorf("unknown event type %q", ev.Type)
}

// NotifySMS adapts an incoming text message to the event router. It is
// the hook the SMS receiver delivers into.
func (n *Node) NotifySMS(ctx context.Context, callerID, message string) error {
	_, err := n.NotifyEvent(ctx, Event{Type: EventSMS, CallerID: callerID, Message: message})
	return err
}

// routeSMS hands the message to one advertised SMS handler. A handler
// whose node stopped answering is pruned and the message dropped.
func (n *Node) routeSMS(ctx context.Context, ev Event) error {
	tup, owner, ok := n.store.Find(tuplespace.SMSHandlerTemplate())
	if !ok {
		n.log.Warn("no sms handler advertised, dropping message", "caller_id", ev.CallerID)
		return nil
	}
	if owner == n.id {
		_, err := n.deliverEvent(ev)
		return err
	}
	contact, found := n.contacts.Find(owner)
	if !found {
		n.store.Take(tup)
		return nil
	}
	if _, err := n.transport.Call(ctx, contact, "handleEvent", ev); err != nil {
		n.log.Error("sms handler unreachable, pruning", "contact", contact.String(), "error", err)
		n.store.Take(tup)
		if rpc.IsTimeout(err) {
			n.contacts.Remove(owner)
		}
	}
	return nil
}

// routeIVR picks the IVR handler for a call. Advertisements are split into
// four priority classes: both filters match, channel matches, caller id
// matches, no filters. Classes are tried in that order; within a class the
// candidate is chosen uniformly at random, and a candidate whose node
// times out is pruned from the local view before the next pick.
func (n *Node) routeIVR(ctx context.Context, ev Event) (*HandlerAddr, error) {
	n.log.Info("finding ivr handler", "session_id", ev.SessionID)

	matches := n.store.FindAll(tuplespace.IVRHandlerTemplate())
	classes := partitionHandlers(matches, ev)

	for _, class := range classes {
		for len(class) > 0 {
			i := rand.Intn(len(class))
			cand := class[i]

			addr, ok := n.tryHandler(ctx, cand, ev)
			if ok {
				return addr, nil
			}
			class = append(class[:i], class[i+1:]...)
		}
	}

	n.log.Warn("no ivr handler could be found, dropping call",
		"channel", ev.Channel, "caller_id", ev.CallerID, "session_id", ev.SessionID)
	return nil, nil
}

// tryHandler offers the event to one advertised handler. False means the
// candidate is unusable and should be discarded.
func (n *Node) tryHandler(ctx context.Context, cand tuplespace.Match, ev Event) (*HandlerAddr, bool) {
	owner := cand.Owner
	if owner == n.id {
		port, err := n.deliverEvent(ev)
		if err != nil || port == 0 {
			return nil, false
		}
		n.log.Info("local ivr handler found", "session_id", ev.SessionID)
		return &HandlerAddr{Host: "127.0.0.1", Port: port}, true
	}

	contact, found := n.contacts.Find(owner)
	if !found {
		n.store.Take(cand.Tuple)
		return nil, false
	}

	reply, err := n.transport.Call(ctx, contact, "handleEvent", ev)
	if err != nil {
		if rpc.IsTimeout(err) {
			n.log.Error("rpc timeout, unable to locate remote ivr handler, no response obtained",
				"contact", contact.String(), "session_id", ev.SessionID)
			n.store.Take(cand.Tuple)
			n.contacts.Remove(owner)
		} else {
			n.log.Error("remote ivr handler refused event",
				"contact", contact.String(), "session_id", ev.SessionID, "error", err)
		}
		return nil, false
	}

	var port int
	if err := bencode.DecodeBytes(reply.Payload, &port); err != nil || port == 0 {
		return nil, false
	}
	n.log.Info("remote ivr handler found",
		"addr", contact.Addr, "fastagi_port", port, "session_id", ev.SessionID)
	return &HandlerAddr{Host: contact.Addr, Port: port}, true
}

// partitionHandlers buckets handler advertisements by filter specificity.
// A non-empty filter that does not match the event excludes the handler
// outright.
func partitionHandlers(matches []tuplespace.Match, ev Event) [4][]tuplespace.Match {
	var classes [4][]tuplespace.Match
	for _, m := range matches {
		channelFilter := m.Tuple.ChannelFilter()
		callerFilter := m.Tuple.CallerIDFilter()

		channelMatched := false
		if channelFilter != "" {
			if channelFilter != ev.Channel {
				continue
			}
			channelMatched = true
		}
		callerMatched := false
		if callerFilter != "" {
			if callerFilter != ev.CallerID {
				continue
			}
			callerMatched = true
		}

		switch {
		case channelMatched && callerMatched:
			classes[0] = append(classes[0], m)
		case channelMatched:
			classes[1] = append(classes[1], m)
		case callerMatched:
			classes[2] = append(classes[2], m)
		default:
			classes[3] = append(classes[3], m)
		}
	}
	return classes
}

// RouteInbound implements fastagi.Router: it asks the federation for an
// IVR handler willing to take the call.
func (n *Node) RouteInbound(ctx context.Context, call fastagi.InboundCall) (*fastagi.Route, error) {
	addr, err := n.NotifyEvent(ctx, Event{
		Type:      EventIVR,
		SessionID: call.SessionID,
		HandlerID: call.HandlerID,
		Channel:   call.Channel,
		CallerID:  call.CallerID,
	})
	if err != nil {
		return nil, err
	}
	if addr == nil {
		return nil, nil
	}
	return &fastagi.Route{Host: addr.Host, Port: addr.Port}, nil
}
