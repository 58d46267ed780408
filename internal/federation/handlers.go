package federation

import (
	"fmt"

	"github.com/meshivr/meshivr/internal/fastagi"
	"github.com/meshivr/meshivr/internal/federation/rpc"
	"github.com/zeebo/bencode"
)

// IVRHandler services inbound IVR calls delivered by the federation.
type IVRHandler interface {
	HandleIVR(sess *fastagi.Session) error
}

// SMSHandler services inbound text messages.
type SMSHandler interface {
	HandleSMS(callerID, message string) error
}

// App is a proactive application run as soon as the node has joined.
type App interface {
	Run(n *Node) error
}

type ivrRegistration struct {
	handler        IVRHandler
	channelFilter  string
	callerIDFilter string
}

// RegisterIVRHandler makes h eligible for IVR events. Registrations made
// before the node starts are advertised once the join completes.
func (n *Node) RegisterIVRHandler(h IVRHandler, channelFilter, callerIDFilter string) error {
	n.mu.Lock()
	n.ivrHandlers = append(n.ivrHandlers, ivrRegistration{h, channelFilter, callerIDFilter})
	if !n.joined {
		n.deferred = append(n.deferred, func() error {
			return n.PublishIVRHandler(channelFilter, callerIDFilter)
		})
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	return n.PublishIVRHandler(channelFilter, callerIDFilter)
}

// RegisterSMSHandler makes h eligible for SMS events.
func (n *Node) RegisterSMSHandler(h SMSHandler) error {
	n.mu.Lock()
	n.smsHandlers = append(n.smsHandlers, h)
	if !n.joined {
		n.deferred = append(n.deferred, n.PublishSMSHandler)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	return n.PublishSMSHandler()
}

// RunApp schedules a proactive application. Before the join the app is
// queued and started when the node comes up.
func (n *Node) RunApp(app App) {
	n.mu.Lock()
	if !n.joined {
		n.deferred = append(n.deferred, func() error {
			n.spawnApp(app)
			return nil
		})
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	n.spawnApp(app)
}

func (n *Node) spawnApp(app App) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := app.Run(n); err != nil {
			n.log.Error("application failed", "error", err)
		}
	}()
}

func (n *Node) drainDeferred() {
	n.mu.Lock()
	queue := n.deferred
	n.deferred = nil
	n.mu.Unlock()
	for _, fn := range queue {
		if err := fn(); err != nil {
			n.log.Error("deferred registration failed", "error", err)
		}
	}
}

// rpcHandleEvent accepts an event offered by a peer. SMS events return
// "OK", IVR events return the local FastAGI port the peer should re-dial
// to, release events restore the returned resource advertisement and
// shutdown events drop the departing contact.
func (n *Node) rpcHandleEvent(_ rpc.Contact, args []bencode.RawMessage) (any, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("handleEvent: missing event")
	}
	var ev Event
	if err := bencode.DecodeBytes(args[0], &ev); err != nil {
		return nil, fmt.Errorf("handleEvent: decoding event: %w", err)
	}
	switch ev.Type {
	case EventSMS:
		if _, err := n.deliverEvent(ev); err != nil {
			return nil, err
		}
		return "OK", nil
	case EventIVR:
		port, err := n.deliverEvent(ev)
		if err != nil {
			return nil, err
		}
		return port, nil
	case EventRelease:
		if ev.Resource == "" {
			return nil, fmt.Errorf("handleEvent: release without resource type")
		}
		n.log.Info("resource returned by borrower", "type", ev.Resource, "borrower", ev.NodeID)
		if err := n.PublishResource(ev.Resource, nil); err != nil {
			return nil, err
		}
		return "OK", nil
	case EventShutdown:
		id, err := rpc.IDFromHex(ev.NodeID)
		if err != nil {
			return nil, fmt.Errorf("handleEvent: bad node id: %w", err)
		}
		n.contacts.Remove(id)
		return "OK", nil
	}
	return nil, fmt.Errorf("handleEvent: unknown event type %q", ev.Type)
}

// deliverEvent runs the event against this node's registered handlers.
// For IVR events the returned port locates the local FastAGI server that
// the routing node should redirect the call to.
func (n *Node) deliverEvent(ev Event) (int, error) {
	switch ev.Type {
	case EventSMS:
		n.mu.Lock()
		var handler SMSHandler
		if len(n.smsHandlers) > 0 {
			handler = n.smsHandlers[0]
		}
		n.mu.Unlock()
		if handler == nil {
			return 0, fmt.Errorf("no sms handler registered")
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := handler.HandleSMS(ev.CallerID, ev.Message); err != nil {
				n.log.Error("sms handler failed", "caller_id", ev.CallerID, "error", err)
			}
		}()
		return 0, nil

	case EventIVR:
		n.mu.Lock()
		var reg *ivrRegistration
		if len(n.ivrHandlers) > 0 {
			reg = &n.ivrHandlers[0]
		}
		agi := n.agi
		n.mu.Unlock()
		if reg == nil || agi == nil {
			return 0, fmt.Errorf("no ivr handler registered")
		}
		n.log.Info("handing over location information of the local ivr handler",
			"session_id", ev.SessionID)
		sessions := agi.Register(ev.HandlerID)
		n.wg.Add(1)
		go n.runIVRHandler(reg.handler, ev, sessions)
		return agi.Port(), nil
	}
	return 0, fmt.Errorf("unknown event type %q", ev.Type)
}

// runIVRHandler waits for the PBX return leg carrying the handler id and
// hands the bound session to the application.
func (n *Node) runIVRHandler(h IVRHandler, ev Event, sessions <-chan *fastagi.Session) {
	defer n.wg.Done()
	defer n.agi.Deregister(ev.HandlerID)
	select {
	case sess, ok := <-sessions:
		if !ok {
			return
		}
		if err := h.HandleIVR(sess); err != nil {
			n.log.Error("ivr handler failed", "session_id", ev.SessionID, "error", err)
		}
	case <-n.runCtx.Done():
	}
}
