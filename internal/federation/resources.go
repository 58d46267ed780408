package federation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/meshivr/meshivr/internal/federation/rpc"
	"github.com/meshivr/meshivr/internal/federation/tuplespace"
	"github.com/zeebo/bencode"
)

// claimRetryInterval paces repeated invokeResource attempts while the
// owner is holding its resource back.
const claimRetryInterval = 500 * time.Millisecond

// ClaimedResource holds a live claim on a lendable resource. Credentials
// is the resource-specific access vector: for ivr it is (host, port,
// channel, username, secret, gateway, prefix, internal extension length),
// for sms (host, port, username, password). Ports travel as decimal
// strings.
type ClaimedResource struct {
	Type        string
	Credentials []string
	Contact     *rpc.Contact

	originalOwner rpc.NodeID
	consumed      bool
	node          *Node
	released      bool
}

// PublishResource advertises a lendable resource in the local registry.
// originalPublisher is set when returning a previously claimed resource so
// attribution survives claim/release cycles.
func (n *Node) PublishResource(resType string, originalPublisher *rpc.NodeID) error {
	owner := n.id
	if originalPublisher != nil {
		owner = *originalPublisher
	}
	n.log.Info("publishing resource", "type", resType)
	return n.store.Put(tuplespace.NewResourceTuple(resType, owner), owner)
}

// PublishIVRHandler advertises that this node can service IVR events.
// Empty filters accept any channel / caller id.
func (n *Node) PublishIVRHandler(channelFilter, callerIDFilter string) error {
	n.log.Info("publishing handler", "type", tuplespace.TypeIVR)
	return n.store.Put(tuplespace.NewIVRHandlerTuple(n.id, channelFilter, callerIDFilter), n.id)
}

// PublishSMSHandler advertises that this node can service SMS events.
func (n *Node) PublishSMSHandler() error {
	n.log.Info("publishing handler", "type", tuplespace.TypeSMS)
	return n.store.Put(tuplespace.NewSMSHandlerTuple(n.id), n.id)
}

// Claim obtains a resource of the given type, blocking until one becomes
// available or the context ends. With take true the owner's own
// advertisement is consumed along with the local replica, so no other
// node can claim the same resource concurrently; while the owner holds
// it back the claim keeps waiting. Only consuming claims count toward
// the shutdown barrier.
func (n *Node) Claim(ctx context.Context, resType string, take bool) (*ClaimedResource, error) {
	template := tuplespace.ResourceTemplate(resType)
	for {
		var (
			tup   tuplespace.Tuple
			owner rpc.NodeID
			err   error
		)
		if take {
			tup, owner, err = n.store.WaitTake(ctx, template)
		} else {
			tup, owner, err = n.store.WaitFind(ctx, template)
		}
		if err != nil {
			return nil, fmt.Errorf("claiming %s resource: %w", resType, err)
		}

		if owner == n.id {
			creds := n.localResourceInfo(resType)
			if creds == nil {
				// Our own advertisement with nothing behind it; drop it.
				n.store.Take(tup)
				continue
			}
			n.log.Info("local resource found", "type", resType)
			return n.newClaim(resType, creds, nil, owner, take), nil
		}

		contact, ok := n.contacts.Find(owner)
		if !ok {
			// The advertisement outlived its node.
			if !take {
				n.store.Take(tup)
			}
			continue
		}

		reply, err := n.transport.Call(ctx, contact, "invokeResource", resType, take)
		if err != nil {
			if rpc.IsTimeout(err) {
				n.log.Error("rpc timeout error, no response from remote contact", "contact", contact.String())
				n.contacts.Remove(owner)
				return nil, fmt.Errorf("claiming %s resource from %s: %w", resType, contact, err)
			}
			if take && isResourceBusy(err) {
				// Lost the race at the owner. Restore the replica and try
				// again once the current holder has let go.
				n.store.Put(tup, owner)
				n.log.Info("resource busy at owner, waiting", "type", resType, "contact", contact.String())
				select {
				case <-time.After(claimRetryInterval):
					continue
				case <-ctx.Done():
					return nil, fmt.Errorf("claiming %s resource: %w", resType, ctx.Err())
				}
			}
			if take {
				n.store.Put(tup, owner)
			}
			return nil, fmt.Errorf("claiming %s resource from %s: %w", resType, contact, err)
		}
		creds, err := decodeCredentials(reply.Payload)
		if err != nil {
			return nil, fmt.Errorf("claiming %s resource from %s: %w", resType, contact, err)
		}
		if creds == nil {
			return nil, fmt.Errorf("claiming %s resource from %s: %w", resType, contact, ErrNoResource)
		}
		// Loopback credentials point at the lender, not at us.
		if creds[0] == "localhost" || creds[0] == "127.0.0.1" {
			creds[0] = contact.Addr
		}
		n.log.Info("remote resource found", "type", resType, "contact", contact.String())
		return n.newClaim(resType, creds, &contact, owner, take), nil
	}
}

// Release returns the claim to the federation. A consuming claim on a
// remote resource hands it back to its owner with a release event, so
// the owner's own advertisement reappears and the next claimer can take
// it; the local replica is republished either way. Releasing twice is a
// no-op.
func (c *ClaimedResource) Release() error {
	if c == nil || c.released {
		return nil
	}
	c.released = true
	if !c.consumed {
		return nil
	}
	if c.Contact != nil {
		ev := Event{Type: EventRelease, Resource: c.Type, NodeID: c.node.id.Hex()}
		if _, err := c.node.transport.Call(context.Background(), *c.Contact, "handleEvent", ev); err != nil {
			c.node.log.Error("release notice not delivered",
				"type", c.Type, "contact", c.Contact.String(), "error", err)
		}
	}
	err := c.node.PublishResource(c.Type, &c.originalOwner)
	c.node.releaseClaim()
	return err
}

// ClaimLine gates inbound call concurrency on the node's own ivr resource
// tuple: each inbound leg takes the tuple for the duration of the call.
// Nodes that publish no ivr resource have nothing to gate on and pass
// through immediately.
func (n *Node) ClaimLine(ctx context.Context) (func(), error) {
	if n.ivrCfg == nil || n.ivrCfg.Outgoing == nil {
		return func() {}, nil
	}
	template := tuplespace.OwnedResourceTemplate(tuplespace.TypeIVR, n.id)
	_, owner, err := n.store.WaitTake(ctx, template)
	if err != nil {
		return nil, err
	}
	n.addClaim()
	released := false
	return func() {
		if released {
			return
		}
		released = true
		if err := n.PublishResource(tuplespace.TypeIVR, &owner); err != nil {
			n.log.Error("failed to return ivr line resource", "error", err)
		}
		n.releaseClaim()
	}, nil
}

// ClaimedResources reports the number of live consuming claims.
func (n *Node) ClaimedResources() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.claimedCount
}

func (n *Node) newClaim(resType string, creds []string, contact *rpc.Contact, owner rpc.NodeID, consumed bool) *ClaimedResource {
	if consumed {
		n.addClaim()
	}
	return &ClaimedResource{
		Type:          resType,
		Credentials:   creds,
		Contact:       contact,
		originalOwner: owner,
		consumed:      consumed,
		node:          n,
	}
}

func (n *Node) addClaim() {
	n.mu.Lock()
	n.claimedCount++
	n.mu.Unlock()
}

func (n *Node) releaseClaim() {
	n.mu.Lock()
	if n.claimedCount > 0 {
		n.claimedCount--
	}
	if n.claimedCount == 0 {
		close(n.claimedZero)
		n.claimedZero = make(chan struct{})
	}
	n.mu.Unlock()
}

// rpcInvokeResource hands direct-access credentials for a local resource
// to the claiming peer. A consuming claim removes the node's own
// advertisement first; if another claimer or an inbound call leg already
// holds it, the peer is told the resource is busy and nothing is lent.
func (n *Node) rpcInvokeResource(_ rpc.Contact, args []bencode.RawMessage) (any, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("invokeResource: missing resource type")
	}
	var resType string
	if err := bencode.DecodeBytes(args[0], &resType); err != nil {
		return nil, fmt.Errorf("invokeResource: decoding resource type: %w", err)
	}
	take := false
	if len(args) > 1 {
		if err := bencode.DecodeBytes(args[1], &take); err != nil {
			return nil, fmt.Errorf("invokeResource: decoding take flag: %w", err)
		}
	}

	creds := n.localResourceInfo(resType)
	if creds == nil {
		return nil, nil
	}
	if take {
		if _, _, ok := n.store.Take(tuplespace.OwnedResourceTemplate(resType, n.id)); !ok {
			n.log.Info("refusing resource claim, already lent", "type", resType)
			return nil, ErrResourceBusy
		}
	}
	return creds, nil
}

// isResourceBusy reports whether a claim failed because the owner is
// holding its resource back. The error arrives over the wire, so only
// its message identifies it.
func isResourceBusy(err error) bool {
	var remote *rpc.RemoteError
	return errors.As(err, &remote) && remote.Message == ErrResourceBusy.Error()
}

// localResourceInfo builds the credential vector for a locally configured
// resource, or nil when the node does not offer it.
func (n *Node) localResourceInfo(resType string) []string {
	switch resType {
	case tuplespace.TypeSMS:
		if n.smsCfg == nil || n.smsCfg.Send == nil {
			return nil
		}
		s := n.smsCfg.Send
		return []string{s.Host, strconv.Itoa(s.Port), s.Username, s.Password}
	case tuplespace.TypeIVR:
		if n.ivrCfg == nil || n.ivrCfg.Outgoing == nil || len(n.ivrCfg.Outgoing.Channels) == 0 {
			return nil
		}
		out := n.ivrCfg.Outgoing
		n.log.Info("handing over location information of the local outgoing ivr resource")
		return []string{
			out.Host,
			strconv.Itoa(out.Port),
			out.Channels[0],
			out.Username,
			out.Secret,
			out.Gateway,
			out.Prefix,
			out.InternalExtLength,
		}
	}
	return nil
}

// decodeCredentials unpacks an invokeResource reply; a bencoded empty
// string means the peer offers nothing.
func decodeCredentials(payload bencode.RawMessage) ([]string, error) {
	var none string
	if err := bencode.DecodeBytes(payload, &none); err == nil {
		return nil, nil
	}
	var creds []string
	if err := bencode.DecodeBytes(payload, &creds); err != nil {
		return nil, fmt.Errorf("decoding resource credentials: %w", err)
	}
	return creds, nil
}
