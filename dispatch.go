package turn

import (
	"net/netip"

	"github.com/google/uuid"
)

// SubscriptionID identifies one Subscribe call; Unsubscribe takes it back.
type SubscriptionID = uuid.UUID

// Subscriber receives inbound relayed data for the peer IP it was
// subscribed against. Deliver must not block; callers needing to do
// real work should hand the payload off to their own goroutine/channel.
type Subscriber interface {
	Deliver(from netip.AddrPort, data []byte)
}

type subscription struct {
	id   SubscriptionID
	peer netip.Addr
	sub  Subscriber
}

// dispatcher is the peer-IP-keyed subscriber table. Like relayState, it
// is only ever touched from the session's loop goroutine.
type dispatcher struct {
	byPeer map[netip.Addr]map[SubscriptionID]*subscription
	byID   map[SubscriptionID]*subscription
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		byPeer: make(map[netip.Addr]map[SubscriptionID]*subscription),
		byID:   make(map[SubscriptionID]*subscription),
	}
}

func (d *dispatcher) subscribe(peer netip.Addr, sub Subscriber) SubscriptionID {
	id := uuid.New()
	s := &subscription{id: id, peer: peer, sub: sub}
	if d.byPeer[peer] == nil {
		d.byPeer[peer] = make(map[SubscriptionID]*subscription)
	}
	d.byPeer[peer][id] = s
	d.byID[id] = s
	return id
}

func (d *dispatcher) unsubscribe(id SubscriptionID) {
	s, ok := d.byID[id]
	if !ok {
		return
	}
	delete(d.byID, id)
	if m, ok := d.byPeer[s.peer]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(d.byPeer, s.peer)
		}
	}
}

// deliver fans a DATA indication out to every live subscriber of from's
// peer IP. Order among subscribers of the same peer is unspecified.
func (d *dispatcher) deliver(from netip.AddrPort, data []byte) {
	for _, s := range d.byPeer[from.Addr()] {
		s.sub.Deliver(from, data)
	}
}
