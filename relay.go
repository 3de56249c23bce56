package turn

import (
	"net/netip"
	"time"
)

// permissionLifetime is fixed at the RFC 5766 default; this client never
// negotiates a different value.
const permissionLifetime = 5 * time.Minute

// permission tracks one peer IP's CreatePermission round trip: pending
// until the response for txnID arrives, then acked with its own
// cancellable expiry timer.
type permission struct {
	peer   netip.Addr
	txnID  [12]byte
	acked  bool
	timer  *time.Timer
}

// relayState is the client-side half of a TURN allocation: the relayed
// address and its cancellable lifetime timer, plus the permission set
// keyed by peer IP. Like transactionTable, it is only ever touched from
// the session's loop goroutine.
type relayState struct {
	address    netip.AddrPort
	hasAddress bool
	timer      *time.Timer

	permissions map[netip.Addr]*permission
}

func newRelayState() *relayState {
	return &relayState{permissions: make(map[netip.Addr]*permission)}
}

func (r *relayState) active() bool { return r.hasAddress }

// setAllocation (re)arms the allocation's lifetime timer. onExpire is
// invoked on its own goroutine by time.AfterFunc when the lifetime
// elapses without an intervening Refresh.
func (r *relayState) setAllocation(addr netip.AddrPort, lifetime time.Duration, onExpire func()) {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.address = addr
	r.hasAddress = true
	r.timer = time.AfterFunc(lifetime, onExpire)
}

// clear tears down the allocation and every permission under it — a
// lifetime-0 Refresh response, an expiry, or Close all route here.
func (r *relayState) clear() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	for _, p := range r.permissions {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	r.permissions = make(map[netip.Addr]*permission)
	r.hasAddress = false
	r.address = netip.AddrPort{}
}

// addPendingPermission records that txnID's CreatePermission response, once
// it arrives, should ack peer. A peer already pending or acked under an
// older transaction is superseded.
func (r *relayState) addPendingPermission(peer netip.Addr, txnID [12]byte) {
	if p, ok := r.permissions[peer]; ok && p.timer != nil {
		p.timer.Stop()
	}
	r.permissions[peer] = &permission{peer: peer, txnID: txnID}
}

// ackPermissions marks every peer pending under txnID as acked and arms
// its 5-minute expiry timer. onExpire is invoked with the specific peer
// IP whose permission lapsed.
func (r *relayState) ackPermissions(txnID [12]byte, onExpire func(netip.Addr)) {
	for peer, p := range r.permissions {
		if p.txnID != txnID {
			continue
		}
		p.acked = true
		peer := peer
		p.timer = time.AfterFunc(permissionLifetime, func() { onExpire(peer) })
	}
}

// removePermission discards peer's permission, whether pending or acked.
func (r *relayState) removePermission(peer netip.Addr) {
	p, ok := r.permissions[peer]
	if !ok {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(r.permissions, peer)
}

func (r *relayState) hasPermission(peer netip.Addr) bool {
	p, ok := r.permissions[peer]
	return ok && p.acked
}
