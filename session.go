package turn

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/hashicorp/go-hclog"

	tlog "github.com/coin0/linkturn/internal/log"
)

// defaultTransactionTimeout matches the teacher's
// STUN_CLIENT_REQUEST_TIMEOUT of one second bumped up to a more
// realistic WAN default; callers needing the tighter teacher value set
// Config.TransactionTimeout explicitly.
const defaultTransactionTimeout = 5 * time.Second

// Config configures a Session. Server is the only required field.
type Config struct {
	Server netip.AddrPort

	// Username/Secret configure the long-term credential this session
	// will present once challenged. Leaving both empty means requests
	// are never signed and a 401 challenge cannot be answered.
	Username string
	Secret   string

	// TransactionTimeout bounds how long a request waits for a matching
	// response before failing with ErrTimeout. Defaults to 5s.
	TransactionTimeout time.Duration

	Logger hclog.Logger
}

// Session is a single client session against one server: one UDP socket,
// one credential state, one allocation, and a table of subscribers,
// driven entirely by a single goroutine event loop. No field is touched
// from more than one goroutine, so Session needs no internal locks.
type Session struct {
	cfg        Config
	conn       net.PacketConn
	serverAddr netip.AddrPort
	log        *tlog.Logger

	events chan any
	closed chan struct{}

	// loop-owned state — read and written only inside loop().
	creds Credentials
	txns  *transactionTable
	relay *relayState
	disp  *dispatcher
}

// NewSession opens a UDP socket on a system-chosen port and starts the
// session's read and event loops. The socket is not connected to Server;
// datagrams from any other source are silently dropped (see handleDatagram).
func NewSession(cfg Config) (*Session, error) {
	if !cfg.Server.IsValid() {
		return nil, fmt.Errorf("turn: Config.Server is required")
	}
	if cfg.TransactionTimeout <= 0 {
		cfg.TransactionTimeout = defaultTransactionTimeout
	}

	network := "udp4"
	if cfg.Server.Addr().Is6() && !cfg.Server.Addr().Is4In6() {
		network = "udp6"
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	conn, err := lc.ListenPacket(context.Background(), network, ":0")
	if err != nil {
		return nil, fmt.Errorf("turn: open socket: %w", err)
	}

	s := &Session{
		cfg:        cfg,
		conn:       conn,
		serverAddr: cfg.Server,
		log:        tlog.New(cfg.Logger),
		events:     make(chan any, 32),
		closed:     make(chan struct{}),
		creds:      NewCredentials(cfg.Username, cfg.Secret),
		txns:       newTransactionTable(),
		relay:      newRelayState(),
		disp:       newDispatcher(),
	}

	go s.readLoop()
	go s.loop()

	return s, nil
}

func (s *Session) postEvent(e any) {
	select {
	case s.events <- e:
	case <-s.closed:
	}
}

func (s *Session) send(buf []byte) error {
	_, err := s.conn.WriteTo(buf, net.UDPAddrFromAddrPort(s.serverAddr))
	return err
}

// readLoop owns ReadFrom; it never touches loop-owned state directly,
// only turns datagrams into events for loop() to process.
func (s *Session) readLoop() {
	buf := make([]byte, 1500)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			s.postEvent(socketClosedEvent{err: err})
			return
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		s.postEvent(datagramEvent{data: data, from: udpAddr.AddrPort()})
	}
}

// ---- event variants ----
//
// The loop goroutine consumes exactly these typed events: Call (the
// bind/allocate/refresh/createPermission/send/persist/subscribe/unsubscribe
// request structs below, each carrying its own reply channel where a
// reply is expected), Datagram (an inbound UDP packet), Timer
// (txnTimeoutEvent, allocationExpiredEvent, permissionExpiredEvent),
// SubscriberDown (subscriberDownEvent, posted once a subscriber's done
// channel closes), and
// socketClosedEvent (the terminal event — read failure on the owned
// socket tears the session down).

type bindCall struct{ reply chan bindResult }
type bindResult struct {
	addr netip.AddrPort
	err  error
}

type allocateCall struct{ reply chan allocateResult }
type allocateResult struct {
	addr netip.AddrPort
	err  error
}

type refreshCall struct {
	lifetime time.Duration
	reply    chan error
}

type createPermCall struct {
	peers []netip.Addr
	reply chan error
}

type sendCall struct {
	peer  netip.AddrPort
	data  []byte
	reply chan error
}

type persistCall struct{ reply chan error }

type subscribeCall struct {
	peer  netip.Addr
	sub   Subscriber
	reply chan SubscriptionID
}

type unsubscribeCall struct{ id SubscriptionID }
type subscriberDownEvent struct{ id SubscriptionID }

type datagramEvent struct {
	data []byte
	from netip.AddrPort
}

type txnTimeoutEvent struct{ id [12]byte }
type allocationExpiredEvent struct{}
type permissionExpiredEvent struct{ peer netip.Addr }
type socketClosedEvent struct{ err error }

func (s *Session) loop() {
	for raw := range s.events {
		switch e := raw.(type) {
		case bindCall:
			s.handleBind(e)
		case allocateCall:
			s.handleAllocate(e)
		case refreshCall:
			s.handleRefresh(e)
		case createPermCall:
			s.handleCreatePermission(e)
		case sendCall:
			s.handleSend(e)
		case persistCall:
			s.handlePersist(e)
		case subscribeCall:
			s.handleSubscribe(e)
		case unsubscribeCall:
			s.disp.unsubscribe(e.id)
		case subscriberDownEvent:
			s.disp.unsubscribe(e.id)
		case datagramEvent:
			s.handleDatagram(e)
		case txnTimeoutEvent:
			s.handleTxnTimeout(e)
		case allocationExpiredEvent:
			s.relay.clear()
		case permissionExpiredEvent:
			s.relay.removePermission(e.peer)
		case socketClosedEvent:
			s.teardown(e.err)
			return
		}
	}
}

func (s *Session) teardown(err error) {
	s.log.Info("session socket closed, terminating: %v", err)
	for _, txn := range s.txns.all() {
		txn.timer.Stop()
		txn.complete(nil, true)
	}
	s.relay.clear()
	close(s.closed)
}

// registerTxn arms a transaction's deadline timer and files it in the
// table. complete runs exactly once, either from handleDatagram (a
// matching response arrived) or from handleTxnTimeout (the timer fired
// first) — both call sites run on the loop goroutine.
func (s *Session) registerTxn(id [12]byte, complete func(resp *Message, timedOut bool)) {
	timer := time.AfterFunc(s.cfg.TransactionTimeout, func() {
		s.postEvent(txnTimeoutEvent{id: id})
	})
	s.txns.insert(&pendingTxn{id: id, timer: timer, complete: complete})
}

func (s *Session) handleTxnTimeout(e txnTimeoutEvent) {
	txn, ok := s.txns.lookup(e.id)
	if !ok {
		return // already completed by a response that beat the timer
	}
	s.txns.remove(e.id)
	txn.complete(nil, true)
}

func (s *Session) handleDatagram(e datagramEvent) {
	if e.from != s.serverAddr {
		s.log.Debug("dropping datagram from unexpected source %s", e.from)
		return
	}
	msg, err := DecodeMessage(e.data)
	if err != nil {
		s.log.Debug("dropping malformed datagram: %v", err)
		return
	}
	switch msg.Class {
	case ClassSuccess, ClassError:
		s.handleResponse(msg)
	case ClassIndication:
		s.handleIndication(msg)
	default:
		s.log.Debug("dropping unexpected request-class message from server")
	}
}

func (s *Session) handleResponse(msg *Message) {
	txn, ok := s.txns.lookup(msg.TransactionID)
	if !ok {
		s.log.Debug("dropping response with no matching transaction")
		return
	}
	// Once credentials are promoted, every request we send is signed and
	// the server is expected to sign success responses back; a response
	// that fails verification is dropped like any other protocol-level
	// error, leaving the transaction to fail with ErrTimeout rather than
	// trusting unauthenticated wire data. Error responses are exempt: a
	// 401/438 challenge is by definition issued before the client has
	// (correct) credentials to verify against, so the server has nothing
	// to sign it with either.
	if msg.IsSuccess() && s.creds.CanSign() && !msg.VerifyIntegrity(s.creds.Key()) {
		s.log.Debug("dropping response: %v", ErrIntegrity)
		return
	}
	txn.timer.Stop()
	s.txns.remove(msg.TransactionID)
	txn.complete(msg, false)
}

func (s *Session) handleIndication(msg *Message) {
	if msg.Method != MethodData {
		return
	}
	peer, err := msg.XORPeerAddress()
	if err != nil {
		s.log.Debug("dropping DATA indication: %v", err)
		return
	}
	data, err := msg.Data()
	if err != nil {
		s.log.Debug("dropping DATA indication: %v", err)
		return
	}
	s.disp.deliver(peer, data)
}

// applyChallenge promotes credentials from a 401/UNAUTHORIZED or
// 438/STALE-NONCE error response and reports which sentinel the caller
// should see.
func (s *Session) applyChallenge(resp *Message, code int) error {
	realm, _ := resp.Realm()
	nonce, _ := resp.Nonce()
	promoted, err := s.creds.Promote(realm, nonce)
	if err != nil {
		return err
	}
	s.creds = promoted
	if code == 438 {
		return ErrStaleNonce
	}
	return ErrUnauthorized
}

func (s *Session) signIfReady(msg *Message) {
	if !s.creds.CanSign() {
		return
	}
	msg.AddUsername(s.creds.Username)
	msg.AddRealm(s.creds.Realm)
	msg.AddNonce(s.creds.Nonce)
	msg.Sign(s.creds.Key())
}

func (s *Session) handleBind(e bindCall) {
	id, err := genTransactionID(s.txns)
	if err != nil {
		e.reply <- bindResult{err: err}
		return
	}
	msg := NewMessage(MethodBinding, ClassRequest, id)
	if err := s.send(msg.Encode()); err != nil {
		e.reply <- bindResult{err: err}
		return
	}
	s.registerTxn(id, func(resp *Message, timedOut bool) {
		if timedOut {
			e.reply <- bindResult{err: ErrTimeout}
			return
		}
		if resp.IsError() {
			code, reason, _ := resp.ErrorCode()
			e.reply <- bindResult{err: &ServerError{Code: code, Reason: reason}}
			return
		}
		addr, err := resp.XORMappedAddress()
		e.reply <- bindResult{addr: addr, err: err}
	})
}

func (s *Session) handleAllocate(e allocateCall) {
	if s.relay.active() {
		e.reply <- allocateResult{addr: s.relay.address}
		return
	}
	id, err := genTransactionID(s.txns)
	if err != nil {
		e.reply <- allocateResult{err: err}
		return
	}
	msg := NewMessage(MethodAllocate, ClassRequest, id)
	msg.AddRequestedTransport()
	s.signIfReady(msg)
	if err := s.send(msg.Encode()); err != nil {
		e.reply <- allocateResult{err: err}
		return
	}
	s.registerTxn(id, func(resp *Message, timedOut bool) {
		if timedOut {
			e.reply <- allocateResult{err: ErrTimeout}
			return
		}
		if resp.IsError() {
			code, reason, _ := resp.ErrorCode()
			if code == 401 || code == 438 {
				e.reply <- allocateResult{err: s.applyChallenge(resp, code)}
				return
			}
			e.reply <- allocateResult{err: &ServerError{Code: code, Reason: reason}}
			return
		}
		relayed, err := resp.XORRelayedAddress()
		if err != nil {
			e.reply <- allocateResult{err: err}
			return
		}
		lifetime, err := resp.Lifetime()
		if err != nil {
			e.reply <- allocateResult{err: err}
			return
		}
		s.relay.setAllocation(relayed, lifetime, func() { s.postEvent(allocationExpiredEvent{}) })
		e.reply <- allocateResult{addr: relayed}
	})
}

func (s *Session) handleRefresh(e refreshCall) {
	if !s.relay.active() {
		e.reply <- ErrNoAllocation
		return
	}
	id, err := genTransactionID(s.txns)
	if err != nil {
		e.reply <- err
		return
	}
	msg := NewMessage(MethodRefresh, ClassRequest, id)
	msg.AddLifetime(e.lifetime)
	s.signIfReady(msg)
	if err := s.send(msg.Encode()); err != nil {
		e.reply <- err
		return
	}
	s.registerTxn(id, func(resp *Message, timedOut bool) {
		if timedOut {
			e.reply <- ErrTimeout
			return
		}
		if resp.IsError() {
			code, reason, _ := resp.ErrorCode()
			if code == 401 || code == 438 {
				e.reply <- s.applyChallenge(resp, code)
				return
			}
			e.reply <- &ServerError{Code: code, Reason: reason}
			return
		}
		lifetime, err := resp.Lifetime()
		if err != nil {
			e.reply <- err
			return
		}
		if lifetime == 0 {
			s.relay.clear()
		} else {
			s.relay.setAllocation(s.relay.address, lifetime, func() { s.postEvent(allocationExpiredEvent{}) })
		}
		e.reply <- nil
	})
}

func (s *Session) handleCreatePermission(e createPermCall) {
	if !s.relay.active() {
		e.reply <- ErrNoAllocation
		return
	}
	id, err := genTransactionID(s.txns)
	if err != nil {
		e.reply <- err
		return
	}
	msg := NewMessage(MethodCreatePermission, ClassRequest, id)
	for _, p := range e.peers {
		msg.AddXORPeerAddress(netip.AddrPortFrom(p, 0))
	}
	s.signIfReady(msg)
	if err := s.send(msg.Encode()); err != nil {
		e.reply <- err
		return
	}
	for _, p := range e.peers {
		s.relay.addPendingPermission(p, id)
	}
	s.registerTxn(id, func(resp *Message, timedOut bool) {
		if timedOut {
			for _, p := range e.peers {
				s.relay.removePermission(p)
			}
			e.reply <- ErrTimeout
			return
		}
		if resp.IsError() {
			for _, p := range e.peers {
				s.relay.removePermission(p)
			}
			code, reason, _ := resp.ErrorCode()
			if code == 401 || code == 438 {
				e.reply <- s.applyChallenge(resp, code)
				return
			}
			e.reply <- &ServerError{Code: code, Reason: reason}
			return
		}
		s.relay.ackPermissions(id, func(peer netip.Addr) { s.postEvent(permissionExpiredEvent{peer: peer}) })
		e.reply <- nil
	})
}

func (s *Session) handleSend(e sendCall) {
	if !s.relay.active() {
		e.reply <- ErrNoAllocation
		return
	}
	if !s.relay.hasPermission(e.peer.Addr()) {
		e.reply <- ErrNoPermission
		return
	}
	id, err := genTransactionID(s.txns)
	if err != nil {
		e.reply <- err
		return
	}
	msg := NewMessage(MethodSend, ClassIndication, id)
	msg.AddXORPeerAddress(e.peer)
	msg.AddData(e.data)
	e.reply <- s.send(msg.Encode())
}

// handlePersist sends a binding-class keepalive indication. Like send, it
// is fire-and-forget: no transaction is registered and no response is
// awaited, so the only way it fails is a socket write error.
func (s *Session) handlePersist(e persistCall) {
	id, err := genTransactionID(s.txns)
	if err != nil {
		e.reply <- err
		return
	}
	msg := NewMessage(MethodBinding, ClassIndication, id)
	e.reply <- s.send(msg.Encode())
}

func (s *Session) handleSubscribe(e subscribeCall) {
	e.reply <- s.disp.subscribe(e.peer, e.sub)
}

// ---- public API ----

func (s *Session) Bind(ctx context.Context) (netip.AddrPort, error) {
	reply := make(chan bindResult, 1)
	if err := s.call(ctx, bindCall{reply: reply}); err != nil {
		return netip.AddrPort{}, err
	}
	select {
	case r := <-reply:
		return r.addr, r.err
	case <-s.closed:
		return netip.AddrPort{}, ErrSessionClosed
	case <-ctx.Done():
		return netip.AddrPort{}, ctx.Err()
	}
}

func (s *Session) Allocate(ctx context.Context) (netip.AddrPort, error) {
	reply := make(chan allocateResult, 1)
	if err := s.call(ctx, allocateCall{reply: reply}); err != nil {
		return netip.AddrPort{}, err
	}
	select {
	case r := <-reply:
		return r.addr, r.err
	case <-s.closed:
		return netip.AddrPort{}, ErrSessionClosed
	case <-ctx.Done():
		return netip.AddrPort{}, ctx.Err()
	}
}

func (s *Session) Refresh(ctx context.Context, lifetime time.Duration) error {
	reply := make(chan error, 1)
	if err := s.call(ctx, refreshCall{lifetime: lifetime, reply: reply}); err != nil {
		return err
	}
	return s.await(ctx, reply)
}

func (s *Session) CreatePermission(ctx context.Context, peers []netip.Addr) error {
	reply := make(chan error, 1)
	if err := s.call(ctx, createPermCall{peers: peers, reply: reply}); err != nil {
		return err
	}
	return s.await(ctx, reply)
}

func (s *Session) Send(peer netip.AddrPort, payload []byte) error {
	reply := make(chan error, 1)
	if err := s.call(context.Background(), sendCall{peer: peer, data: payload, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-s.closed:
		return ErrSessionClosed
	}
}

// Persist sends a binding-class indication to the server as a NAT-binding
// keepalive. Like Send, it is fire-and-forget: no response is expected or
// awaited, and it never fails except at the socket layer.
func (s *Session) Persist() error {
	reply := make(chan error, 1)
	if err := s.call(context.Background(), persistCall{reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-s.closed:
		return ErrSessionClosed
	}
}

// Subscribe registers sub to receive inbound relayed data from peer. The
// returned SubscriptionID is passed to Unsubscribe to remove it; there is
// no ownership check, so any caller holding the id may unsubscribe it.
//
// done, if non-nil, is the liveness signal for sub: once it closes, the
// subscription is removed automatically, the same way the source
// system's process monitor would detect a dead subscriber.
func (s *Session) Subscribe(peer netip.Addr, sub Subscriber, done <-chan struct{}) (SubscriptionID, error) {
	reply := make(chan SubscriptionID, 1)
	if err := s.call(context.Background(), subscribeCall{peer: peer, sub: sub, reply: reply}); err != nil {
		return SubscriptionID{}, err
	}
	var id SubscriptionID
	select {
	case id = <-reply:
	case <-s.closed:
		return SubscriptionID{}, ErrSessionClosed
	}
	if done != nil {
		go func() {
			<-done
			s.postEvent(subscriberDownEvent{id: id})
		}()
	}
	return id, nil
}

func (s *Session) Unsubscribe(id SubscriptionID) {
	s.postEvent(unsubscribeCall{id: id})
}

// Close closes the underlying socket, which causes the read loop to
// observe an error and drive the session through teardown. It blocks
// until teardown has completed.
func (s *Session) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	err := s.conn.Close()
	<-s.closed
	return err
}

func (s *Session) call(ctx context.Context, e any) error {
	select {
	case s.events <- e:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) await(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-s.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
