package turn

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"
)

// runFakeServer starts a UDP responder driven by handler: handler decodes
// each inbound request and returns the raw bytes to send back, or nil to
// drop it. It stands in for the real TURN server across every
// session-level scenario test.
func runFakeServer(t *testing.T, handler func(req *Message, from net.Addr) []byte) (net.PacketConn, netip.AddrPort) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			data := append([]byte(nil), buf[:n]...)
			// Handled off the read loop so a slow handler (simulating a
			// response that "arrives later") never blocks concurrently
			// in-flight requests from being answered first.
			go func() {
				msg, err := DecodeMessage(data)
				if err != nil {
					return
				}
				if resp := handler(msg, from); resp != nil {
					_, _ = conn.WriteTo(resp, from)
				}
			}()
		}
	}()
	addr := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return conn, addr
}

func Test_Scenario_Session_BindingRoundTrip(t *testing.T) {
	srv, serverAddr := runFakeServer(t, func(req *Message, from net.Addr) []byte {
		if req.Method != MethodBinding {
			return nil
		}
		resp := NewMessage(MethodBinding, ClassSuccess, req.TransactionID)
		resp.AddXORMappedAddress(netip.MustParseAddrPort("192.0.2.1:4660"))
		return resp.Encode()
	})
	defer srv.Close()

	s, err := NewSession(Config{Server: serverAddr, TransactionTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	addr, err := s.Bind(ctx)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if want := netip.MustParseAddrPort("192.0.2.1:4660"); addr != want {
		t.Fatalf("got %v want %v", addr, want)
	}
}

// spec.md §4.6: persist is a fire-and-forget binding indication — the
// server never replies, and the call still succeeds.
func Test_Session_Persist_FireAndForget(t *testing.T) {
	received := make(chan *Message, 1)
	srv, serverAddr := runFakeServer(t, func(req *Message, from net.Addr) []byte {
		received <- req
		return nil
	})
	defer srv.Close()

	s, err := NewSession(Config{Server: serverAddr, TransactionTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if err := s.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Method != MethodBinding || msg.Class != ClassIndication {
			t.Fatalf("expected a binding indication, got method=%v class=%v", msg.Method, msg.Class)
		}
	case <-time.After(time.Second):
		t.Fatalf("server never received the persist indication")
	}
}

func Test_Scenario_Session_ChallengeThenAllocate(t *testing.T) {
	sigCh := make(chan bool, 1)
	srv, serverAddr := runFakeServer(t, func(req *Message, from net.Addr) []byte {
		if req.Method != MethodAllocate {
			return nil
		}
		if _, ok := req.Username(); !ok {
			resp := NewMessage(MethodAllocate, ClassError, req.TransactionID)
			resp.AddErrorCode(401, "Unauthorized")
			resp.AddRealm("example.org")
			resp.AddNonce("N1")
			return resp.Encode()
		}
		sigCh <- req.VerifyIntegrity(deriveKey("alice", "example.org", "s3cr3t"))
		resp := NewMessage(MethodAllocate, ClassSuccess, req.TransactionID)
		resp.AddXORRelayedAddress(netip.MustParseAddrPort("198.51.100.7:49160"))
		resp.AddLifetime(30 * time.Second)
		resp.Sign(deriveKey("alice", "example.org", "s3cr3t"))
		return resp.Encode()
	})
	defer srv.Close()

	s, err := NewSession(Config{
		Server: serverAddr, Username: "alice", Secret: "s3cr3t",
		TransactionTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := s.Allocate(ctx); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on first allocate, got %v", err)
	}
	if !s.creds.CanSign() || s.creds.Realm != "example.org" || s.creds.Nonce != "N1" {
		t.Fatalf("expected credentials promoted to Final{alice,example.org,N1}, got %+v", s.creds)
	}

	relayed, err := s.Allocate(ctx)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if want := netip.MustParseAddrPort("198.51.100.7:49160"); relayed != want {
		t.Fatalf("got %v want %v", relayed, want)
	}

	select {
	case valid := <-sigCh:
		if !valid {
			t.Fatalf("retry did not carry a valid HMAC-SHA-256 signature")
		}
	case <-time.After(time.Second):
		t.Fatalf("server never observed a signed retry")
	}
}

// spec.md §7: a success response that fails MESSAGE-INTEGRITY verification
// is a protocol-level error — the datagram is dropped silently rather than
// completing the transaction, so the caller sees ErrTimeout instead of a
// forged or corrupted result.
func Test_Session_Response_BadIntegrity_DroppedNotCompleted(t *testing.T) {
	srv, serverAddr := runFakeServer(t, func(req *Message, from net.Addr) []byte {
		if req.Method != MethodAllocate {
			return nil
		}
		if _, ok := req.Username(); !ok {
			resp := NewMessage(MethodAllocate, ClassError, req.TransactionID)
			resp.AddErrorCode(401, "Unauthorized")
			resp.AddRealm("example.org")
			resp.AddNonce("N1")
			return resp.Encode()
		}
		resp := NewMessage(MethodAllocate, ClassSuccess, req.TransactionID)
		resp.AddXORRelayedAddress(netip.MustParseAddrPort("198.51.100.7:49160"))
		resp.AddLifetime(30 * time.Second)
		resp.Sign(deriveKey("alice", "example.org", "wrong-secret")) // signed with the wrong key
		return resp.Encode()
	})
	defer srv.Close()

	s, err := NewSession(Config{
		Server: serverAddr, Username: "alice", Secret: "s3cr3t",
		TransactionTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := s.Allocate(ctx); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on first allocate, got %v", err)
	}

	if _, err := s.Allocate(ctx); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected the badly-signed response to be dropped and time out, got %v", err)
	}
}

func Test_Scenario_Session_AllocationLifetimeExpiry(t *testing.T) {
	srv, serverAddr := runFakeServer(t, func(req *Message, from net.Addr) []byte {
		if req.Method != MethodAllocate {
			return nil
		}
		resp := NewMessage(MethodAllocate, ClassSuccess, req.TransactionID)
		resp.AddXORRelayedAddress(netip.MustParseAddrPort("198.51.100.7:49160"))
		resp.AddLifetime(30 * time.Millisecond)
		return resp.Encode()
	})
	defer srv.Close()

	s, err := NewSession(Config{Server: serverAddr, TransactionTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.Allocate(ctx); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	err = s.Send(netip.MustParseAddrPort("203.0.113.4:9000"), []byte("x"))
	if !errors.Is(err, ErrNoAllocation) {
		t.Fatalf("expected ErrNoAllocation after expiry, got %v", err)
	}
}

func Test_Scenario_Session_PermissionAcking(t *testing.T) {
	srv, serverAddr := runFakeServer(t, func(req *Message, from net.Addr) []byte {
		switch req.Method {
		case MethodAllocate:
			resp := NewMessage(MethodAllocate, ClassSuccess, req.TransactionID)
			resp.AddXORRelayedAddress(netip.MustParseAddrPort("198.51.100.7:49160"))
			resp.AddLifetime(time.Minute)
			return resp.Encode()
		case MethodCreatePermission:
			return NewMessage(MethodCreatePermission, ClassSuccess, req.TransactionID).Encode()
		}
		return nil
	})
	defer srv.Close()

	s, err := NewSession(Config{Server: serverAddr, TransactionTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.Allocate(ctx); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	peers := []netip.Addr{netip.MustParseAddr("203.0.113.4"), netip.MustParseAddr("203.0.113.5")}
	if err := s.CreatePermission(ctx, peers); err != nil {
		t.Fatalf("CreatePermission: %v", err)
	}

	if err := s.Send(netip.MustParseAddrPort("203.0.113.4:9000"), []byte("x")); err != nil {
		t.Fatalf("Send to permitted peer: %v", err)
	}
	err = s.Send(netip.MustParseAddrPort("203.0.113.9:9000"), []byte("x"))
	if !errors.Is(err, ErrNoPermission) {
		t.Fatalf("expected ErrNoPermission for unpermitted peer, got %v", err)
	}
}

func Test_Scenario_Session_ConcurrentOutstandingTransactions(t *testing.T) {
	srv, serverAddr := runFakeServer(t, func(req *Message, from net.Addr) []byte {
		switch req.Method {
		case MethodAllocate:
			resp := NewMessage(MethodAllocate, ClassSuccess, req.TransactionID)
			resp.AddXORRelayedAddress(netip.MustParseAddrPort("198.51.100.7:49160"))
			resp.AddLifetime(time.Minute)
			return resp.Encode()
		case MethodRefresh:
			time.Sleep(50 * time.Millisecond) // arrives after create-permission's reply
			resp := NewMessage(MethodRefresh, ClassSuccess, req.TransactionID)
			resp.AddLifetime(time.Minute)
			return resp.Encode()
		case MethodCreatePermission:
			return NewMessage(MethodCreatePermission, ClassSuccess, req.TransactionID).Encode()
		}
		return nil
	})
	defer srv.Close()

	s, err := NewSession(Config{Server: serverAddr, TransactionTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.Allocate(ctx); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	var wg sync.WaitGroup
	var refreshErr, permErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		refreshErr = s.Refresh(ctx, time.Minute)
	}()
	go func() {
		defer wg.Done()
		permErr = s.CreatePermission(ctx, []netip.Addr{netip.MustParseAddr("203.0.113.4")})
	}()
	wg.Wait()

	if refreshErr != nil {
		t.Fatalf("Refresh: %v", refreshErr)
	}
	if permErr != nil {
		t.Fatalf("CreatePermission: %v", permErr)
	}
	if n := len(s.txns.all()); n != 0 {
		t.Fatalf("expected empty transaction table, got %d entries", n)
	}
}

func Test_Session_Bind_TimesOutWithoutResponse(t *testing.T) {
	srv, serverAddr := runFakeServer(t, func(req *Message, from net.Addr) []byte {
		return nil // never respond
	})
	defer srv.Close()

	s, err := NewSession(Config{Server: serverAddr, TransactionTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.Bind(ctx); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if n := len(s.txns.all()); n != 0 {
		t.Fatalf("expected transaction removed after timeout, got %d entries", n)
	}
}

func Test_Scenario_Session_SubscriberDispatch(t *testing.T) {
	srv, serverAddr := runFakeServer(t, func(req *Message, from net.Addr) []byte { return nil })
	defer srv.Close()

	s, err := NewSession(Config{Server: serverAddr, TransactionTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	s1 := &recordingSubscriber{}
	done1 := make(chan struct{})
	id1, err := s.Subscribe(netip.MustParseAddr("203.0.113.4"), s1, done1)
	if err != nil {
		t.Fatalf("Subscribe s1: %v", err)
	}
	_ = id1
	s2 := &recordingSubscriber{}
	if _, err := s.Subscribe(netip.MustParseAddr("203.0.113.4"), s2, nil); err != nil {
		t.Fatalf("Subscribe s2: %v", err)
	}

	sendIndicationFrom(t, srv, s, netip.MustParseAddrPort("203.0.113.4:1000"), []byte("hi"))
	waitForDelivery(t, s1, 1)
	waitForDelivery(t, s2, 1)

	close(done1) // kill s1
	time.Sleep(50 * time.Millisecond)

	sendIndicationFrom(t, srv, s, netip.MustParseAddrPort("203.0.113.4:1000"), []byte("again"))
	waitForDelivery(t, s2, 2)
	time.Sleep(50 * time.Millisecond)
	if len(s1.got) != 1 {
		t.Fatalf("s1 should not receive indications after being killed, got %d", len(s1.got))
	}
}

// sendIndicationFrom writes a DATA indication to s's socket using the
// fake server's own connection as the source, so it is accepted as
// coming from the configured server address.
func sendIndicationFrom(t *testing.T, srv net.PacketConn, s *Session, peer netip.AddrPort, payload []byte) {
	t.Helper()
	msg := NewMessage(MethodData, ClassIndication, [12]byte{1, 2, 3})
	msg.AddXORPeerAddress(peer)
	msg.AddData(payload)
	clientAddr := s.conn.LocalAddr().(*net.UDPAddr)
	if _, err := srv.WriteTo(msg.Encode(), clientAddr); err != nil {
		t.Fatalf("write indication: %v", err)
	}
}

func waitForDelivery(t *testing.T, sub *recordingSubscriber, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(sub.got) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d deliveries, got %d", want, len(sub.got))
}
