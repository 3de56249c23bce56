package turn

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"
)

const protoUDP = 17

func encodeXORAddr(addr netip.AddrPort, txID [12]byte) []byte {
	ip := addr.Addr()
	xport := addr.Port() ^ uint16(magicCookie>>16)

	if ip.Is4() {
		b := ip.As4()
		xip := binary.BigEndian.Uint32(b[:]) ^ magicCookie
		val := make([]byte, 8)
		val[1] = 1
		binary.BigEndian.PutUint16(val[2:4], xport)
		binary.BigEndian.PutUint32(val[4:8], xip)
		return val
	}

	b := ip.As16()
	var key [16]byte
	binary.BigEndian.PutUint32(key[0:4], magicCookie)
	copy(key[4:16], txID[:])
	val := make([]byte, 20)
	val[1] = 2
	binary.BigEndian.PutUint16(val[2:4], xport)
	for i := 0; i < 16; i++ {
		val[4+i] = b[i] ^ key[i]
	}
	return val
}

func decodeXORAddr(value []byte, txID [12]byte) (netip.AddrPort, error) {
	if len(value) < 4 {
		return netip.AddrPort{}, fmt.Errorf("%w: short xor-address", ErrFormat)
	}
	family := value[1]
	xport := binary.BigEndian.Uint16(value[2:4])
	port := xport ^ uint16(magicCookie>>16)

	switch family {
	case 1:
		if len(value) != 8 {
			return netip.AddrPort{}, fmt.Errorf("%w: bad ipv4 xor-address length", ErrFormat)
		}
		xip := binary.BigEndian.Uint32(value[4:8])
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], xip^magicCookie)
		return netip.AddrPortFrom(netip.AddrFrom4(b), port), nil
	case 2:
		if len(value) != 20 {
			return netip.AddrPort{}, fmt.Errorf("%w: bad ipv6 xor-address length", ErrFormat)
		}
		var key [16]byte
		binary.BigEndian.PutUint32(key[0:4], magicCookie)
		copy(key[4:16], txID[:])
		var b [16]byte
		for i := 0; i < 16; i++ {
			b[i] = value[4+i] ^ key[i]
		}
		return netip.AddrPortFrom(netip.AddrFrom16(b), port), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("%w: unknown address family 0x%02x", ErrFormat, family)
	}
}

func encodeErrorCode(code int, reason string) []byte {
	val := make([]byte, 4+len(reason))
	val[2] = byte(code / 100)
	val[3] = byte(code % 100)
	copy(val[4:], reason)
	return val
}

func decodeErrorCode(value []byte) (code int, reason string, err error) {
	if len(value) < 4 {
		return 0, "", fmt.Errorf("%w: error-code too short", ErrFormat)
	}
	return int(value[2])*100 + int(value[3]), string(value[4:]), nil
}

func encodeLifetime(d time.Duration) []byte {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(d/time.Second))
	return v
}

func decodeLifetime(value []byte) (time.Duration, error) {
	if len(value) != 4 {
		return 0, fmt.Errorf("%w: bad lifetime length", ErrFormat)
	}
	return time.Duration(binary.BigEndian.Uint32(value)) * time.Second, nil
}

// AddXORMappedAddress appends a BIND response's reflected address. Used
// only in tests that build synthetic server responses.
func (m *Message) AddXORMappedAddress(addr netip.AddrPort) {
	m.add(attrXORMappedAddress, encodeXORAddr(addr, m.TransactionID))
}

func (m *Message) AddXORRelayedAddress(addr netip.AddrPort) {
	m.add(attrXORRelayedAddress, encodeXORAddr(addr, m.TransactionID))
}

func (m *Message) AddXORPeerAddress(addr netip.AddrPort) {
	m.add(attrXORPeerAddress, encodeXORAddr(addr, m.TransactionID))
}

func (m *Message) AddUsername(u string) { m.add(attrUsername, []byte(u)) }
func (m *Message) AddRealm(r string)    { m.add(attrRealm, []byte(r)) }
func (m *Message) AddNonce(n string)    { m.add(attrNonce, []byte(n)) }

func (m *Message) AddErrorCode(code int, reason string) {
	m.add(attrErrorCode, encodeErrorCode(code, reason))
}

func (m *Message) AddLifetime(d time.Duration) { m.add(attrLifetime, encodeLifetime(d)) }

func (m *Message) AddRequestedTransport() {
	m.add(attrRequestedTransport, []byte{protoUDP, 0, 0, 0})
}

func (m *Message) AddData(data []byte) { m.add(attrData, data) }

func (m *Message) XORMappedAddress() (netip.AddrPort, error) {
	a, ok := m.attr(attrXORMappedAddress)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: XOR-MAPPED-ADDRESS missing", ErrBadResponse)
	}
	addr, err := decodeXORAddr(a.Value, m.TransactionID)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return addr, nil
}

func (m *Message) XORRelayedAddress() (netip.AddrPort, error) {
	a, ok := m.attr(attrXORRelayedAddress)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: XOR-RELAYED-ADDRESS missing", ErrBadResponse)
	}
	return decodeXORAddr(a.Value, m.TransactionID)
}

func (m *Message) XORPeerAddress() (netip.AddrPort, error) {
	a, ok := m.attr(attrXORPeerAddress)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: XOR-PEER-ADDRESS missing", ErrBadResponse)
	}
	return decodeXORAddr(a.Value, m.TransactionID)
}

func (m *Message) Username() (string, bool) {
	a, ok := m.attr(attrUsername)
	return string(a.Value), ok
}

func (m *Message) Realm() (string, bool) {
	a, ok := m.attr(attrRealm)
	return string(a.Value), ok
}

func (m *Message) Nonce() (string, bool) {
	a, ok := m.attr(attrNonce)
	return string(a.Value), ok
}

func (m *Message) ErrorCode() (code int, reason string, err error) {
	a, ok := m.attr(attrErrorCode)
	if !ok {
		return 0, "", fmt.Errorf("%w: ERROR-CODE missing", ErrBadResponse)
	}
	return decodeErrorCode(a.Value)
}

func (m *Message) Lifetime() (time.Duration, error) {
	a, ok := m.attr(attrLifetime)
	if !ok {
		return 0, fmt.Errorf("%w: LIFETIME missing", ErrBadResponse)
	}
	return decodeLifetime(a.Value)
}

func (m *Message) Data() ([]byte, error) {
	a, ok := m.attr(attrData)
	if !ok {
		return nil, fmt.Errorf("%w: DATA missing", ErrBadResponse)
	}
	return a.Value, nil
}
