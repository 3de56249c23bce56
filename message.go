package turn

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Magic cookie fixed by RFC 5389; also used as the XOR mask for the high
// 16 bits of XOR-address ports and as the v6 XOR key prefix.
const magicCookie uint32 = 0x2112A442

const headerSize = 20

// Method identifies the STUN/TURN method carried in a message. Only the
// methods this client speaks are named; the low 4 bits of the wire type
// carry the method for all of them so no interleaved-bit packing is
// needed (encodeHeader ORs Method and Class together; DecodeMessage splits
// them with methodMask/classMask).
type Method uint16

const (
	MethodBinding          Method = 0x001
	MethodAllocate         Method = 0x003
	MethodRefresh          Method = 0x004
	MethodSend             Method = 0x006
	MethodData             Method = 0x007
	MethodCreatePermission Method = 0x008
)

// Class identifies the STUN message class.
type Class uint16

const (
	ClassRequest    Class = 0x000
	ClassIndication Class = 0x010
	ClassSuccess    Class = 0x100
	ClassError      Class = 0x110
)

const (
	methodMask uint16 = 0x3EEF
	classMask  uint16 = 0x0110
)

// Attribute type registry. Anything below 0x8000 not listed here fails
// decoding with ErrUnknownAttribute (comprehension-required); anything at
// or above 0x8000 is comprehension-optional and is preserved opaquely.
const (
	attrMappedAddress      uint16 = 0x0001
	attrUsername           uint16 = 0x0006
	attrMessageIntegrity   uint16 = 0x0008
	attrErrorCode          uint16 = 0x0009
	attrUnknownAttributes  uint16 = 0x000A
	attrLifetime           uint16 = 0x000D
	attrXORPeerAddress     uint16 = 0x0012
	attrData               uint16 = 0x0013
	attrRealm              uint16 = 0x0014
	attrNonce              uint16 = 0x0015
	attrXORRelayedAddress  uint16 = 0x0016
	attrRequestedTransport uint16 = 0x0019
	attrXORMappedAddress   uint16 = 0x0020
	attrFingerprint        uint16 = 0x8028

	// Vendor/ext attribute types recognized opaquely per DESIGN.md's
	// Open Question decision 3 — decoded but never interpreted.
	attrStunID             uint16 = 0xFF03
	attrProtocolVersion    uint16 = 0xFF04
	attrNATBindingInterval uint16 = 0xFF05
	attrResponseAddress    uint16 = 0xFF06
)

var knownAttrTypes = map[uint16]bool{
	attrMappedAddress:      true,
	attrUsername:           true,
	attrMessageIntegrity:   true,
	attrErrorCode:          true,
	attrUnknownAttributes:  true,
	attrLifetime:           true,
	attrXORPeerAddress:     true,
	attrData:               true,
	attrRealm:              true,
	attrNonce:              true,
	attrXORRelayedAddress:  true,
	attrRequestedTransport: true,
	attrXORMappedAddress:   true,
	attrFingerprint:        true,
	attrStunID:             true,
	attrProtocolVersion:    true,
	attrNATBindingInterval: true,
	attrResponseAddress:    true,
}

// RawAttribute is a decoded TLV: Value holds the unpadded attribute
// content, never the 4-byte alignment padding.
type RawAttribute struct {
	Type  uint16
	Value []byte
}

// Message is a single STUN/TURN message: header fields plus an ordered
// attribute list. Attribute order matters for MESSAGE-INTEGRITY and
// FINGERPRINT, both of which must be the last one or two attributes.
type Message struct {
	Method        Method
	Class         Class
	TransactionID [12]byte
	Attributes    []RawAttribute
}

// NewMessage builds an empty request/indication/response shell ready for
// attributes to be added with the Add* helpers.
func NewMessage(method Method, class Class, txID [12]byte) *Message {
	return &Message{Method: method, Class: class, TransactionID: txID}
}

func (m *Message) add(t uint16, v []byte) {
	m.Attributes = append(m.Attributes, RawAttribute{Type: t, Value: v})
}

func (m *Message) attr(t uint16) (RawAttribute, bool) {
	for _, a := range m.Attributes {
		if a.Type == t {
			return a, true
		}
	}
	return RawAttribute{}, false
}

func (m *Message) IsSuccess() bool    { return m.Class == ClassSuccess }
func (m *Message) IsError() bool      { return m.Class == ClassError }
func (m *Message) IsIndication() bool { return m.Class == ClassIndication }
func (m *Message) IsRequest() bool    { return m.Class == ClassRequest }

// String is a compact one-line summary for log lines, grounded on the
// teacher's per-message print4Log() summaries in stun/rfc5389.go.
func (m *Message) String() string {
	return fmt.Sprintf("method=0x%03x class=0x%03x txn=%x attrs=%d",
		uint16(m.Method), uint16(m.Class), m.TransactionID, len(m.Attributes))
}

func encodeHeader(method Method, class Class, length int, txID [12]byte) []byte {
	h := make([]byte, headerSize)
	binary.BigEndian.PutUint16(h[0:2], uint16(method)|uint16(class))
	binary.BigEndian.PutUint16(h[2:4], uint16(length))
	binary.BigEndian.PutUint32(h[4:8], magicCookie)
	copy(h[8:20], txID[:])
	return h
}

func padLen(n int) int {
	if n%4 == 0 {
		return n
	}
	return n + (4 - n%4)
}

func encodeAttrTLV(a RawAttribute) []byte {
	padded := padLen(len(a.Value))
	buf := make([]byte, 4+padded)
	binary.BigEndian.PutUint16(buf[0:2], a.Type)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(a.Value)))
	copy(buf[4:4+len(a.Value)], a.Value)
	return buf
}

// Encode serializes the message, including whatever attributes the
// caller has already added — Sign/AddFingerprint must be called before
// Encode so MESSAGE-INTEGRITY/FINGERPRINT are part of the output.
func (m *Message) Encode() []byte {
	var body []byte
	for _, a := range m.Attributes {
		body = append(body, encodeAttrTLV(a)...)
	}
	return append(encodeHeader(m.Method, m.Class, len(body), m.TransactionID), body...)
}

// bytesUpTo re-encodes the attributes preceding the first attribute of
// type stop (exclusive), returning that byte slice and its length. It is
// the shared base for both MESSAGE-INTEGRITY and FINGERPRINT, on both the
// signing side (attribute not yet present, loop runs to the end) and the
// verifying side (attribute already decoded, loop stops at it).
func (m *Message) bytesUpTo(stop uint16) (base []byte, offset int) {
	for _, a := range m.Attributes {
		if a.Type == stop {
			break
		}
		enc := encodeAttrTLV(a)
		base = append(base, enc...)
		offset += len(enc)
	}
	return base, offset
}

// DecodeMessage parses a single STUN/TURN message off the wire. Trailing
// bytes beyond the declared length (e.g. padding a caller appended) are
// ignored; a declared length that overruns buf is a format error.
func DecodeMessage(buf []byte) (*Message, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("%w: truncated header", ErrFormat)
	}
	if buf[0]&0xC0 != 0 {
		return nil, fmt.Errorf("%w: leading bits not zero", ErrFormat)
	}
	typ := binary.BigEndian.Uint16(buf[0:2])
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if length%4 != 0 {
		return nil, fmt.Errorf("%w: unaligned attribute length", ErrFormat)
	}
	if headerSize+length > len(buf) {
		return nil, fmt.Errorf("%w: declared length overruns buffer", ErrFormat)
	}
	if binary.BigEndian.Uint32(buf[4:8]) != magicCookie {
		return nil, fmt.Errorf("%w: bad magic cookie", ErrFormat)
	}

	m := &Message{
		Method: Method(typ & methodMask),
		Class:  Class(typ & classMask),
	}
	copy(m.TransactionID[:], buf[8:20])

	body := buf[headerSize : headerSize+length]
	i := 0
	for i < length {
		if i+4 > length {
			return nil, fmt.Errorf("%w: truncated attribute header", ErrFormat)
		}
		atype := binary.BigEndian.Uint16(body[i : i+2])
		alen := int(binary.BigEndian.Uint16(body[i+2 : i+4]))
		padded := padLen(alen)
		if i+4+padded > length {
			return nil, fmt.Errorf("%w: truncated attribute value", ErrFormat)
		}
		value := append([]byte(nil), body[i+4:i+4+alen]...)
		if err := validateAttrValue(atype, value); err != nil {
			return nil, err
		}
		m.Attributes = append(m.Attributes, RawAttribute{Type: atype, Value: value})
		i += 4 + padded
	}
	for idx, a := range m.Attributes {
		if a.Type == attrFingerprint && idx != len(m.Attributes)-1 {
			return nil, fmt.Errorf("%w: fingerprint is not the last attribute", ErrFormat)
		}
	}
	return m, nil
}

func validateAttrValue(t uint16, value []byte) error {
	if !knownAttrTypes[t] && t < 0x8000 {
		return fmt.Errorf("%w: type 0x%04x", ErrUnknownAttribute, t)
	}
	switch t {
	case attrRealm:
		if utf8.RuneCount(value) > 128 {
			return fmt.Errorf("%w: realm exceeds 128 characters", ErrFormat)
		}
	case attrUsername:
		if len(value) > 513 {
			return fmt.Errorf("%w: username exceeds 513 bytes", ErrFormat)
		}
	case attrNonce:
		if len(value) > 763 {
			return fmt.Errorf("%w: nonce exceeds 763 bytes", ErrFormat)
		}
	case attrErrorCode:
		if len(value) < 4 {
			return fmt.Errorf("%w: error-code too short", ErrFormat)
		}
		class := value[2]
		number := value[3]
		if class < 3 || class > 6 || number > 99 {
			return fmt.Errorf("%w: error-code out of range", ErrFormat)
		}
	}
	return nil
}
