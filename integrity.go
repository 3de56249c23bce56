package turn

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"hash/crc32"
)

// integritySize is the encoded size (4-byte TLV header + 32-byte digest)
// reserved in the header length field while computing MESSAGE-INTEGRITY,
// per RFC 5389 §15.4 — the length used for the HMAC must be the length
// the message will have *after* the attribute is appended.
const integritySize = 4 + sha256.Size

// fingerprintSize is the encoded size of FINGERPRINT itself.
const fingerprintSize = 4 + 4

// fingerprintXOR is XORed into the CRC-32 per RFC 5389 §15.5, so that a
// STUN-naive CRC-32 checker never accidentally matches a valid message.
const fingerprintXOR uint32 = 0x5354554E

// computeIntegrity returns the HMAC-SHA-256 over the header (with its
// length field set as if MESSAGE-INTEGRITY were already appended) plus
// every attribute preceding MESSAGE-INTEGRITY. Used both to sign a
// message (attribute not yet present, so the whole attribute list
// counts) and to verify one (loop stops at the attribute that's already
// there), which keeps the two directions from drifting apart.
//
// spec.md deliberately departs from RFC 5389's HMAC-SHA-1 in favor of
// SHA-256 (see DESIGN.md, Open Question 1); this is not RFC 5389/8489
// interoperable with a peer that expects the RFC's native MAC.
func (m *Message) computeIntegrity(key []byte) []byte {
	base, offset := m.bytesUpTo(attrMessageIntegrity)
	header := encodeHeader(m.Method, m.Class, offset+integritySize, m.TransactionID)
	mac := hmac.New(sha256.New, key)
	mac.Write(header)
	mac.Write(base)
	return mac.Sum(nil)
}

// Sign appends a MESSAGE-INTEGRITY attribute computed with key. Must be
// called after every other attribute has been added and before
// AddFingerprint/Encode.
func (m *Message) Sign(key []byte) {
	m.add(attrMessageIntegrity, m.computeIntegrity(key))
}

// VerifyIntegrity reports whether the message carries a MESSAGE-INTEGRITY
// attribute matching key. A message with no such attribute fails.
func (m *Message) VerifyIntegrity(key []byte) bool {
	a, ok := m.attr(attrMessageIntegrity)
	if !ok {
		return false
	}
	return hmac.Equal(m.computeIntegrity(key), a.Value)
}

// computeFingerprint mirrors computeIntegrity for the CRC-32 trailer: the
// base includes every attribute before FINGERPRINT (MESSAGE-INTEGRITY
// included, if present), and the header length is adjusted as if
// FINGERPRINT were already appended.
func (m *Message) computeFingerprint() uint32 {
	base, offset := m.bytesUpTo(attrFingerprint)
	header := encodeHeader(m.Method, m.Class, offset+fingerprintSize, m.TransactionID)
	sum := crc32.ChecksumIEEE(header)
	sum = crc32.Update(sum, crc32.IEEETable, base)
	return sum ^ fingerprintXOR
}

// AddFingerprint appends a FINGERPRINT attribute. Must be the last
// attribute added, after Sign if both are present.
func (m *Message) AddFingerprint() {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, m.computeFingerprint())
	m.add(attrFingerprint, v)
}

// VerifyFingerprint reports whether the message carries a matching
// FINGERPRINT attribute.
func (m *Message) VerifyFingerprint() bool {
	a, ok := m.attr(attrFingerprint)
	if !ok || len(a.Value) != 4 {
		return false
	}
	return binary.BigEndian.Uint32(a.Value) == m.computeFingerprint()
}

// deriveKey computes the long-term credential key MD5(username:realm:
// secret) when all three are present. When any of them is empty (e.g.
// credentials not yet promoted, so no realm assigned) the raw secret is
// returned as the key instead.
func deriveKey(username, realm, secret string) []byte {
	if username == "" || realm == "" || secret == "" {
		return []byte(secret)
	}
	sum := md5.Sum([]byte(username + ":" + realm + ":" + secret))
	return sum[:]
}
