// Package turn is a client-side STUN/TURN session: wire codec, long-term
// credential handling, allocation/permission lifecycle, and a
// subscriber-dispatch layer for relayed data — all driven by a single
// event-loop goroutine per Session.
//
// This client deviates from RFC 5389/8489 in one way: MESSAGE-INTEGRITY
// is computed with HMAC-SHA-256 rather than the RFC's HMAC-SHA-1, and
// FINGERPRINT's CRC-32 and XOR-address encodings otherwise follow the
// RFCs exactly. It does not interoperate with a strictly RFC-conformant
// peer that insists on SHA-1 integrity.
package turn
