package turn

import (
	"bytes"
	"crypto/md5"
	"testing"
)

// Invariant from spec.md §8: for all credentials c with {username, realm,
// secret}, verify(sign(msg, c), c) = true.
func Test_Invariant_SignThenVerify(t *testing.T) {
	creds, err := NewCredentials("alice", "s3cr3t").Promote("example.org", "N1")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}

	txID := [12]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	msg := NewMessage(MethodAllocate, ClassRequest, txID)
	msg.AddUsername(creds.Username)
	msg.AddRealm(creds.Realm)
	msg.AddNonce(creds.Nonce)
	msg.Sign(creds.Key())

	if !msg.VerifyIntegrity(creds.Key()) {
		t.Fatalf("expected integrity to verify")
	}
}

func Test_VerifyIntegrity_FailsWithWrongKey(t *testing.T) {
	txID := [12]byte{}
	msg := NewMessage(MethodAllocate, ClassRequest, txID)
	msg.Sign([]byte("correct-key"))
	if msg.VerifyIntegrity([]byte("wrong-key")) {
		t.Fatalf("expected integrity verification to fail")
	}
}

func Test_VerifyIntegrity_SurvivesTrailingFingerprint(t *testing.T) {
	txID := [12]byte{}
	msg := NewMessage(MethodBinding, ClassRequest, txID)
	msg.Sign([]byte("key"))
	msg.AddFingerprint()

	decoded, err := DecodeMessage(msg.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.VerifyIntegrity([]byte("key")) {
		t.Fatalf("integrity should verify with fingerprint appended after it")
	}
	if !decoded.VerifyFingerprint() {
		t.Fatalf("fingerprint should verify")
	}
}

// Scenario 2's key derivation: MD5("alice:example.org:s3cr3t").
func Test_DeriveKey_MatchesLiteralScenario(t *testing.T) {
	user, realm, secret := "alice", "example.org", "s3cr3t"
	key := deriveKey(user, realm, secret)
	want := md5.Sum([]byte(user + ":" + realm + ":" + secret))
	if !bytes.Equal(key, want[:]) {
		t.Fatalf("expected MD5(username:realm:secret) = %x, got %x", want, key)
	}
}

// spec.md §4.1: MD5(username:realm:secret) applies only when all three are
// present; a configured-but-unpromoted credential (no realm yet) keys with
// the raw secret instead.
func Test_DeriveKey_UsesRawSecretWithoutRealm(t *testing.T) {
	key := deriveKey("alice", "", "s3cr3t")
	if string(key) != "s3cr3t" {
		t.Fatalf("expected raw secret with no realm, got %x", key)
	}
}
