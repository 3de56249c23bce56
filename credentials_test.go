package turn

import "testing"

func Test_NewCredentials_Unset(t *testing.T) {
	c := NewCredentials("", "")
	if c.CanSign() {
		t.Fatalf("unset credentials should not be signable")
	}
}

// Scenario 2 from spec.md §8: allocate with alice/s3cr3t, 401 with
// realm=example.org, nonce=N1 promotes credentials to
// Final{alice, s3cr3t, example.org, N1}.
func Test_Scenario_ChallengePromotesCredentials(t *testing.T) {
	c := NewCredentials("alice", "s3cr3t")
	if c.CanSign() {
		t.Fatalf("long-term credentials should not yet be signable")
	}

	promoted, err := c.Promote("example.org", "N1")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if !promoted.CanSign() {
		t.Fatalf("promoted credentials should be signable")
	}
	if promoted.Username != "alice" || promoted.Realm != "example.org" || promoted.Nonce != "N1" {
		t.Fatalf("unexpected promoted fields: %+v", promoted)
	}

	// original value is untouched — Promote never mutates in place.
	if c.CanSign() {
		t.Fatalf("original credentials mutated by Promote")
	}
}

func Test_Promote_ReChallengeWithFreshNonce(t *testing.T) {
	c, err := NewCredentials("alice", "s3cr3t").Promote("example.org", "N1")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	c2, err := c.Promote("example.org", "N2")
	if err != nil {
		t.Fatalf("re-promote: %v", err)
	}
	if c2.Nonce != "N2" {
		t.Fatalf("expected refreshed nonce, got %q", c2.Nonce)
	}
}

func Test_Promote_FailsWithoutConfiguredSecret(t *testing.T) {
	if _, err := NoCredentials().Promote("example.org", "N1"); err == nil {
		t.Fatalf("expected promote to fail on unset credentials")
	}
}
