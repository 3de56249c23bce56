package turn

import "fmt"

type credState int

const (
	credNone credState = iota
	credLongTerm
	credFinal
)

// Credentials is an immutable value tracking the client's position in the
// long-term credential mechanism: unset, configured-but-unchallenged, or
// promoted with a server-issued realm/nonce pair. Promote returns a new
// value rather than mutating in place, so the session loop can hold it as
// plain state without worrying about partial updates.
type Credentials struct {
	state    credState
	Username string
	secret   string
	Realm    string
	Nonce    string
}

// NoCredentials returns the zero-value credentials (no username/secret
// configured); requests are never signed, and a 401 challenge cannot be
// answered because Promote fails from this state.
func NoCredentials() Credentials { return Credentials{state: credNone} }

// NewCredentials returns the initial long-term credential state for a
// configured username/secret pair. It holds no realm/nonce yet; Promote
// fills those in once the server issues a challenge.
func NewCredentials(username, secret string) Credentials {
	if username == "" && secret == "" {
		return NoCredentials()
	}
	return Credentials{state: credLongTerm, Username: username, secret: secret}
}

// CanSign reports whether requests should carry USERNAME/REALM/NONCE and
// a MESSAGE-INTEGRITY signature — true only once a challenge has been
// answered at least once.
func (c Credentials) CanSign() bool { return c.state == credFinal }

// Promote advances credentials to the final state using a realm/nonce
// taken from a 401 or 438 challenge response. It is valid from either the
// long-term or final state (a later 438 re-challenge promotes again with
// a fresh nonce); it is not valid when no username/secret was ever
// configured, since there is nothing to sign with.
func (c Credentials) Promote(realm, nonce string) (Credentials, error) {
	if c.state == credNone {
		return c, fmt.Errorf("credentials: %w: no username/secret configured", ErrUnauthorized)
	}
	return Credentials{state: credFinal, Username: c.Username, secret: c.secret, Realm: realm, Nonce: nonce}, nil
}

// Key derives the long-term credential key for the current state.
func (c Credentials) Key() []byte { return deriveKey(c.Username, c.Realm, c.secret) }
