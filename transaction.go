package turn

import (
	"crypto/rand"
	"fmt"
	"time"
)

// pendingTxn is an in-flight request awaiting either a matching response
// datagram or its own deadline timer. complete is invoked exactly once,
// on the session's loop goroutine, either with the decoded response or
// with timedOut set.
type pendingTxn struct {
	id       [12]byte
	timer    *time.Timer
	complete func(resp *Message, timedOut bool)
}

// transactionTable tracks outstanding requests keyed by transaction id.
// It is only ever touched from the session's loop goroutine, so it needs
// no internal locking.
type transactionTable struct {
	byID map[[12]byte]*pendingTxn
}

func newTransactionTable() *transactionTable {
	return &transactionTable{byID: make(map[[12]byte]*pendingTxn)}
}

func (t *transactionTable) insert(p *pendingTxn) { t.byID[p.id] = p }

func (t *transactionTable) lookup(id [12]byte) (*pendingTxn, bool) {
	p, ok := t.byID[id]
	return p, ok
}

func (t *transactionTable) remove(id [12]byte) { delete(t.byID, id) }

func (t *transactionTable) all() []*pendingTxn {
	out := make([]*pendingTxn, 0, len(t.byID))
	for _, p := range t.byID {
		out = append(out, p)
	}
	return out
}

// genTransactionID draws a cryptographically random, currently-unused
// 96-bit transaction id. The teacher's stunclient seeded math/rand from
// wall-clock time; spec.md requires a CSPRNG, so this uses crypto/rand
// with a bounded re-draw on the (astronomically unlikely) collision with
// an already-outstanding id.
func genTransactionID(t *transactionTable) ([12]byte, error) {
	for attempt := 0; attempt < 8; attempt++ {
		var id [12]byte
		if _, err := rand.Read(id[:]); err != nil {
			return [12]byte{}, fmt.Errorf("turn: generate transaction id: %w", err)
		}
		if _, exists := t.byID[id]; !exists {
			return id, nil
		}
	}
	return [12]byte{}, fmt.Errorf("turn: could not allocate a unique transaction id")
}
