package transaction

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sushant-115/photobook/core/txerrors"
)

// Registry tracks the lifecycle state and start time of every transaction the
// coordinator knows about. A single mutex guards the whole map.
type Registry struct {
	mu    sync.Mutex
	txns  map[TxnID]*Transaction
	clock func() time.Time
}

// NewRegistry creates an empty registry using the wall clock.
func NewRegistry() *Registry {
	return NewRegistryWithClock(time.Now)
}

// NewRegistryWithClock creates an empty registry that stamps start times
// with clock.
func NewRegistryWithClock(clock func() time.Time) *Registry {
	return &Registry{
		txns:  make(map[TxnID]*Transaction),
		clock: clock,
	}
}

// Begin registers id as active with the current time. If id is already
// present the existing entry is returned unchanged and created is false.
func (r *Registry) Begin(id TxnID) (txn Transaction, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.txns[id]; ok {
		return *existing, false
	}
	t := &Transaction{ID: id, StartedAt: r.clock(), State: TxnStateActive}
	r.txns[id] = t
	return *t, true
}

// SetStatus changes the state of a registered transaction.
func (r *Registry) SetStatus(id TxnID, state TransactionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.txns[id]
	if !ok {
		return fmt.Errorf("set status of %s: %w", id, txerrors.ErrTxnNotFound)
	}
	t.State = state
	return nil
}

// MarkVictim aborts id on behalf of the deadlock detector.
func (r *Registry) MarkVictim(id TxnID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.txns[id]
	if !ok {
		return fmt.Errorf("mark victim %s: %w", id, txerrors.ErrTxnNotFound)
	}
	t.State = TxnStateAborted
	t.Victim = true
	return nil
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id TxnID) (Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.txns[id]
	if !ok {
		return Transaction{}, fmt.Errorf("transaction %s: %w", id, txerrors.ErrTxnNotFound)
	}
	return *t, nil
}

// Remove forgets id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id TxnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.txns, id)
}

// Active returns the active transactions ordered by start time.
func (r *Registry) Active() []Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := make([]Transaction, 0, len(r.txns))
	for _, t := range r.txns {
		if t.IsActive() {
			active = append(active, *t)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].StartedAt.Before(active[j].StartedAt)
	})
	return active
}

// Snapshot returns every registered transaction, active or not, ordered by
// start time.
func (r *Registry) Snapshot() []Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]Transaction, 0, len(r.txns))
	for _, t := range r.txns {
		all = append(all, *t)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].StartedAt.Before(all[j].StartedAt)
	})
	return all
}

// Count returns the number of registered transactions in any state.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.txns)
}
