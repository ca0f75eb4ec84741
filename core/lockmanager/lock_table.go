// Package lockmanager implements the coordinator's resource lock table.
//
// Locks are exclusive and never block: a request either succeeds at once or
// is denied, and the caller decides what to do next. All state sits behind one
// table-wide mutex, so no reader ever sees a partially updated grant set.
package lockmanager

import (
	"sort"
	"sync"

	"github.com/sushant-115/photobook/core/transaction"
)

// LockMode is the requested access mode. Only exclusive semantics are
// enforced; LockModeShared is accepted and treated as exclusive.
type LockMode int

const (
	LockModeExclusive LockMode = iota
	LockModeShared
)

func (m LockMode) String() string {
	switch m {
	case LockModeExclusive:
		return "exclusive"
	case LockModeShared:
		return "shared"
	default:
		return "unknown"
	}
}

// MarshalText renders the mode by name in JSON output.
func (m LockMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *LockMode) UnmarshalText(b []byte) error {
	*m = ParseLockMode(string(b))
	return nil
}

// ParseLockMode maps "write"/"exclusive" and "read"/"shared" to a mode.
// Anything else falls back to exclusive.
func ParseLockMode(s string) LockMode {
	switch s {
	case "read", "shared", "S":
		return LockModeShared
	default:
		return LockModeExclusive
	}
}

// Grant records that Holder owns Resource.
type Grant struct {
	Resource string            `json:"resource"`
	Holder   transaction.TxnID `json:"holder"`
	Mode     LockMode          `json:"mode"`
}

// Table maps resources to their single holder and transactions to the
// resources they hold.
type Table struct {
	mu     sync.Mutex
	grants map[string]Grant
	held   map[transaction.TxnID]map[string]struct{}
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{
		grants: make(map[string]Grant),
		held:   make(map[transaction.TxnID]map[string]struct{}),
	}
}

// Acquire grants resource to tid if it is free, or succeeds without a second
// grant if tid already holds it; fresh is true only in the first case.
// Otherwise the request is denied and the current holder is returned, read in
// the same critical section.
func (t *Table) Acquire(tid transaction.TxnID, resource string, mode LockMode) (granted, fresh bool, holder transaction.TxnID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if g, locked := t.grants[resource]; locked {
		if g.Holder == tid {
			return true, false, tid
		}
		return false, false, g.Holder
	}

	t.grants[resource] = Grant{Resource: resource, Holder: tid, Mode: mode}
	if t.held[tid] == nil {
		t.held[tid] = make(map[string]struct{})
	}
	t.held[tid][resource] = struct{}{}
	return true, true, tid
}

// ReleaseAll drops every grant held by tid and returns the released
// resources in sorted order.
func (t *Table) ReleaseAll(tid transaction.TxnID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	resources, ok := t.held[tid]
	if !ok {
		return nil
	}
	released := make([]string, 0, len(resources))
	for res := range resources {
		delete(t.grants, res)
		released = append(released, res)
	}
	delete(t.held, tid)
	sort.Strings(released)
	return released
}

// Holder returns the transaction holding resource, if any.
func (t *Table) Holder(resource string) (transaction.TxnID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.grants[resource]
	return g.Holder, ok
}

// HeldBy lists the resources held by tid in sorted order.
func (t *Table) HeldBy(tid transaction.TxnID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.held[tid]))
	for res := range t.held[tid] {
		out = append(out, res)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of all current grants ordered by resource.
func (t *Table) Snapshot() []Grant {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Grant, 0, len(t.grants))
	for _, g := range t.grants {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}

// Len returns the number of granted resources.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.grants)
}
