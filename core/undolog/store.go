// Package undolog keeps, per transaction, the ordered before-images needed to
// compensate a partially applied cross-partition update.
//
// Each transaction owns exactly one log. The coordinator creates it at
// begin, appends to it before every mutation and deletes it once a rollback
// has been applied. The on-disk form is a self-describing JSON document so an
// operator can inspect a pending rollback with a text editor.
package undolog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/sushant-115/photobook/core/transaction"
)

// Log is the full undo log of one transaction, entries in append order.
type Log struct {
	TransactionID transaction.TxnID `json:"transaction_id"`
	CreatedAt     time.Time         `json:"created_at"`
	Checksum      string            `json:"checksum"`
	Entries       []Entry           `json:"logs"`
}

// Reversed returns the entries most-recent-first, the order in which they
// must be replayed.
func (l *Log) Reversed() []Entry {
	out := make([]Entry, len(l.Entries))
	for i, e := range l.Entries {
		out[len(l.Entries)-1-i] = e
	}
	return out
}

// Store persists undo logs.
type Store interface {
	// Create initialises an empty log for tid.
	Create(ctx context.Context, tid transaction.TxnID) error
	// Append adds one entry to the end of tid's log. It fails with
	// txerrors.ErrUndoLogNotFound when no log exists.
	Append(ctx context.Context, tid transaction.TxnID, entry Entry) error
	// Read returns the whole log, entries in append order.
	Read(ctx context.Context, tid transaction.TxnID) (*Log, error)
	// Delete removes the log. Deleting a missing log is not an error.
	Delete(ctx context.Context, tid transaction.TxnID) error
	// Archive moves the log out of the pending set but keeps it for audit.
	Archive(ctx context.Context, tid transaction.TxnID) error
	// Pending lists the transactions that still have a log.
	Pending(ctx context.Context) ([]transaction.TxnID, error)
}

// checksum hashes the encoded entries. Entry encoding is deterministic, so a
// log decoded and re-encoded hashes to the same value unless it was altered.
func checksum(entries []Entry) (string, error) {
	if entries == nil {
		entries = []Entry{}
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encode undo entries: %w", err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(b)), nil
}
