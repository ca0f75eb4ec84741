package transaction

import (
	"fmt"
	"regexp"
	"time"

	"github.com/sushant-115/photobook/core/txerrors"
)

// TxnID identifies a transaction. It is supplied by the caller and must be
// unique among the transactions currently known to the coordinator.
type TxnID string

var txnIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Validate rejects ids that are empty, too long, or could escape a file name.
func (id TxnID) Validate() error {
	if !txnIDPattern.MatchString(string(id)) {
		return fmt.Errorf("%q: %w", string(id), txerrors.ErrInvalidTxnID)
	}
	return nil
}

// TransactionState represents the lifecycle state of a coordinated transaction.
type TransactionState int

const (
	TxnStateActive    TransactionState = iota // Locks and before-images may still be added
	TxnStateCommitted                         // Terminal: changes kept, locks released
	TxnStateAborted                           // Terminal: chosen as deadlock victim or rolled back
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateActive:
		return "active"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and YAML output.
func (s TransactionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TransactionState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "active":
		*s = TxnStateActive
	case "committed":
		*s = TxnStateCommitted
	case "aborted":
		*s = TxnStateAborted
	default:
		return fmt.Errorf("unknown transaction state %q", b)
	}
	return nil
}

// Transaction is the registry's record of one transaction.
type Transaction struct {
	ID        TxnID            `json:"id"`
	StartedAt time.Time        `json:"started_at"`
	State     TransactionState `json:"state"`
	// Victim is set when the deadlock detector aborted the transaction, as
	// opposed to a rollback requested by its own workflow.
	Victim bool `json:"victim,omitempty"`
}

// IsActive reports whether the transaction may still take locks and log images.
func (t Transaction) IsActive() bool {
	return t.State == TxnStateActive
}
