package coordinatorrpc

import (
	"github.com/sushant-115/photobook/core/lockmanager"
	"github.com/sushant-115/photobook/core/transaction"
	"github.com/sushant-115/photobook/core/undolog"
)

type TxnRequest struct {
	ID transaction.TxnID `json:"id"`
}

type LockRequest struct {
	ID       transaction.TxnID    `json:"id"`
	Resource string               `json:"resource"`
	Mode     lockmanager.LockMode `json:"mode"`
}

type LockResponse struct {
	Granted bool `json:"granted"`
}

type LogRequest struct {
	ID    transaction.TxnID `json:"id"`
	Entry undolog.Entry     `json:"entry"`
}

type Empty struct{}

// DeadlockResponse names the aborted victim when Found is true.
type DeadlockResponse struct {
	Victim transaction.TxnID `json:"victim,omitempty"`
	Found  bool              `json:"found"`
}

type StatusResponse struct {
	Transaction transaction.Transaction `json:"transaction"`
}
