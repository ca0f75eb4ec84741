package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// CoordinatorMetrics holds the instruments updated by the transaction coordinator.
type CoordinatorMetrics struct {
	TxnsBegunCounter        metric.Int64Counter
	TxnsFinishedCounter     metric.Int64Counter
	ActiveTxnsUpDownCounter metric.Int64UpDownCounter
	LockRequestsCounter     metric.Int64Counter
	UndoEntriesCounter      metric.Int64Counter
	DeadlocksCounter        metric.Int64Counter
	RollbackLatency         metric.Int64Histogram
}

// NewCoordinatorMetrics creates and registers the coordinator instruments.
// A noop meter yields instruments that record nothing.
func NewCoordinatorMetrics(meter metric.Meter) (*CoordinatorMetrics, error) {
	txnsBegun, err := meter.Int64Counter(
		"photobook.txn.begun_total",
		metric.WithDescription("Total number of transactions begun."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnsFinished, err := meter.Int64Counter(
		"photobook.txn.finished_total",
		metric.WithDescription("Total number of transactions that reached a terminal state, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	activeTxns, err := meter.Int64UpDownCounter(
		"photobook.txn.active",
		metric.WithDescription("Number of registered transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	lockRequests, err := meter.Int64Counter(
		"photobook.lock.requests_total",
		metric.WithDescription("Lock requests, by result (granted or denied)."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	undoEntries, err := meter.Int64Counter(
		"photobook.undo.entries_total",
		metric.WithDescription("Before-images appended to undo logs, by table."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	deadlocks, err := meter.Int64Counter(
		"photobook.deadlock.victims_total",
		metric.WithDescription("Transactions aborted to break a wait-for cycle."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rollbackLatency, err := meter.Int64Histogram(
		"photobook.txn.rollback.duration",
		metric.WithDescription("Time spent replaying an undo log."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &CoordinatorMetrics{
		TxnsBegunCounter:        txnsBegun,
		TxnsFinishedCounter:     txnsFinished,
		ActiveTxnsUpDownCounter: activeTxns,
		LockRequestsCounter:     lockRequests,
		UndoEntriesCounter:      undoEntries,
		DeadlocksCounter:        deadlocks,
		RollbackLatency:         rollbackLatency,
	}, nil
}
