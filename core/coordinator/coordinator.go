// Package coordinator drives cross-partition transactions: it hands out
// exclusive locks, records blocking in a wait-for graph, keeps an undo log per
// transaction and compensates partially applied work on rollback.
//
// Lock requests never block. A denied request adds a wait edge and returns
// false; a periodic detector looks for cycles among those edges and aborts the
// youngest blocked transaction. A victim keeps its undo log and must still be
// rolled back by its workflow.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/photobook/core/lockmanager"
	"github.com/sushant-115/photobook/core/transaction"
	"github.com/sushant-115/photobook/core/txerrors"
	"github.com/sushant-115/photobook/core/undolog"
	"github.com/sushant-115/photobook/core/waitfor"
	internaltelemetry "github.com/sushant-115/photobook/internal/telemetry"
)

// DefaultDeadlockInterval is how often the detector scans when Config leaves
// the interval unset.
const DefaultDeadlockInterval = 5 * time.Second

// Config controls coordinator behaviour.
type Config struct {
	// DeadlockInterval is the period of the background deadlock scan.
	DeadlockInterval time.Duration `yaml:"deadlock_interval"`
	// RetainCommittedLogs moves a committed transaction's undo log into the
	// archive instead of deleting it.
	RetainCommittedLogs bool `yaml:"retain_committed_logs"`
}

// Restorer writes before-images back into the partitions. Entries arrive in
// replay order (most recent first). Implementations must be idempotent: the
// same entries may be replayed again after a failed attempt.
type Restorer interface {
	Restore(ctx context.Context, entries []undolog.Entry) error
}

// Stats is a point-in-time view of coordinator state.
type Stats struct {
	Transactions []transaction.Transaction `json:"transactions"`
	Grants       []lockmanager.Grant       `json:"grants"`
	WaitEdges    []waitfor.Edge            `json:"wait_edges"`
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the clock used to stamp transaction start times.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.registry = transaction.NewRegistryWithClock(clock) }
}

// WithMetrics records coordinator activity on m.
func WithMetrics(m *internaltelemetry.CoordinatorMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator owns the lock table, the wait-for graph and the registry. Each
// of those guards itself; mu only orders status transitions (commit, abort)
// against lock acquisition and undo logging, so a transaction can never gain a
// lock or log an image after it has been aborted.
type Coordinator struct {
	cfg      Config
	locks    *lockmanager.Table
	graph    *waitfor.Graph
	registry *transaction.Registry
	undo     undolog.Store
	restorer Restorer
	logger   *zap.Logger
	metrics  *internaltelemetry.CoordinatorMetrics

	mu sync.RWMutex
}

// New creates a coordinator persisting undo logs in undo and replaying them
// through restorer.
func New(cfg Config, undo undolog.Store, restorer Restorer, logger *zap.Logger, opts ...Option) (*Coordinator, error) {
	if undo == nil {
		return nil, errors.New("coordinator: undo log store is required")
	}
	if restorer == nil {
		return nil, errors.New("coordinator: restorer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DeadlockInterval <= 0 {
		cfg.DeadlockInterval = DefaultDeadlockInterval
	}

	c := &Coordinator{
		cfg:      cfg,
		locks:    lockmanager.NewTable(),
		graph:    waitfor.NewGraph(),
		registry: transaction.NewRegistry(),
		undo:     undo,
		restorer: restorer,
		logger:   logger.Named("coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		m, err := internaltelemetry.NewCoordinatorMetrics(noop.NewMeterProvider().Meter(""))
		if err != nil {
			return nil, err
		}
		c.metrics = m
	}
	return c, nil
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// Begin registers id as active and creates its empty undo log.
func (c *Coordinator) Begin(ctx context.Context, id transaction.TxnID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	existing, created := c.registry.Begin(id)
	if !created {
		if existing.State == transaction.TxnStateAborted {
			return fmt.Errorf("begin: %w", abortedErr(existing))
		}
		return fmt.Errorf("begin %s: %w", id, txerrors.ErrTxnAlreadyExists)
	}

	if err := c.undo.Create(ctx, id); err != nil {
		c.registry.Remove(id)
		if !errors.Is(err, txerrors.ErrPersistenceFailure) && !errors.Is(err, txerrors.ErrTxnAlreadyExists) {
			err = fmt.Errorf("%v: %w", err, txerrors.ErrPersistenceFailure)
		}
		c.logger.Error("Failed to create undo log", zap.String("txnID", string(id)), zap.Error(err))
		return fmt.Errorf("begin %s: %w", id, err)
	}

	c.metrics.TxnsBegunCounter.Add(ctx, 1)
	c.metrics.ActiveTxnsUpDownCounter.Add(ctx, 1)
	c.logger.Debug("Transaction begun", zap.String("txnID", string(id)))
	return nil
}

// AcquireLock requests resource for id. It returns true when the lock is
// granted (or already held by id). When another transaction holds it the
// request is denied, a wait edge id→holder is recorded and false is returned
// with a nil error. Nothing is queued; the caller decides whether to retry.
func (c *Coordinator) AcquireLock(ctx context.Context, id transaction.TxnID, resource string, mode lockmanager.LockMode) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, err := c.requireActive(id); err != nil {
		return false, err
	}

	granted, fresh, holder := c.locks.Acquire(id, resource, mode)
	if granted {
		if fresh {
			c.graph.ClearWaits(id)
		}
		c.metrics.LockRequestsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "granted")))
		c.logger.Debug("Lock granted",
			zap.String("txnID", string(id)),
			zap.String("resource", resource),
			zap.Stringer("mode", mode),
		)
		return true, nil
	}

	c.graph.AddEdge(id, holder)
	c.metrics.LockRequestsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "denied")))
	c.logger.Info("Lock denied",
		zap.String("txnID", string(id)),
		zap.String("resource", resource),
		zap.String("holder", string(holder)),
	)
	return false, nil
}

// LogBeforeImage appends entry to id's undo log. It must be called before the
// mutation it compensates is applied.
func (c *Coordinator) LogBeforeImage(ctx context.Context, id transaction.TxnID, entry undolog.Entry) error {
	if entry.Image == nil {
		return fmt.Errorf("log before-image for %s: entry has no image: %w", id, txerrors.ErrInvalidRequest)
	}
	if entry.Table != entry.Image.Table() {
		return fmt.Errorf("log before-image for %s: table %q does not match image table %q: %w", id, entry.Table, entry.Image.Table(), txerrors.ErrInvalidRequest)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, err := c.requireActive(id); err != nil {
		return err
	}
	if err := c.undo.Append(ctx, id, entry); err != nil {
		return fmt.Errorf("log before-image for %s: %w", id, err)
	}
	c.metrics.UndoEntriesCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("table", entry.Table)))
	return nil
}

// Commit finalises id: it releases every lock, removes id from the wait-for
// graph and the registry, then discards (or archives) the undo log.
func (c *Coordinator) Commit(ctx context.Context, id transaction.TxnID) error {
	c.mu.Lock()
	if _, err := c.requireActive(id); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.registry.SetStatus(id, transaction.TxnStateCommitted); err != nil {
		c.mu.Unlock()
		return err
	}
	released := c.locks.ReleaseAll(id)
	c.graph.RemoveTransaction(id)
	c.registry.Remove(id)
	c.mu.Unlock()

	// The commit has taken effect; a leftover log is reported but does not
	// turn the outcome into a failure.
	var err error
	if c.cfg.RetainCommittedLogs {
		err = c.undo.Archive(ctx, id)
	} else {
		err = c.undo.Delete(ctx, id)
	}
	if err != nil {
		c.logger.Error("Committed transaction left its undo log behind",
			zap.String("txnID", string(id)), zap.Error(err))
	}

	c.metrics.ActiveTxnsUpDownCounter.Add(ctx, -1)
	c.metrics.TxnsFinishedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "committed")))
	c.logger.Info("Transaction committed",
		zap.String("txnID", string(id)),
		zap.Strings("released", released),
	)
	return nil
}

// Rollback replays id's undo log most-recent-first through the restorer and
// then releases its locks. It is accepted for active transactions and for
// deadlock victims.
//
// When replay fails the error wraps txerrors.ErrRollbackFailed, the
// transaction stays registered as aborted and its locks stay held, so the
// records it touched remain fenced until an operator (or a retried Rollback)
// repairs them.
func (c *Coordinator) Rollback(ctx context.Context, id transaction.TxnID) error {
	start := time.Now()

	c.mu.Lock()
	txn, err := c.registry.Get(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if txn.State == transaction.TxnStateCommitted {
		c.mu.Unlock()
		return fmt.Errorf("rollback %s after commit: %w", id, txerrors.ErrTxnInvalidState)
	}
	if err := c.registry.SetStatus(id, transaction.TxnStateAborted); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	var entries []undolog.Entry
	log, err := c.undo.Read(ctx, id)
	switch {
	case errors.Is(err, txerrors.ErrUndoLogNotFound):
		c.logger.Warn("No undo log to replay", zap.String("txnID", string(id)))
	case err != nil:
		c.logger.Error("Undo log unreadable, rollback abandoned", zap.String("txnID", string(id)), zap.Error(err))
		return fmt.Errorf("rollback %s: %v: %w", id, err, txerrors.ErrRollbackFailed)
	default:
		entries = log.Reversed()
	}

	if len(entries) > 0 {
		if err := c.restorer.Restore(ctx, entries); err != nil {
			c.logger.Error("Compensation failed, records remain locked",
				zap.String("txnID", string(id)),
				zap.Int("entries", len(entries)),
				zap.Strings("locked", c.locks.HeldBy(id)),
				zap.Error(err),
			)
			return fmt.Errorf("rollback %s: %v: %w", id, err, txerrors.ErrRollbackFailed)
		}
	}

	if err := c.undo.Delete(ctx, id); err != nil {
		c.logger.Error("Rolled back transaction left its undo log behind",
			zap.String("txnID", string(id)), zap.Error(err))
	}

	c.mu.Lock()
	released := c.locks.ReleaseAll(id)
	c.graph.RemoveTransaction(id)
	c.registry.Remove(id)
	c.mu.Unlock()

	c.metrics.ActiveTxnsUpDownCounter.Add(ctx, -1)
	c.metrics.TxnsFinishedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "rolled_back")))
	c.metrics.RollbackLatency.Record(ctx, time.Since(start).Milliseconds())
	c.logger.Info("Transaction rolled back",
		zap.String("txnID", string(id)),
		zap.Int("restored", len(entries)),
		zap.Strings("released", released),
	)
	return nil
}

// CheckDeadlock runs one detection pass. When the wait-for graph has a cycle
// it aborts the youngest blocked transaction among the survivors (latest
// start time, ties broken by the greater id), releases that transaction's
// locks and removes it from the graph. The victim stays registered, with its
// undo log, until it is rolled back.
func (c *Coordinator) CheckDeadlock(ctx context.Context) (transaction.TxnID, bool) {
	survivors := c.graph.DetectCycle()
	if len(survivors) == 0 {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var victim *transaction.Transaction
	for _, id := range survivors {
		if !c.graph.IsWaiting(id) {
			continue
		}
		txn, err := c.registry.Get(id)
		if err != nil || !txn.IsActive() {
			continue
		}
		if victim == nil || younger(txn, *victim) {
			t := txn
			victim = &t
		}
	}
	if victim == nil {
		c.logger.Warn("Cycle found but no active waiter to abort",
			zap.Strings("survivors", idStrings(survivors)))
		return "", false
	}

	if err := c.registry.MarkVictim(victim.ID); err != nil {
		return "", false
	}
	released := c.locks.ReleaseAll(victim.ID)
	c.graph.RemoveTransaction(victim.ID)

	c.metrics.DeadlocksCounter.Add(ctx, 1)
	c.logger.Warn("Deadlock detected, transaction aborted",
		zap.String("victim", string(victim.ID)),
		zap.Strings("cycle", idStrings(survivors)),
		zap.Strings("released", released),
	)
	return victim.ID, true
}

// Status returns the registry entry for id.
func (c *Coordinator) Status(id transaction.TxnID) (transaction.Transaction, error) {
	return c.registry.Get(id)
}

// Stats returns a snapshot of registered transactions, grants and wait edges.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Transactions: c.registry.Snapshot(),
		Grants:       c.locks.Snapshot(),
		WaitEdges:    c.graph.Edges(),
	}
}

// PendingUndoLogs lists transactions whose undo log is still on disk. At
// startup these are transactions interrupted by a crash; they are reported,
// never replayed automatically.
func (c *Coordinator) PendingUndoLogs(ctx context.Context) ([]transaction.TxnID, error) {
	return c.undo.Pending(ctx)
}

func (c *Coordinator) requireActive(id transaction.TxnID) (transaction.Transaction, error) {
	txn, err := c.registry.Get(id)
	if err != nil {
		return txn, err
	}
	switch txn.State {
	case transaction.TxnStateActive:
		return txn, nil
	case transaction.TxnStateAborted:
		return txn, abortedErr(txn)
	default:
		return txn, fmt.Errorf("transaction %s is %s: %w", id, txn.State, txerrors.ErrTxnInvalidState)
	}
}

// abortedErr explains why an aborted transaction cannot proceed. Only
// deadlock victims report ErrDeadlockAborted; a transaction whose own
// rollback is pending or failed is in the wrong state.
func abortedErr(txn transaction.Transaction) error {
	if txn.Victim {
		return fmt.Errorf("transaction %s: %w", txn.ID, txerrors.ErrDeadlockAborted)
	}
	return fmt.Errorf("transaction %s is rolling back: %w", txn.ID, txerrors.ErrTxnInvalidState)
}

// younger reports whether a started after b, using the id as tie-break.
func younger(a, b transaction.Transaction) bool {
	if a.StartedAt.Equal(b.StartedAt) {
		return a.ID > b.ID
	}
	return a.StartedAt.After(b.StartedAt)
}

func idStrings(ids []transaction.TxnID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
