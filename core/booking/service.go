// Package booking implements the photo-session workflows on top of the
// transaction coordinator and the two partition stores.
//
// Every mutating workflow follows the same protocol: begin a coordinated
// transaction, lock each record before touching it, log its before-image,
// apply the change in one partition's local transaction and commit that
// partition before moving on to the other. On any failure the open local
// transaction is rolled back and the coordinator replays the undo log for
// whatever was already committed.
package booking

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/photobook/core/lockmanager"
	"github.com/sushant-115/photobook/core/storage"
	"github.com/sushant-115/photobook/core/transaction"
	"github.com/sushant-115/photobook/core/txerrors"
	"github.com/sushant-115/photobook/core/undolog"
	"github.com/sushant-115/photobook/internal/events"
)

// Coordinator is the part of the transaction coordinator the workflows use.
// It is satisfied by *coordinator.Coordinator and by the RPC client.
type Coordinator interface {
	Begin(ctx context.Context, id transaction.TxnID) error
	AcquireLock(ctx context.Context, id transaction.TxnID, resource string, mode lockmanager.LockMode) (bool, error)
	LogBeforeImage(ctx context.Context, id transaction.TxnID, entry undolog.Entry) error
	Commit(ctx context.Context, id transaction.TxnID) error
	Rollback(ctx context.Context, id transaction.TxnID) error
}

// Option customises a Service.
type Option func(*Service)

// WithTracer records a span per workflow.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithPublisher sends an event after each committed workflow.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// Service runs the booking workflows.
type Service struct {
	coord     Coordinator
	stores    storage.Stores
	logger    *zap.Logger
	tracer    trace.Tracer
	publisher events.Publisher
}

// NewService wires the workflows to a coordinator and both partitions.
func NewService(coord Coordinator, stores storage.Stores, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		coord:     coord,
		stores:    stores,
		logger:    logger.Named("booking"),
		tracer:    noop.NewTracerProvider().Tracer(""),
		publisher: events.Noop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// run executes one coordinated transaction. fn does the locking, logging and
// partition writes; run owns begin, commit and compensation.
func (s *Service) run(ctx context.Context, tid transaction.TxnID, op string, fn func(ctx context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "booking."+op, trace.WithAttributes(attribute.String("txn.id", string(tid))))
	defer span.End()

	if err := s.coord.Begin(ctx, tid); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin failed")
		return err
	}

	err := fn(ctx)
	if err == nil {
		err = s.coord.Commit(ctx, tid)
		if err == nil {
			return nil
		}
	}

	s.logger.Warn("Workflow failed, rolling back",
		zap.String("op", op), zap.String("txnID", string(tid)), zap.Error(err))
	if rbErr := s.coord.Rollback(ctx, tid); rbErr != nil {
		s.logger.Error("Rollback failed, partitions may be inconsistent",
			zap.String("op", op), zap.String("txnID", string(tid)), zap.Error(rbErr))
		err = errors.Join(err, rbErr)
	} else {
		s.publish(ctx, events.Event{Kind: events.TransactionRolled, TransactionID: string(tid), Key: op})
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, op+" failed")
	return err
}

// lock acquires resource or fails the workflow with ErrLockDenied.
func (s *Service) lock(ctx context.Context, tid transaction.TxnID, resource string) error {
	ok, err := s.coord.AcquireLock(ctx, tid, resource, lockmanager.LockModeExclusive)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", resource, txerrors.ErrLockDenied)
	}
	trace.SpanFromContext(ctx).AddEvent("lock acquired", trace.WithAttributes(attribute.String("resource", resource)))
	return nil
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("Failed to publish event", zap.String("kind", ev.Kind), zap.String("txnID", ev.TransactionID), zap.Error(err))
	}
}

// withStudio runs fn inside one studio transaction, committing when writable
// and fn succeeds.
func (s *Service) withStudio(ctx context.Context, writable bool, fn func(tx storage.StudioTx) error) error {
	tx, err := s.stores.Studio.Begin(ctx, writable)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	if writable {
		return tx.Commit(ctx)
	}
	return nil
}

func (s *Service) withClientele(ctx context.Context, writable bool, fn func(tx storage.ClienteleTx) error) error {
	tx, err := s.stores.Clientele.Begin(ctx, writable)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	if writable {
		return tx.Commit(ctx)
	}
	return nil
}
