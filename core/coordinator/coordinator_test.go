package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/photobook/core/lockmanager"
	"github.com/sushant-115/photobook/core/model"
	"github.com/sushant-115/photobook/core/transaction"
	"github.com/sushant-115/photobook/core/txerrors"
	"github.com/sushant-115/photobook/core/undolog"
	"github.com/sushant-115/photobook/core/waitfor"
	internaltelemetry "github.com/sushant-115/photobook/internal/telemetry"
)

// --- Test Helpers ---

// memPartitions stands in for the two stores: timeslots on one side,
// bookings on the other. Restore applies undo entries the way the real
// restorer does.
type memPartitions struct {
	mu        sync.Mutex
	timeslots map[int64]model.Timeslot
	bookings  map[int64]model.Booking
	failWith  error
	restored  [][]undolog.Entry
}

func newMemPartitions() *memPartitions {
	return &memPartitions{
		timeslots: make(map[int64]model.Timeslot),
		bookings:  make(map[int64]model.Booking),
	}
}

func (p *memPartitions) Restore(ctx context.Context, entries []undolog.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.restored = append(p.restored, entries)
	for _, e := range entries {
		switch img := e.Image.(type) {
		case undolog.TimeslotImage:
			if e.IsInsert() {
				delete(p.timeslots, img.TimeslotID)
			} else {
				p.timeslots[img.TimeslotID] = img.Timeslot
			}
		case undolog.BookingImage:
			if e.IsInsert() {
				delete(p.bookings, img.BookingID)
			} else {
				p.bookings[img.BookingID] = img.Booking
			}
		}
	}
	return nil
}

// stepClock returns a clock that advances one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 12, 20, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func setupCoordinator(t *testing.T, cfg Config, opts ...Option) (*Coordinator, *memPartitions, *undolog.FileStore) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store, err := undolog.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)
	parts := newMemPartitions()
	opts = append([]Option{WithClock(stepClock())}, opts...)
	c, err := New(cfg, store, parts, logger, opts...)
	require.NoError(t, err)
	return c, parts, store
}

func slot4(status string) model.Timeslot {
	return model.Timeslot{TimeslotID: 4, PhotographerID: 2, AvailableDate: "2024-12-20", StartTime: "10:00:00", EndTime: "11:00:00", Status: status}
}

// --- Test Cases ---

func TestNew_RequiresCollaborators(t *testing.T) {
	store, err := undolog.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = New(Config{}, nil, newMemPartitions(), nil)
	require.Error(t, err)
	_, err = New(Config{}, store, nil, nil)
	require.Error(t, err)

	c, err := New(Config{}, store, newMemPartitions(), nil)
	require.NoError(t, err)
	require.Equal(t, DefaultDeadlockInterval, c.Config().DeadlockInterval)
}

func TestCommit_ReleasesLocksAndDropsUndoLog(t *testing.T) {
	c, parts, store := setupCoordinator(t, Config{})
	ctx := context.Background()
	parts.timeslots[4] = slot4(model.SlotAvailable)

	require.NoError(t, c.Begin(ctx, "1001"))
	ok, err := c.AcquireLock(ctx, "1001", model.TimeslotResource(4), lockmanager.LockModeExclusive)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.LogBeforeImage(ctx, "1001", undolog.ForUpdate(undolog.TimeslotImage{Timeslot: parts.timeslots[4]})))
	parts.timeslots[4] = slot4(model.SlotBooked)

	require.NoError(t, c.Commit(ctx, "1001"))

	require.Empty(t, c.Stats().Grants, "Timeslot_4 must be unlocked after commit")
	_, err = c.Status("1001")
	require.ErrorIs(t, err, txerrors.ErrTxnNotFound)

	_, err = store.Read(ctx, "1001")
	require.ErrorIs(t, err, txerrors.ErrUndoLogNotFound)
	require.Equal(t, model.SlotBooked, parts.timeslots[4].Status)

	// A fresh transaction can take the lock right away.
	require.NoError(t, c.Begin(ctx, "1003"))
	ok, err = c.AcquireLock(ctx, "1003", model.TimeslotResource(4), lockmanager.LockModeExclusive)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCommit_RetainsLogWhenConfigured(t *testing.T) {
	c, _, store := setupCoordinator(t, Config{RetainCommittedLogs: true})
	ctx := context.Background()

	require.NoError(t, c.Begin(ctx, "1001"))
	require.NoError(t, c.LogBeforeImage(ctx, "1001", undolog.ForUpdate(undolog.TimeslotImage{Timeslot: slot4(model.SlotAvailable)})))
	require.NoError(t, c.Commit(ctx, "1001"))

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending, "archived logs are no longer pending")
}

func TestAcquireLock_DeniedRecordsWaitEdge(t *testing.T) {
	c, _, _ := setupCoordinator(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.Begin(ctx, "1001"))
	require.NoError(t, c.Begin(ctx, "1002"))

	ok, err := c.AcquireLock(ctx, "1001", "Timeslot_4", lockmanager.LockModeExclusive)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.AcquireLock(ctx, "1002", "Timeslot_4", lockmanager.LockModeExclusive)
	require.NoError(t, err, "denial is not an error")
	require.False(t, ok)
	require.Equal(t, []waitfor.Edge{{Waiter: "1002", Holder: "1001"}}, c.Stats().WaitEdges)

	// Once the holder commits, a retry succeeds and the edge disappears.
	require.NoError(t, c.Commit(ctx, "1001"))
	require.Empty(t, c.Stats().WaitEdges)
	ok, err = c.AcquireLock(ctx, "1002", "Timeslot_4", lockmanager.LockModeExclusive)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAcquireLock_GrantClearsStaleWaits(t *testing.T) {
	c, _, _ := setupCoordinator(t, Config{})
	ctx := context.Background()

	for _, id := range []transaction.TxnID{"a", "b"} {
		require.NoError(t, c.Begin(ctx, id))
	}
	ok, _ := c.AcquireLock(ctx, "a", "X", lockmanager.LockModeExclusive)
	require.True(t, ok)
	ok, _ = c.AcquireLock(ctx, "b", "X", lockmanager.LockModeExclusive)
	require.False(t, ok)

	// b gives up on X and moves on to Y; it no longer waits for a.
	ok, _ = c.AcquireLock(ctx, "b", "Y", lockmanager.LockModeExclusive)
	require.True(t, ok)
	require.Empty(t, c.Stats().WaitEdges)
}

func TestAcquireLock_RegrantKeepsWaits(t *testing.T) {
	c, _, _ := setupCoordinator(t, Config{})
	ctx := context.Background()

	for _, id := range []transaction.TxnID{"a", "b"} {
		require.NoError(t, c.Begin(ctx, id))
	}
	ok, _ := c.AcquireLock(ctx, "a", "X", lockmanager.LockModeExclusive)
	require.True(t, ok)
	ok, _ = c.AcquireLock(ctx, "b", "Y", lockmanager.LockModeExclusive)
	require.True(t, ok)
	ok, _ = c.AcquireLock(ctx, "b", "X", lockmanager.LockModeExclusive)
	require.False(t, ok)

	// b asks again for a lock it already holds; it still waits for a.
	ok, err := c.AcquireLock(ctx, "b", "Y", lockmanager.LockModeExclusive)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []waitfor.Edge{{Waiter: "b", Holder: "a"}}, c.Stats().WaitEdges)
}

func TestBegin_Errors(t *testing.T) {
	c, _, _ := setupCoordinator(t, Config{})
	ctx := context.Background()

	require.ErrorIs(t, c.Begin(ctx, "bad/id"), txerrors.ErrInvalidTxnID)

	require.NoError(t, c.Begin(ctx, "1001"))
	require.ErrorIs(t, c.Begin(ctx, "1001"), txerrors.ErrTxnAlreadyExists)

	_, err := c.AcquireLock(ctx, "ghost", "X", lockmanager.LockModeExclusive)
	require.ErrorIs(t, err, txerrors.ErrTxnNotFound)
	require.ErrorIs(t, c.Commit(ctx, "ghost"), txerrors.ErrTxnNotFound)
	require.ErrorIs(t, c.Rollback(ctx, "ghost"), txerrors.ErrTxnNotFound)
}

func TestLogBeforeImage_RejectsMismatchedEntry(t *testing.T) {
	c, _, _ := setupCoordinator(t, Config{})
	ctx := context.Background()
	require.NoError(t, c.Begin(ctx, "1001"))

	require.ErrorIs(t, c.LogBeforeImage(ctx, "1001", undolog.Entry{Table: model.TableBookings}), txerrors.ErrInvalidRequest)
	e := undolog.ForUpdate(undolog.TimeslotImage{Timeslot: slot4(model.SlotAvailable)})
	e.Table = model.TableBookings
	require.ErrorIs(t, c.LogBeforeImage(ctx, "1001", e), txerrors.ErrInvalidRequest)
}

func TestCheckDeadlock_AbortsYoungest(t *testing.T) {
	c, _, _ := setupCoordinator(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.Begin(ctx, "A")) // older
	require.NoError(t, c.Begin(ctx, "B")) // younger

	ok, _ := c.AcquireLock(ctx, "A", "X", lockmanager.LockModeExclusive)
	require.True(t, ok)
	ok, _ = c.AcquireLock(ctx, "B", "Y", lockmanager.LockModeExclusive)
	require.True(t, ok)

	_, found := c.CheckDeadlock(ctx)
	require.False(t, found, "no cycle yet")

	ok, _ = c.AcquireLock(ctx, "A", "Y", lockmanager.LockModeExclusive)
	require.False(t, ok)
	ok, _ = c.AcquireLock(ctx, "B", "X", lockmanager.LockModeExclusive)
	require.False(t, ok)

	victim, found := c.CheckDeadlock(ctx)
	require.True(t, found)
	require.Equal(t, transaction.TxnID("B"), victim)

	st, err := c.Status("B")
	require.NoError(t, err)
	require.Equal(t, transaction.TxnStateAborted, st.State)
	require.True(t, st.Victim)

	// The survivor is unblocked.
	ok, err = c.AcquireLock(ctx, "A", "Y", lockmanager.LockModeExclusive)
	require.NoError(t, err)
	require.True(t, ok)

	// Every call but Rollback now fails fast for the victim.
	_, err = c.AcquireLock(ctx, "B", "Z", lockmanager.LockModeExclusive)
	require.ErrorIs(t, err, txerrors.ErrDeadlockAborted)
	require.ErrorIs(t, c.LogBeforeImage(ctx, "B", undolog.ForUpdate(undolog.TimeslotImage{Timeslot: slot4(model.SlotAvailable)})), txerrors.ErrDeadlockAborted)
	require.ErrorIs(t, c.Commit(ctx, "B"), txerrors.ErrDeadlockAborted)
	require.ErrorIs(t, c.Begin(ctx, "B"), txerrors.ErrDeadlockAborted)

	require.NoError(t, c.Rollback(ctx, "B"))
	_, err = c.Status("B")
	require.ErrorIs(t, err, txerrors.ErrTxnNotFound)

	_, found = c.CheckDeadlock(ctx)
	require.False(t, found)
}

func TestCheckDeadlock_TieBreakOnID(t *testing.T) {
	fixed := time.Date(2024, 12, 20, 9, 0, 0, 0, time.UTC)
	c, _, _ := setupCoordinator(t, Config{}, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	require.NoError(t, c.Begin(ctx, "t1"))
	require.NoError(t, c.Begin(ctx, "t2"))
	c.AcquireLock(ctx, "t1", "X", lockmanager.LockModeExclusive)
	c.AcquireLock(ctx, "t2", "Y", lockmanager.LockModeExclusive)
	c.AcquireLock(ctx, "t1", "Y", lockmanager.LockModeExclusive)
	c.AcquireLock(ctx, "t2", "X", lockmanager.LockModeExclusive)

	victim, found := c.CheckDeadlock(ctx)
	require.True(t, found)
	require.Equal(t, transaction.TxnID("t2"), victim)
}

func TestCheckDeadlock_ThreeWayCycleSkipsBystanders(t *testing.T) {
	c, _, _ := setupCoordinator(t, Config{})
	ctx := context.Background()

	// idle holds Z and waits on nobody; late waits on the cycle from outside.
	for _, id := range []transaction.TxnID{"t1", "t2", "t3", "idle", "late"} {
		require.NoError(t, c.Begin(ctx, id))
	}
	c.AcquireLock(ctx, "t1", "R1", lockmanager.LockModeExclusive)
	c.AcquireLock(ctx, "t2", "R2", lockmanager.LockModeExclusive)
	c.AcquireLock(ctx, "t3", "R3", lockmanager.LockModeExclusive)
	c.AcquireLock(ctx, "idle", "Z", lockmanager.LockModeExclusive)

	c.AcquireLock(ctx, "t1", "R2", lockmanager.LockModeExclusive)
	c.AcquireLock(ctx, "t2", "R3", lockmanager.LockModeExclusive)
	c.AcquireLock(ctx, "t3", "Z", lockmanager.LockModeExclusive)
	c.AcquireLock(ctx, "t3", "R1", lockmanager.LockModeExclusive)
	c.AcquireLock(ctx, "late", "R1", lockmanager.LockModeExclusive)

	victim, found := c.CheckDeadlock(ctx)
	require.True(t, found)
	require.Equal(t, transaction.TxnID("t3"), victim, "youngest waiter on the cycle, not the idle holder nor the outside waiter")
}

func TestRollback_RestoresPartialWork(t *testing.T) {
	c, parts, store := setupCoordinator(t, Config{})
	ctx := context.Background()
	parts.timeslots[4] = slot4(model.SlotAvailable)

	require.NoError(t, c.Begin(ctx, "1002"))
	ok, _ := c.AcquireLock(ctx, "1002", model.TimeslotResource(4), lockmanager.LockModeExclusive)
	require.True(t, ok)

	// Partition A: slot booked and committed locally.
	require.NoError(t, c.LogBeforeImage(ctx, "1002", undolog.ForUpdate(undolog.TimeslotImage{Timeslot: parts.timeslots[4]})))
	parts.timeslots[4] = slot4(model.SlotBooked)

	// Partition B: booking insert logged, then the local commit fails and
	// the row never lands.
	pending := model.Booking{BookingID: 77, TimeslotID: 4, ClientID: 1, Location: "Paris", Status: model.BookingScheduled}
	require.NoError(t, c.LogBeforeImage(ctx, "1002", undolog.ForInsert(undolog.BookingImage{Booking: pending})))

	require.NoError(t, c.Rollback(ctx, "1002"))

	require.Equal(t, model.SlotAvailable, parts.timeslots[4].Status)
	_, visible := parts.bookings[77]
	require.False(t, visible)

	require.Len(t, parts.restored, 1)
	require.Equal(t, model.TableBookings, parts.restored[0][0].Table, "replayed most recent first")
	require.Equal(t, model.TableTimeslots, parts.restored[0][1].Table)

	require.Empty(t, c.Stats().Grants)
	_, err := store.Read(ctx, "1002")
	require.ErrorIs(t, err, txerrors.ErrUndoLogNotFound)
}

func TestRollback_EmptyLog(t *testing.T) {
	c, parts, _ := setupCoordinator(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.Begin(ctx, "1001"))
	c.AcquireLock(ctx, "1001", "X", lockmanager.LockModeExclusive)
	require.NoError(t, c.Rollback(ctx, "1001"))
	require.Empty(t, parts.restored)
	require.Empty(t, c.Stats().Grants)
}

func TestRollback_FailureKeepsLocks(t *testing.T) {
	c, parts, store := setupCoordinator(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.Begin(ctx, "1001"))
	ok, _ := c.AcquireLock(ctx, "1001", "Timeslot_4", lockmanager.LockModeExclusive)
	require.True(t, ok)
	require.NoError(t, c.LogBeforeImage(ctx, "1001", undolog.ForUpdate(undolog.TimeslotImage{Timeslot: slot4(model.SlotAvailable)})))

	parts.failWith = errors.New("studio store offline")
	err := c.Rollback(ctx, "1001")
	require.ErrorIs(t, err, txerrors.ErrRollbackFailed)

	holder, held := c.locks.Holder("Timeslot_4")
	require.True(t, held)
	require.Equal(t, transaction.TxnID("1001"), holder)
	_, err = store.Read(ctx, "1001")
	require.NoError(t, err, "log kept for a retry")

	// It was never a deadlock victim, so reuse of the id is a state error.
	txn, err := c.Status("1001")
	require.NoError(t, err)
	require.Equal(t, transaction.TxnStateAborted, txn.State)
	require.False(t, txn.Victim)
	err = c.Begin(ctx, "1001")
	require.ErrorIs(t, err, txerrors.ErrTxnInvalidState)
	require.NotErrorIs(t, err, txerrors.ErrDeadlockAborted)
	_, err = c.AcquireLock(ctx, "1001", "Timeslot_5", lockmanager.LockModeExclusive)
	require.ErrorIs(t, err, txerrors.ErrTxnInvalidState)

	// A retried rollback succeeds once the store recovers.
	parts.failWith = nil
	require.NoError(t, c.Rollback(ctx, "1001"))
	require.Empty(t, c.Stats().Grants)
}

func TestConcurrentWorkflows_MutualExclusion(t *testing.T) {
	c, _, _ := setupCoordinator(t, Config{})
	ctx := context.Background()

	const n = 25
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []transaction.TxnID
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := transaction.TxnID(fmt.Sprintf("w%02d", i))
			require.NoError(t, c.Begin(ctx, id))
			ok, err := c.AcquireLock(ctx, id, "Timeslot_4", lockmanager.LockModeExclusive)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
				return
			}
			require.NoError(t, c.Rollback(ctx, id))
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	require.NoError(t, c.Commit(ctx, winners[0]))
	require.Empty(t, c.Stats().Transactions)
}

func TestMetrics_Recorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := internaltelemetry.NewCoordinatorMetrics(provider.Meter("test"))
	require.NoError(t, err)

	c, _, _ := setupCoordinator(t, Config{}, WithMetrics(m))
	ctx := context.Background()

	require.NoError(t, c.Begin(ctx, "A"))
	require.NoError(t, c.Begin(ctx, "B"))
	c.AcquireLock(ctx, "A", "X", lockmanager.LockModeExclusive)
	c.AcquireLock(ctx, "B", "Y", lockmanager.LockModeExclusive)
	c.AcquireLock(ctx, "A", "Y", lockmanager.LockModeExclusive)
	c.AcquireLock(ctx, "B", "X", lockmanager.LockModeExclusive)
	_, found := c.CheckDeadlock(ctx)
	require.True(t, found)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if s, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					sums[md.Name] += dp.Value
				}
			}
		}
	}
	require.Equal(t, int64(2), sums["photobook.txn.begun_total"])
	require.Equal(t, int64(4), sums["photobook.lock.requests_total"])
	require.Equal(t, int64(1), sums["photobook.deadlock.victims_total"])
}
