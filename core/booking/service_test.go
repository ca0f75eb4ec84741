package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/photobook/core/coordinator"
	"github.com/sushant-115/photobook/core/lockmanager"
	"github.com/sushant-115/photobook/core/model"
	"github.com/sushant-115/photobook/core/storage"
	"github.com/sushant-115/photobook/core/storage/boltstore"
	"github.com/sushant-115/photobook/core/transaction"
	"github.com/sushant-115/photobook/core/txerrors"
	"github.com/sushant-115/photobook/core/undolog"
	"github.com/sushant-115/photobook/internal/events"
)

// --- Test Helpers ---

var fixtureSeed = storage.Seed{
	Photographers: []model.Photographer{
		{PhotographerID: 1, Name: "Ada", Specialty: "Portrait"},
		{PhotographerID: 2, Name: "Brian", Specialty: "Wedding"},
	},
	Timeslots: []model.Timeslot{
		{TimeslotID: 3, PhotographerID: 1, AvailableDate: "2024-12-20", StartTime: "09:00:00", EndTime: "10:00:00", Status: model.SlotAvailable},
		{TimeslotID: 4, PhotographerID: 2, AvailableDate: "2024-12-20", StartTime: "10:00:00", EndTime: "11:00:00", Status: model.SlotAvailable},
		{TimeslotID: 5, PhotographerID: 2, AvailableDate: "2024-12-21", StartTime: "10:00:00", EndTime: "11:00:00", Status: model.SlotBooked},
	},
	Clients: []model.Client{
		{ClientID: 1, Name: "Grace", Email: "grace@example.com"},
		{ClientID: 2, Name: "Linus", Email: "linus@example.com"},
	},
}

type fixture struct {
	svc    *Service
	coord  *coordinator.Coordinator
	stores storage.Stores
	rec    *events.Recorder
}

// failingRestorer refuses every replay.
type failingRestorer struct{}

func (failingRestorer) Restore(context.Context, []undolog.Entry) error {
	return errors.New("studio store offline")
}

// flakyClientele fails PutBooking, leaving everything else intact.
type flakyClientele struct {
	storage.ClienteleStore
}

func (f flakyClientele) Begin(ctx context.Context, writable bool) (storage.ClienteleTx, error) {
	tx, err := f.ClienteleStore.Begin(ctx, writable)
	if err != nil {
		return nil, err
	}
	return flakyClienteleTx{tx}, nil
}

type flakyClienteleTx struct {
	storage.ClienteleTx
}

func (flakyClienteleTx) PutBooking(context.Context, model.Booking) error {
	return fmt.Errorf("disk full: %w", txerrors.ErrPersistenceFailure)
}

// flakyStudio fails PutTimeslot, leaving everything else intact.
type flakyStudio struct {
	storage.StudioStore
}

func (f flakyStudio) Begin(ctx context.Context, writable bool) (storage.StudioTx, error) {
	tx, err := f.StudioStore.Begin(ctx, writable)
	if err != nil {
		return nil, err
	}
	return flakyStudioTx{tx}, nil
}

type flakyStudioTx struct {
	storage.StudioTx
}

func (flakyStudioTx) PutTimeslot(context.Context, model.Timeslot) error {
	return fmt.Errorf("disk full: %w", txerrors.ErrPersistenceFailure)
}

type setupOpts struct {
	flakyClientele bool
	flakyStudio    bool
	restorer       coordinator.Restorer
}

func setup(t *testing.T, o setupOpts) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	stores, err := boltstore.Open(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { stores.Close() })
	require.NoError(t, fixtureSeed.Apply(ctx, stores))

	undo, err := undolog.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)

	restorer := o.restorer
	if restorer == nil {
		restorer = storage.NewUndoApplier(stores, logger)
	}
	coord, err := coordinator.New(coordinator.Config{}, undo, restorer, logger)
	require.NoError(t, err)

	workflowStores := stores
	if o.flakyClientele {
		workflowStores.Clientele = flakyClientele{stores.Clientele}
	}
	if o.flakyStudio {
		workflowStores.Studio = flakyStudio{stores.Studio}
	}
	rec := &events.Recorder{}
	return &fixture{
		svc:    NewService(coord, workflowStores, logger, WithPublisher(rec)),
		coord:  coord,
		stores: stores,
		rec:    rec,
	}
}

func (f *fixture) timeslot(t *testing.T, id int64) model.Timeslot {
	t.Helper()
	d, err := f.svc.GetTimeslotDetails(context.Background(), id)
	require.NoError(t, err)
	return model.Timeslot{TimeslotID: d.TimeslotID, PhotographerID: d.PhotographerID, AvailableDate: d.AvailableDate, StartTime: d.StartTime, EndTime: d.EndTime, Status: d.Status}
}

func (f *fixture) requireQuiescent(t *testing.T) {
	t.Helper()
	st := f.coord.Stats()
	require.Empty(t, st.Transactions)
	require.Empty(t, st.Grants)
	require.Empty(t, st.WaitEdges)
	pending, err := f.coord.PendingUndoLogs(context.Background())
	require.NoError(t, err)
	require.Empty(t, pending)
}

// --- Test Cases ---

func TestScheduleBooking_Success(t *testing.T) {
	f := setup(t, setupOpts{})
	ctx := context.Background()

	b, err := f.svc.ScheduleBooking(ctx, "1001", ScheduleRequest{TimeslotID: 4, ClientID: 1, Location: "Paris"})
	require.NoError(t, err)
	require.Positive(t, b.BookingID)
	require.Equal(t, model.BookingScheduled, b.Status)

	require.Equal(t, model.SlotBooked, f.timeslot(t, 4).Status)
	bookings, err := f.svc.ListBookingsForClient(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []model.Booking{b}, bookings)

	f.requireQuiescent(t)
	evs := f.rec.Events()
	require.Len(t, evs, 1)
	require.Equal(t, events.BookingScheduled, evs[0].Kind)
	require.Equal(t, "Timeslot_4", evs[0].Key)
}

func TestScheduleBooking_SlotAlreadyBooked(t *testing.T) {
	f := setup(t, setupOpts{})
	ctx := context.Background()

	_, err := f.svc.ScheduleBooking(ctx, "1001", ScheduleRequest{TimeslotID: 5, ClientID: 1, Location: "Rome"})
	require.ErrorIs(t, err, txerrors.ErrSlotUnavailable)
	f.requireQuiescent(t)
	require.Equal(t, model.SlotBooked, f.timeslot(t, 5).Status)

	_, err = f.svc.ScheduleBooking(ctx, "1002", ScheduleRequest{TimeslotID: 4, ClientID: 1, Location: "Paris"})
	require.NoError(t, err)
	_, err = f.svc.ScheduleBooking(ctx, "1003", ScheduleRequest{TimeslotID: 4, ClientID: 2, Location: "Paris"})
	require.ErrorIs(t, err, txerrors.ErrSlotUnavailable, "double booking is refused")
}

func TestScheduleBooking_UnknownRecords(t *testing.T) {
	f := setup(t, setupOpts{})
	ctx := context.Background()

	_, err := f.svc.ScheduleBooking(ctx, "a", ScheduleRequest{TimeslotID: 99, ClientID: 1})
	require.ErrorIs(t, err, txerrors.ErrRecordNotFound)
	_, err = f.svc.ScheduleBooking(ctx, "b", ScheduleRequest{TimeslotID: 4, ClientID: 99})
	require.ErrorIs(t, err, txerrors.ErrRecordNotFound)
	require.Equal(t, model.SlotAvailable, f.timeslot(t, 4).Status)

	_, err = f.svc.ScheduleBooking(ctx, "c", ScheduleRequest{})
	require.ErrorIs(t, err, txerrors.ErrInvalidRequest)
	f.requireQuiescent(t)
}

func TestScheduleBooking_LockHeldElsewhere(t *testing.T) {
	f := setup(t, setupOpts{})
	ctx := context.Background()

	require.NoError(t, f.coord.Begin(ctx, "holder"))
	ok, err := f.coord.AcquireLock(ctx, "holder", model.TimeslotResource(4), lockmanager.LockModeExclusive)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.ScheduleBooking(ctx, "1002", ScheduleRequest{TimeslotID: 4, ClientID: 1, Location: "Paris"})
	require.ErrorIs(t, err, txerrors.ErrLockDenied)

	_, err = f.coord.Status("1002")
	require.ErrorIs(t, err, txerrors.ErrTxnNotFound, "denied workflow rolled back and left")
	require.Empty(t, f.coord.Stats().WaitEdges, "wait edge pruned with the rolled back waiter")

	require.NoError(t, f.coord.Commit(ctx, "holder"))
	f.requireQuiescent(t)
}

func TestScheduleBooking_DuplicateTransactionID(t *testing.T) {
	f := setup(t, setupOpts{})
	ctx := context.Background()

	require.NoError(t, f.coord.Begin(ctx, "dup"))
	_, err := f.svc.ScheduleBooking(ctx, "dup", ScheduleRequest{TimeslotID: 4, ClientID: 1})
	require.ErrorIs(t, err, txerrors.ErrTxnAlreadyExists)

	// The pre-existing transaction is untouched by the failed attempt.
	st, err := f.coord.Status("dup")
	require.NoError(t, err)
	require.Equal(t, transaction.TxnStateActive, st.State)
}

func TestScheduleBooking_PartialFailureIsCompensated(t *testing.T) {
	f := setup(t, setupOpts{flakyClientele: true})
	ctx := context.Background()

	_, err := f.svc.ScheduleBooking(ctx, "1002", ScheduleRequest{TimeslotID: 4, ClientID: 1, Location: "Paris"})
	require.ErrorIs(t, err, txerrors.ErrPersistenceFailure)

	// The studio write had committed; rollback restored it.
	require.Equal(t, model.SlotAvailable, f.timeslot(t, 4).Status)

	tx, err := f.stores.Clientele.Begin(ctx, false)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	bookings, err := tx.ListBookings(ctx, storage.BookingFilter{})
	require.NoError(t, err)
	require.Empty(t, bookings, "the pending insert never becomes visible")

	f.requireQuiescent(t)
	evs := f.rec.Events()
	require.Len(t, evs, 1)
	require.Equal(t, events.TransactionRolled, evs[0].Kind)
}

func TestScheduleBooking_RollbackFailureSurfaces(t *testing.T) {
	f := setup(t, setupOpts{flakyClientele: true, restorer: failingRestorer{}})
	ctx := context.Background()

	_, err := f.svc.ScheduleBooking(ctx, "1002", ScheduleRequest{TimeslotID: 4, ClientID: 1, Location: "Paris"})
	require.ErrorIs(t, err, txerrors.ErrPersistenceFailure)
	require.ErrorIs(t, err, txerrors.ErrRollbackFailed)

	// The touched timeslot stays fenced and the id cannot be reused.
	ok, err := f.coord.AcquireLock(ctx, "1002", model.TimeslotResource(4), lockmanager.LockModeExclusive)
	require.ErrorIs(t, err, txerrors.ErrTxnInvalidState)
	require.False(t, ok)
	require.Len(t, f.coord.Stats().Grants, 1)
}

func TestCancelBooking(t *testing.T) {
	f := setup(t, setupOpts{})
	ctx := context.Background()

	b, err := f.svc.ScheduleBooking(ctx, "1001", ScheduleRequest{TimeslotID: 4, ClientID: 1, Location: "Paris"})
	require.NoError(t, err)

	require.NoError(t, f.svc.CancelBooking(ctx, "1002", b.BookingID))
	require.Equal(t, model.SlotAvailable, f.timeslot(t, 4).Status)
	bookings, err := f.svc.ListBookingsForClient(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, bookings)
	f.requireQuiescent(t)

	err = f.svc.CancelBooking(ctx, "1003", b.BookingID)
	require.ErrorIs(t, err, txerrors.ErrRecordNotFound)
	f.requireQuiescent(t)
}

func TestCancelBooking_PartialFailureReinsertsBooking(t *testing.T) {
	f := setup(t, setupOpts{flakyStudio: true})
	ctx := context.Background()

	healthy := NewService(f.coord, f.stores, zaptest.NewLogger(t))
	b, err := healthy.ScheduleBooking(ctx, "1001", ScheduleRequest{TimeslotID: 4, ClientID: 1, Location: "Paris"})
	require.NoError(t, err)

	// The booking delete commits, then freeing the timeslot fails.
	err = f.svc.CancelBooking(ctx, "1002", b.BookingID)
	require.ErrorIs(t, err, txerrors.ErrPersistenceFailure)
	require.NotErrorIs(t, err, txerrors.ErrRollbackFailed)

	bookings, err := f.svc.ListBookingsForClient(ctx, 1)
	require.NoError(t, err)
	require.Len(t, bookings, 1, "rollback puts the deleted booking back")
	require.Equal(t, b.BookingID, bookings[0].BookingID)
	require.Equal(t, int64(4), bookings[0].TimeslotID)
	require.Equal(t, "Paris", bookings[0].Location)
	require.Equal(t, model.BookingScheduled, bookings[0].Status)
	require.Equal(t, model.SlotBooked, f.timeslot(t, 4).Status)

	f.requireQuiescent(t)
	evs := f.rec.Events()
	require.Len(t, evs, 1)
	require.Equal(t, events.TransactionRolled, evs[0].Kind)
}

func TestCancelBooking_TimeslotLockedElsewhere(t *testing.T) {
	f := setup(t, setupOpts{})
	ctx := context.Background()

	b, err := f.svc.ScheduleBooking(ctx, "1001", ScheduleRequest{TimeslotID: 4, ClientID: 1, Location: "Paris"})
	require.NoError(t, err)

	require.NoError(t, f.coord.Begin(ctx, "holder"))
	ok, _ := f.coord.AcquireLock(ctx, "holder", model.TimeslotResource(4), lockmanager.LockModeExclusive)
	require.True(t, ok)

	err = f.svc.CancelBooking(ctx, "1002", b.BookingID)
	require.ErrorIs(t, err, txerrors.ErrLockDenied)

	bookings, err := f.svc.ListBookingsForClient(ctx, 1)
	require.NoError(t, err)
	require.Len(t, bookings, 1, "nothing was deleted")
}

func TestCreateAvailability(t *testing.T) {
	f := setup(t, setupOpts{})
	ctx := context.Background()

	ts, err := f.svc.CreateAvailability(ctx, "2001", 1, AvailabilityRequest{AvailableDate: "2024-12-22", StartTime: "14:00:00", EndTime: "15:00:00"})
	require.NoError(t, err)
	require.Greater(t, ts.TimeslotID, int64(5), "new ids never collide with seeded ones")
	require.Equal(t, model.SlotAvailable, ts.Status)

	open, err := f.svc.ListAvailableTimeslots(ctx, 1)
	require.NoError(t, err)
	require.Len(t, open, 2)
	f.requireQuiescent(t)

	tests := []struct {
		name string
		pid  int64
		req  AvailabilityRequest
		want error
	}{
		{"bad date", 1, AvailabilityRequest{AvailableDate: "22/12/2024", StartTime: "14:00:00", EndTime: "15:00:00"}, txerrors.ErrInvalidRequest},
		{"end before start", 1, AvailabilityRequest{AvailableDate: "2024-12-22", StartTime: "15:00:00", EndTime: "14:00:00"}, txerrors.ErrInvalidRequest},
		{"missing photographer id", 0, AvailabilityRequest{AvailableDate: "2024-12-22", StartTime: "14:00:00", EndTime: "15:00:00"}, txerrors.ErrInvalidRequest},
		{"unknown photographer", 42, AvailabilityRequest{AvailableDate: "2024-12-22", StartTime: "14:00:00", EndTime: "15:00:00"}, txerrors.ErrRecordNotFound},
	}
	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateAvailability(ctx, transaction.TxnID(fmt.Sprintf("bad-%d", i)), tc.pid, tc.req)
			require.ErrorIs(t, err, tc.want)
		})
	}
	f.requireQuiescent(t)
}

func TestUpdateBooking(t *testing.T) {
	f := setup(t, setupOpts{})
	ctx := context.Background()

	b, err := f.svc.ScheduleBooking(ctx, "1001", ScheduleRequest{TimeslotID: 4, ClientID: 1, Location: "Paris"})
	require.NoError(t, err)

	loc, status := "Lyon", model.BookingCompleted
	updated, err := f.svc.UpdateBooking(ctx, "1002", b.BookingID, UpdateRequest{Location: &loc, Status: &status})
	require.NoError(t, err)
	require.Equal(t, "Lyon", updated.Location)
	require.Equal(t, model.BookingCompleted, updated.Status)
	require.Equal(t, b.TimeslotID, updated.TimeslotID, "other fields untouched")

	bad := "Lost"
	_, err = f.svc.UpdateBooking(ctx, "1003", b.BookingID, UpdateRequest{Status: &bad})
	require.ErrorIs(t, err, txerrors.ErrInvalidRequest)
	_, err = f.svc.UpdateBooking(ctx, "1004", b.BookingID, UpdateRequest{})
	require.ErrorIs(t, err, txerrors.ErrInvalidRequest)
	_, err = f.svc.UpdateBooking(ctx, "1005", 999, UpdateRequest{Location: &loc})
	require.ErrorIs(t, err, txerrors.ErrRecordNotFound)
	f.requireQuiescent(t)
}

func TestQueries(t *testing.T) {
	f := setup(t, setupOpts{})
	ctx := context.Background()

	slots, err := f.svc.ListAvailablePhotographers(ctx, "2024-12-20")
	require.NoError(t, err)
	require.Equal(t, []model.AvailableSlot{
		{TimeslotID: 3, PhotographerID: 1, StartTime: "09:00:00", EndTime: "10:00:00", Name: "Ada", Specialty: "Portrait"},
		{TimeslotID: 4, PhotographerID: 2, StartTime: "10:00:00", EndTime: "11:00:00", Name: "Brian", Specialty: "Wedding"},
	}, slots)

	slots, err = f.svc.ListAvailablePhotographers(ctx, "2030-01-01")
	require.NoError(t, err)
	require.Empty(t, slots)
	_, err = f.svc.ListAvailablePhotographers(ctx, "")
	require.ErrorIs(t, err, txerrors.ErrInvalidRequest)

	clients, err := f.svc.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 2)

	photographers, err := f.svc.ListPhotographers(ctx)
	require.NoError(t, err)
	require.Len(t, photographers, 2)

	d, err := f.svc.GetTimeslotDetails(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, "Brian", d.PhotographerName)
	require.Equal(t, "Wedding", d.Specialty)

	_, err = f.svc.GetTimeslotDetails(ctx, 404)
	require.ErrorIs(t, err, txerrors.ErrRecordNotFound)
}

func TestConcurrentScheduling_OneWinnerPerSlot(t *testing.T) {
	f := setup(t, setupOpts{})
	ctx := context.Background()

	const n = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		failures []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.ScheduleBooking(ctx, transaction.TxnID(fmt.Sprintf("c%02d", i)), ScheduleRequest{TimeslotID: 4, ClientID: 1 + int64(i%2), Location: "Paris"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners++
				return
			}
			failures = append(failures, err)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, winners)
	for _, err := range failures {
		require.True(t,
			errors.Is(err, txerrors.ErrLockDenied) || errors.Is(err, txerrors.ErrSlotUnavailable),
			"unexpected failure: %v", err)
	}
	f.requireQuiescent(t)

	tx, err := f.stores.Clientele.Begin(ctx, false)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	bookings, err := tx.ListBookings(ctx, storage.BookingFilter{TimeslotID: 4})
	require.NoError(t, err)
	require.Len(t, bookings, 1)
}
