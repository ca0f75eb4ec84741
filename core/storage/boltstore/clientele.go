package boltstore

import (
	"context"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/sushant-115/photobook/core/model"
	"github.com/sushant-115/photobook/core/storage"
)

// Clientele is the client/booking partition.
type Clientele struct {
	db *bolt.DB
}

// OpenClientele opens the clientele partition file at path.
func OpenClientele(path string, logger *zap.Logger) (*Clientele, error) {
	db, err := openDB(path, [][]byte{bucketClients, bucketBookings}, logger)
	if err != nil {
		return nil, err
	}
	return &Clientele{db: db}, nil
}

func (c *Clientele) Begin(ctx context.Context, writable bool) (storage.ClienteleTx, error) {
	tx, err := beginTx(ctx, c.db, writable)
	if err != nil {
		return nil, err
	}
	return &clienteleTx{boltTx{tx}}, nil
}

func (c *Clientele) Close() error { return c.db.Close() }

type clienteleTx struct {
	boltTx
}

func (t *clienteleTx) clients() *bolt.Bucket  { return t.tx.Bucket(bucketClients) }
func (t *clienteleTx) bookings() *bolt.Bucket { return t.tx.Bucket(bucketBookings) }

func (t *clienteleTx) GetClient(ctx context.Context, id int64) (model.Client, error) {
	return getRow[model.Client](t.clients(), "client", id)
}

func (t *clienteleTx) PutClient(ctx context.Context, c model.Client) error {
	return putRow(t.clients(), "client", c.ClientID, c)
}

func (t *clienteleTx) ListClients(ctx context.Context) ([]model.Client, error) {
	return listRows[model.Client](t.clients(), "client", nil)
}

func (t *clienteleTx) GetBooking(ctx context.Context, id int64) (model.Booking, error) {
	return getRow[model.Booking](t.bookings(), "booking", id)
}

func (t *clienteleTx) PutBooking(ctx context.Context, b model.Booking) error {
	return putRow(t.bookings(), "booking", b.BookingID, b)
}

func (t *clienteleTx) DeleteBooking(ctx context.Context, id int64) error {
	return deleteRow(t.bookings(), "booking", id)
}

func (t *clienteleTx) ListBookings(ctx context.Context, f storage.BookingFilter) ([]model.Booking, error) {
	return listRows(t.bookings(), "booking", func(b model.Booking) bool {
		return (f.ClientID == 0 || b.ClientID == f.ClientID) &&
			(f.TimeslotID == 0 || b.TimeslotID == f.TimeslotID)
	})
}

func (t *clienteleTx) NextBookingID(ctx context.Context) (int64, error) {
	return nextID(t.bookings(), "booking")
}

var _ storage.ClienteleStore = (*Clientele)(nil)
