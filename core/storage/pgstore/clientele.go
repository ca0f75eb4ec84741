package pgstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/sushant-115/photobook/core/model"
	"github.com/sushant-115/photobook/core/storage"
)

// Bookings reference timeslots living in the other database, so timeslot_id
// carries no foreign key.
const clienteleSchema = `
CREATE TABLE IF NOT EXISTS clients (
	client_id BIGSERIAL PRIMARY KEY,
	name      TEXT NOT NULL,
	email     TEXT NOT NULL DEFAULT '',
	phone     TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS bookings (
	booking_id  BIGSERIAL PRIMARY KEY,
	timeslot_id BIGINT NOT NULL,
	client_id   BIGINT NOT NULL REFERENCES clients(client_id),
	location    TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'Scheduled'
);
CREATE INDEX IF NOT EXISTS bookings_client_idx ON bookings(client_id);
CREATE INDEX IF NOT EXISTS bookings_timeslot_idx ON bookings(timeslot_id);
`

// Clientele is the client/booking partition.
type Clientele struct {
	pool *pgxpool.Pool
}

// OpenClientele connects to the clientele database.
func OpenClientele(ctx context.Context, dsn string, logger *zap.Logger) (*Clientele, error) {
	pool, err := connect(ctx, dsn, clienteleSchema, logger)
	if err != nil {
		return nil, fmt.Errorf("clientele store: %w", err)
	}
	return &Clientele{pool: pool}, nil
}

func (c *Clientele) Begin(ctx context.Context, writable bool) (storage.ClienteleTx, error) {
	tx, err := beginTx(ctx, c.pool, writable)
	if err != nil {
		return nil, err
	}
	return &clienteleTx{pgTx{tx}}, nil
}

func (c *Clientele) Close() error {
	c.pool.Close()
	return nil
}

type clienteleTx struct {
	pgTx
}

func scanClient(row pgx.Row) (model.Client, error) {
	var c model.Client
	err := row.Scan(&c.ClientID, &c.Name, &c.Email, &c.Phone)
	return c, err
}

func (t *clienteleTx) GetClient(ctx context.Context, id int64) (model.Client, error) {
	c, err := scanClient(t.tx.QueryRow(ctx, `SELECT client_id, name, email, phone FROM clients WHERE client_id=$1`, id))
	return c, mapErr(err, fmt.Sprintf("client %d", id))
}

func (t *clienteleTx) PutClient(ctx context.Context, c model.Client) error {
	if err := positive("client", c.ClientID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO clients(client_id, name, email, phone) VALUES($1, $2, $3, $4)
		 ON CONFLICT (client_id) DO UPDATE SET name=EXCLUDED.name, email=EXCLUDED.email, phone=EXCLUDED.phone`,
		c.ClientID, c.Name, c.Email, c.Phone,
	)
	if err != nil {
		return mapErr(err, fmt.Sprintf("put client %d", c.ClientID))
	}
	return t.advance(ctx, "clients", "client_id", c.ClientID)
}

func (t *clienteleTx) ListClients(ctx context.Context) ([]model.Client, error) {
	rows, err := t.tx.Query(ctx, `SELECT client_id, name, email, phone FROM clients ORDER BY client_id`)
	if err != nil {
		return nil, mapErr(err, "list clients")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Client, error) {
		return scanClient(row)
	})
	return out, mapErr(err, "list clients")
}

const bookingColumns = `booking_id, timeslot_id, client_id, location, status`

func scanBooking(row pgx.Row) (model.Booking, error) {
	var b model.Booking
	err := row.Scan(&b.BookingID, &b.TimeslotID, &b.ClientID, &b.Location, &b.Status)
	return b, err
}

func (t *clienteleTx) GetBooking(ctx context.Context, id int64) (model.Booking, error) {
	b, err := scanBooking(t.tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE booking_id=$1`, id))
	return b, mapErr(err, fmt.Sprintf("booking %d", id))
}

func (t *clienteleTx) PutBooking(ctx context.Context, b model.Booking) error {
	if err := positive("booking", b.BookingID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO bookings(`+bookingColumns+`) VALUES($1, $2, $3, $4, $5)
		 ON CONFLICT (booking_id) DO UPDATE SET timeslot_id=EXCLUDED.timeslot_id,
		   client_id=EXCLUDED.client_id, location=EXCLUDED.location, status=EXCLUDED.status`,
		b.BookingID, b.TimeslotID, b.ClientID, b.Location, b.Status,
	)
	if err != nil {
		return mapErr(err, fmt.Sprintf("put booking %d", b.BookingID))
	}
	return t.advance(ctx, "bookings", "booking_id", b.BookingID)
}

func (t *clienteleTx) DeleteBooking(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM bookings WHERE booking_id=$1`, id)
	return mapErr(err, fmt.Sprintf("delete booking %d", id))
}

func (t *clienteleTx) ListBookings(ctx context.Context, f storage.BookingFilter) ([]model.Booking, error) {
	var (
		where []string
		args  []any
	)
	if f.ClientID != 0 {
		args = append(args, f.ClientID)
		where = append(where, fmt.Sprintf("client_id=$%d", len(args)))
	}
	if f.TimeslotID != 0 {
		args = append(args, f.TimeslotID)
		where = append(where, fmt.Sprintf("timeslot_id=$%d", len(args)))
	}
	q := `SELECT ` + bookingColumns + ` FROM bookings`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY booking_id`

	rows, err := t.tx.Query(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err, "list bookings")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Booking, error) {
		return scanBooking(row)
	})
	return out, mapErr(err, "list bookings")
}

func (t *clienteleTx) NextBookingID(ctx context.Context) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `SELECT nextval(pg_get_serial_sequence('bookings', 'booking_id'))`).Scan(&id)
	return id, mapErr(err, "allocate booking id")
}

var _ storage.ClienteleStore = (*Clientele)(nil)
