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

const studioSchema = `
CREATE TABLE IF NOT EXISTS photographers (
	photographer_id BIGSERIAL PRIMARY KEY,
	name            TEXT NOT NULL,
	specialty       TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS timeslots (
	timeslot_id     BIGSERIAL PRIMARY KEY,
	photographer_id BIGINT NOT NULL REFERENCES photographers(photographer_id),
	available_date  TEXT NOT NULL,
	start_time      TEXT NOT NULL,
	end_time        TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'Available'
);
CREATE INDEX IF NOT EXISTS timeslots_photographer_idx ON timeslots(photographer_id);
CREATE INDEX IF NOT EXISTS timeslots_date_idx ON timeslots(available_date);
`

// Studio is the photographer/timeslot partition.
type Studio struct {
	pool *pgxpool.Pool
}

// OpenStudio connects to the studio database.
func OpenStudio(ctx context.Context, dsn string, logger *zap.Logger) (*Studio, error) {
	pool, err := connect(ctx, dsn, studioSchema, logger)
	if err != nil {
		return nil, fmt.Errorf("studio store: %w", err)
	}
	return &Studio{pool: pool}, nil
}

func (s *Studio) Begin(ctx context.Context, writable bool) (storage.StudioTx, error) {
	tx, err := beginTx(ctx, s.pool, writable)
	if err != nil {
		return nil, err
	}
	return &studioTx{pgTx{tx}}, nil
}

func (s *Studio) Close() error {
	s.pool.Close()
	return nil
}

type studioTx struct {
	pgTx
}

func (t *studioTx) GetPhotographer(ctx context.Context, id int64) (model.Photographer, error) {
	var p model.Photographer
	err := t.tx.QueryRow(ctx,
		`SELECT photographer_id, name, specialty FROM photographers WHERE photographer_id=$1`, id,
	).Scan(&p.PhotographerID, &p.Name, &p.Specialty)
	return p, mapErr(err, fmt.Sprintf("photographer %d", id))
}

func (t *studioTx) PutPhotographer(ctx context.Context, p model.Photographer) error {
	if err := positive("photographer", p.PhotographerID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO photographers(photographer_id, name, specialty) VALUES($1, $2, $3)
		 ON CONFLICT (photographer_id) DO UPDATE SET name=EXCLUDED.name, specialty=EXCLUDED.specialty`,
		p.PhotographerID, p.Name, p.Specialty,
	)
	if err != nil {
		return mapErr(err, fmt.Sprintf("put photographer %d", p.PhotographerID))
	}
	return t.advance(ctx, "photographers", "photographer_id", p.PhotographerID)
}

func (t *studioTx) ListPhotographers(ctx context.Context) ([]model.Photographer, error) {
	rows, err := t.tx.Query(ctx, `SELECT photographer_id, name, specialty FROM photographers ORDER BY photographer_id`)
	if err != nil {
		return nil, mapErr(err, "list photographers")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Photographer, error) {
		var p model.Photographer
		err := row.Scan(&p.PhotographerID, &p.Name, &p.Specialty)
		return p, err
	})
	return out, mapErr(err, "list photographers")
}

const timeslotColumns = `timeslot_id, photographer_id, available_date, start_time, end_time, status`

func scanTimeslot(row pgx.Row) (model.Timeslot, error) {
	var ts model.Timeslot
	err := row.Scan(&ts.TimeslotID, &ts.PhotographerID, &ts.AvailableDate, &ts.StartTime, &ts.EndTime, &ts.Status)
	return ts, err
}

func (t *studioTx) GetTimeslot(ctx context.Context, id int64) (model.Timeslot, error) {
	ts, err := scanTimeslot(t.tx.QueryRow(ctx, `SELECT `+timeslotColumns+` FROM timeslots WHERE timeslot_id=$1`, id))
	return ts, mapErr(err, fmt.Sprintf("timeslot %d", id))
}

func (t *studioTx) PutTimeslot(ctx context.Context, ts model.Timeslot) error {
	if err := positive("timeslot", ts.TimeslotID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO timeslots(`+timeslotColumns+`) VALUES($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (timeslot_id) DO UPDATE SET photographer_id=EXCLUDED.photographer_id,
		   available_date=EXCLUDED.available_date, start_time=EXCLUDED.start_time,
		   end_time=EXCLUDED.end_time, status=EXCLUDED.status`,
		ts.TimeslotID, ts.PhotographerID, ts.AvailableDate, ts.StartTime, ts.EndTime, ts.Status,
	)
	if err != nil {
		return mapErr(err, fmt.Sprintf("put timeslot %d", ts.TimeslotID))
	}
	return t.advance(ctx, "timeslots", "timeslot_id", ts.TimeslotID)
}

func (t *studioTx) DeleteTimeslot(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM timeslots WHERE timeslot_id=$1`, id)
	return mapErr(err, fmt.Sprintf("delete timeslot %d", id))
}

func (t *studioTx) ListTimeslots(ctx context.Context, f storage.TimeslotFilter) ([]model.Timeslot, error) {
	var (
		where []string
		args  []any
	)
	if f.PhotographerID != 0 {
		args = append(args, f.PhotographerID)
		where = append(where, fmt.Sprintf("photographer_id=$%d", len(args)))
	}
	if f.Date != "" {
		args = append(args, f.Date)
		where = append(where, fmt.Sprintf("available_date=$%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	q := `SELECT ` + timeslotColumns + ` FROM timeslots`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY timeslot_id`

	rows, err := t.tx.Query(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err, "list timeslots")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Timeslot, error) {
		return scanTimeslot(row)
	})
	return out, mapErr(err, "list timeslots")
}

func (t *studioTx) NextTimeslotID(ctx context.Context) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `SELECT nextval(pg_get_serial_sequence('timeslots', 'timeslot_id'))`).Scan(&id)
	return id, mapErr(err, "allocate timeslot id")
}

var _ storage.StudioStore = (*Studio)(nil)
