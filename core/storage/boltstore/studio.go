package boltstore

import (
	"context"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/sushant-115/photobook/core/model"
	"github.com/sushant-115/photobook/core/storage"
)

// Studio is the photographer/timeslot partition.
type Studio struct {
	db *bolt.DB
}

// OpenStudio opens the studio partition file at path.
func OpenStudio(path string, logger *zap.Logger) (*Studio, error) {
	db, err := openDB(path, [][]byte{bucketPhotographers, bucketTimeslots}, logger)
	if err != nil {
		return nil, err
	}
	return &Studio{db: db}, nil
}

func (s *Studio) Begin(ctx context.Context, writable bool) (storage.StudioTx, error) {
	tx, err := beginTx(ctx, s.db, writable)
	if err != nil {
		return nil, err
	}
	return &studioTx{boltTx{tx}}, nil
}

func (s *Studio) Close() error { return s.db.Close() }

type studioTx struct {
	boltTx
}

func (t *studioTx) photographers() *bolt.Bucket { return t.tx.Bucket(bucketPhotographers) }
func (t *studioTx) timeslots() *bolt.Bucket     { return t.tx.Bucket(bucketTimeslots) }

func (t *studioTx) GetPhotographer(ctx context.Context, id int64) (model.Photographer, error) {
	return getRow[model.Photographer](t.photographers(), "photographer", id)
}

func (t *studioTx) PutPhotographer(ctx context.Context, p model.Photographer) error {
	return putRow(t.photographers(), "photographer", p.PhotographerID, p)
}

func (t *studioTx) ListPhotographers(ctx context.Context) ([]model.Photographer, error) {
	return listRows[model.Photographer](t.photographers(), "photographer", nil)
}

func (t *studioTx) GetTimeslot(ctx context.Context, id int64) (model.Timeslot, error) {
	return getRow[model.Timeslot](t.timeslots(), "timeslot", id)
}

func (t *studioTx) PutTimeslot(ctx context.Context, ts model.Timeslot) error {
	return putRow(t.timeslots(), "timeslot", ts.TimeslotID, ts)
}

func (t *studioTx) DeleteTimeslot(ctx context.Context, id int64) error {
	return deleteRow(t.timeslots(), "timeslot", id)
}

func (t *studioTx) ListTimeslots(ctx context.Context, f storage.TimeslotFilter) ([]model.Timeslot, error) {
	return listRows(t.timeslots(), "timeslot", func(ts model.Timeslot) bool {
		return (f.PhotographerID == 0 || ts.PhotographerID == f.PhotographerID) &&
			(f.Date == "" || ts.AvailableDate == f.Date) &&
			(f.Status == "" || ts.Status == f.Status)
	})
}

func (t *studioTx) NextTimeslotID(ctx context.Context) (int64, error) {
	return nextID(t.timeslots(), "timeslot")
}

var _ storage.StudioStore = (*Studio)(nil)
