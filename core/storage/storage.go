// Package storage defines the two partition stores the booking workflows
// write to. The studio partition holds photographers and timeslots; the
// clientele partition holds clients and bookings. Each store is reached
// through its own connection and offers its own local transactions; nothing
// spans both.
package storage

import (
	"context"

	"github.com/sushant-115/photobook/core/model"
)

// TimeslotFilter narrows ListTimeslots. Zero fields match everything.
type TimeslotFilter struct {
	PhotographerID int64
	Date           string
	Status         string
}

// BookingFilter narrows ListBookings. Zero fields match everything.
type BookingFilter struct {
	ClientID   int64
	TimeslotID int64
}

// StudioStore is the photographer/timeslot partition.
type StudioStore interface {
	// Begin opens a local transaction. Read-only transactions may run
	// concurrently with each other; writable ones are serialised by the store.
	Begin(ctx context.Context, writable bool) (StudioTx, error)
	Close() error
}

// StudioTx is a unit of work on the studio partition. Lookups of missing
// rows fail with txerrors.ErrRecordNotFound. Rollback after Commit is a no-op.
type StudioTx interface {
	GetPhotographer(ctx context.Context, id int64) (model.Photographer, error)
	PutPhotographer(ctx context.Context, p model.Photographer) error
	ListPhotographers(ctx context.Context) ([]model.Photographer, error)

	GetTimeslot(ctx context.Context, id int64) (model.Timeslot, error)
	// PutTimeslot inserts or overwrites the row keyed by TimeslotID.
	PutTimeslot(ctx context.Context, ts model.Timeslot) error
	// DeleteTimeslot removes the row; a missing row is not an error.
	DeleteTimeslot(ctx context.Context, id int64) error
	ListTimeslots(ctx context.Context, f TimeslotFilter) ([]model.Timeslot, error)
	// NextTimeslotID reserves a fresh key for an insert.
	NextTimeslotID(ctx context.Context) (int64, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ClienteleStore is the client/booking partition.
type ClienteleStore interface {
	Begin(ctx context.Context, writable bool) (ClienteleTx, error)
	Close() error
}

// ClienteleTx is a unit of work on the clientele partition, with the same
// conventions as StudioTx.
type ClienteleTx interface {
	GetClient(ctx context.Context, id int64) (model.Client, error)
	PutClient(ctx context.Context, c model.Client) error
	ListClients(ctx context.Context) ([]model.Client, error)

	GetBooking(ctx context.Context, id int64) (model.Booking, error)
	PutBooking(ctx context.Context, b model.Booking) error
	DeleteBooking(ctx context.Context, id int64) error
	ListBookings(ctx context.Context, f BookingFilter) ([]model.Booking, error)
	NextBookingID(ctx context.Context) (int64, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Stores bundles both partitions.
type Stores struct {
	Studio    StudioStore
	Clientele ClienteleStore
}

// Close closes both partitions, returning the first error.
func (s Stores) Close() error {
	var first error
	if s.Studio != nil {
		first = s.Studio.Close()
	}
	if s.Clientele != nil {
		if err := s.Clientele.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
