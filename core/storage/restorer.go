package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/photobook/core/undolog"
)

// UndoApplier writes undo entries back into the partitions. Entries for the
// studio partition are applied in one local transaction, then entries for the
// clientele partition in another, always in that order. Within a partition
// the given order is kept, so several images of one record end with the
// oldest.
type UndoApplier struct {
	stores Stores
	logger *zap.Logger
}

// NewUndoApplier returns a restorer over both partitions.
func NewUndoApplier(stores Stores, logger *zap.Logger) *UndoApplier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UndoApplier{stores: stores, logger: logger.Named("restorer")}
}

// Restore applies entries. Replaying the same entries twice leaves the same
// state, so a failed restore may simply be retried.
func (a *UndoApplier) Restore(ctx context.Context, entries []undolog.Entry) error {
	var studio, clientele []undolog.Entry
	for _, e := range entries {
		switch e.Image.(type) {
		case undolog.TimeslotImage:
			studio = append(studio, e)
		case undolog.BookingImage:
			clientele = append(clientele, e)
		default:
			return fmt.Errorf("restore: no partition for table %q", e.Table)
		}
	}

	if len(studio) > 0 {
		if err := a.restoreStudio(ctx, studio); err != nil {
			return err
		}
	}
	if len(clientele) > 0 {
		if err := a.restoreClientele(ctx, clientele); err != nil {
			return err
		}
	}
	return nil
}

func (a *UndoApplier) restoreStudio(ctx context.Context, entries []undolog.Entry) error {
	tx, err := a.stores.Studio.Begin(ctx, true)
	if err != nil {
		return fmt.Errorf("restore studio: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range entries {
		img := e.Image.(undolog.TimeslotImage)
		if e.IsInsert() {
			err = tx.DeleteTimeslot(ctx, img.TimeslotID)
		} else {
			err = tx.PutTimeslot(ctx, img.Timeslot)
		}
		if err != nil {
			return fmt.Errorf("restore timeslot %d: %w", img.TimeslotID, err)
		}
		a.logger.Debug("Timeslot restored", zap.Int64("timeslotID", img.TimeslotID), zap.Bool("removed", e.IsInsert()))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("restore studio commit: %w", err)
	}
	return nil
}

func (a *UndoApplier) restoreClientele(ctx context.Context, entries []undolog.Entry) error {
	tx, err := a.stores.Clientele.Begin(ctx, true)
	if err != nil {
		return fmt.Errorf("restore clientele: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range entries {
		img := e.Image.(undolog.BookingImage)
		if e.IsInsert() {
			err = tx.DeleteBooking(ctx, img.BookingID)
		} else {
			err = tx.PutBooking(ctx, img.Booking)
		}
		if err != nil {
			return fmt.Errorf("restore booking %d: %w", img.BookingID, err)
		}
		a.logger.Debug("Booking restored", zap.Int64("bookingID", img.BookingID), zap.Bool("removed", e.IsInsert()))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("restore clientele commit: %w", err)
	}
	return nil
}
