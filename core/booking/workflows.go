package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/photobook/core/model"
	"github.com/sushant-115/photobook/core/storage"
	"github.com/sushant-115/photobook/core/transaction"
	"github.com/sushant-115/photobook/core/txerrors"
	"github.com/sushant-115/photobook/core/undolog"
	"github.com/sushant-115/photobook/internal/events"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"
)

// ScheduleRequest asks for a booking of an open timeslot.
type ScheduleRequest struct {
	TimeslotID int64  `json:"TimeslotID"`
	ClientID   int64  `json:"ClientID"`
	Location   string `json:"Location"`
}

// AvailabilityRequest describes a new timeslot. Date is YYYY-MM-DD, times
// are HH:MM:SS.
type AvailabilityRequest struct {
	AvailableDate string `json:"AvailableDate"`
	StartTime     string `json:"StartTime"`
	EndTime       string `json:"EndTime"`
}

// UpdateRequest changes a booking. Nil fields are left alone.
type UpdateRequest struct {
	Location *string `json:"Location,omitempty"`
	Status   *string `json:"Status,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, txerrors.ErrInvalidRequest)...)
}

// ScheduleBooking books an available timeslot for a client. The timeslot is
// marked Booked in the studio partition first, then the booking is inserted
// in the clientele partition.
func (s *Service) ScheduleBooking(ctx context.Context, tid transaction.TxnID, req ScheduleRequest) (model.Booking, error) {
	if req.TimeslotID <= 0 || req.ClientID <= 0 {
		return model.Booking{}, invalid("TimeslotID and ClientID are required")
	}

	var booking model.Booking
	err := s.run(ctx, tid, "schedule", func(ctx context.Context) error {
		if err := s.lock(ctx, tid, model.TimeslotResource(req.TimeslotID)); err != nil {
			return err
		}

		if err := s.withClientele(ctx, false, func(tx storage.ClienteleTx) error {
			_, err := tx.GetClient(ctx, req.ClientID)
			return err
		}); err != nil {
			return err
		}

		err := s.withStudio(ctx, true, func(tx storage.StudioTx) error {
			ts, err := tx.GetTimeslot(ctx, req.TimeslotID)
			if err != nil {
				return err
			}
			if ts.Status != model.SlotAvailable {
				return fmt.Errorf("timeslot %d is %s: %w", ts.TimeslotID, ts.Status, txerrors.ErrSlotUnavailable)
			}
			if err := s.coord.LogBeforeImage(ctx, tid, undolog.ForUpdate(undolog.TimeslotImage{Timeslot: ts})); err != nil {
				return err
			}
			ts.Status = model.SlotBooked
			return tx.PutTimeslot(ctx, ts)
		})
		if err != nil {
			return err
		}

		return s.withClientele(ctx, true, func(tx storage.ClienteleTx) error {
			id, err := tx.NextBookingID(ctx)
			if err != nil {
				return err
			}
			booking = model.Booking{
				BookingID:  id,
				TimeslotID: req.TimeslotID,
				ClientID:   req.ClientID,
				Location:   req.Location,
				Status:     model.BookingScheduled,
			}
			if err := s.coord.LogBeforeImage(ctx, tid, undolog.ForInsert(undolog.BookingImage{Booking: booking})); err != nil {
				return err
			}
			return tx.PutBooking(ctx, booking)
		})
	})
	if err != nil {
		return model.Booking{}, err
	}

	s.logger.Info("Booking scheduled",
		zap.String("txnID", string(tid)),
		zap.Int64("bookingID", booking.BookingID),
		zap.Int64("timeslotID", booking.TimeslotID),
	)
	s.publish(ctx, events.Event{Kind: events.BookingScheduled, TransactionID: string(tid), Key: model.TimeslotResource(booking.TimeslotID), Payload: booking})
	return booking, nil
}

// CancelBooking deletes a booking and reopens its timeslot. Both the booking
// and the timeslot are locked before either partition is written.
func (s *Service) CancelBooking(ctx context.Context, tid transaction.TxnID, bookingID int64) error {
	if bookingID <= 0 {
		return invalid("booking id must be positive")
	}

	var cancelled model.Booking
	err := s.run(ctx, tid, "cancel", func(ctx context.Context) error {
		if err := s.lock(ctx, tid, model.BookingResource(bookingID)); err != nil {
			return err
		}

		if err := s.withClientele(ctx, false, func(tx storage.ClienteleTx) error {
			b, err := tx.GetBooking(ctx, bookingID)
			cancelled = b
			return err
		}); err != nil {
			return err
		}
		if err := s.lock(ctx, tid, model.TimeslotResource(cancelled.TimeslotID)); err != nil {
			return err
		}

		err := s.withClientele(ctx, true, func(tx storage.ClienteleTx) error {
			b, err := tx.GetBooking(ctx, bookingID)
			if err != nil {
				return err
			}
			if err := s.coord.LogBeforeImage(ctx, tid, undolog.ForUpdate(undolog.BookingImage{Booking: b})); err != nil {
				return err
			}
			return tx.DeleteBooking(ctx, bookingID)
		})
		if err != nil {
			return err
		}

		return s.withStudio(ctx, true, func(tx storage.StudioTx) error {
			ts, err := tx.GetTimeslot(ctx, cancelled.TimeslotID)
			if errors.Is(err, txerrors.ErrRecordNotFound) {
				s.logger.Warn("Cancelled booking referenced a missing timeslot",
					zap.Int64("bookingID", bookingID), zap.Int64("timeslotID", cancelled.TimeslotID))
				return nil
			}
			if err != nil {
				return err
			}
			if err := s.coord.LogBeforeImage(ctx, tid, undolog.ForUpdate(undolog.TimeslotImage{Timeslot: ts})); err != nil {
				return err
			}
			ts.Status = model.SlotAvailable
			return tx.PutTimeslot(ctx, ts)
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info("Booking cancelled", zap.String("txnID", string(tid)), zap.Int64("bookingID", bookingID))
	s.publish(ctx, events.Event{Kind: events.BookingCancelled, TransactionID: string(tid), Key: model.TimeslotResource(cancelled.TimeslotID), Payload: cancelled})
	return nil
}

// CreateAvailability adds a new Available timeslot for a photographer.
// Concurrent availability changes for one photographer serialise on the
// photographer lock.
func (s *Service) CreateAvailability(ctx context.Context, tid transaction.TxnID, photographerID int64, req AvailabilityRequest) (model.Timeslot, error) {
	if photographerID <= 0 {
		return model.Timeslot{}, invalid("PhotographerID is required")
	}
	if err := req.validate(); err != nil {
		return model.Timeslot{}, err
	}

	var created model.Timeslot
	err := s.run(ctx, tid, "availability", func(ctx context.Context) error {
		if err := s.lock(ctx, tid, model.PhotographerResource(photographerID)); err != nil {
			return err
		}
		return s.withStudio(ctx, true, func(tx storage.StudioTx) error {
			if _, err := tx.GetPhotographer(ctx, photographerID); err != nil {
				return err
			}
			id, err := tx.NextTimeslotID(ctx)
			if err != nil {
				return err
			}
			created = model.Timeslot{
				TimeslotID:     id,
				PhotographerID: photographerID,
				AvailableDate:  req.AvailableDate,
				StartTime:      req.StartTime,
				EndTime:        req.EndTime,
				Status:         model.SlotAvailable,
			}
			if err := s.coord.LogBeforeImage(ctx, tid, undolog.ForInsert(undolog.TimeslotImage{Timeslot: created})); err != nil {
				return err
			}
			return tx.PutTimeslot(ctx, created)
		})
	})
	if err != nil {
		return model.Timeslot{}, err
	}

	s.logger.Info("Availability created",
		zap.String("txnID", string(tid)),
		zap.Int64("photographerID", photographerID),
		zap.Int64("timeslotID", created.TimeslotID),
	)
	s.publish(ctx, events.Event{Kind: events.AvailabilityCreated, TransactionID: string(tid), Key: model.PhotographerResource(photographerID), Payload: created})
	return created, nil
}

func (r AvailabilityRequest) validate() error {
	if _, err := time.Parse(dateLayout, r.AvailableDate); err != nil {
		return invalid("AvailableDate %q is not YYYY-MM-DD", r.AvailableDate)
	}
	start, err := time.Parse(timeLayout, r.StartTime)
	if err != nil {
		return invalid("StartTime %q is not HH:MM:SS", r.StartTime)
	}
	end, err := time.Parse(timeLayout, r.EndTime)
	if err != nil {
		return invalid("EndTime %q is not HH:MM:SS", r.EndTime)
	}
	if !end.After(start) {
		return invalid("EndTime %s must be after StartTime %s", r.EndTime, r.StartTime)
	}
	return nil
}

// UpdateBooking changes a booking's location and/or status.
func (s *Service) UpdateBooking(ctx context.Context, tid transaction.TxnID, bookingID int64, req UpdateRequest) (model.Booking, error) {
	if bookingID <= 0 {
		return model.Booking{}, invalid("booking id must be positive")
	}
	if req.Location == nil && req.Status == nil {
		return model.Booking{}, invalid("nothing to update")
	}
	if req.Status != nil {
		switch *req.Status {
		case model.BookingScheduled, model.BookingCompleted, model.BookingCancelled:
		default:
			return model.Booking{}, invalid("unknown booking status %q (want one of %s)", *req.Status,
				strings.Join([]string{model.BookingScheduled, model.BookingCompleted, model.BookingCancelled}, ", "))
		}
	}

	var updated model.Booking
	err := s.run(ctx, tid, "update", func(ctx context.Context) error {
		if err := s.lock(ctx, tid, model.BookingResource(bookingID)); err != nil {
			return err
		}
		return s.withClientele(ctx, true, func(tx storage.ClienteleTx) error {
			b, err := tx.GetBooking(ctx, bookingID)
			if err != nil {
				return err
			}
			if err := s.coord.LogBeforeImage(ctx, tid, undolog.ForUpdate(undolog.BookingImage{Booking: b})); err != nil {
				return err
			}
			if req.Location != nil {
				b.Location = *req.Location
			}
			if req.Status != nil {
				b.Status = *req.Status
			}
			updated = b
			return tx.PutBooking(ctx, b)
		})
	})
	if err != nil {
		return model.Booking{}, err
	}

	s.logger.Info("Booking updated", zap.String("txnID", string(tid)), zap.Int64("bookingID", bookingID))
	s.publish(ctx, events.Event{Kind: events.BookingUpdated, TransactionID: string(tid), Key: model.BookingResource(bookingID), Payload: updated})
	return updated, nil
}
