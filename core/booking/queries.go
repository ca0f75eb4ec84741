package booking

import (
	"context"

	"github.com/sushant-115/photobook/core/model"
	"github.com/sushant-115/photobook/core/storage"
)

// Queries read committed partition state without taking coordinator locks.

// ListAvailablePhotographers returns every open timeslot on date together
// with its photographer.
func (s *Service) ListAvailablePhotographers(ctx context.Context, date string) ([]model.AvailableSlot, error) {
	if date == "" {
		return nil, invalid("date is required")
	}
	out := []model.AvailableSlot{}
	err := s.withStudio(ctx, false, func(tx storage.StudioTx) error {
		slots, err := tx.ListTimeslots(ctx, storage.TimeslotFilter{Date: date, Status: model.SlotAvailable})
		if err != nil {
			return err
		}
		if len(slots) == 0 {
			return nil
		}
		photographers, err := tx.ListPhotographers(ctx)
		if err != nil {
			return err
		}
		byID := make(map[int64]model.Photographer, len(photographers))
		for _, p := range photographers {
			byID[p.PhotographerID] = p
		}
		for _, ts := range slots {
			p, ok := byID[ts.PhotographerID]
			if !ok {
				continue
			}
			out = append(out, model.AvailableSlot{
				TimeslotID:     ts.TimeslotID,
				PhotographerID: ts.PhotographerID,
				StartTime:      ts.StartTime,
				EndTime:        ts.EndTime,
				Name:           p.Name,
				Specialty:      p.Specialty,
			})
		}
		return nil
	})
	return out, err
}

func (s *Service) ListBookingsForClient(ctx context.Context, clientID int64) ([]model.Booking, error) {
	var out []model.Booking
	err := s.withClientele(ctx, false, func(tx storage.ClienteleTx) error {
		var err error
		out, err = tx.ListBookings(ctx, storage.BookingFilter{ClientID: clientID})
		return err
	})
	return out, err
}

func (s *Service) ListClients(ctx context.Context) ([]model.Client, error) {
	var out []model.Client
	err := s.withClientele(ctx, false, func(tx storage.ClienteleTx) error {
		var err error
		out, err = tx.ListClients(ctx)
		return err
	})
	return out, err
}

func (s *Service) ListPhotographers(ctx context.Context) ([]model.Photographer, error) {
	var out []model.Photographer
	err := s.withStudio(ctx, false, func(tx storage.StudioTx) error {
		var err error
		out, err = tx.ListPhotographers(ctx)
		return err
	})
	return out, err
}

// ListAvailableTimeslots returns a photographer's open timeslots.
func (s *Service) ListAvailableTimeslots(ctx context.Context, photographerID int64) ([]model.Timeslot, error) {
	var out []model.Timeslot
	err := s.withStudio(ctx, false, func(tx storage.StudioTx) error {
		var err error
		out, err = tx.ListTimeslots(ctx, storage.TimeslotFilter{PhotographerID: photographerID, Status: model.SlotAvailable})
		return err
	})
	return out, err
}

// GetTimeslotDetails returns a timeslot with its photographer's profile. A
// missing timeslot or photographer yields txerrors.ErrRecordNotFound.
func (s *Service) GetTimeslotDetails(ctx context.Context, timeslotID int64) (model.TimeslotDetails, error) {
	var d model.TimeslotDetails
	err := s.withStudio(ctx, false, func(tx storage.StudioTx) error {
		ts, err := tx.GetTimeslot(ctx, timeslotID)
		if err != nil {
			return err
		}
		p, err := tx.GetPhotographer(ctx, ts.PhotographerID)
		if err != nil {
			return err
		}
		d = model.TimeslotDetails{
			TimeslotID:       ts.TimeslotID,
			PhotographerID:   ts.PhotographerID,
			PhotographerName: p.Name,
			Specialty:        p.Specialty,
			AvailableDate:    ts.AvailableDate,
			StartTime:        ts.StartTime,
			EndTime:          ts.EndTime,
			Status:           ts.Status,
		}
		return nil
	})
	return d, err
}
