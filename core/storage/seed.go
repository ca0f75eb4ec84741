package storage

import (
	"context"
	"fmt"

	"github.com/sushant-115/photobook/core/model"
)

// Seed is reference data loaded at startup. Rows are upserted by id, so
// seeding an already seeded store changes nothing.
type Seed struct {
	Photographers []model.Photographer `yaml:"photographers"`
	Timeslots     []model.Timeslot     `yaml:"timeslots"`
	Clients       []model.Client       `yaml:"clients"`
}

// Empty reports whether there is nothing to load.
func (s Seed) Empty() bool {
	return len(s.Photographers) == 0 && len(s.Timeslots) == 0 && len(s.Clients) == 0
}

// Apply loads the seed into both partitions, each in one local transaction.
func (s Seed) Apply(ctx context.Context, stores Stores) error {
	if len(s.Photographers) > 0 || len(s.Timeslots) > 0 {
		tx, err := stores.Studio.Begin(ctx, true)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)
		for _, p := range s.Photographers {
			if err := tx.PutPhotographer(ctx, p); err != nil {
				return fmt.Errorf("seed photographer %d: %w", p.PhotographerID, err)
			}
		}
		for _, ts := range s.Timeslots {
			if ts.Status == "" {
				ts.Status = model.SlotAvailable
			}
			if _, err := tx.GetPhotographer(ctx, ts.PhotographerID); err != nil {
				return fmt.Errorf("seed timeslot %d: photographer %d: %w", ts.TimeslotID, ts.PhotographerID, err)
			}
			if err := tx.PutTimeslot(ctx, ts); err != nil {
				return fmt.Errorf("seed timeslot %d: %w", ts.TimeslotID, err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}

	if len(s.Clients) > 0 {
		tx, err := stores.Clientele.Begin(ctx, true)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)
		for _, c := range s.Clients {
			if err := tx.PutClient(ctx, c); err != nil {
				return fmt.Errorf("seed client %d: %w", c.ClientID, err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}
