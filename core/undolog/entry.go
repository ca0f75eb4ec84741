package undolog

import (
	"encoding/json"
	"fmt"

	"github.com/sushant-115/photobook/core/model"
)

// Image is a typed before-image. The set of variants is closed: one per
// entity kind a workflow can mutate. Adding an entity means adding a variant
// here and teaching decodeImage about its table.
type Image interface {
	// Table names the table the image belongs to.
	Table() string
	// Key is the primary key carried inside the image.
	Key() int64
	isImage()
}

// TimeslotImage captures a full timeslot row.
type TimeslotImage struct {
	model.Timeslot
}

func (TimeslotImage) Table() string { return model.TableTimeslots }
func (i TimeslotImage) Key() int64  { return i.TimeslotID }
func (TimeslotImage) isImage()      {}

// BookingImage captures a full booking row.
type BookingImage struct {
	model.Booking
}

func (BookingImage) Table() string { return model.TableBookings }
func (i BookingImage) Key() int64  { return i.BookingID }
func (BookingImage) isImage()      {}

// Entry is one undo record.
//
// When RecordID is set, Image is the row as it was before the transaction
// touched it; replay overwrites the row or reinserts it if it was deleted.
// When RecordID is nil the transaction inserted the row described by Image,
// and replay removes it again.
type Entry struct {
	Table    string
	RecordID *int64
	Image    Image
}

// ForUpdate builds an entry for a row that existed before the mutation
// (update or delete).
func ForUpdate(img Image) Entry {
	id := img.Key()
	return Entry{Table: img.Table(), RecordID: &id, Image: img}
}

// ForInsert builds an entry for a row the transaction is about to create.
// img must already carry the key the row will be stored under.
func ForInsert(img Image) Entry {
	return Entry{Table: img.Table(), Image: img}
}

// IsInsert reports whether the entry compensates an insert.
func (e Entry) IsInsert() bool {
	return e.RecordID == nil
}

type wireEntry struct {
	Table    string          `json:"table"`
	RecordID *int64          `json:"record_id"`
	Data     json.RawMessage `json:"data"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	if e.Image == nil {
		return nil, fmt.Errorf("undo entry for table %q has no image", e.Table)
	}
	data, err := json.Marshal(e.Image)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEntry{Table: e.Table, RecordID: e.RecordID, Data: data})
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	var w wireEntry
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	img, err := decodeImage(w.Table, w.Data)
	if err != nil {
		return err
	}
	*e = Entry{Table: w.Table, RecordID: w.RecordID, Image: img}
	return nil
}

func decodeImage(table string, data json.RawMessage) (Image, error) {
	switch table {
	case model.TableTimeslots:
		var img TimeslotImage
		if err := json.Unmarshal(data, &img); err != nil {
			return nil, fmt.Errorf("decode %s image: %w", table, err)
		}
		return img, nil
	case model.TableBookings:
		var img BookingImage
		if err := json.Unmarshal(data, &img); err != nil {
			return nil, fmt.Errorf("decode %s image: %w", table, err)
		}
		return img, nil
	default:
		return nil, fmt.Errorf("unknown undo table %q", table)
	}
}
