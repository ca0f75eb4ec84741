// Package model defines the booking entities persisted in the two partitions.
//
// The studio partition owns photographers and timeslots; the clientele
// partition owns clients and bookings. Field names follow the column names of
// the booking schema so that JSON payloads stay compatible with existing clients.
package model

import "fmt"

// Table names as they appear in undo log entries.
const (
	TableTimeslots = "Timeslots"
	TableBookings  = "Bookings"
)

// Timeslot statuses.
const (
	SlotAvailable = "Available"
	SlotBooked    = "Booked"
)

// Booking statuses.
const (
	BookingScheduled = "Scheduled"
	BookingCompleted = "Completed"
	BookingCancelled = "Cancelled"
)

type Photographer struct {
	PhotographerID int64  `json:"PhotographerID" yaml:"id"`
	Name           string `json:"Name" yaml:"name"`
	Specialty      string `json:"Specialty" yaml:"specialty"`
}

// Timeslot is a bookable window of a photographer's time. AvailableDate is
// YYYY-MM-DD, StartTime and EndTime are HH:MM:SS.
type Timeslot struct {
	TimeslotID     int64  `json:"TimeslotID" yaml:"id"`
	PhotographerID int64  `json:"PhotographerID" yaml:"photographer_id"`
	AvailableDate  string `json:"AvailableDate" yaml:"date"`
	StartTime      string `json:"StartTime" yaml:"start"`
	EndTime        string `json:"EndTime" yaml:"end"`
	Status         string `json:"Status" yaml:"status"`
}

type Client struct {
	ClientID int64  `json:"ClientID" yaml:"id"`
	Name     string `json:"Name" yaml:"name"`
	Email    string `json:"Email" yaml:"email"`
	Phone    string `json:"Phone" yaml:"phone"`
}

type Booking struct {
	BookingID  int64  `json:"BookingID"`
	TimeslotID int64  `json:"TimeslotID"`
	ClientID   int64  `json:"ClientID"`
	Location   string `json:"Location"`
	Status     string `json:"Status"`
}

// AvailableSlot joins an open timeslot with its photographer.
type AvailableSlot struct {
	TimeslotID     int64  `json:"TimeslotID"`
	PhotographerID int64  `json:"PhotographerID"`
	StartTime      string `json:"StartTime"`
	EndTime        string `json:"EndTime"`
	Name           string `json:"Name"`
	Specialty      string `json:"Specialty"`
}

// TimeslotDetails is a timeslot enriched with the photographer's profile.
type TimeslotDetails struct {
	TimeslotID       int64  `json:"TimeslotID"`
	PhotographerID   int64  `json:"PhotographerID"`
	PhotographerName string `json:"PhotographerName"`
	Specialty        string `json:"Specialty"`
	AvailableDate    string `json:"AvailableDate"`
	StartTime        string `json:"StartTime"`
	EndTime          string `json:"EndTime"`
	Status           string `json:"Status"`
}

// Lock resource names. Every workflow locks through these so two workflows
// touching the same record always contend on the same key.

func TimeslotResource(id int64) string     { return fmt.Sprintf("Timeslot_%d", id) }
func BookingResource(id int64) string      { return fmt.Sprintf("Booking_%d", id) }
func PhotographerResource(id int64) string { return fmt.Sprintf("Photographer_%d", id) }
