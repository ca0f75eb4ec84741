package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/sushant-115/photobook/core/booking"
	"github.com/sushant-115/photobook/core/transaction"
	"github.com/sushant-115/photobook/core/txerrors"
)

type errorBody struct {
	Error        string `json:"error"`
	Inconsistent bool   `json:"inconsistent,omitempty"`
}

type mutationBody struct {
	Message       string `json:"message"`
	TransactionID string `json:"TransactionID"`
	Result        any    `json:"result,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps a workflow error to an HTTP status. A failed rollback wins
// over whatever caused it, since it is the one an operator must act on.
func statusFor(err error) (int, bool) {
	switch {
	case errors.Is(err, txerrors.ErrRollbackFailed):
		return http.StatusInternalServerError, true
	case errors.Is(err, txerrors.ErrInvalidRequest), errors.Is(err, txerrors.ErrInvalidTxnID):
		return http.StatusBadRequest, false
	case errors.Is(err, txerrors.ErrRecordNotFound), errors.Is(err, txerrors.ErrTxnNotFound):
		return http.StatusNotFound, false
	case errors.Is(err, txerrors.ErrLockDenied),
		errors.Is(err, txerrors.ErrDeadlockAborted),
		errors.Is(err, txerrors.ErrTxnAlreadyExists),
		errors.Is(err, txerrors.ErrTxnInvalidState),
		errors.Is(err, txerrors.ErrSlotUnavailable):
		return http.StatusConflict, false
	default:
		return http.StatusInternalServerError, false
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, inconsistent := statusFor(err)
	fields := []zap.Field{zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err)}
	switch {
	case inconsistent:
		s.logger.Error("Rollback failed, records remain locked", fields...)
	case status >= http.StatusInternalServerError:
		s.logger.Error("Request failed", fields...)
	default:
		s.logger.Info("Request rejected", fields...)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Inconsistent: inconsistent})
}

func (s *Server) badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf(format, args...)})
}

func (s *Server) txnID(supplied string) transaction.TxnID {
	if supplied != "" {
		return transaction.TxnID(supplied)
	}
	return transaction.TxnID(s.newID())
}

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "Server is running"})
}

func (s *Server) handleScheduleBooking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionID string `json:"TransactionID"`
		booking.ScheduleRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "Invalid request body: %v", err)
		return
	}
	tid := s.txnID(req.TransactionID)
	s.logger.Info("Booking requested", zap.String("txnID", string(tid)), zap.Int64("timeslotID", req.TimeslotID), zap.Int64("clientID", req.ClientID))

	b, err := s.svc.ScheduleBooking(r.Context(), tid, req.ScheduleRequest)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mutationBody{
		Message:       fmt.Sprintf("Booking created successfully with ID %d", b.BookingID),
		TransactionID: string(tid),
		Result:        b,
	})
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	tid := s.txnID(r.URL.Query().Get("TransactionID"))
	if err := s.svc.CancelBooking(r.Context(), tid, id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationBody{
		Message:       fmt.Sprintf("Booking %d cancelled", id),
		TransactionID: string(tid),
	})
}

func (s *Server) handleUpdateBooking(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	var req struct {
		TransactionID string `json:"TransactionID"`
		booking.UpdateRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "Invalid request body: %v", err)
		return
	}
	tid := s.txnID(req.TransactionID)
	b, err := s.svc.UpdateBooking(r.Context(), tid, id, req.UpdateRequest)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationBody{
		Message:       fmt.Sprintf("Booking %d updated", id),
		TransactionID: string(tid),
		Result:        b,
	})
}

func (s *Server) handleCreateAvailability(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionID  string `json:"TransactionID"`
		PhotographerID int64  `json:"PhotographerID"`
		booking.AvailabilityRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "Invalid request body: %v", err)
		return
	}
	if req.PhotographerID <= 0 {
		s.badRequest(w, "Missing required field: 'PhotographerID'")
		return
	}
	tid := s.txnID(req.TransactionID)
	ts, err := s.svc.CreateAvailability(r.Context(), tid, req.PhotographerID, req.AvailabilityRequest)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mutationBody{
		Message:       fmt.Sprintf("Timeslot %d created for photographer %d", ts.TimeslotID, ts.PhotographerID),
		TransactionID: string(tid),
		Result:        ts,
	})
}

func (s *Server) handleAvailablePhotographers(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		s.badRequest(w, "Missing required parameter 'date'")
		return
	}
	slots, err := s.svc.ListAvailablePhotographers(r.Context(), date)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"available_photographers": slots})
}

func (s *Server) handleClientBookings(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	bookings, err := s.svc.ListBookingsForClient(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": nonNil(bookings)})
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.svc.ListClients(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": nonNil(clients)})
}

func (s *Server) handleListPhotographers(w http.ResponseWriter, r *http.Request) {
	photographers, err := s.svc.ListPhotographers(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"photographers": nonNil(photographers)})
}

func (s *Server) handleAvailableTimeslots(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	slots, err := s.svc.ListAvailableTimeslots(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"available_timeslots": nonNil(slots)})
}

func (s *Server) handleTimeslotDetails(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, "%v", err)
		return
	}
	d, err := s.svc.GetTimeslotDetails(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleDebugTransactions reports registered transactions, lock grants and
// wait-for edges.
func (s *Server) handleDebugTransactions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.inspector.Stats())
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
