package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"medremind/internal/med"
	logx "medremind/pkg/logx"
)

type doseResponse struct {
	RecordID    int64      `json:"record_id"`
	MedicineID  int64      `json:"medicine_id"`
	Medicine    string     `json:"medicine"`
	Dosage      string     `json:"dosage,omitempty"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	Status      string     `json:"status"`
	TakenAt     *time.Time `json:"taken_at,omitempty"`
}

type todayResponse struct {
	Doses     []doseResponse `json:"doses"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type medicineResponse struct {
	ID        int64     `json:"id"`
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	Dosage    string    `json:"dosage,omitempty"`
	Color     string    `json:"color,omitempty"`
	Memo      string    `json:"memo,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type createScheduleRequest struct {
	StartDate string   `json:"start_date"`
	EndDate   string   `json:"end_date,omitempty"`
	Slots     []string `json:"slots"`
	TakeDays  int      `json:"take_days"`
	RestDays  int      `json:"rest_days"`
}

type createMedicineRequest struct {
	Name     string                `json:"name"`
	Dosage   string                `json:"dosage"`
	Color    string                `json:"color"`
	Memo     string                `json:"memo"`
	Schedule createScheduleRequest `json:"schedule"`
}

type takeRequest struct {
	TakenAt *time.Time `json:"taken_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "storage unavailable"})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

func (s *Server) handleToday(w http.ResponseWriter, _ *http.Request) {
	views, updated := s.today.Doses()
	resp := todayResponse{Doses: make([]doseResponse, 0, len(views)), UpdatedAt: updated}
	for _, v := range views {
		resp.Doses = append(resp.Doses, doseResponse{
			RecordID:    v.RecordID,
			MedicineID:  v.MedicineID,
			Medicine:    v.Medicine,
			Dosage:      v.Dosage,
			ScheduledAt: v.ScheduledAt.In(s.loc),
			Status:      string(v.Status),
			TakenAt:     v.TakenAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTake(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	var req takeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed body"})
			return
		}
	}
	s.doseAction(w, r, func() error { return s.doses.Take(r.Context(), id, req.TakenAt) })
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	if id, ok := recordID(w, r); ok {
		s.doseAction(w, r, func() error { return s.doses.Skip(r.Context(), id) })
	}
}

func (s *Server) handleUntake(w http.ResponseWriter, r *http.Request) {
	if id, ok := recordID(w, r); ok {
		s.doseAction(w, r, func() error { return s.doses.Untake(r.Context(), id) })
	}
}

func (s *Server) handleSnooze(w http.ResponseWriter, r *http.Request) {
	if id, ok := recordID(w, r); ok {
		s.doseAction(w, r, func() error { return s.doses.Snooze(r.Context(), id) })
	}
}

func (s *Server) doseAction(w http.ResponseWriter, r *http.Request, fn func() error) {
	if err := fn(); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMedicines(w http.ResponseWriter, r *http.Request) {
	meds, err := s.cat.ListMedicines(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := make([]medicineResponse, 0, len(meds))
	for _, m := range meds {
		resp = append(resp, medicineView(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateMedicine(w http.ResponseWriter, r *http.Request) {
	var req createMedicineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed body"})
		return
	}

	sc, err := req.Schedule.toDomain()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	m := &med.Medicine{
		Name:   req.Name,
		Dosage: req.Dosage,
		Color:  req.Color,
		Memo:   req.Memo,
	}
	if err := s.cat.CreateMedicine(r.Context(), m, sc); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, medicineView(m))
}

func (req createScheduleRequest) toDomain() (*med.Schedule, error) {
	start, err := med.ParseDate(req.StartDate)
	if err != nil {
		return nil, err
	}
	sc := &med.Schedule{
		StartDate: start,
		TakeDays:  req.TakeDays,
		RestDays:  req.RestDays,
	}
	if req.EndDate != "" {
		end, err := med.ParseDate(req.EndDate)
		if err != nil {
			return nil, err
		}
		sc.EndDate = &end
	}
	for _, raw := range req.Slots {
		slot, err := med.ParseTimeOfDay(raw)
		if err != nil {
			return nil, err
		}
		sc.Slots = append(sc.Slots, slot)
	}
	return sc, nil
}

func medicineView(m *med.Medicine) medicineResponse {
	return medicineResponse{
		ID:        m.ID,
		UUID:      m.UUID.String(),
		Name:      m.Name,
		Dosage:    m.Dosage,
		Color:     m.Color,
		Memo:      m.Memo,
		CreatedAt: m.CreatedAt,
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *med.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error()})
	case errors.Is(err, med.ErrRecordNotFound),
		errors.Is(err, med.ErrMedicineNotFound),
		errors.Is(err, med.ErrScheduleNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		s.log.Error("http handler failed",
			logx.String("path", r.URL.Path), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func recordID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid record id"})
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
