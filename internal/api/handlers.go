package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/medflow/booking-api/internal/account"
	"github.com/medflow/booking-api/internal/apperr"
	"github.com/medflow/booking-api/internal/appointment"
	"github.com/medflow/booking-api/internal/auth"
)

type handlers struct {
	accounts      *account.Service
	appointments  *appointment.Service
	issuer        *auth.Issuer
	debug         bool
	secureCookies bool
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, err, h.debug)
}

// Auth

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	a, err := h.accounts.CreateAccount(r.Context(), account.NewAccount{
		Name:      req.Name,
		Email:     req.Email,
		Password:  req.Password,
		Role:      req.Role,
		Specialty: req.Specialty,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, "User registered", a)
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	a, token, err := h.accounts.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.issuer.TTL() / time.Second),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	writeOK(w, http.StatusOK, "Login successful", LoginResponse{Token: token, User: a})
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	writeOK(w, http.StatusOK, "Logged out successfully", nil)
}

func (h *handlers) me(w http.ResponseWriter, r *http.Request) {
	a, err := h.accounts.Get(r.Context(), auth.CallerFrom(r.Context()).ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "", a)
}

func (h *handlers) verify(w http.ResponseWriter, r *http.Request) {
	c := auth.CallerFrom(r.Context())
	writeOK(w, http.StatusOK, "", VerifyResponse{Valid: true, ID: c.ID, Role: c.Role})
}

// Doctors

func (h *handlers) listDoctors(w http.ResponseWriter, r *http.Request) {
	doctors, err := h.accounts.ListDoctors(r.Context(), r.URL.Query().Get("specialty"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeList(w, doctors)
}

func (h *handlers) doctorsBySpecialty(w http.ResponseWriter, r *http.Request) {
	specialty := strings.TrimSpace(chi.URLParam(r, "specialty"))
	if specialty == "" {
		h.fail(w, r, apperr.Validationf("Specialty is required."))
		return
	}
	doctors, err := h.accounts.ListDoctors(r.Context(), specialty)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeList(w, doctors)
}

func (h *handlers) specialties(w http.ResponseWriter, r *http.Request) {
	specs, err := h.accounts.Specialties(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeList(w, specs)
}

func (h *handlers) getDoctor(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := h.accounts.GetDoctor(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "", d)
}

// Appointments

func (h *handlers) bookAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	if req.DoctorID == "" || req.AppointmentDate == "" || strings.TrimSpace(req.Reason) == "" {
		h.fail(w, r, apperr.Validationf("Please provide all required fields."))
		return
	}
	doctorID, err := uuid.Parse(req.DoctorID)
	if err != nil {
		h.fail(w, r, apperr.Validationf("doctor_id must be a valid UUID"))
		return
	}
	at, err := time.Parse(time.RFC3339, req.AppointmentDate)
	if err != nil {
		h.fail(w, r, apperr.Validationf("appointment_date must be an RFC 3339 timestamp"))
		return
	}

	appt, err := h.appointments.Book(r.Context(), appointment.BookRequest{
		PatientID:   auth.CallerFrom(r.Context()).ID,
		DoctorID:    doctorID,
		ScheduledAt: at,
		Reason:      req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, "Appointment booked successfully", appt)
}

func (h *handlers) myAppointments(w http.ResponseWriter, r *http.Request) {
	list, err := h.appointments.ListForPatient(r.Context(), auth.CallerFrom(r.Context()).ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeList(w, list)
}

func (h *handlers) myStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.appointments.PatientStats(r.Context(), auth.CallerFrom(r.Context()).ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "", st)
}

func (h *handlers) doctorAppointments(w http.ResponseWriter, r *http.Request) {
	list, err := h.appointments.ListForDoctor(r.Context(), auth.CallerFrom(r.Context()).ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeList(w, list)
}

func (h *handlers) pendingAppointments(w http.ResponseWriter, r *http.Request) {
	list, err := h.appointments.ListPending(r.Context(), auth.CallerFrom(r.Context()).ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeList(w, list)
}

func (h *handlers) doctorStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.appointments.DoctorStats(r.Context(), auth.CallerFrom(r.Context()).ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "", st)
}

func (h *handlers) approveAppointment(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, h.appointments.Approve, "Appointment approved successfully")
}

func (h *handlers) declineAppointment(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, h.appointments.Decline, "Appointment declined")
}

type reviewFunc func(ctx context.Context, id, callerID uuid.UUID) (*appointment.Detail, error)

func (h *handlers) review(w http.ResponseWriter, r *http.Request, fn reviewFunc, message string) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	appt, err := fn(r.Context(), id, auth.CallerFrom(r.Context()).ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, message, appt)
}

func (h *handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.appointments.Cancel(r.Context(), id, auth.CallerFrom(r.Context()).ID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "Appointment cancelled successfully", nil)
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	appt, err := h.appointments.Get(r.Context(), id, auth.CallerFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, "", appt)
}
