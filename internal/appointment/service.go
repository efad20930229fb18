package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medflow/booking-api/internal/account"
	"github.com/medflow/booking-api/internal/apperr"
	"github.com/medflow/booking-api/internal/auth"
	"github.com/medflow/booking-api/internal/notification"
	redisclient "github.com/medflow/booking-api/internal/redis"
)

const (
	EventAppointmentBooked    = "APPOINTMENT_BOOKED"
	EventAppointmentApproved  = "APPOINTMENT_APPROVED"
	EventAppointmentDeclined  = "APPOINTMENT_DECLINED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentReminded  = "APPOINTMENT_REMINDED"
)

const slotTakenMessage = "This time slot is already booked. Please choose another time."

type Service struct {
	repo     Repository
	locker   redisclient.Locker
	notifier notification.Notifier
	log      zerolog.Logger
	now      func() time.Time
}

type Option func(*Service)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, locker redisclient.Locker, notifier notification.Notifier, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		locker:   locker,
		notifier: notifier,
		log:      log.With().Str("component", "appointment").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NormalizeTime is the storage form of a scheduled instant: UTC, whole seconds.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

type BookRequest struct {
	PatientID   uuid.UUID
	DoctorID    uuid.UUID
	ScheduledAt time.Time
	Reason      string
}

// Book creates a pending appointment. The slot lock narrows the race window;
// the repository's unique constraint is what makes double booking impossible.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Detail, error) {
	reason := strings.TrimSpace(req.Reason)
	if req.DoctorID == uuid.Nil || req.ScheduledAt.IsZero() || reason == "" {
		return nil, apperr.Validationf("Please provide all required fields.")
	}

	doctor, err := s.repo.GetAccount(ctx, req.DoctorID)
	if err != nil {
		if errors.Is(err, account.ErrAccountNotFound) {
			return nil, apperr.NotFoundf("Doctor not found.")
		}
		return nil, apperr.Wrap(err, "load doctor")
	}
	if !doctor.IsDoctor() {
		return nil, apperr.NotFoundf("Doctor not found.")
	}

	// compare before truncating so sub-second lead times still count as future
	if !req.ScheduledAt.After(s.now()) {
		return nil, apperr.Validationf("Appointment date must be in the future.")
	}
	at := NormalizeTime(req.ScheduledAt)

	patient, err := s.repo.GetAccount(ctx, req.PatientID)
	if err != nil {
		if errors.Is(err, account.ErrAccountNotFound) {
			return nil, apperr.NotFoundf("patient not found")
		}
		return nil, apperr.Wrap(err, "load patient")
	}
	if patient.Role != account.RolePatient {
		return nil, apperr.Forbiddenf("only patients can book appointments")
	}

	appt := &Appointment{
		ID:          uuid.New(),
		PatientID:   patient.ID,
		DoctorID:    doctor.ID,
		ScheduledAt: at,
		Reason:      reason,
		Status:      StatusPending,
	}

	err = s.locker.WithSlotLock(ctx, redisclient.SlotKey(doctor.ID, at), func(lockCtx context.Context) error {
		taken, err := s.repo.HasActiveAt(lockCtx, doctor.ID, at)
		if err != nil {
			return err
		}
		if taken {
			return ErrSlotTaken
		}
		return s.repo.Insert(lockCtx, appt)
	})
	if err != nil {
		if errors.Is(err, ErrSlotTaken) || errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, apperr.Conflictf(slotTakenMessage)
		}
		return nil, apperr.Wrap(err, "create appointment")
	}

	detail := &Detail{
		Appointment:  *appt,
		PatientName:  patient.Name,
		PatientEmail: patient.Email,
		DoctorName:   doctor.Name,
		DoctorEmail:  doctor.Email,
	}
	if doctor.Specialty != nil {
		detail.DoctorSpecialty = *doctor.Specialty
	}

	s.logEvent(ctx, appt.ID, EventAppointmentBooked, map[string]any{
		"patient_id":   patient.ID.String(),
		"doctor_id":    doctor.ID.String(),
		"scheduled_at": at,
	})
	s.log.Info().
		Str("appointment_id", appt.ID.String()).
		Str("doctor_id", doctor.ID.String()).
		Time("scheduled_at", at).
		Msg("appointment booked")

	s.notifier.Notify(ctx, notification.KindConfirmation, notificationData(detail, detail.PatientName, detail.PatientEmail))
	s.notifier.Notify(ctx, notification.KindDoctorAlert, notificationData(detail, detail.DoctorName, detail.DoctorEmail))

	return detail, nil
}

// Approve moves a pending appointment to approved. Only its doctor may do so.
func (s *Service) Approve(ctx context.Context, id, callerID uuid.UUID) (*Detail, error) {
	return s.review(ctx, id, callerID, StatusApproved)
}

// Decline moves a pending appointment to declined. Only its doctor may do so.
func (s *Service) Decline(ctx context.Context, id, callerID uuid.UUID) (*Detail, error) {
	return s.review(ctx, id, callerID, StatusDeclined)
}

func (s *Service) review(ctx context.Context, id, callerID uuid.UUID, to Status) (*Detail, error) {
	detail, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if detail.DoctorID != callerID {
		return nil, apperr.Forbiddenf("Access denied.")
	}
	if !CanTransition(detail.Status, to) {
		return nil, alreadyIn(detail.Status)
	}

	updated, err := s.repo.UpdateStatus(ctx, id, detail.Status, to)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// lost a race with another transition
			return nil, s.reread(ctx, id)
		}
		return nil, apperr.Wrap(err, "update appointment status")
	}
	detail.Appointment = *updated

	event, kind := EventAppointmentApproved, notification.KindApproved
	if to == StatusDeclined {
		event, kind = EventAppointmentDeclined, notification.KindDeclined
	}
	s.logEvent(ctx, id, event, map[string]any{"doctor_id": callerID.String()})
	s.log.Info().Str("appointment_id", id.String()).Str("status", string(to)).Msg("appointment reviewed")

	s.notifier.Notify(ctx, kind, notificationData(detail, detail.PatientName, detail.PatientEmail))
	return detail, nil
}

// Cancel withdraws a patient's own appointment. Pending and approved
// appointments can be cancelled; the row is removed so the slot frees up.
func (s *Service) Cancel(ctx context.Context, id, callerID uuid.UUID) error {
	detail, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if detail.PatientID != callerID {
		return apperr.Forbiddenf("Access denied.")
	}
	if !CanTransition(detail.Status, StatusCancelled) {
		return alreadyIn(detail.Status)
	}

	if err := s.repo.Delete(ctx, id, callerID, ActiveStatuses); err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return s.reread(ctx, id)
		}
		return apperr.Wrap(err, "cancel appointment")
	}

	s.logEvent(ctx, id, EventAppointmentCancelled, map[string]any{
		"patient_id":   detail.PatientID.String(),
		"doctor_id":    detail.DoctorID.String(),
		"scheduled_at": detail.ScheduledAt,
		"from_status":  detail.Status,
	})
	s.log.Info().Str("appointment_id", id.String()).Msg("appointment cancelled")
	return nil
}

// Get returns an appointment to one of its two participants.
func (s *Service) Get(ctx context.Context, id uuid.UUID, caller auth.Caller) (*Detail, error) {
	detail, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := auth.RequireParticipant(caller, detail.PatientID, detail.DoctorID); err != nil {
		return nil, err
	}
	return detail, nil
}

func (s *Service) ListForPatient(ctx context.Context, patientID uuid.UUID) ([]Detail, error) {
	out, err := s.repo.ListForPatient(ctx, patientID)
	if err != nil {
		return nil, apperr.Wrap(err, "list patient appointments")
	}
	return out, nil
}

func (s *Service) ListForDoctor(ctx context.Context, doctorID uuid.UUID) ([]Detail, error) {
	out, err := s.repo.ListForDoctor(ctx, doctorID)
	if err != nil {
		return nil, apperr.Wrap(err, "list doctor appointments")
	}
	return out, nil
}

// ListPending is the doctor's review queue, soonest first.
func (s *Service) ListPending(ctx context.Context, doctorID uuid.UUID) ([]Detail, error) {
	out, err := s.repo.ListPending(ctx, doctorID)
	if err != nil {
		return nil, apperr.Wrap(err, "list pending appointments")
	}
	return out, nil
}

func (s *Service) DoctorStats(ctx context.Context, doctorID uuid.UUID) (Stats, error) {
	st, err := s.repo.DoctorStats(ctx, doctorID)
	if err != nil {
		return Stats{}, apperr.Wrap(err, "doctor stats")
	}
	return st, nil
}

func (s *Service) PatientStats(ctx context.Context, patientID uuid.UUID) (Stats, error) {
	st, err := s.repo.PatientStats(ctx, patientID)
	if err != nil {
		return Stats{}, apperr.Wrap(err, "patient stats")
	}
	return st, nil
}

// SendReminders notifies the patient of every approved appointment on the UTC
// calendar day of `day` and returns how many reminders were queued. Each
// appointment is claimed before its email is queued, so reruns for the same
// day skip it.
func (s *Service) SendReminders(ctx context.Context, day time.Time) (int, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)
	dayKey := start.Format(time.DateOnly)

	due, err := s.repo.ListApprovedBetween(ctx, start, end)
	if err != nil {
		return 0, apperr.Wrap(err, "list approved appointments")
	}

	sent := 0
	for i := range due {
		d := &due[i]
		claimed, err := s.repo.MarkReminded(ctx, d.ID, dayKey, s.now().UTC())
		if err != nil {
			s.log.Error().Err(err).Str("appointment_id", d.ID.String()).Msg("failed to claim reminder")
			continue
		}
		if !claimed {
			continue
		}
		s.notifier.Notify(ctx, notification.KindReminder, notificationData(d, d.PatientName, d.PatientEmail))
		sent++
	}

	s.log.Info().Str("day", dayKey).Int("due", len(due)).Int("count", sent).Msg("reminders queued")
	return sent, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*Detail, error) {
	detail, err := s.repo.GetDetail(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, apperr.NotFoundf("Appointment not found.")
		}
		return nil, apperr.Wrap(err, "load appointment")
	}
	return detail, nil
}

// reread reports the state a concurrent writer left the appointment in.
func (s *Service) reread(ctx context.Context, id uuid.UUID) error {
	current, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	return alreadyIn(current.Status)
}

func alreadyIn(status Status) error {
	return apperr.InvalidStatef("Appointment already %s.", status)
}

func notificationData(d *Detail, recipientName, recipientEmail string) notification.Data {
	return notification.Data{
		RecipientName:   recipientName,
		RecipientEmail:  recipientEmail,
		PatientName:     d.PatientName,
		PatientEmail:    d.PatientEmail,
		DoctorName:      d.DoctorName,
		DoctorSpecialty: d.DoctorSpecialty,
		ScheduledAt:     d.ScheduledAt,
		Reason:          d.Reason,
		Status:          string(d.Status),
	}
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := appointmentID
	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now().UTC(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).
			Str("event", eventType).
			Str("appointment_id", appointmentID.String()).
			Msg("failed to insert event log")
	}
}
