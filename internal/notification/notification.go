// Package notification renders and delivers the transactional emails that
// accompany account and appointment events. Delivery is best effort.
package notification

import (
	"context"
	"time"
)

type Kind string

const (
	KindWelcome      Kind = "welcome"
	KindConfirmation Kind = "confirmation"
	KindDoctorAlert  Kind = "doctor_alert"
	KindApproved     Kind = "approved"
	KindDeclined     Kind = "declined"
	KindReminder     Kind = "reminder"
)

func (k Kind) Valid() bool {
	switch k {
	case KindWelcome, KindConfirmation, KindDoctorAlert, KindApproved, KindDeclined, KindReminder:
		return true
	default:
		return false
	}
}

// Data is everything a template may reference. Fields a kind does not use stay
// empty.
type Data struct {
	RecipientName   string
	RecipientEmail  string
	PatientName     string
	PatientEmail    string
	DoctorName      string
	DoctorSpecialty string
	ScheduledAt     time.Time
	Reason          string
	Status          string
	LoginURL        string
}

// Sender delivers one already rendered message.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Notifier is what the domain services depend on.
type Notifier interface {
	Notify(ctx context.Context, kind Kind, data Data)
}
