package notification

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

const layout = `<!DOCTYPE html>
<html>
<head>
<style>
  body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
  .container { max-width: 600px; margin: 0 auto; padding: 20px; }
  .header { background: {{template "color"}}; color: white; padding: 20px; text-align: center; }
  .content { padding: 20px; background: #f9f9f9; }
  .info-box { background: white; padding: 15px; margin: 15px 0; border-left: 4px solid {{template "color"}}; }
</style>
</head>
<body>
<div class="container">
  <div class="header"><h1>{{template "title" .}}</h1></div>
  <div class="content">
    <h2>Hello {{.RecipientName}},</h2>
    {{template "content" .}}
    <p>Best regards,<br>The MedFlow Team</p>
  </div>
</div>
</body>
</html>`

const detailsBox = `{{define "details"}}<div class="info-box">
  <strong>Appointment Details:</strong><br>
  {{if .PatientName}}Patient: {{.PatientName}}<br>{{end}}
  Doctor: Dr. {{.DoctorName}}<br>
  {{if .DoctorSpecialty}}Specialty: {{.DoctorSpecialty}}<br>{{end}}
  Date &amp; Time: {{when .ScheduledAt}}<br>
  {{if .Reason}}Reason: {{.Reason}}<br>{{end}}
  {{if .Status}}Status: {{.Status}}{{end}}
</div>{{end}}`

type kindTemplate struct {
	subject string
	color   string
	title   string
	content string
}

var kindTemplates = map[Kind]kindTemplate{
	KindWelcome: {
		subject: "Welcome to MedFlow",
		color:   "#007bff",
		title:   "Welcome to MedFlow!",
		content: `<p>Thank you for registering with MedFlow. Your account has been successfully created.</p>
<p>You can now browse our doctors and book appointments at your convenience.</p>
<p><a href="{{.LoginURL}}">Get Started</a></p>`,
	},
	KindConfirmation: {
		subject: "Appointment Request Submitted",
		color:   "#28a745",
		title:   "Appointment Request Submitted",
		content: `<p>Your appointment request has been submitted successfully.</p>
{{template "details" .}}
<p>You will receive an email notification once the doctor reviews your request.</p>`,
	},
	KindDoctorAlert: {
		subject: "New Appointment Request",
		color:   "#17a2b8",
		title:   "New Appointment Request",
		content: `<p>You have a new appointment request awaiting your review.</p>
{{template "details" .}}
<p>Please log in to approve or decline this request.</p>`,
	},
	KindApproved: {
		subject: "Appointment Approved",
		color:   "#28a745",
		title:   "Appointment Approved",
		content: `<p>Good news! Your appointment has been approved.</p>
{{template "details" .}}
<p>Please arrive 10 minutes before your scheduled time.</p>`,
	},
	KindDeclined: {
		subject: "Appointment Declined",
		color:   "#dc3545",
		title:   "Appointment Declined",
		content: `<p>Unfortunately your appointment request could not be accommodated.</p>
{{template "details" .}}
<p>Please book another time slot that suits you.</p>`,
	},
	KindReminder: {
		subject: "Appointment Reminder",
		color:   "#ffc107",
		title:   "Appointment Reminder",
		content: `<p>This is a reminder of your upcoming appointment.</p>
{{template "details" .}}`,
	},
}

var funcs = template.FuncMap{
	"when": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format("Mon, 02 Jan 2006 15:04 MST")
	},
}

// Renderer holds one parsed template set per kind.
type Renderer struct {
	sets map[Kind]*template.Template
}

func NewRenderer() (*Renderer, error) {
	r := &Renderer{sets: make(map[Kind]*template.Template, len(kindTemplates))}
	for kind, kt := range kindTemplates {
		t, err := template.New(string(kind)).Funcs(funcs).Parse(layout)
		if err != nil {
			return nil, fmt.Errorf("parse layout for %s: %w", kind, err)
		}
		parts := []string{
			detailsBox,
			`{{define "color"}}` + kt.color + `{{end}}`,
			`{{define "title"}}` + kt.title + `{{end}}`,
			`{{define "content"}}` + kt.content + `{{end}}`,
		}
		for _, p := range parts {
			if t, err = t.Parse(p); err != nil {
				return nil, fmt.Errorf("parse template for %s: %w", kind, err)
			}
		}
		r.sets[kind] = t
	}
	return r, nil
}

// MustRenderer panics if the built-in templates fail to parse.
func MustRenderer() *Renderer {
	r, err := NewRenderer()
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Renderer) Render(kind Kind, data Data) (subject, body string, err error) {
	t, ok := r.sets[kind]
	if !ok {
		return "", "", fmt.Errorf("no template for notification kind %q", kind)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render %s: %w", kind, err)
	}
	return kindTemplates[kind].subject, buf.String(), nil
}
