// Package queue carries booking notifications over RabbitMQ.  The booking
// service hands events to a Publisher, which never blocks the request path,
// and a Consumer renders them into emails on the other side.
package queue

import (
	"bytes"
	"fmt"
	"text/template"
	"time"
)

// QueueName is the durable queue notifications are published to.
const QueueName = "booking.notifications"

// NotificationEvent is the message body published for every notification.
type NotificationEvent struct {
	Kind      string            `json:"kind"`
	Recipient string            `json:"recipient"`
	Params    map[string]string `json:"params"`
	CreatedAt time.Time         `json:"created_at"`
}

// Email is a rendered notification.
type Email struct {
	To      string
	Subject string
	Body    string
}

type emailTemplate struct {
	subject *template.Template
	body    *template.Template
}

func mustTemplate(kind, subject, body string) emailTemplate {
	return emailTemplate{
		subject: template.Must(template.New(kind + ".subject").Option("missingkey=zero").Parse(subject)),
		body:    template.Must(template.New(kind + ".body").Option("missingkey=zero").Parse(body)),
	}
}

var templates = map[string]emailTemplate{
	"booking_confirmed": mustTemplate("booking_confirmed",
		"Your tickets for {{.movie}} are confirmed",
		"Booking {{.reference}} is confirmed.\n"+
			"Movie: {{.movie}}\nStarts: {{.starts_at}}\nSeats: {{.seat_labels}}\n"+
			"Total paid: {{.total}} {{.currency}}\n"),
	"booking_cancelled": mustTemplate("booking_cancelled",
		"Booking {{.reference}} cancelled",
		"Booking {{.reference}} for {{.movie}} has been cancelled and its seats ({{.seat_labels}}) released.\n"),
}

// Render turns an event into an email.  Unknown kinds are an error so the
// consumer can reject the message.
func Render(ev NotificationEvent) (*Email, error) {
	if ev.Recipient == "" {
		return nil, fmt.Errorf("notification %q has no recipient", ev.Kind)
	}
	tpl, ok := templates[ev.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown notification kind %q", ev.Kind)
	}
	params := ev.Params
	if params == nil {
		params = map[string]string{}
	}
	var subject, body bytes.Buffer
	if err := tpl.subject.Execute(&subject, params); err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	if err := tpl.body.Execute(&body, params); err != nil {
		return nil, fmt.Errorf("render body: %w", err)
	}
	return &Email{To: ev.Recipient, Subject: subject.String(), Body: body.String()}, nil
}
