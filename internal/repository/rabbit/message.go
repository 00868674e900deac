package rabbit

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of message types carried over the broker.
type Kind string

const (
	KindCreateNotification  Kind = "create_notification"
	KindSendNotification    Kind = "send_notification"
	KindAppointmentReminder Kind = "appointment_reminder"
	KindPrescriptionReady   Kind = "prescription_ready"
	KindSystemAlert         Kind = "system_alert"
	KindBulkNotification    Kind = "bulk_notification"
	KindDeliveryRetry       Kind = "delivery_retry"
)

// RoutingKey maps a message kind to its class routing key on the live exchange.
func (k Kind) RoutingKey() string {
	switch k {
	case KindCreateNotification:
		return "notification.create"
	case KindSendNotification:
		return "notification.send"
	case KindAppointmentReminder:
		return "appointment.reminder"
	case KindPrescriptionReady:
		return "prescription.ready"
	case KindSystemAlert:
		return "system.alert"
	case KindBulkNotification:
		return "notification.bulk"
	case KindDeliveryRetry:
		return "notification.retry"
	}
	return ""
}

func (k Kind) Valid() bool { return k.RoutingKey() != "" }

// Headers is the retry-tracking block stamped on every message. It travels in
// the message body so it survives republish through any exchange.
type Headers struct {
	RetryCount         int    `json:"x-retry-count"`
	OriginalRoutingKey string `json:"x-original-routing-key"`
	RetryReason        string `json:"x-retry-reason,omitempty"`
	RetryTimestamp     string `json:"x-retry-timestamp,omitempty"`
	FinalFailure       bool   `json:"x-final-failure,omitempty"`
	FinalFailureReason string `json:"x-final-failure-reason,omitempty"`
	FinalFailureAt     string `json:"x-final-failure-timestamp,omitempty"`
}

// Envelope is the wire message. Data holds the kind-specific payload.
type Envelope struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Headers   Headers         `json:"headers"`
	Data      json.RawMessage `json:"data"`
}

// ErrMalformed marks a structurally invalid message. The consumer rejects
// these straight to the dead-letter queue without consuming a retry slot.
var ErrMalformed = errors.New("malformed message")

func newID() string { return uuid.NewString() }

func NewEnvelope(kind Kind, source string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	key := kind.RoutingKey()
	return &Envelope{
		ID:        newID(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Headers:   Headers{RetryCount: 0, OriginalRoutingKey: key},
		Data:      raw,
	}, nil
}

func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *Envelope) Validate() error {
	if e.ID == "" || e.Kind == "" || e.Timestamp.IsZero() {
		return ErrMalformed
	}
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return ErrMalformed
	}
	return nil
}

func (e *Envelope) Encode() ([]byte, error) { return json.Marshal(e) }
