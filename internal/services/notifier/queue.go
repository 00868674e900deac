package notifier

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wardline/notify/internal/domain/notification"
	"github.com/wardline/notify/internal/repository/rabbit"
)

// Payload shapes for the queued message kinds. CreateParams doubles as the
// create_notification payload.

type SendPayload struct {
	NotificationID string            `json:"notification_id"`
	TemplateName   string            `json:"template_name,omitempty"`
	TemplateVars   map[string]string `json:"template_variables,omitempty"`
}

type AppointmentReminderPayload struct {
	RecipientID       string `json:"recipient_user_id"`
	PatientName       string `json:"patient_name"`
	DoctorName        string `json:"doctor_name"`
	AppointmentDate   string `json:"appointment_date"`
	AppointmentTime   string `json:"appointment_time"`
	AppointmentNumber string `json:"appointment_number,omitempty"`
	RoomNumber        string `json:"room_number,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

type PrescriptionReadyPayload struct {
	RecipientID        string `json:"recipient_user_id"`
	PatientName        string `json:"patient_name"`
	DoctorName         string `json:"doctor_name,omitempty"`
	PrescriptionNumber string `json:"prescription_number"`
	IssuedDate         string `json:"issued_date,omitempty"`
	TotalCost          string `json:"total_cost,omitempty"`
}

type SystemAlertPayload struct {
	RecipientID string                `json:"recipient_user_id,omitempty"` // empty means broadcast
	Title       string                `json:"title"`
	Body        string                `json:"message"`
	Priority    notification.Priority `json:"priority"`
	AlertType   string                `json:"alert_type"` // maintenance | emergency | update | security
}

type BulkPayload struct {
	RecipientIDs []string               `json:"recipient_user_ids"`
	Title        string                 `json:"title"`
	Body         string                 `json:"message"`
	Category     notification.Category  `json:"notification_type"`
	Priority     notification.Priority  `json:"priority,omitempty"`
	Channels     []notification.Channel `json:"channels,omitempty"`
	TemplateName string                 `json:"template_name,omitempty"`
	TemplateVars map[string]string      `json:"template_variables,omitempty"`
}

type DeliveryRetryPayload struct {
	RetryID        int64  `json:"retry_id"`
	NotificationID string `json:"notification_id"`
	Channel        string `json:"channel"`
	ScheduledFor   int64  `json:"scheduled_for"`
}

func (s *Service) QueueSendNotification(ctx context.Context, notificationID, templateName string, vars map[string]string) (string, error) {
	return s.enqueue(ctx, rabbit.KindSendNotification, SendPayload{
		NotificationID: notificationID,
		TemplateName:   templateName,
		TemplateVars:   vars,
	}, 0)
}

// QueueAppointmentReminder publishes the reminder, optionally delayed so it
// lands close to the appointment rather than when it was scheduled.
func (s *Service) QueueAppointmentReminder(ctx context.Context, p AppointmentReminderPayload, delay time.Duration) (string, error) {
	return s.enqueue(ctx, rabbit.KindAppointmentReminder, p, delay)
}

func (s *Service) QueuePrescriptionReady(ctx context.Context, p PrescriptionReadyPayload) (string, error) {
	return s.enqueue(ctx, rabbit.KindPrescriptionReady, p, 0)
}

func (s *Service) QueueSystemAlert(ctx context.Context, p SystemAlertPayload) (string, error) {
	return s.enqueue(ctx, rabbit.KindSystemAlert, p, 0)
}

func (s *Service) QueueBulkNotification(ctx context.Context, p BulkPayload) (string, error) {
	return s.enqueue(ctx, rabbit.KindBulkNotification, p, 0)
}

func (s *Service) enqueue(ctx context.Context, kind rabbit.Kind, payload any, delay time.Duration) (string, error) {
	env, err := rabbit.NewEnvelope(kind, s.source, payload)
	if err != nil {
		return "", fmt.Errorf("build %s envelope: %w", kind, err)
	}
	if delay > 0 {
		err = s.pub.PublishDelayed(ctx, env, delay)
	} else {
		err = s.pub.Publish(ctx, env)
	}
	if err != nil {
		return "", fmt.Errorf("queue %s: %w", kind, err)
	}
	s.log.Info("message queued",
		zap.String("kind", string(kind)),
		zap.String("message_id", env.ID),
		zap.Duration("delay", delay),
	)
	return env.ID, nil
}
