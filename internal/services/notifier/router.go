package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/wardline/notify/internal/domain/notification"
	"github.com/wardline/notify/internal/obs"
	"github.com/wardline/notify/internal/repository/rabbit"
)

// Sweeper lets a delivery_retry message nudge the ledger between timer ticks.
type Sweeper interface {
	ProcessDue(ctx context.Context) (int, error)
}

// Roster lists recipients for broadcast alerts.
type Roster interface {
	ActiveUserIDs(ctx context.Context) ([]string, error)
}

var routedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "notifier_messages_routed_total",
	Help: "Broker messages dispatched by kind.",
}, []string{"kind"})

// Router validates a broker envelope and dispatches it to the orchestrator
// by message kind. Unknown kinds and undecodable payloads are data errors:
// they surface as ErrMalformed so the consumer dead-letters them without
// spending a transport retry.
type Router struct {
	svc    *Service
	sweep  Sweeper
	roster Roster
	log    *zap.Logger

	bulkBatchSize int
	bulkPause     time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
}

func NewRouter(svc *Service, sweep Sweeper, roster Roster, bulkBatchSize int, bulkPause time.Duration, log *zap.Logger) *Router {
	if log == nil {
		log = zap.L()
	}
	if bulkBatchSize <= 0 {
		bulkBatchSize = 50
	}
	return &Router{
		svc:           svc,
		sweep:         sweep,
		roster:        roster,
		log:           log.With(zap.String("component", "notifier.router")),
		bulkBatchSize: bulkBatchSize,
		bulkPause:     bulkPause,
		sleep:         sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Router) Dispatch(ctx context.Context, env *rabbit.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	log := obs.WithTrace(ctx, r.log).With(
		zap.String("message_id", env.ID),
		zap.String("kind", string(env.Kind)),
	)
	log.Info("processing message", zap.Int("retry_count", env.Headers.RetryCount))

	var err error
	switch env.Kind {
	case rabbit.KindCreateNotification:
		err = r.handleCreate(ctx, env.Data)
	case rabbit.KindSendNotification:
		err = r.handleSend(ctx, env.Data)
	case rabbit.KindAppointmentReminder:
		err = r.handleAppointmentReminder(ctx, env.Data)
	case rabbit.KindPrescriptionReady:
		err = r.handlePrescriptionReady(ctx, env.Data)
	case rabbit.KindSystemAlert:
		err = r.handleSystemAlert(ctx, env.Data)
	case rabbit.KindBulkNotification:
		err = r.handleBulk(ctx, env.Data)
	case rabbit.KindDeliveryRetry:
		err = r.handleDeliveryRetry(ctx, env.Data)
	default:
		return fmt.Errorf("%w: unknown message type %q", rabbit.ErrMalformed, env.Kind)
	}

	if err != nil {
		log.Error("message handler failed", zap.Error(err))
		return err
	}
	routedTotal.WithLabelValues(string(env.Kind)).Inc()
	return nil
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", rabbit.ErrMalformed, err)
	}
	return v, nil
}

func (r *Router) handleCreate(ctx context.Context, data json.RawMessage) error {
	p, err := decode[CreateParams](data)
	if err != nil {
		return err
	}
	_, err = r.svc.CreateNotification(ctx, p)
	return err
}

func (r *Router) handleSend(ctx context.Context, data json.RawMessage) error {
	p, err := decode[SendPayload](data)
	if err != nil {
		return err
	}
	if p.NotificationID == "" {
		return fmt.Errorf("%w: missing notification_id", rabbit.ErrMalformed)
	}
	return r.svc.SendNotification(ctx, p.NotificationID, p.TemplateName, p.TemplateVars)
}

func (r *Router) handleAppointmentReminder(ctx context.Context, data json.RawMessage) error {
	p, err := decode[AppointmentReminderPayload](data)
	if err != nil {
		return err
	}
	_, err = r.svc.CreateNotification(ctx, CreateParams{
		RecipientID:   p.RecipientID,
		RecipientKind: notification.RecipientPatient,
		Title:         "Appointment reminder",
		Body: fmt.Sprintf("You have an appointment on %s at %s with %s",
			p.AppointmentDate, p.AppointmentTime, p.DoctorName),
		Category:     notification.CategoryAppointment,
		Priority:     notification.PriorityNormal,
		Channels:     []notification.Channel{notification.ChannelWeb, notification.ChannelEmail, notification.ChannelSMS},
		TemplateName: "appointment_reminder",
		TemplateVars: map[string]string{
			"patient_name":       p.PatientName,
			"doctor_name":        p.DoctorName,
			"appointment_date":   p.AppointmentDate,
			"appointment_time":   p.AppointmentTime,
			"appointment_number": orNA(p.AppointmentNumber),
			"room_number":        orNA(p.RoomNumber),
			"reason":             orDefault(p.Reason, "General checkup"),
		},
	})
	return err
}

func (r *Router) handlePrescriptionReady(ctx context.Context, data json.RawMessage) error {
	p, err := decode[PrescriptionReadyPayload](data)
	if err != nil {
		return err
	}
	_, err = r.svc.CreateNotification(ctx, CreateParams{
		RecipientID:   p.RecipientID,
		RecipientKind: notification.RecipientPatient,
		Title:         "Prescription ready",
		Body:          fmt.Sprintf("Your prescription %s is ready for pickup", p.PrescriptionNumber),
		Category:      notification.CategoryPrescription,
		Priority:      notification.PriorityHigh,
		Channels:      []notification.Channel{notification.ChannelWeb, notification.ChannelEmail, notification.ChannelSMS},
		TemplateName:  "prescription_ready",
		TemplateVars: map[string]string{
			"patient_name":        p.PatientName,
			"doctor_name":         orNA(p.DoctorName),
			"prescription_number": p.PrescriptionNumber,
			"issued_date":         p.IssuedDate,
			"total_cost":          orDefault(p.TotalCost, "0"),
		},
	})
	return err
}

func (r *Router) handleSystemAlert(ctx context.Context, data json.RawMessage) error {
	p, err := decode[SystemAlertPayload](data)
	if err != nil {
		return err
	}

	params := CreateParams{
		RecipientKind: notification.RecipientUser,
		Title:         p.Title,
		Body:          p.Body,
		Category:      notification.CategorySystem,
		Priority:      p.Priority,
		Channels:      []notification.Channel{notification.ChannelWeb, notification.ChannelEmail},
		TemplateName:  "system_alert",
		TemplateVars: map[string]string{
			"alert_type": p.AlertType,
			"title":      p.Title,
			"message":    p.Body,
			"priority":   string(p.Priority),
		},
	}

	if p.RecipientID != "" {
		params.RecipientID = p.RecipientID
		_, err = r.svc.CreateNotification(ctx, params)
		return err
	}

	// Broadcast: fan out through the bulk path so batching applies.
	if r.roster == nil {
		return fmt.Errorf("broadcast alert with no roster configured")
	}
	ids, err := r.roster.ActiveUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("resolve broadcast recipients: %w", err)
	}
	r.log.Info("system alert broadcast", zap.Int("recipients", len(ids)), zap.String("title", p.Title))
	return r.fanOut(ctx, ids, func(userID string) CreateParams {
		cp := params
		cp.RecipientID = userID
		return cp
	})
}

func (r *Router) handleBulk(ctx context.Context, data json.RawMessage) error {
	p, err := decode[BulkPayload](data)
	if err != nil {
		return err
	}
	if len(p.RecipientIDs) == 0 {
		return fmt.Errorf("%w: bulk notification without recipients", rabbit.ErrMalformed)
	}

	r.log.Info("bulk notification fan-out",
		zap.Int("recipients", len(p.RecipientIDs)),
		zap.Int("batch_size", r.bulkBatchSize),
	)
	return r.fanOut(ctx, p.RecipientIDs, func(userID string) CreateParams {
		return CreateParams{
			RecipientID:   userID,
			RecipientKind: notification.RecipientUser,
			Title:         p.Title,
			Body:          p.Body,
			Category:      p.Category,
			Priority:      p.Priority,
			Channels:      p.Channels,
			TemplateName:  p.TemplateName,
			TemplateVars:  p.TemplateVars,
		}
	})
}

// fanOut processes recipients in fixed-size batches with a pause between
// batches. The pause is cooperative backpressure on the store and the
// providers, not concurrency control.
func (r *Router) fanOut(ctx context.Context, ids []string, build func(userID string) CreateParams) error {
	for start := 0; start < len(ids); start += r.bulkBatchSize {
		end := start + r.bulkBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		for _, id := range ids[start:end] {
			if _, err := r.svc.CreateNotification(ctx, build(id)); err != nil {
				// One bad recipient must not sink the whole batch.
				r.log.Error("fan-out create failed", zap.String("recipient", id), zap.Error(err))
			}
		}

		if end < len(ids) && r.bulkPause > 0 {
			if err := r.sleep(ctx, r.bulkPause); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Router) handleDeliveryRetry(ctx context.Context, data json.RawMessage) error {
	p, err := decode[DeliveryRetryPayload](data)
	if err != nil {
		return err
	}
	if r.sweep == nil {
		return nil
	}
	// The ledger is authoritative; the message only brings the sweep forward.
	processed, err := r.sweep.ProcessDue(ctx)
	if err != nil {
		return fmt.Errorf("sweep on retry message: %w", err)
	}
	r.log.Debug("sweep triggered by retry message",
		zap.Int64("retry_id", p.RetryID),
		zap.Int("processed", processed),
	)
	return nil
}

func orNA(s string) string { return orDefault(s, "N/A") }

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
