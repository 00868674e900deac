package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wardline/notify/internal/domain/notification"
	"github.com/wardline/notify/internal/repository/rabbit"
)

type fakeSweeper struct{ calls int }

func (s *fakeSweeper) ProcessDue(context.Context) (int, error) {
	s.calls++
	return 0, nil
}

func mustEnvelope(t *testing.T, kind rabbit.Kind, payload any) *rabbit.Envelope {
	t.Helper()
	env, err := rabbit.NewEnvelope(kind, "test", payload)
	require.NoError(t, err)
	return env
}

func TestDispatchUnknownKind(t *testing.T) {
	f := newFixture(nil)
	r := NewRouter(f.svc, nil, nil, 50, 0, zap.NewNop())

	env := mustEnvelope(t, rabbit.KindSendNotification, map[string]string{"notification_id": "x"})
	env.Kind = "telegram_blast"

	err := r.Dispatch(context.Background(), env)
	require.ErrorIs(t, err, rabbit.ErrMalformed)
}

func TestDispatchInvalidEnvelope(t *testing.T) {
	f := newFixture(nil)
	r := NewRouter(f.svc, nil, nil, 50, 0, zap.NewNop())

	env := mustEnvelope(t, rabbit.KindSendNotification, map[string]string{"notification_id": "x"})
	env.ID = ""

	require.ErrorIs(t, r.Dispatch(context.Background(), env), rabbit.ErrMalformed)
}

func TestDispatchUndecodablePayload(t *testing.T) {
	f := newFixture(nil)
	r := NewRouter(f.svc, nil, nil, 50, 0, zap.NewNop())

	env := mustEnvelope(t, rabbit.KindBulkNotification, map[string]string{"ok": "yes"})
	env.Data = json.RawMessage(`"a string, not an object"`)

	require.ErrorIs(t, r.Dispatch(context.Background(), env), rabbit.ErrMalformed)
}

func TestDispatchAppointmentReminder(t *testing.T) {
	f := newFixture(nil)
	r := NewRouter(f.svc, nil, nil, 50, 0, zap.NewNop())

	env := mustEnvelope(t, rabbit.KindAppointmentReminder, AppointmentReminderPayload{
		RecipientID:     "user-1",
		PatientName:     "A. Jones",
		DoctorName:      "Dr. Smith",
		AppointmentDate: "2026-03-11",
		AppointmentTime: "10:00",
	})
	require.NoError(t, r.Dispatch(context.Background(), env))

	require.Len(t, f.notifs.order, 1)
	n, _ := f.notifs.GetByID(context.Background(), f.notifs.order[0])
	require.Equal(t, notification.CategoryAppointment, n.Category)
	require.Equal(t, notification.RecipientPatient, n.RecipientKind)
	require.Contains(t, n.Body, "Dr. Smith")
}

func TestDispatchBulkFanOutBatches(t *testing.T) {
	f := newFixture(nil)
	r := NewRouter(f.svc, nil, nil, 50, 100*time.Millisecond, zap.NewNop())

	// Snapshot progress at every inter-batch pause instead of sleeping.
	var pauses []int
	var pauseDurations []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		pauses = append(pauses, len(f.notifs.order))
		pauseDurations = append(pauseDurations, d)
		return nil
	}

	ids := make([]string, 120)
	for i := range ids {
		ids[i] = fmt.Sprintf("user-%03d", i)
	}
	env := mustEnvelope(t, rabbit.KindBulkNotification, BulkPayload{
		RecipientIDs: ids,
		Title:        "Policy update",
		Body:         "Please review",
		Category:     notification.CategorySystem,
		Channels:     []notification.Channel{notification.ChannelWeb},
	})
	require.NoError(t, r.Dispatch(context.Background(), env))

	// Every recipient gets their own notification.
	require.Len(t, f.notifs.order, 120)
	require.Len(t, f.web.sent, 120)

	// 120 recipients at batch size 50 means three batches with two pauses
	// between them, each pause at a full-batch boundary.
	require.Equal(t, []int{50, 100}, pauses)
	require.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond}, pauseDurations)
}

func TestDispatchBulkWithoutRecipients(t *testing.T) {
	f := newFixture(nil)
	r := NewRouter(f.svc, nil, nil, 50, 0, zap.NewNop())

	env := mustEnvelope(t, rabbit.KindBulkNotification, BulkPayload{
		Title:    "empty",
		Body:     "b",
		Category: notification.CategorySystem,
	})
	require.ErrorIs(t, r.Dispatch(context.Background(), env), rabbit.ErrMalformed)
}

func TestDispatchSystemAlertBroadcast(t *testing.T) {
	prefs := &fakePrefs{channels: map[string][]notification.Channel{
		"user-1": {notification.ChannelWeb},
		"user-2": {notification.ChannelWeb},
	}}
	f := newFixture(prefs)
	r := NewRouter(f.svc, nil, prefs, 50, 0, zap.NewNop())

	env := mustEnvelope(t, rabbit.KindSystemAlert, SystemAlertPayload{
		Title:     "Planned maintenance",
		Body:      "Sunday 02:00",
		Priority:  notification.PriorityHigh,
		AlertType: "maintenance",
	})
	require.NoError(t, r.Dispatch(context.Background(), env))
	require.Len(t, f.notifs.order, 2)
}

func TestDispatchSystemAlertSingleRecipient(t *testing.T) {
	f := newFixture(nil)
	r := NewRouter(f.svc, nil, nil, 50, 0, zap.NewNop())

	env := mustEnvelope(t, rabbit.KindSystemAlert, SystemAlertPayload{
		RecipientID: "user-1",
		Title:       "Password expiring",
		Body:        "Change it this week",
		Priority:    notification.PriorityNormal,
		AlertType:   "security",
	})
	require.NoError(t, r.Dispatch(context.Background(), env))
	require.Len(t, f.notifs.order, 1)
}

func TestDispatchDeliveryRetryTriggersSweep(t *testing.T) {
	f := newFixture(nil)
	sweep := &fakeSweeper{}
	r := NewRouter(f.svc, sweep, nil, 50, 0, zap.NewNop())

	env := mustEnvelope(t, rabbit.KindDeliveryRetry, DeliveryRetryPayload{RetryID: 7})
	require.NoError(t, r.Dispatch(context.Background(), env))
	require.Equal(t, 1, sweep.calls)
}

func TestDispatchSendMissingID(t *testing.T) {
	f := newFixture(nil)
	r := NewRouter(f.svc, nil, nil, 50, 0, zap.NewNop())

	env := mustEnvelope(t, rabbit.KindSendNotification, SendPayload{})
	require.ErrorIs(t, r.Dispatch(context.Background(), env), rabbit.ErrMalformed)
}
