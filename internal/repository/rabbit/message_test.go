package rabbit

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(KindAppointmentReminder, "notifier", map[string]string{"patient_name": "A. Jones"})
	require.NoError(t, err)

	require.NotEmpty(t, env.ID)
	require.Equal(t, KindAppointmentReminder, env.Kind)
	require.Equal(t, "notifier", env.Source)
	require.False(t, env.Timestamp.IsZero())
	require.Equal(t, 0, env.Headers.RetryCount)
	require.Equal(t, "appointment.reminder", env.Headers.OriginalRoutingKey)
	require.NoError(t, env.Validate())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(KindSystemAlert, "scheduler", map[string]string{"title": "maintenance"})
	require.NoError(t, err)
	env.Headers.RetryCount = 2
	env.Headers.RetryReason = "smtp timeout"

	body, err := env.Encode()
	require.NoError(t, err)

	got, err := DecodeEnvelope(body)
	require.NoError(t, err)
	require.Equal(t, env.ID, got.ID)
	require.Equal(t, env.Kind, got.Kind)
	require.Equal(t, 2, got.Headers.RetryCount)
	require.Equal(t, "smtp timeout", got.Headers.RetryReason)
	require.JSONEq(t, string(env.Data), string(got.Data))
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":     `{{{`,
		"missing id":   `{"type":"system_alert","timestamp":"2026-01-02T15:04:05Z","data":{"a":1}}`,
		"missing kind": `{"id":"x","timestamp":"2026-01-02T15:04:05Z","data":{"a":1}}`,
		"zero ts":      `{"id":"x","type":"system_alert","data":{"a":1}}`,
		"no data":      `{"id":"x","type":"system_alert","timestamp":"2026-01-02T15:04:05Z"}`,
		"null data":    `{"id":"x","type":"system_alert","timestamp":"2026-01-02T15:04:05Z","data":null}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(body))
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestKindRoutingKeys(t *testing.T) {
	want := map[Kind]string{
		KindCreateNotification:  "notification.create",
		KindSendNotification:    "notification.send",
		KindAppointmentReminder: "appointment.reminder",
		KindPrescriptionReady:   "prescription.ready",
		KindSystemAlert:         "system.alert",
		KindBulkNotification:    "notification.bulk",
		KindDeliveryRetry:       "notification.retry",
	}
	for kind, key := range want {
		require.Equal(t, key, kind.RoutingKey())
		require.True(t, kind.Valid())
	}
	require.False(t, Kind("unknown_thing").Valid())
}

func TestClassForRoutingKey(t *testing.T) {
	for _, kind := range []Kind{
		KindCreateNotification, KindSendNotification, KindAppointmentReminder,
		KindPrescriptionReady, KindSystemAlert, KindBulkNotification, KindDeliveryRetry,
	} {
		class, ok := ClassForRoutingKey(kind.RoutingKey())
		require.True(t, ok, "no class for %s", kind)
		require.Equal(t, kind.RoutingKey(), class.RoutingKey)
		require.Equal(t, class.Queue+".dlq", class.DLQ())
		require.Equal(t, class.Queue+".retry", class.RetryQueue())
		// Scheduled publishes must not land on the TTL'd retry queue, or
		// the broker caps every delay at the transport retry TTL.
		require.Equal(t, class.Queue+".delay", class.DelayQueue())
		require.NotEqual(t, class.RetryQueue(), class.DelayQueue())
	}

	_, ok := ClassForRoutingKey("nope")
	require.False(t, ok)
}

func TestClassify(t *testing.T) {
	fresh := &Envelope{ID: "a", Kind: KindSendNotification, Timestamp: time.Now(), Data: json.RawMessage(`{}`)}
	spent := &Envelope{ID: "b", Kind: KindSendNotification, Timestamp: time.Now(), Data: json.RawMessage(`{}`)}
	spent.Headers.RetryCount = 3

	handlerErr := errors.New("smtp: connection refused")

	require.Equal(t, VerdictAck, Classify(fresh, nil, 3))
	require.Equal(t, VerdictRetry, Classify(fresh, handlerErr, 3))
	require.Equal(t, VerdictDeadLetter, Classify(spent, handlerErr, 3))

	// Malformed payloads never consume a retry slot.
	require.Equal(t, VerdictDeadLetter, Classify(fresh, ErrMalformed, 3))
	wrapped := errors.Join(ErrMalformed, errors.New("bad field"))
	require.Equal(t, VerdictDeadLetter, Classify(fresh, wrapped, 3))
}

func TestClassifyRetryBoundary(t *testing.T) {
	err := errors.New("transient")
	for count := 0; count < 3; count++ {
		env := &Envelope{}
		env.Headers.RetryCount = count
		require.Equal(t, VerdictRetry, Classify(env, err, 3), "count=%d", count)
	}
	env := &Envelope{}
	env.Headers.RetryCount = 3
	require.Equal(t, VerdictDeadLetter, Classify(env, err, 3))
}
