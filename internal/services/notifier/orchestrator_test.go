package notifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wardline/notify/internal/domain/notification"
)

func TestCreateNotificationDeliversAllChannels(t *testing.T) {
	f := newFixture(nil)

	n, err := f.svc.CreateNotification(context.Background(), CreateParams{
		RecipientID: "user-1",
		Title:       "Appointment reminder",
		Body:        "Tomorrow at 10:00",
		Category:    notification.CategoryAppointment,
		Channels:    []notification.Channel{notification.ChannelWeb, notification.ChannelEmail},
	})
	require.NoError(t, err)
	require.NotEmpty(t, n.ID)

	stored, err := f.notifs.GetByID(context.Background(), n.ID)
	require.NoError(t, err)
	require.Equal(t, notification.StatusSent, stored.Status)
	require.NotNil(t, stored.SentAt)

	// One delivery log entry per channel, all sent.
	require.Len(t, f.logs.entries, 2)
	for _, e := range f.logs.entries {
		require.Equal(t, n.ID, e.NotificationID)
		require.Equal(t, notification.DeliverySent, e.Status)
		require.NotNil(t, e.SentAt)
	}
	require.Equal(t, []string{"u1@example.org"}, f.email.sent)
	require.Equal(t, []string{"user-1"}, f.web.sent)
	require.Empty(t, f.ledger.calls)
}

func TestCreateNotificationValidation(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	_, err := f.svc.CreateNotification(ctx, CreateParams{Title: "no recipient", Category: notification.CategorySystem})
	require.Error(t, err)

	_, err = f.svc.CreateNotification(ctx, CreateParams{RecipientID: "user-1", Title: "t", Category: "bogus"})
	require.Error(t, err)

	_, err = f.svc.CreateNotification(ctx, CreateParams{
		RecipientID: "user-1",
		Title:       "t",
		Category:    notification.CategorySystem,
		Channels:    []notification.Channel{"carrier-pigeon"},
	})
	require.Error(t, err)
	require.Empty(t, f.notifs.order)
}

func TestChannelDefaultingFromPreferences(t *testing.T) {
	prefs := &fakePrefs{channels: map[string][]notification.Channel{
		"user-1": {notification.ChannelEmail, notification.ChannelSMS},
	}}
	f := newFixture(prefs)
	ctx := context.Background()

	n, err := f.svc.CreateNotificationAsync(ctx, CreateParams{
		RecipientID: "user-1",
		Title:       "t",
		Category:    notification.CategoryPrescription,
	})
	require.NoError(t, err)
	require.Equal(t, []notification.Channel{notification.ChannelEmail, notification.ChannelSMS}, n.Channels)

	// No preference row falls back to web.
	n2, err := f.svc.CreateNotificationAsync(ctx, CreateParams{
		RecipientID: "user-9",
		Title:       "t",
		Category:    notification.CategoryPrescription,
	})
	require.NoError(t, err)
	require.Equal(t, []notification.Channel{notification.ChannelWeb}, n2.Channels)
}

func TestSendNotificationIdempotent(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	n, err := f.svc.CreateNotification(ctx, CreateParams{
		RecipientID: "user-1",
		Title:       "t",
		Category:    notification.CategorySystem,
		Channels:    []notification.Channel{notification.ChannelWeb},
	})
	require.NoError(t, err)
	require.Len(t, f.logs.entries, 1)

	// A duplicate send message must not deliver again.
	require.NoError(t, f.svc.SendNotification(ctx, n.ID, "", nil))
	require.Len(t, f.logs.entries, 1)
	require.Equal(t, []string{"user-1"}, f.web.sent)
}

func TestSendNotificationPartialFailure(t *testing.T) {
	f := newFixture(nil)
	f.email.err = errors.New("smtp: connection refused")
	ctx := context.Background()

	n, err := f.svc.CreateNotification(ctx, CreateParams{
		RecipientID: "user-1",
		Title:       "t",
		Category:    notification.CategoryAppointment,
		Channels:    []notification.Channel{notification.ChannelWeb, notification.ChannelEmail},
	})
	require.NoError(t, err)

	// One channel through means the notification counts as sent.
	stored, _ := f.notifs.GetByID(ctx, n.ID)
	require.Equal(t, notification.StatusSent, stored.Status)

	// The failed channel lands in the retry ledger with provider context.
	require.Len(t, f.ledger.calls, 1)
	call := f.ledger.calls[0]
	require.Equal(t, n.ID, call.NotificationID)
	require.Equal(t, notification.ChannelEmail, call.Channel)
	require.Equal(t, "smtp", call.Provider)
	require.Equal(t, "u1@example.org", call.Recipient)
	require.Contains(t, call.Err, "connection refused")
}

func TestSendNotificationAllChannelsFail(t *testing.T) {
	f := newFixture(nil)
	f.email.err = errors.New("smtp down")
	f.web.err = errors.New("gateway down")
	ctx := context.Background()

	n, err := f.svc.CreateNotification(ctx, CreateParams{
		RecipientID: "user-1",
		Title:       "t",
		Category:    notification.CategorySystem,
		Channels:    []notification.Channel{notification.ChannelWeb, notification.ChannelEmail},
	})
	require.NoError(t, err)

	stored, _ := f.notifs.GetByID(ctx, n.ID)
	require.Equal(t, notification.StatusFailed, stored.Status)
	require.Len(t, f.logs.entries, 2)
	require.Len(t, f.ledger.calls, 2)
}

func TestUnconfiguredChannelSkipsLedger(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	// SMS has no sender wired in the fixture.
	n, err := f.svc.CreateNotification(ctx, CreateParams{
		RecipientID: "user-1",
		Title:       "t",
		Category:    notification.CategoryAppointment,
		Channels:    []notification.Channel{notification.ChannelSMS, notification.ChannelWeb},
	})
	require.NoError(t, err)

	stored, _ := f.notifs.GetByID(ctx, n.ID)
	require.Equal(t, notification.StatusSent, stored.Status)

	// The configuration gap is logged but never scheduled for retry.
	require.Empty(t, f.ledger.calls)
	var failed int
	for _, e := range f.logs.entries {
		if e.Status == notification.DeliveryFailed {
			failed++
		}
	}
	require.Equal(t, 1, failed)
}

func TestCreateNotificationReturnsRecordOnStatusUpdateFailure(t *testing.T) {
	f := newFixture(nil)
	f.notifs.statusErr = errors.New("connection reset by peer")
	ctx := context.Background()

	n, err := f.svc.CreateNotification(ctx, CreateParams{
		RecipientID: "user-1",
		Title:       "t",
		Category:    notification.CategorySystem,
		Channels:    []notification.Channel{notification.ChannelWeb},
	})
	require.Error(t, err)
	require.NotNil(t, n)

	// The record is durable and the channel was delivered; only the final
	// status write failed. The caller must still learn the id.
	stored, gerr := f.notifs.GetByID(ctx, n.ID)
	require.NoError(t, gerr)
	require.Equal(t, notification.StatusPending, stored.Status)
	require.Equal(t, []string{"user-1"}, f.web.sent)
	require.Len(t, f.logs.entries, 1)
}

func TestCreateNotificationAsyncQueuesSend(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	n, err := f.svc.CreateNotificationAsync(ctx, CreateParams{
		RecipientID: "user-1",
		Title:       "t",
		Category:    notification.CategorySystem,
		Channels:    []notification.Channel{notification.ChannelWeb},
	})
	require.NoError(t, err)

	// The record is durable and pending; delivery happens on consume.
	stored, _ := f.notifs.GetByID(ctx, n.ID)
	require.Equal(t, notification.StatusPending, stored.Status)
	require.Empty(t, f.web.sent)

	require.Len(t, f.pub.msgs, 1)
	env := f.pub.msgs[0].Env
	require.Equal(t, "notification.send", env.Kind.RoutingKey())
}

func TestMarkReadLifecycle(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	n, err := f.svc.CreateNotification(ctx, CreateParams{
		RecipientID: "user-1",
		Title:       "t",
		Category:    notification.CategorySystem,
		Channels:    []notification.Channel{notification.ChannelWeb},
	})
	require.NoError(t, err)

	// Wrong user cannot mark it read.
	ok, err := f.svc.MarkRead(ctx, n.ID, "user-2")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = f.svc.MarkRead(ctx, n.ID, "user-1")
	require.NoError(t, err)
	require.True(t, ok)

	count, err := f.svc.UnreadCount(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
