package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wardline/notify/internal/domain/notification"
	"github.com/wardline/notify/internal/domain/retry"
	"github.com/wardline/notify/internal/repository/rabbit"
	"github.com/wardline/notify/internal/services/notifier"
	"github.com/wardline/notify/internal/services/retrysweep"
)

type memNotifRepo struct {
	mu        sync.Mutex
	byID      map[string]*notification.Notification
	statusErr error // returned by UpdateStatus when set
}

func (m *memNotifRepo) Create(_ context.Context, n *notification.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.byID[n.ID] = &cp
	return nil
}

func (m *memNotifRepo) GetByID(_ context.Context, id string) (*notification.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.byID[id]
	if !ok {
		return nil, notification.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *memNotifRepo) List(_ context.Context, recipientID string, _ notification.ListFilter) ([]*notification.Notification, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*notification.Notification
	for _, n := range m.byID {
		if n.RecipientID == recipientID {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, len(out), nil
}

func (m *memNotifRepo) UpdateStatus(_ context.Context, id string, status notification.Status, sentAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return m.statusErr
	}
	n, ok := m.byID[id]
	if !ok {
		return notification.ErrNotFound
	}
	n.Status = status
	if sentAt != nil && n.SentAt == nil {
		n.SentAt = sentAt
	}
	return nil
}

func (m *memNotifRepo) MarkRead(_ context.Context, id, recipientID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.byID[id]
	if !ok || n.RecipientID != recipientID {
		return false, nil
	}
	now := time.Now().UTC()
	n.Status = notification.StatusRead
	n.ReadAt = &now
	return true, nil
}

func (m *memNotifRepo) Delete(_ context.Context, id, recipientID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.byID[id]
	if !ok || n.RecipientID != recipientID {
		return false, nil
	}
	delete(m.byID, id)
	return true, nil
}

func (m *memNotifRepo) UnreadCount(_ context.Context, recipientID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.byID {
		if n.RecipientID == recipientID && n.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func (m *memNotifRepo) DeleteExpired(context.Context, time.Time) (int64, error) { return 0, nil }

type memLogRepo struct {
	mu      sync.Mutex
	entries []*notification.DeliveryLog
}

func (m *memLogRepo) Create(_ context.Context, e *notification.DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *memLogRepo) ListByNotification(_ context.Context, notificationID string) ([]*notification.DeliveryLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*notification.DeliveryLog
	for _, e := range m.entries {
		if e.NotificationID == notificationID {
			out = append(out, e)
		}
	}
	return out, nil
}

type stubPrefs struct{}

func (stubPrefs) ChannelsFor(context.Context, string, notification.Category) ([]notification.Channel, error) {
	return []notification.Channel{notification.ChannelWeb}, nil
}

type stubDirectory struct{}

func (stubDirectory) Email(context.Context, string) (string, error) { return "u@example.org", nil }
func (stubDirectory) Phone(context.Context, string) (string, error) { return "+1000", nil }

type stubRenderer struct{}

func (stubRenderer) Render(context.Context, string, notification.Channel, map[string]string) (string, string, error) {
	return "subject", "body", nil
}

type stubWebSender struct{}

func (stubWebSender) SendWeb(context.Context, string, []byte) error { return nil }

type capturePublisher struct {
	mu   sync.Mutex
	envs []*rabbit.Envelope
	err  error
}

func (p *capturePublisher) Publish(_ context.Context, env *rabbit.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.envs = append(p.envs, env)
	return nil
}

func (p *capturePublisher) PublishDelayed(ctx context.Context, env *rabbit.Envelope, _ time.Duration) error {
	return p.Publish(ctx, env)
}

// stubRetryRepo backs the admin retry endpoints with canned data.
type stubRetryRepo struct {
	due   []*retry.Record
	stats []retry.StatRow
}

func (s *stubRetryRepo) GetActive(context.Context, string, notification.Channel) (*retry.Record, error) {
	return nil, nil
}
func (s *stubRetryRepo) Insert(context.Context, *retry.Record) (bool, error) { return true, nil }
func (s *stubRetryRepo) Advance(context.Context, int64, time.Time, string) (bool, error) {
	return true, nil
}
func (s *stubRetryRepo) ClaimDue(context.Context, time.Time, int) ([]*retry.Record, error) {
	return s.due, nil
}
func (s *stubRetryRepo) SetStatus(context.Context, int64, retry.Status) error { return nil }
func (s *stubRetryRepo) Reschedule(context.Context, int64, time.Time, string) error {
	return nil
}
func (s *stubRetryRepo) Stats(context.Context, time.Time) ([]retry.StatRow, error) {
	return s.stats, nil
}
func (s *stubRetryRepo) PurgeTerminal(context.Context, time.Time) (int64, error) { return 2, nil }

type apiFixture struct {
	handler   http.Handler
	notifs    *memNotifRepo
	logs      *memLogRepo
	publisher *capturePublisher
	retries   *stubRetryRepo
	dbErr     error
	brokerErr error
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		notifs:    &memNotifRepo{byID: map[string]*notification.Notification{}},
		logs:      &memLogRepo{},
		publisher: &capturePublisher{},
		retries:   &stubRetryRepo{},
	}
	log := zap.NewNop()
	clock := notification.SystemClock{}

	deliverer := notifier.NewDeliverer(
		notifier.Senders{Web: stubWebSender{}},
		stubRenderer{}, stubDirectory{}, time.Second, log,
	)
	ledger := retrysweep.NewLedger(retrysweep.Config{}, f.retries, f.notifs, deliverer, nil, nil, nil, clock, log)
	svc := notifier.NewService(log, f.notifs, f.logs, stubPrefs{}, deliverer, ledger, f.publisher, nil, clock, "httpapi-test")

	srv := NewServer(svc, ledger,
		PingerFunc(func(context.Context) error { return f.dbErr }),
		PingerFunc(func(context.Context) error { return f.brokerErr }),
		log,
	)
	f.handler = srv.Handler()
	return f
}

func (f *apiFixture) do(t *testing.T, method, target, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(userHeader, userID)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(dst))
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	f.brokerErr = errors.New("connection refused")
	rec = f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var deps map[string]string
	decodeInto(t, rec, &deps)
	require.Equal(t, "ok", deps["db"])
	require.Contains(t, deps["broker"], "connection refused")
}

func TestListRequiresUserIdentity(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/notifications", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAndList(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/notifications", "", notifier.CreateParams{
		RecipientID: "user-1",
		Title:       "Lab results available",
		Body:        "Your results are ready.",
		Category:    notification.CategorySystem,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created notification.Notification
	decodeInto(t, rec, &created)
	require.NotEmpty(t, created.ID)
	require.Equal(t, notification.StatusSent, created.Status)

	rec = f.do(t, http.MethodGet, "/api/notifications?limit=10", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Notifications []*notification.Notification `json:"notifications"`
		Total         int                          `json:"total"`
	}
	decodeInto(t, rec, &listed)
	require.Equal(t, 1, listed.Total)
	require.Equal(t, created.ID, listed.Notifications[0].ID)
}

func TestCreateAnswers201WhenStatusWriteFails(t *testing.T) {
	f := newAPIFixture(t)
	f.notifs.statusErr = errors.New("connection reset by peer")

	rec := f.do(t, http.MethodPost, "/api/notifications", "", notifier.CreateParams{
		RecipientID: "user-1",
		Title:       "Lab results available",
		Category:    notification.CategorySystem,
	})

	// The record is durably created before the send pass; a transient store
	// error afterwards must not turn the create into a client error.
	require.Equal(t, http.StatusCreated, rec.Code)
	var created notification.Notification
	decodeInto(t, rec, &created)
	require.NotEmpty(t, created.ID)

	_, err := f.notifs.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
}

func TestCreateRejectsInvalidBody(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/notifications", bytes.NewReader([]byte(`{"recipient_user_id": 42}`)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetWithDeliveryLog(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/notifications", "", notifier.CreateParams{
		RecipientID: "user-1",
		Title:       "t",
		Body:        "b",
		Category:    notification.CategorySystem,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created notification.Notification
	decodeInto(t, rec, &created)

	rec = f.do(t, http.MethodGet, "/api/notifications/"+created.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Notification *notification.Notification  `json:"notification"`
		DeliveryLog  []*notification.DeliveryLog `json:"delivery_log"`
	}
	decodeInto(t, rec, &got)
	require.Equal(t, created.ID, got.Notification.ID)
	require.Len(t, got.DeliveryLog, 1)
	require.Equal(t, notification.ChannelWeb, got.DeliveryLog[0].Channel)
}

func TestGetMissingNotification(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/notifications/no-such-id", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMarkReadAndUnreadCount(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/notifications", "", notifier.CreateParams{
		RecipientID: "user-1",
		Title:       "t",
		Body:        "b",
		Category:    notification.CategorySystem,
	})
	var created notification.Notification
	decodeInto(t, rec, &created)

	rec = f.do(t, http.MethodGet, "/api/notifications/unread-count", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var count map[string]int
	decodeInto(t, rec, &count)
	require.Equal(t, 1, count["unread_count"])

	// Another user cannot read it.
	rec = f.do(t, http.MethodPut, "/api/notifications/"+created.ID+"/read", "user-2", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/notifications/"+created.ID+"/read", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/notifications/unread-count", "user-1", nil)
	decodeInto(t, rec, &count)
	require.Zero(t, count["unread_count"])
}

func TestDeleteNotification(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/notifications", "", notifier.CreateParams{
		RecipientID: "user-1",
		Title:       "t",
		Body:        "b",
		Category:    notification.CategorySystem,
	})
	var created notification.Notification
	decodeInto(t, rec, &created)

	rec = f.do(t, http.MethodDelete, "/api/notifications/"+created.ID, "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/notifications/"+created.ID, "user-1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/notifications/"+created.ID, "user-1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueAppointmentReminder(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/queue/appointment-reminder", "", map[string]any{
		"recipient_user_id": "user-1",
		"patient_name":      "Ann",
		"doctor_name":       "Dr. Smith",
		"appointment_date":  "2026-03-12",
		"appointment_time":  "10:30",
		"delay_seconds":     30,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		Queued    bool   `json:"queued"`
		MessageID string `json:"message_id"`
	}
	decodeInto(t, rec, &resp)
	require.True(t, resp.Queued)
	require.NotEmpty(t, resp.MessageID)

	require.Len(t, f.publisher.envs, 1)
	require.Equal(t, rabbit.KindAppointmentReminder, f.publisher.envs[0].Kind)
}

func TestQueueBulkRejectsEmptyRecipients(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/queue/bulk", "", map[string]any{
		"recipient_user_ids": []string{},
		"title":              "t",
		"message":            "b",
		"notification_type":  "system",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, f.publisher.envs)
}

func TestQueueSystemAlertBrokerDown(t *testing.T) {
	f := newAPIFixture(t)
	f.publisher.err = errors.New("channel closed")

	rec := f.do(t, http.MethodPost, "/api/queue/system-alert", "", map[string]any{
		"title":      "Maintenance window",
		"message":    "Scheduled downtime tonight.",
		"alert_type": "maintenance",
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRetrySweepEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/admin/retries/sweep", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int
	decodeInto(t, rec, &resp)
	require.Zero(t, resp["processed"])
}

func TestRetryStatsWindow(t *testing.T) {
	f := newAPIFixture(t)
	f.retries.stats = []retry.StatRow{
		{Channel: notification.ChannelEmail, Status: retry.StatusPending, Count: 4, AvgRetries: 1.5},
	}

	rec := f.do(t, http.MethodGet, "/api/admin/retries/stats?window=1h", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Window string                              `json:"window"`
		Stats  map[string]map[string]retry.StatRow `json:"stats"`
	}
	decodeInto(t, rec, &resp)
	require.Equal(t, "1h0m0s", resp.Window)
	require.Equal(t, 4, resp.Stats["email"]["pending"].Count)

	rec = f.do(t, http.MethodGet, "/api/admin/retries/stats?window=-5m", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryCleanupEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/admin/retries/cleanup", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int64
	decodeInto(t, rec, &resp)
	require.EqualValues(t, 2, resp["deleted"])
}
