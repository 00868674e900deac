package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wardline/notify/internal/domain/notification"
	kafkax "github.com/wardline/notify/internal/repository/kafka"
	"github.com/wardline/notify/internal/repository/rabbit"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

type fakeNotifRepo struct {
	mu        sync.Mutex
	byID      map[string]*notification.Notification
	order     []string
	statusErr error // returned by UpdateStatus when set
}

func newFakeNotifRepo() *fakeNotifRepo {
	return &fakeNotifRepo{byID: map[string]*notification.Notification{}}
}

func (r *fakeNotifRepo) Create(_ context.Context, n *notification.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *n
	r.byID[n.ID] = &cp
	r.order = append(r.order, n.ID)
	return nil
}

func (r *fakeNotifRepo) GetByID(_ context.Context, id string) (*notification.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byID[id]
	if !ok {
		return nil, notification.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (r *fakeNotifRepo) List(_ context.Context, recipientID string, _ notification.ListFilter) ([]*notification.Notification, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*notification.Notification
	for _, id := range r.order {
		if n := r.byID[id]; n.RecipientID == recipientID {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, len(out), nil
}

func (r *fakeNotifRepo) UpdateStatus(_ context.Context, id string, status notification.Status, sentAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statusErr != nil {
		return r.statusErr
	}
	n, ok := r.byID[id]
	if !ok {
		return notification.ErrNotFound
	}
	n.Status = status
	if sentAt != nil && n.SentAt == nil {
		n.SentAt = sentAt
	}
	return nil
}

func (r *fakeNotifRepo) MarkRead(_ context.Context, id, recipientID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byID[id]
	if !ok || n.RecipientID != recipientID {
		return false, nil
	}
	if n.Status != notification.StatusSent && n.Status != notification.StatusDelivered {
		return false, nil
	}
	n.Status = notification.StatusRead
	return true, nil
}

func (r *fakeNotifRepo) Delete(_ context.Context, id, recipientID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byID[id]
	if !ok || n.RecipientID != recipientID {
		return false, nil
	}
	delete(r.byID, id)
	return true, nil
}

func (r *fakeNotifRepo) UnreadCount(_ context.Context, recipientID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, n := range r.byID {
		if n.RecipientID == recipientID && n.Status != notification.StatusRead {
			count++
		}
	}
	return count, nil
}

func (r *fakeNotifRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for id, n := range r.byID {
		if n.ExpiresAt != nil && n.ExpiresAt.Before(now) {
			delete(r.byID, id)
			deleted++
		}
	}
	return deleted, nil
}

type fakeLogRepo struct {
	mu      sync.Mutex
	entries []*notification.DeliveryLog
}

func (r *fakeLogRepo) Create(_ context.Context, e *notification.DeliveryLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.entries = append(r.entries, &cp)
	return nil
}

func (r *fakeLogRepo) ListByNotification(_ context.Context, notificationID string) ([]*notification.DeliveryLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*notification.DeliveryLog
	for _, e := range r.entries {
		if e.NotificationID == notificationID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakePrefs struct {
	channels map[string][]notification.Channel // keyed by userID
}

func (p *fakePrefs) ChannelsFor(_ context.Context, userID string, _ notification.Category) ([]notification.Channel, error) {
	return p.channels[userID], nil
}

func (p *fakePrefs) ActiveUserIDs(context.Context) ([]string, error) {
	var out []string
	for id := range p.channels {
		out = append(out, id)
	}
	return out, nil
}

type scheduledRetry struct {
	NotificationID string
	Channel        notification.Channel
	Provider       string
	Recipient      string
	Err            string
}

type fakeLedger struct {
	mu    sync.Mutex
	calls []scheduledRetry
}

func (l *fakeLedger) ScheduleRetry(_ context.Context, notificationID string, ch notification.Channel, provider, recipient, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, scheduledRetry{notificationID, ch, provider, recipient, errMsg})
	return nil
}

type publishedMsg struct {
	Env   *rabbit.Envelope
	Delay time.Duration
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []publishedMsg
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, env *rabbit.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, publishedMsg{Env: env})
	return nil
}

func (p *fakePublisher) PublishDelayed(_ context.Context, env *rabbit.Envelope, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, publishedMsg{Env: env, Delay: delay})
	return nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []kafkax.DeliveryEvent
}

func (e *fakeEvents) PublishDeliveryEvent(_ context.Context, ev kafkax.DeliveryEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

type fakeEmail struct {
	err  error
	sent []string // recipient addresses
}

func (f *fakeEmail) SendEmail(_ context.Context, to, _, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, to)
	return nil
}

type fakeWeb struct {
	err  error
	sent []string // user ids
}

func (f *fakeWeb) SendWeb(_ context.Context, userID string, _ []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, userID)
	return nil
}

type fakeDirectory struct {
	emails map[string]string
	phones map[string]string
}

func (d *fakeDirectory) Email(_ context.Context, userID string) (string, error) {
	return d.emails[userID], nil
}

func (d *fakeDirectory) Phone(_ context.Context, userID string) (string, error) {
	return d.phones[userID], nil
}

type fakeRenderer struct{}

func (fakeRenderer) Render(context.Context, string, notification.Channel, map[string]string) (string, string, error) {
	return "", "", errors.New("not found")
}

type svcFixture struct {
	svc    *Service
	notifs *fakeNotifRepo
	logs   *fakeLogRepo
	ledger *fakeLedger
	pub    *fakePublisher
	events *fakeEvents
	email  *fakeEmail
	web    *fakeWeb
	clock  *fakeClock
}

func newFixture(prefs *fakePrefs) *svcFixture {
	f := &svcFixture{
		notifs: newFakeNotifRepo(),
		logs:   &fakeLogRepo{},
		ledger: &fakeLedger{},
		pub:    &fakePublisher{},
		events: &fakeEvents{},
		email:  &fakeEmail{},
		web:    &fakeWeb{},
		clock:  &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)},
	}
	if prefs == nil {
		prefs = &fakePrefs{channels: map[string][]notification.Channel{}}
	}
	dir := &fakeDirectory{
		emails: map[string]string{"user-1": "u1@example.org", "user-2": "u2@example.org"},
		phones: map[string]string{"user-1": "+100000001"},
	}
	deliverer := NewDeliverer(Senders{Email: f.email, Web: f.web}, fakeRenderer{}, dir, time.Second, zap.NewNop())
	f.svc = NewService(zap.NewNop(), f.notifs, f.logs, prefs, deliverer, f.ledger, f.pub, f.events, f.clock, "test")
	return f
}
