package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wardline/notify/internal/domain/notification"
)

const (
	providerSMTP      = "smtp"
	providerSMS       = "sms-gateway"
	providerWebSocket = "websocket"
	providerPush      = "push-service"
)

// Senders is the per-channel capability set. A nil sender means the channel
// is not configured for this deployment.
type Senders struct {
	Email notification.EmailSender
	SMS   notification.SMSSender
	Web   notification.WebSender
	Push  notification.PushSender
}

// Deliverer performs one delivery attempt on one channel: resolve the
// recipient address, render the body, call the sender. It is shared by the
// orchestrator's first pass and the retry ledger's re-attempts so both take
// the identical path to the provider.
type Deliverer struct {
	senders   Senders
	renderer  notification.TemplateRenderer
	directory notification.Directory
	timeout   time.Duration
	log       *zap.Logger
}

func NewDeliverer(senders Senders, renderer notification.TemplateRenderer, directory notification.Directory, timeout time.Duration, log *zap.Logger) *Deliverer {
	if log == nil {
		log = zap.L()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Deliverer{
		senders:   senders,
		renderer:  renderer,
		directory: directory,
		timeout:   timeout,
		log:       log.With(zap.String("component", "notifier.deliverer")),
	}
}

// Deliver attempts the channel once. It returns the provider identifier and
// the recipient address used, so failures carry enough context into the
// retry ledger. A sender timeout is an ordinary delivery failure.
func (d *Deliverer) Deliver(ctx context.Context, n *notification.Notification, ch notification.Channel, templateName string, vars map[string]string) (provider, recipient string, err error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	switch ch {
	case notification.ChannelEmail:
		if d.senders.Email == nil {
			return providerSMTP, "", notification.ErrChannelNotConfigured
		}
		addr, err := d.directory.Email(ctx, n.RecipientID)
		if err != nil {
			return providerSMTP, "", fmt.Errorf("resolve email: %w", err)
		}
		if addr == "" {
			return providerSMTP, "", errors.New("recipient email missing")
		}
		subject, body := d.render(ctx, n, notification.ChannelEmail, templateName, vars)
		return providerSMTP, addr, d.senders.Email.SendEmail(ctx, addr, subject, body)

	case notification.ChannelSMS:
		if d.senders.SMS == nil {
			return providerSMS, "", notification.ErrChannelNotConfigured
		}
		phone, err := d.directory.Phone(ctx, n.RecipientID)
		if err != nil {
			return providerSMS, "", fmt.Errorf("resolve phone: %w", err)
		}
		if phone == "" {
			return providerSMS, "", errors.New("recipient phone missing")
		}
		_, body := d.render(ctx, n, notification.ChannelSMS, templateName, vars)
		return providerSMS, phone, d.senders.SMS.SendSMS(ctx, phone, body)

	case notification.ChannelWeb:
		if d.senders.Web == nil {
			return providerWebSocket, n.RecipientID, notification.ErrChannelNotConfigured
		}
		payload, err := json.Marshal(n)
		if err != nil {
			return providerWebSocket, n.RecipientID, err
		}
		return providerWebSocket, n.RecipientID, d.senders.Web.SendWeb(ctx, n.RecipientID, payload)

	case notification.ChannelPush:
		if d.senders.Push == nil {
			return providerPush, n.RecipientID, notification.ErrChannelNotConfigured
		}
		return providerPush, n.RecipientID, d.senders.Push.SendPush(ctx, n.RecipientID, n.Title, n.Body)
	}
	return "", "", fmt.Errorf("unsupported channel: %s", ch)
}

// render falls back to the raw title and body when no template applies.
func (d *Deliverer) render(ctx context.Context, n *notification.Notification, ch notification.Channel, templateName string, vars map[string]string) (subject, body string) {
	subject, body = n.Title, n.Body
	if templateName == "" || d.renderer == nil {
		return subject, body
	}
	s, b, err := d.renderer.Render(ctx, templateName, ch, vars)
	if err != nil {
		d.log.Debug("template render failed, using raw body",
			zap.String("template", templateName),
			zap.String("channel", string(ch)),
			zap.Error(err),
		)
		return subject, body
	}
	if s != "" {
		subject = s
	}
	if b != "" {
		body = b
	}
	return subject, body
}
