package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type SMSConfig struct {
	ProviderURL string        `mapstructure:"provider_url"`
	APIKey      string        `mapstructure:"api_key"`
	From        string        `mapstructure:"from"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func (c SMSConfig) Configured() bool { return c.ProviderURL != "" && c.APIKey != "" }

// SMSGateway posts to an external SMS provider's message endpoint.
type SMSGateway struct {
	cfg    SMSConfig
	client *http.Client
	log    *zap.Logger
}

func NewSMSGateway(cfg SMSConfig, log *zap.Logger) *SMSGateway {
	if log == nil {
		log = zap.L()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SMSGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    log.With(zap.String("component", "notifier.sms")),
	}
}

func (g *SMSGateway) SendSMS(ctx context.Context, to, body string) error {
	payload, err := json.Marshal(map[string]string{
		"to":   to,
		"from": g.cfg.From,
		"body": body,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.ProviderURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		g.log.Error("sms provider call failed", zap.Error(err))
		return err
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		g.log.Warn("sms provider rejected message", zap.Int("status", resp.StatusCode), zap.String("to", to))
		return fmt.Errorf("sms provider status %d", resp.StatusCode)
	}
	g.log.Info("sms sent", zap.String("to", to))
	return nil
}

type WebConfig struct {
	GatewayURL string        `mapstructure:"gateway_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func (c WebConfig) Configured() bool { return c.GatewayURL != "" }

// WebGateway hands a payload to the live-connection layer (the websocket
// gateway owns fan-out to open browser sessions). Fire-and-forget: an error
// means the hand-off failed, not that the user never saw it.
type WebGateway struct {
	cfg    WebConfig
	client *http.Client
	log    *zap.Logger
}

func NewWebGateway(cfg WebConfig, log *zap.Logger) *WebGateway {
	if log == nil {
		log = zap.L()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    log.With(zap.String("component", "notifier.web")),
	}
}

func (g *WebGateway) SendWeb(ctx context.Context, userID string, payload []byte) error {
	body, err := json.Marshal(map[string]json.RawMessage{
		"user_id": json.RawMessage(fmt.Sprintf("%q", userID)),
		"payload": payload,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		g.log.Warn("web gateway call failed", zap.Error(err))
		return err
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("web gateway status %d", resp.StatusCode)
	}
	g.log.Debug("web notification handed off", zap.String("user_id", userID))
	return nil
}

// PushStub stands in for a push provider integration that does not exist yet.
type PushStub struct {
	log *zap.Logger
}

func NewPushStub(log *zap.Logger) *PushStub {
	if log == nil {
		log = zap.L()
	}
	return &PushStub{log: log.With(zap.String("component", "notifier.push"))}
}

func (p *PushStub) SendPush(ctx context.Context, userID, title, body string) error {
	p.log.Warn("push delivery not implemented", zap.String("user_id", userID))
	return fmt.Errorf("push: %w", errNotImplemented)
}

var errNotImplemented = fmt.Errorf("provider not implemented")
