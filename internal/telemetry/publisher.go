// Package telemetry publishes context-core state and events to an MQTT
// broker: a retained availability topic with a will message, a retained
// state document refreshed on an interval, and one message per bus
// event. Telemetry is optional; the daemon runs fine without a broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/Tecet/OLLM-CLI-sub015/internal/buildinfo"
	"github.com/Tecet/OLLM-CLI-sub015/internal/config"
	"github.com/Tecet/OLLM-CLI-sub015/internal/events"
)

// defaultInterval is how often the retained state document is
// refreshed when the config does not say otherwise.
const defaultInterval = 30 * time.Second

// StateSource provides the runtime data for the state document. The
// concrete adapter is wired in main.go to avoid coupling this package
// to the manager or the GPU monitor.
type StateSource interface {
	// ContextBudget returns the current pool budget in tokens.
	ContextBudget() int
	// Tier returns the current policy tier name.
	Tier() string
	// ActiveSessions returns the count of known sessions.
	ActiveSessions() int
	// VRAMAvailable returns available VRAM in bytes, or 0 when the
	// process runs in CPU mode.
	VRAMAvailable() uint64
	// CPUMode reports whether VRAM probing has latched to CPU mode.
	CPUMode() bool
}

// State is the retained state document published to <base>/<id>/state.
type State struct {
	Version        string `json:"version"`
	Uptime         string `json:"uptime"`
	ContextBudget  int    `json:"context_budget"`
	Tier           string `json:"tier"`
	ActiveSessions int    `json:"active_sessions"`
	VRAMAvailable  uint64 `json:"vram_available_bytes"`
	CPUMode        bool   `json:"cpu_mode"`
}

// Publisher manages the MQTT connection, keeps the retained state
// document fresh, and forwards bus events.
type Publisher struct {
	cfg    config.MQTTConfig
	source StateSource
	bus    *events.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, source StateSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	return &Publisher{
		cfg:    cfg,
		source: source,
		bus:    bus,
		logger: logger.With("component", "telemetry"),
	}
}

// Start connects to the MQTT broker and blocks until ctx is cancelled.
// On every (re-)connect it publishes an "online" availability message;
// the broker publishes "offline" via the will on unclean disconnect.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "contextd-" + p.cfg.InstanceID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return p.cfg.TopicBase + "/" + p.cfg.InstanceID
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic() string {
	return p.baseTopic() + "/state"
}

func (p *Publisher) eventTopic(kind string) string {
	return p.baseTopic() + "/events/" + kind
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// runLoop refreshes the state document on a ticker and forwards bus
// events as they arrive.
func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(defaultInterval)
	defer ticker.Stop()

	ch := p.bus.Subscribe(64)
	defer p.bus.Unsubscribe(ch)

	// Publish immediately on start.
	p.publishState(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishState(ctx)
		case ev, ok := <-ch:
			if !ok {
				return
			}
			p.publishEvent(ctx, ev)
		}
	}
}

func (p *Publisher) publishState(ctx context.Context) {
	if p.cm == nil || p.source == nil {
		return
	}

	state := State{
		Version:        buildinfo.Version,
		Uptime:         buildinfo.Uptime().Truncate(time.Second).String(),
		ContextBudget:  p.source.ContextBudget(),
		Tier:           p.source.Tier(),
		ActiveSessions: p.source.ActiveSessions(),
		VRAMAvailable:  p.source.VRAMAvailable(),
		CPUMode:        p.source.CPUMode(),
	}
	payload, err := json.Marshal(state)
	if err != nil {
		p.logger.Error("mqtt marshal state payload", "error", err)
		return
	}

	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.stateTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt state publish failed", "error", err)
	}
}

func (p *Publisher) publishEvent(ctx context.Context, ev events.Event) {
	if p.cm == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("mqtt marshal event payload", "kind", ev.Kind, "error", err)
		return
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.eventTopic(ev.Kind),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "kind", ev.Kind, "error", err)
	}
}
