package telemetry

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seerlink-project/seerlink/internal/events"
)

const metricsNamespace = "seerlink"

// Metrics counts session and traffic events for Prometheus.
type Metrics struct {
	registry *prometheus.Registry

	packets      *prometheus.CounterVec
	packetBytes  *prometheus.CounterVec
	logins       *prometheus.CounterVec
	captchas     prometheus.Counter
	keyRotations prometheus.Counter
	disconnects  prometheus.Counter
	connected    prometheus.Gauge
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_total",
			Help:      "Game packets by direction and command",
		}, []string{"direction", "command"}),

		packetBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packet_bytes_total",
			Help:      "Plaintext packet bytes by direction",
		}, []string{"direction"}),

		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "logins_total",
			Help:      "Login attempts by outcome",
		}, []string{"result"}),

		captchas: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "captcha_challenges_total",
			Help:      "CAPTCHA challenges issued by the login server",
		}),

		keyRotations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "key_rotations_total",
			Help:      "Session keys derived from the enter acknowledgement",
		}),

		disconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "disconnects_total",
			Help:      "Game connections lost",
		}),

		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connected",
			Help:      "1 while a game session is logged in",
		}),
	}
}

// Attach subscribes the collectors to the event bus.
func (m *Metrics) Attach(bus *events.EventBus) {
	bus.SubscribeMany(events.PacketEvents, "metrics.packets", func(ctx context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.PacketPayload); ok {
			m.observePacket(p)
		}
		return nil
	})
	bus.SubscribeMany([]events.EventType{
		events.EventLoginSucceeded,
		events.EventLoginFailed,
		events.EventCaptchaRequired,
		events.EventKeyRotated,
		events.EventDisconnected,
	}, "metrics.session", func(ctx context.Context, e events.Event) error {
		m.observeSession(e.Type)
		return nil
	})
}

func (m *Metrics) observePacket(p events.PacketPayload) {
	command := p.Name
	if command == "" {
		command = strconv.FormatUint(uint64(p.Command), 10)
	}
	m.packets.WithLabelValues(string(p.Direction), command).Inc()
	m.packetBytes.WithLabelValues(string(p.Direction)).Add(float64(p.Length))
}

func (m *Metrics) observeSession(t events.EventType) {
	switch t {
	case events.EventLoginSucceeded:
		m.logins.WithLabelValues("ok").Inc()
		m.connected.Set(1)
	case events.EventLoginFailed:
		m.logins.WithLabelValues("failed").Inc()
	case events.EventCaptchaRequired:
		m.captchas.Inc()
	case events.EventKeyRotated:
		m.keyRotations.Inc()
	case events.EventDisconnected:
		m.disconnects.Inc()
		m.connected.Set(0)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
