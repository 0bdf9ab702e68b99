// Package telemetry publishes session and traffic events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/seerlink-project/seerlink/internal/config"
	"github.com/seerlink-project/seerlink/internal/events"
	"github.com/seerlink-project/seerlink/internal/util"
)

// Topic suffixes under seerlink/<user_id>/.
const (
	TopicStatus  = "status"
	TopicPackets = "packets"
)

var statusEvents = []events.EventType{
	events.EventHandshakeState,
	events.EventLoginSucceeded,
	events.EventLoginFailed,
	events.EventKeyRotated,
	events.EventDisconnected,
	events.EventShutdown,
}

// publisher is the slice of mqtt.Client the handler needs.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler forwards bus events to the broker as JSON.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	userID   uint32
	eventBus *events.EventBus
	client   mqtt.Client
	pub      publisher
	logger   zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a handler for account userID.
func NewMQTTHandler(cfg config.MQTTConfig, userID uint32, eventBus *events.EventBus) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	host := util.GetHostInfo()
	h := &MQTTHandler{
		cfg:      cfg,
		userID:   userID,
		eventBus: eventBus,
		logger:   log.With().Str("component", "mqtt").Logger(),
		metadata: map[string]interface{}{
			"hostname":  host.Hostname,
			"os":        host.OS,
			"arch":      host.Architecture,
			"memory_mb": host.TotalMemory,
			"user_id":   userID,
		},
	}

	opts, err := h.clientOptions(host.Hostname)
	if err != nil {
		return nil, err
	}
	h.client = mqtt.NewClient(opts)
	h.pub = h.client

	return h, nil
}

func (h *MQTTHandler) clientOptions(hostname string) (*mqtt.ClientOptions, error) {
	scheme := "tcp"
	if h.cfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, h.cfg.BrokerURL, h.cfg.Port))

	if h.cfg.ClientID != "" {
		opts.SetClientID(h.cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("seerlink-%s-%d", hostname, h.userID))
	}
	if h.cfg.Username != "" {
		opts.SetUsername(h.cfg.Username)
		opts.SetPassword(h.cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if h.cfg.UseTLS {
		tlsConfig, err := h.tlsConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	return opts, nil
}

func (h *MQTTHandler) tlsConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if h.cfg.CAFile != "" {
		pem, err := os.ReadFile(h.cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", h.cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	if h.cfg.CertFile != "" && h.cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(h.cfg.CertFile, h.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Start connects to the broker, forwards events until ctx is done, then
// publishes a shutdown notice and disconnects.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribe()

	<-ctx.Done()

	h.publish(TopicStatus, events.EventShutdown, nil)
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")

	return nil
}

func (h *MQTTHandler) subscribe() {
	h.eventBus.SubscribeMany(statusEvents, "mqtt.status", func(ctx context.Context, e events.Event) error {
		h.publish(TopicStatus, e.Type, e.Payload)
		return nil
	})
	h.eventBus.SubscribeMany(events.PacketEvents, "mqtt.packets", func(ctx context.Context, e events.Event) error {
		h.publish(TopicPackets, e.Type, e.Payload)
		return nil
	})
}

// Topic returns the full topic for suffix.
func (h *MQTTHandler) Topic(suffix string) string {
	return fmt.Sprintf("seerlink/%d/%s", h.userID, suffix)
}

func (h *MQTTHandler) publish(suffix string, eventType events.EventType, payload interface{}) {
	if !h.pub.IsConnected() {
		return
	}

	topic := h.Topic(suffix)
	data, err := json.Marshal(h.buildMessage(eventType, payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.pub.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

func (h *MQTTHandler) buildMessage(eventType events.EventType, payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+3)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["event"] = eventType
	if payload != nil {
		msg["payload"] = payload
	}
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}
