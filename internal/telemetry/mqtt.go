// Package telemetry publishes device events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/pspdrp/companion/internal/config"
	"github.com/pspdrp/companion/internal/events"
	"github.com/pspdrp/companion/internal/util"
)

// Topic suffixes under the configured prefix.
const (
	TopicStatus  = "status"
	TopicDevices = "devices"
)

// published lists the events mirrored to the broker.
var published = []events.EventType{
	events.EventDeviceConnected,
	events.EventDeviceIdentified,
	events.EventDeviceDisconnected,
	events.EventHeartbeat,
	events.EventGameChanged,
	events.EventIconReady,
	events.EventStatsUploaded,
	events.EventTransferAbandoned,
}

// MQTTHandler manages the MQTT connection and publishes device events.
type MQTTHandler struct {
	mu sync.Mutex

	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	prefix   string

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus, version string) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	handler := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		prefix:   strings.Trim(cfg.TopicPrefix, "/"),
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"platform":    sysInfo.Platform,
			"app_version": version,
		},
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("pspdrp-%s", sysInfo.Hostname))
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)
	opts.SetWill(handler.topic(TopicStatus), `{"online":false}`, 1, true)

	if cfg.UseTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		if cfg.CAFile != "" {
			pem, err := os.ReadFile(cfg.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates in MQTT CA file %s", cfg.CAFile)
			}
			tlsConfig.RootCAs = pool
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
		handler.publishRetained(TopicStatus, map[string]interface{}{"online": true})
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)
	return handler, nil
}

// brokerURL accepts a bare host or a full URL.
func brokerURL(cfg config.MQTTConfig) string {
	if strings.Contains(cfg.BrokerURL, "://") {
		return cfg.BrokerURL
	}
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port)
}

// Start connects to the MQTT broker and subscribes to events.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", brokerURL(h.cfg)).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	<-ctx.Done()

	for _, t := range published {
		h.eventBus.Unsubscribe(t, "mqtt")
	}
	h.PublishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	for _, t := range published {
		h.eventBus.Subscribe(t, "mqtt", h.onDeviceEvent)
	}
}

// topic joins the configured prefix and parts into a topic name.
func (h *MQTTHandler) topic(parts ...string) string {
	if h.prefix == "" {
		return strings.Join(parts, "/")
	}
	return h.prefix + "/" + strings.Join(parts, "/")
}

// DeviceTopic is where events of one device are published. Device ids carry
// a slash and a port colon, both replaced to keep one topic level per device.
func (h *MQTTHandler) DeviceTopic(deviceID string, t events.EventType) string {
	r := strings.NewReplacer("/", "_", ":", "_", "+", "_", "#", "_")
	return h.topic(TopicDevices, r.Replace(deviceID), string(t))
}

func (h *MQTTHandler) publish(topic string, payload interface{}, retained bool) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, retained, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

func (h *MQTTHandler) publishRetained(suffix string, payload interface{}) {
	h.publish(h.topic(suffix), payload, true)
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()

	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

func (h *MQTTHandler) onDeviceEvent(ctx context.Context, event events.Event) error {
	// The current game is retained so late subscribers see what is playing.
	retained := event.Type == events.EventGameChanged
	h.publish(h.DeviceTopic(event.Source, event.Type), event.Payload, retained)
	return nil
}

// PublishShutdown marks the daemon offline.
func (h *MQTTHandler) PublishShutdown() {
	h.publishRetained(TopicStatus, map[string]interface{}{
		"online": false,
		"event":  "shutdown",
	})
}

// PublishStatus refreshes the retained status message with a health summary.
func (h *MQTTHandler) PublishStatus(status interface{}) {
	h.publishRetained(TopicStatus, map[string]interface{}{
		"online": true,
		"health": status,
	})
}
