// Package notify publishes finished diagnoses to downstream subscribers over MQTT.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/example/neuroscan/internal/config"
	"github.com/example/neuroscan/internal/diagnosis"
)

var errPublishTimeout = errors.New("mqtt publish timed out")

// Event is the message body published for each diagnosis.
type Event struct {
	RecordID       string             `json:"recordId,omitempty"`
	RequesterID    string             `json:"requesterId"`
	TumorType      string             `json:"tumorType"`
	HasTumor       bool               `json:"hasTumor"`
	Diagnosis      string             `json:"diagnosis"`
	Confidence     float64            `json:"confidence"`
	Probabilities  map[string]float64 `json:"probabilities"`
	ImageReference string             `json:"imageReference"`
	CreatedAt      time.Time          `json:"createdAt"`
	Classifier     string             `json:"classifier"`
}

// NewEvent builds the published event for rec. classifierMode tells subscribers whether
// the prediction came from a real model.
func NewEvent(rec diagnosis.Record, classifierMode string) Event {
	return Event{
		RecordID:       rec.RecordID,
		RequesterID:    rec.RequesterID,
		TumorType:      rec.TumorType,
		HasTumor:       rec.HasTumor,
		Diagnosis:      rec.DiagnosisLabel,
		Confidence:     rec.Confidence,
		Probabilities:  rec.Probabilities,
		ImageReference: rec.ImageReference,
		CreatedAt:      rec.CreatedAt,
		Classifier:     classifierMode,
	}
}

// Topic builds the per-requester topic. MQTT wildcard and level characters in the
// identity are replaced so one requester can never address another's topic.
func Topic(prefix, requesterID string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', 0:
			return '_'
		}
		return r
	}, requesterID)
	if safe == "" {
		safe = diagnosis.DefaultRequester
	}
	return strings.TrimRight(prefix, "/") + "/" + safe
}

// MQTTPublisher publishes events to a broker.
type MQTTPublisher struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
	logger  *zap.Logger
}

// NewMQTTPublisher connects to the broker configured in cfg.
func NewMQTTPublisher(cfg config.MQTTConfig, logger *zap.Logger) (*MQTTPublisher, error) {
	logger = logger.Named("mqtt_publisher")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connected", zap.String("broker", cfg.Broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect failed: %w", token.Error())
	}

	return newMQTTPublisher(client, cfg.TopicPrefix, byte(cfg.QoS), 2*time.Second, logger), nil
}

func newMQTTPublisher(client mqtt.Client, prefix string, qos byte, timeout time.Duration, logger *zap.Logger) *MQTTPublisher {
	return &MQTTPublisher{
		client:  client,
		prefix:  prefix,
		qos:     qos,
		timeout: timeout,
		logger:  logger,
	}
}

// Publish sends ev to the requester's topic and waits for the broker acknowledgement
// up to the publisher timeout or ctx cancellation.
func (p *MQTTPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	token := p.client.Publish(Topic(p.prefix, ev.RequesterID), p.qos, false, payload)
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker, giving in-flight messages a short grace period.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
