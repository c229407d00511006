// Package mqtt listens for sensor change notifications published over MQTT.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/jbctechsolutions/pulsesync/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/pulsesync/internal/domain/errors"
	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
	"github.com/jbctechsolutions/pulsesync/internal/infrastructure/logging"
)

// Compile-time check that Listener implements ChangeNotifierPort.
var _ ports.ChangeNotifierPort = (*Listener)(nil)

// DefaultTopic matches pulsesync/<owner>/changed for every owner.
const DefaultTopic = "pulsesync/+/changed"

// Config holds broker settings.
type Config struct {
	Broker     string
	ClientID   string
	Topic      string
	Username   string
	Password   string
	QoS        byte
	BufferSize int
}

// changeMessage is the notification body. Both fields are optional: the
// owner falls back to the topic segment, and an empty metric type means
// every type.
type changeMessage struct {
	OwnerID    string `json:"owner_id"`
	MetricType string `json:"metric_type"`
}

// Listener subscribes to a topic and forwards parsed notifications.
type Listener struct {
	client  paho.Client
	topic   string
	changes chan ports.SourceChange
	logger  *logging.Logger
	now     func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewListener connects to the broker and subscribes to cfg.Topic.
func NewListener(cfg Config, logger *logging.Logger) (*Listener, error) {
	if cfg.Broker == "" {
		return nil, domainErrors.NewError(domainErrors.CodeConfiguration, "mqtt broker is required", nil)
	}

	l := newListener(cfg, logger)

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	// Resubscribe after reconnects since the session is clean.
	opts.SetOnConnectHandler(func(c paho.Client) {
		if token := c.Subscribe(l.topic, cfg.QoS, l.onMessage); token.Wait() && token.Error() != nil {
			l.logger.Error("mqtt subscribe failed", "topic", l.topic, "error", token.Error())
		}
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	l.client = client

	l.logger.Info("mqtt listener connected", "broker", cfg.Broker, "topic", l.topic)
	return l, nil
}

func newListener(cfg Config, logger *logging.Logger) *Listener {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Listener{
		topic:   cfg.Topic,
		changes: make(chan ports.SourceChange, cfg.BufferSize),
		logger:  logger,
		now:     time.Now,
	}
}

// Changes returns the notification channel. It is closed by Close.
func (l *Listener) Changes() <-chan ports.SourceChange {
	return l.changes
}

// Close unsubscribes, disconnects and closes the channel.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var err error
	if l.client != nil {
		if token := l.client.Unsubscribe(l.topic); token.Wait() && token.Error() != nil {
			err = fmt.Errorf("failed to unsubscribe: %w", token.Error())
		}
		l.client.Disconnect(250)
	}
	close(l.changes)
	return err
}

func (l *Listener) onMessage(_ paho.Client, msg paho.Message) {
	l.handle(msg.Topic(), msg.Payload())
}

func (l *Listener) handle(topic string, payload []byte) {
	change, err := ParseChange(topic, payload)
	if err != nil {
		l.logger.Warn("ignoring mqtt notification", "topic", topic, "error", err)
		return
	}
	change.At = l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.changes <- change:
	default:
		l.logger.Debug("mqtt notification dropped, buffer full", "owner_id", change.OwnerID)
	}
}

// ParseChange decodes a notification published on topic. An empty payload
// is accepted when the topic names the owner.
func ParseChange(topic string, payload []byte) (ports.SourceChange, error) {
	var msg changeMessage
	if len(strings.TrimSpace(string(payload))) > 0 {
		if err := json.Unmarshal(payload, &msg); err != nil {
			return ports.SourceChange{}, domainErrors.NewError(domainErrors.CodeValidation, "malformed change payload", err)
		}
	}

	if msg.OwnerID == "" {
		msg.OwnerID = ownerFromTopic(topic)
	}
	if msg.OwnerID == "" {
		return ports.SourceChange{}, domainErrors.NewError(domainErrors.CodeValidation, "change has no owner", domainErrors.ErrOwnerRequired)
	}

	change := ports.SourceChange{OwnerID: msg.OwnerID}
	if msg.MetricType != "" {
		t, err := metric.ParseType(msg.MetricType)
		if err != nil {
			return ports.SourceChange{}, err
		}
		change.MetricType = t
	}
	return change, nil
}

// ownerFromTopic extracts <owner> from pulsesync/<owner>/changed.
func ownerFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) == 3 && parts[2] == "changed" {
		return parts[1]
	}
	return ""
}
