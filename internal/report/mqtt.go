package report

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"mcuflasher/internal/upload"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// MQTTOptions selects the broker and topic.
type MQTTOptions struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// MQTTPublisher publishes every terminal outcome as JSON to <topic>/<family>.
type MQTTPublisher struct {
	opts   MQTTOptions
	client mqtt.Client
	log    *logrus.Entry

	mu        sync.Mutex
	published uint64
	errors    uint64
}

// NewMQTTPublisher builds an auto-reconnecting client. Nothing is sent until Connect.
func NewMQTTPublisher(o MQTTOptions) *MQTTPublisher {
	p := &MQTTPublisher{opts: o, log: logrus.WithField("component", "report")}

	co := mqtt.NewClientOptions()
	co.AddBroker(brokerURL(o.Broker))
	if o.ClientID != "" {
		co.SetClientID(o.ClientID)
	}
	co.SetUsername(o.Username)
	co.SetPassword(o.Password)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(2 * time.Second)
	co.SetMaxReconnectInterval(30 * time.Second)
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.log.WithError(err).Warn("mqtt connection lost, reconnecting")
	}
	p.client = mqtt.NewClient(co)
	return p
}

func brokerURL(b string) string {
	if strings.Contains(b, "://") {
		return b
	}
	return "tcp://" + b
}

// Connect waits for the first connection.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectTimeout):
		return errors.Errorf("mqtt connect to %s timed out", p.opts.Broker)
	}
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "mqtt connect")
	}
	p.log.Infof("publishing outcomes to %s", p.opts.Broker)
	return nil
}

type outcomePayload struct {
	ID         string    `json:"id"`
	Family     string    `json:"family"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	Hint       string    `json:"hint,omitempty"`
	Chip       string    `json:"chip,omitempty"`
	MAC        string    `json:"mac,omitempty"`
	Corrected  bool      `json:"corrected"`
	Attempts   int       `json:"attempts"`
	Images     []string  `json:"images"`
	Started    time.Time `json:"started"`
	DurationMS int64     `json:"duration_ms"`
}

func payloadFor(out upload.Outcome) outcomePayload {
	images := make([]string, 0, len(out.Images))
	for _, img := range out.Images {
		images = append(images, img.String())
	}
	return outcomePayload{
		ID:         out.ID,
		Family:     out.Family.String(),
		Status:     out.Status.String(),
		Message:    out.Message(),
		Hint:       out.Hint,
		Chip:       out.Chip.Variant,
		MAC:        out.Chip.MAC,
		Corrected:  out.Corrected,
		Attempts:   out.Attempts,
		Images:     images,
		Started:    out.Started,
		DurationMS: out.Duration().Milliseconds(),
	}
}

// Publish sends one outcome.
func (p *MQTTPublisher) Publish(out upload.Outcome) error {
	payload, err := json.Marshal(payloadFor(out))
	if err != nil {
		return p.fail(errors.Wrap(err, "encode outcome"))
	}
	if !p.client.IsConnected() {
		return p.fail(errors.New("mqtt not connected"))
	}

	topic := p.opts.Topic + "/" + strings.ToLower(out.Family.String())
	token := p.client.Publish(topic, p.opts.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return p.fail(errors.New("mqtt publish timed out"))
	}
	if err := token.Error(); err != nil {
		return p.fail(errors.Wrap(err, "mqtt publish"))
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	p.log.Debugf("outcome %s published to %s", out.ID, topic)
	return nil
}

// Record publishes out and logs a failure instead of returning it.
func (p *MQTTPublisher) Record(out upload.Outcome) {
	if err := p.Publish(out); err != nil {
		p.log.WithError(err).Warn("outcome not published")
	}
}

// Stats returns published and failed counts.
func (p *MQTTPublisher) Stats() (published, failed uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.errors
}

// Close disconnects, letting in-flight messages finish.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}

func (p *MQTTPublisher) fail(err error) error {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
	return err
}
