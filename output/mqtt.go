package output

import (
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/akulov/sds011d/config"
)

const (
	defaultMQTTClientID = "sds011d"
	defaultMQTTTopic    = "sds011/readings"
)

// MQTTSink publishes each event as a JSON payload to a single topic.
type MQTTSink struct {
	client mqtt.Client
	topic  string
}

func NewMQTT(cfg config.MQTT) (*MQTTSink, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = defaultMQTTClientID
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, errors.Wrap(token.Error(), "mqtt connect")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = defaultMQTTTopic
	}
	return &MQTTSink{client: client, topic: topic}, nil
}

func (s *MQTTSink) Emit(ev Event) error {
	payload, err := Render(ev, config.FormatJSONL)
	if err != nil {
		return err
	}
	token := s.client.Publish(s.topic, 0, false, []byte(payload))
	token.Wait()
	return errors.Wrap(token.Error(), "mqtt publish")
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
