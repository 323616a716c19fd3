package exporter

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"autorx/telemetry"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// publishTimeout bounds how long a single publish may hold up dispatch.
const publishTimeout = 5 * time.Second

// MQTTPublisher forwards every accepted telemetry frame to an MQTT broker
// as a JSON payload on <prefix>/<type>/<id>. Reconnects are handled by the
// MQTT library; frames arriving while disconnected are dropped with an
// error the dispatcher logs.
type MQTTPublisher struct {
	client mqtt.Client
	prefix string
}

// NewMQTTPublisher connects to the broker. A failed initial connection is a
// construction error: better to refuse startup than silently publish into
// the void.
func NewMQTTPublisher(broker string, port int, prefix string, clientID string) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", broker, port))
	if clientID == "" {
		clientID = fmt.Sprintf("autorx-%d", time.Now().Unix())
	}
	opts.SetClientID(clientID)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("MQTT: connected to %s:%d", broker, port)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("MQTT: connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect to %s:%d: %w", broker, port, token.Error())
	}

	return &MQTTPublisher{client: client, prefix: prefix}, nil
}

// Publish sends one frame. Matches the telemetry.Consumer signature.
func (p *MQTTPublisher) Publish(rec *telemetry.Record) error {
	if !p.client.IsConnected() {
		return fmt.Errorf("mqtt: not connected, dropping frame %d from %s", rec.Frame, rec.ID)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("mqtt: marshal frame: %w", err)
	}
	token := p.client.Publish(topicFor(p.prefix, rec), 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish timed out for %s", rec.ID)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish: %w", err)
	}
	return nil
}

// Stop disconnects from the broker, allowing a short window for in-flight
// messages to flush.
func (p *MQTTPublisher) Stop() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

func topicFor(prefix string, rec *telemetry.Record) string {
	return fmt.Sprintf("%s/%s/%s", prefix, rec.Type, rec.ID)
}
