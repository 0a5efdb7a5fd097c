// Package mqtt carries outlets, inlets and rpc over an MQTT broker.
//
// Port names map to topics with the leading slash removed. An rpc port
// receives requests on <port>/request and replies go to the topic named in
// the request. Subscribers announce themselves with a retained message on
// <port>/presence/<client id> so outlets can count them. Each connection
// also keeps a retained marker on clients/<client id>, cleared by its last
// will, and outlets only count presence of clients whose marker is set.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	qos            = 0
	connectTimeout = 30 * time.Second
	quiesceMillis  = 250
	presenceOn     = "1"
	livenessRoot   = "kinectwrapper/clients"
)

// Broker is the part of mqtt.Client the carrier uses.
type Broker interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

// Config holds broker connection settings.
type Config struct {
	Broker   string
	ClientID string
	Logger   *slog.Logger
}

// Connect dials the broker. An empty ClientID gets a random one.
func Connect(ctx context.Context, cfg Config) (mqtt.Client, string, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.New().String()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(clientID)
	opts.SetKeepAlive(2 * time.Second)
	opts.SetPingTimeout(1 * time.Second)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetAutoReconnect(true)
	// the broker clears the liveness marker when this connection dies
	opts.SetWill(livenessTopic(clientID), "", 1, true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("Connected to MQTT", "broker", cfg.Broker, "clientID", clientID)
		c.Publish(livenessTopic(clientID), 1, true, presenceOn)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "broker", cfg.Broker, "error", err)
	})

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return nil, "", fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	return client, clientID, nil
}

func wait(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Topic converts a port name to a topic.
func Topic(port string) string {
	return strings.TrimPrefix(port, "/")
}

func requestTopic(port string) string {
	return Topic(port) + "/request"
}

func presenceTopic(port, clientID string) string {
	return Topic(port) + "/presence/" + clientID
}

func livenessTopic(clientID string) string {
	return livenessRoot + "/" + clientID
}

func replyTopic(local, clientID string) string {
	return Topic(local) + "/rpc/response/" + clientID
}
