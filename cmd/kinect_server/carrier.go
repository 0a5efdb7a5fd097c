package main

import (
	"context"
	"fmt"

	"github.com/depthwire/kinectwrapper/internal/config"
	"github.com/depthwire/kinectwrapper/internal/transport"
	"github.com/depthwire/kinectwrapper/internal/transport/mqtt"
	"github.com/depthwire/kinectwrapper/internal/transport/websocket"
)

// newCarrier starts the server side of the configured carrier. Closing it
// releases the listener or the broker connection.
func newCarrier(ctx context.Context, tc config.TransportConfig) (transport.Server, error) {
	switch tc.Carrier {
	case "ws", "websocket":
		hub := websocket.NewHub(Logger)
		if err := hub.Start(tc.Listen); err != nil {
			return nil, err
		}
		return hub, nil
	case "mqtt":
		client, clientID, err := mqtt.Connect(ctx, mqtt.Config{Broker: tc.Broker, Logger: Logger})
		if err != nil {
			return nil, err
		}
		Logger.Info("MQTT carrier ready", "broker", tc.Broker, "clientID", clientID)
		return mqtt.NewServer(client, Logger), nil
	}
	return nil, fmt.Errorf("unknown carrier %q", tc.Carrier)
}
