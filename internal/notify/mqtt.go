// Package notify publishes tag ownership changes to an MQTT broker.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"taglocator/gateway-server/internal/model"
)

const publishTimeout = 2 * time.Second

// publisher is the slice of mqtt.Client the notifier uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTNotifier sends an OwnerChange message per tag move. Messages are retained
// so a new subscriber sees each tag's latest owner.
type MQTTNotifier struct {
	client publisher
	prefix string
	logger *slog.Logger
	close  func()
}

// Dial connects to the broker at brokerURL (for example tcp://localhost:1883).
func Dial(brokerURL, clientID, prefix string, logger *slog.Logger) (*MQTTNotifier, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	switch {
	case !token.WaitTimeout(10 * time.Second):
		// connect retry keeps going in the background
		logger.Warn("mqtt broker not reachable yet", "broker", brokerURL)
	case token.Error() != nil:
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: %w", brokerURL, token.Error())
	default:
		logger.Info("mqtt notifier connected", "broker", brokerURL, "prefix", prefix)
	}

	n := newNotifier(client, prefix, logger)
	n.close = func() { client.Disconnect(250) }
	return n, nil
}

func newNotifier(client publisher, prefix string, logger *slog.Logger) *MQTTNotifier {
	return &MQTTNotifier{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: logger,
	}
}

// Topic returns the topic a change for tagID in companyID is published on.
func (n *MQTTNotifier) Topic(companyID, tagID string) string {
	return fmt.Sprintf("%s/%s/tags/%s/owner", n.prefix, companyID, strings.ReplaceAll(tagID, ":", ""))
}

// OwnerChanged publishes the change. Failures are logged; location updates never
// wait on the broker for longer than publishTimeout.
func (n *MQTTNotifier) OwnerChanged(ctx context.Context, change model.OwnerChange) {
	payload, err := json.Marshal(change)
	if err != nil {
		n.logger.Error("encode owner change", "tag", change.TagID, "error", err)
		return
	}

	topic := n.Topic(change.TenantID, change.TagID)
	token := n.client.Publish(topic, 1, true, payload)

	wait := publishTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < wait {
		wait = time.Until(dl)
	}
	if !token.WaitTimeout(wait) {
		n.logger.Warn("owner change publish timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		n.logger.Warn("owner change publish failed", "topic", topic, "error", err)
	}
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close() {
	if n.close != nil {
		n.close()
	}
}
