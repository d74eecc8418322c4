package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taglocator/gateway-server/internal/model"
)

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *doneToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	msgs []published
	err  error
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.msgs = append(c.msgs, published{topic, qos, retained, payload.([]byte)})
	return &doneToken{err: c.err}
}

func TestOwnerChangedPublishesRetainedJSON(t *testing.T) {
	client := &fakeClient{}
	n := newNotifier(client, "taglocator/", slog.New(slog.NewTextHandler(io.Discard, nil)))

	change := model.OwnerChange{
		TenantID:      "acme",
		TagID:         "C0:FF:EE:00:11:22",
		FromGatewayID: "GW1",
		ToGatewayID:   "GW2",
		Mode:          model.ModeRealtime,
		ChangedAt:     time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
	}
	n.OwnerChanged(context.Background(), change)

	require.Len(t, client.msgs, 1)
	msg := client.msgs[0]
	assert.Equal(t, "taglocator/acme/tags/C0FFEE001122/owner", msg.topic)
	assert.Equal(t, byte(1), msg.qos)
	assert.True(t, msg.retained)

	var got model.OwnerChange
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	assert.Equal(t, change, got)
}

func TestOwnerChangedSwallowsBrokerErrors(t *testing.T) {
	client := &fakeClient{err: errors.New("not connected")}
	n := newNotifier(client, "x", slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.NotPanics(t, func() {
		n.OwnerChanged(context.Background(), model.OwnerChange{TenantID: "a", TagID: "b"})
	})
	assert.Len(t, client.msgs, 1)
	n.Close()
}
