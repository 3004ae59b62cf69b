//go:build integration

package nats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvorotnikov/open-iot-sub001/natsclient"
	"github.com/pvorotnikov/open-iot-sub001/transport"
)

func TestBroker_RoundTrip(t *testing.T) {
	server := natsclient.StartTestServer(t)

	cfg := DefaultConfig()
	cfg.URL = server.URL
	b, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Subscribe(ctx, "sensors/+/temp"))
	require.NoError(t, b.Connect(ctx))
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	assert.Equal(t, transport.EventConnected, (<-b.Events()).Type)

	require.NoError(t, b.Publish(ctx, "sensors/s1/temp", []byte("21"), 1, false))
	require.NoError(t, b.Publish(ctx, "sensors/s1/humidity", []byte("40"), 1, false))

	select {
	case msg := <-b.Messages():
		assert.Equal(t, "sensors/s1/temp", msg.Topic())
		assert.Equal(t, []byte("21"), msg.Payload)
		assert.Equal(t, Name, msg.Source)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}
