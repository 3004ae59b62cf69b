package message

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_AssignsIdentity(t *testing.T) {
	before := time.Now()
	msg := New("sensors/42/temp", []byte(`{"value":21.5}`))

	assert.Equal(t, "sensors/42/temp", msg.Topic())
	assert.Equal(t, []string{"sensors", "42", "temp"}, msg.Levels())
	_, err := uuid.Parse(msg.CorrelationID())
	require.NoError(t, err, "correlation id should be a uuid")
	assert.False(t, msg.ReceivedAt().Before(before))
	assert.Empty(t, msg.Tags())
}

func TestNew_Options(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := New("a/b", nil,
		WithCorrelationID("corr-1"),
		WithReceivedAt(at),
		WithQoS(1),
		WithRetained(true),
		WithSource("mqtt"),
		WithTags("x", "y"))

	assert.Equal(t, "corr-1", msg.CorrelationID())
	assert.Equal(t, at, msg.ReceivedAt())
	assert.Equal(t, byte(1), msg.QoS)
	assert.True(t, msg.Retained)
	assert.Equal(t, "mqtt", msg.Source)
	assert.Equal(t, []string{"x", "y"}, msg.Tags())
}

func TestTags(t *testing.T) {
	msg := New("a", nil)
	msg.AddTags("zeta", "alpha", "", "alpha")

	assert.Equal(t, []string{"alpha", "zeta"}, msg.Tags())
	assert.True(t, msg.HasTag("alpha"))
	assert.False(t, msg.HasTag(""))

	msg.RemoveTag("alpha")
	assert.False(t, msg.HasTag("alpha"))
}

func TestPayloadHelpers(t *testing.T) {
	assert.True(t, New("a", nil).IsEmpty())
	assert.True(t, New("a", []byte("  \n")).IsEmpty())
	assert.False(t, New("a", []byte("x")).IsEmpty())

	assert.True(t, New("a", []byte(`{"a":1}`)).IsJSON())
	assert.False(t, New("a", []byte(`{"a":`)).IsJSON())
	assert.False(t, New("a", nil).IsJSON())

	assert.Equal(t, 3, New("a", []byte("abc")).PayloadSize())
}

func TestClone_IsIndependent(t *testing.T) {
	original := New("a/b", []byte("abc"), WithTags("t1"))
	clone := original.Clone()

	clone.Payload[0] = 'X'
	clone.AddTags("t2")

	assert.Equal(t, "abc", string(original.Payload))
	assert.False(t, original.HasTag("t2"))
	assert.Equal(t, original.CorrelationID(), clone.CorrelationID())
	assert.Equal(t, original.Topic(), clone.Topic())
}

func TestSnapshot(t *testing.T) {
	msg := New("a/b", []byte("abcd"), WithTags("t"), WithSource("memory"))
	snap := msg.Snapshot()

	assert.Equal(t, "a/b", snap.Topic)
	assert.Equal(t, 4, snap.PayloadSize)
	assert.Equal(t, []string{"t"}, snap.Tags)
	assert.Equal(t, "memory", snap.Source)
}
