package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvorotnikov/open-iot-sub001/message"
)

func TestStream_DeliverAndClose(t *testing.T) {
	s := NewStream("test", 1)
	ctx := context.Background()

	require.True(t, s.Deliver(ctx, message.New("a/b", []byte("1"))))

	got := <-s.Messages()
	assert.Equal(t, "a/b", got.Topic())

	s.Close()
	s.Close()

	assert.False(t, s.Deliver(ctx, message.New("a/b", nil)))
	_, ok := <-s.Messages()
	assert.False(t, ok)
	_, ok = <-s.Events()
	assert.False(t, ok)
}

func TestStream_DeliverBlocksUntilCancelled(t *testing.T) {
	s := NewStream("test", 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.False(t, s.Deliver(ctx, message.New("a", nil)))
}

func TestStream_CloseReleasesBlockedDeliver(t *testing.T) {
	s := NewStream("test", 0)
	result := make(chan bool)

	go func() {
		result <- s.Deliver(context.Background(), message.New("a", nil))
	}()

	time.Sleep(10 * time.Millisecond)
	s.Close()

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("deliver still blocked after close")
	}
}

func TestStream_EmitDropsWhenFull(t *testing.T) {
	s := NewStream("test", 0)
	boom := errors.New("boom")

	for range 20 {
		s.Emit(EventError, boom)
	}

	assert.Len(t, s.events, cap(s.events))
	ev := <-s.Events()
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, "test", ev.Transport)
	assert.ErrorIs(t, ev.Err, boom)
}
