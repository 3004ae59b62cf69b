package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_Recent(t *testing.T) {
	r := NewRing(3)
	assert.Empty(t, r.Recent(0))

	for _, topic := range []string{"a", "b", "c", "d"} {
		r.Observe(Observation{Kind: KindReceived, Topic: topic})
	}

	topics := func(obs []Observation) []string {
		out := make([]string, len(obs))
		for i, o := range obs {
			out[i] = o.Topic
		}
		return out
	}
	assert.Equal(t, []string{"b", "c", "d"}, topics(r.Recent(0)))
	assert.Equal(t, []string{"c", "d"}, topics(r.Recent(2)))
}

func TestRing_Subscribe(t *testing.T) {
	r := NewRing(4)
	ch, cancel := r.Subscribe(1)

	r.Observe(Observation{Topic: "first"})
	r.Observe(Observation{Topic: "dropped"}) // buffer full, subscriber is slow

	select {
	case o := <-ch:
		assert.Equal(t, "first", o.Topic)
	case <-time.After(time.Second):
		t.Fatal("no observation delivered")
	}

	cancel()
	cancel()
	_, open := <-ch
	require.False(t, open)

	r.Observe(Observation{Topic: "after-cancel"})
	assert.Len(t, r.Recent(0), 3)
}
