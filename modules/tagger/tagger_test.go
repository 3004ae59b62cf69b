package tagger

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/message"
	"github.com/pvorotnikov/open-iot-sub001/module"
)

func TestTagger_Process(t *testing.T) {
	m, err := New(json.RawMessage(`{"tags":["sensor","raw"]}`), module.Dependencies{})
	require.NoError(t, err)

	msg := message.New("sensors/1/temp", []byte("1"), message.WithTags("existing"))
	outcome, err := m.Process(context.Background(), msg, module.PipelineContext{})
	require.NoError(t, err)
	assert.Equal(t, module.OutcomeContinue, outcome)
	assert.Equal(t, []string{"existing", "raw", "sensor"}, msg.Tags())
}

func TestTagger_TopicFilter(t *testing.T) {
	m, err := New(json.RawMessage(`{"tags":["temperature"],"topics":["sensors/+/temp"]}`), module.Dependencies{})
	require.NoError(t, err)

	hit := message.New("sensors/1/temp", nil)
	miss := message.New("sensors/1/humidity", nil)
	_, _ = m.Process(context.Background(), hit, module.PipelineContext{})
	_, _ = m.Process(context.Background(), miss, module.PipelineContext{})

	assert.True(t, hit.HasTag("temperature"))
	assert.Empty(t, miss.Tags())
}

func TestNew_InvalidConfig(t *testing.T) {
	for _, raw := range []string{
		`{}`,
		`{"tags":[""]}`,
		`{"tags":["a"],"topics":["a/#/b"]}`,
		`{"tags":"a"}`,
	} {
		_, err := New(json.RawMessage(raw), module.Dependencies{})
		assert.True(t, errors.IsInvalid(err), raw)
	}
}

func TestRegister(t *testing.T) {
	catalog := module.NewCatalog()
	require.NoError(t, Register(catalog))
	assert.Error(t, Register(catalog))
}
