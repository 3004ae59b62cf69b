package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePattern(t *testing.T) {
	valid := []string{"a", "a/b/c", "a/+/c", "a/#", "#", "+", "+/+", "/a", "a//b"}
	for _, p := range valid {
		assert.NoError(t, ValidatePattern(p), p)
	}

	invalid := []string{"", "a/#/b", "a/b#", "a+/b", "#/a", "a/+b"}
	for _, p := range invalid {
		assert.Error(t, ValidatePattern(p), p)
	}
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/+/c", "a/b/c", true},
		{"a/b/#", "a/b/c", true},
		{"#", "a/b/c", true},
		{"a/b", "a/b/c", false},
		{"x/b/c", "a/b/c", false},
		{"a/#", "a", true},
		{"a/+", "a", false},
		{"a/+", "a/b/c", false},
		{"A/b", "a/b", false},
		{"+/+", "a/b", true},
		{"a//c", "a//c", true},
		{"a/+/c", "a//c", true},
		{"#", "$SYS/broker", false},
		{"$SYS/#", "$SYS/broker", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.topic))
		})
	}
}

func TestExpandTopic(t *testing.T) {
	assert.Equal(t, "sensors/42/temp/out", ExpandTopic("{topic}/out", "sensors/42/temp"))
	assert.Equal(t, "devices/42/celsius", ExpandTopic("devices/{level[1]}/celsius", "sensors/42/temp"))
	assert.Equal(t, "x//y", ExpandTopic("x/{level[9]}/y", "a/b"))
	assert.Equal(t, "plain/topic", ExpandTopic("plain/topic", "a/b"))
}

func TestValidateRepublishTopic(t *testing.T) {
	assert.NoError(t, ValidateRepublishTopic("{topic}/out"))
	assert.NoError(t, ValidateRepublishTopic("out/{level[0]}"))
	assert.Error(t, ValidateRepublishTopic("out/#"))
	assert.Error(t, ValidateRepublishTopic("out/+/x"))
}
