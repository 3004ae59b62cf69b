package rule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvorotnikov/open-iot-sub001/message"
)

func cond(field, op string, value any) Condition {
	return Condition{Field: field, Operator: op, Value: value}
}

func when(conds ...Condition) Expression {
	return Expression{Conditions: conds, Logic: LogicAnd}
}

func TestEvaluate_EmptyRuleSetAllows(t *testing.T) {
	d := Evaluate(message.New("a/b", nil), nil)
	assert.True(t, d.Allow)
	assert.Empty(t, d.Tags)
	assert.Empty(t, d.DeniedBy)
}

func TestEvaluate_DenyBeatsAllow(t *testing.T) {
	rules := []Rule{
		{ID: "allow-x", Priority: 1, Enabled: true, Match: when(cond(FieldTag, OpEqual, "X")), Action: Action{Type: ActionAllow}},
		{ID: "deny-y", Priority: 2, Enabled: true, Match: when(cond(FieldTag, OpEqual, "Y")), Action: Action{Type: ActionDeny}},
	}

	d := Evaluate(message.New("a", nil, message.WithTags("X", "Y")), rules)
	assert.False(t, d.Allow)
	assert.Equal(t, "deny-y", d.DeniedBy)
	assert.Equal(t, []string{"allow-x"}, d.AllowedBy)

	d = Evaluate(message.New("a", nil, message.WithTags("X")), rules)
	assert.True(t, d.Allow)
}

func TestEvaluate_PriorityOrderAndShortCircuit(t *testing.T) {
	rules := []Rule{
		{ID: "tag-late", Priority: 20, Enabled: true, Action: Action{Type: ActionAddTag, Tags: []string{"late"}}},
		{ID: "deny-all", Priority: 10, Enabled: true, Action: Action{Type: ActionDeny}},
		{ID: "tag-early", Priority: 5, Enabled: true, Action: Action{Type: ActionAddTag, Tags: []string{"early"}}},
	}

	d := Evaluate(message.New("a", nil), rules)
	assert.False(t, d.Allow)
	assert.Equal(t, "deny-all", d.DeniedBy)
	assert.Equal(t, []string{"early"}, d.Tags)
	assert.Equal(t, []string{"tag-early", "deny-all"}, d.Matched)
}

func TestEvaluate_TiesBrokenByID(t *testing.T) {
	rules := []Rule{
		{ID: "b-deny", Priority: 1, Enabled: true, Action: Action{Type: ActionDeny}},
		{ID: "a-deny", Priority: 1, Enabled: true, Action: Action{Type: ActionDeny}},
	}
	assert.Equal(t, "a-deny", Evaluate(message.New("a", nil), rules).DeniedBy)
}

func TestEvaluate_TagsAccumulate(t *testing.T) {
	rules := []Rule{
		{ID: "mark-hot", Priority: 1, Enabled: true,
			Match:  when(cond("payload.temp", OpGreaterThan, 30)),
			Action: Action{Type: ActionAddTag, Tags: []string{"hot", "alert"}}},
		{ID: "mark-sensor", Priority: 2, Enabled: true,
			Match:  when(cond(FieldTopic, OpStartsWith, "sensors/")),
			Action: Action{Type: ActionAddTag, Tags: []string{"sensor"}}},
		{ID: "deny-hot-test", Priority: 3, Enabled: true,
			Match:  when(cond(FieldTag, OpEqual, "hot"), cond("topic.level[1]", OpEqual, "test")),
			Action: Action{Type: ActionDeny}},
	}

	msg := message.New("sensors/42/temp", []byte(`{"temp": 35}`))
	d := Evaluate(msg, rules)
	assert.True(t, d.Allow)
	assert.Equal(t, []string{"alert", "hot", "sensor"}, d.Tags)
	assert.Empty(t, msg.Tags(), "evaluation must not mutate the message")

	// "hot" added above is an output, not an input: only arriving tags match
	d = Evaluate(message.New("sensors/test/temp", []byte(`{"temp": 35}`)), rules)
	assert.True(t, d.Allow)

	d = Evaluate(message.New("sensors/test/temp", []byte(`{"temp": 35}`), message.WithTags("hot")), rules)
	assert.False(t, d.Allow)
	assert.Equal(t, "deny-hot-test", d.DeniedBy)
}

func TestEvaluate_AddTagIndependentOfOrder(t *testing.T) {
	addXIfY := Rule{ID: "x-if-y", Enabled: true,
		Match:  when(cond(FieldTag, OpEqual, "Y")),
		Action: Action{Type: ActionAddTag, Tags: []string{"X"}}}
	addY := Rule{ID: "add-y", Enabled: true,
		Action: Action{Type: ActionAddTag, Tags: []string{"Y"}}}
	addZIfHot := Rule{ID: "z-if-hot", Enabled: true,
		Match:  when(cond("payload.temp", OpGreaterThan, 30)),
		Action: Action{Type: ActionAddTag, Tags: []string{"Z"}}}

	orders := [][]*Rule{
		{&addXIfY, &addY, &addZIfHot},
		{&addY, &addXIfY, &addZIfHot},
		{&addZIfHot, &addY, &addXIfY},
	}
	for _, tags := range [][]string{nil, {"Y"}} {
		var want []string
		for i, order := range orders {
			rules := make([]Rule, len(order))
			for p, r := range order {
				rules[p] = *r
				rules[p].Priority = p
			}
			got := Evaluate(message.New("a", []byte(`{"temp": 40}`), message.WithTags(tags...)), rules).Tags
			if i == 0 {
				want = got
				continue
			}
			assert.Equal(t, want, got, "order %d with arriving tags %v", i, tags)
		}
	}

	assert.Equal(t, []string{"Y", "Z"}, Evaluate(message.New("a", []byte(`{"temp": 40}`)), []Rule{addXIfY, addY, addZIfHot}).Tags)
	assert.Equal(t, []string{"X", "Y", "Z"},
		Evaluate(message.New("a", []byte(`{"temp": 40}`), message.WithTags("Y")), []Rule{addXIfY, addY, addZIfHot}).Tags)
}

func TestEvaluate_DisabledRulesIgnored(t *testing.T) {
	rules := []Rule{{ID: "deny", Enabled: false, Action: Action{Type: ActionDeny}}}
	assert.True(t, Evaluate(message.New("a", nil), rules).Allow)
}

func TestEvaluate_DenyIfEmpty(t *testing.T) {
	rules := []Rule{{ID: "deny-empty", Enabled: true,
		Match:  when(cond(FieldPayloadEmpty, OpEqual, true)),
		Action: Action{Type: ActionDeny}}}

	assert.False(t, Evaluate(message.New("sensors/1/temp", nil), rules).Allow)
	assert.False(t, Evaluate(message.New("sensors/1/temp", []byte("  ")), rules).Allow)
	assert.True(t, Evaluate(message.New("sensors/1/temp", []byte(`{"value":1}`)), rules).Allow)
}

func TestConditions(t *testing.T) {
	msg := message.New("plant/7/line-a/pressure",
		[]byte(`{"value": 4.2, "unit": "bar", "ok": true, "meta": {"site": "north"}}`),
		message.WithTags("critical", "line-a"))
	v := &view{msg: msg}

	tests := []struct {
		name string
		c    Condition
		want bool
	}{
		{"topic eq", cond(FieldTopic, OpEqual, "plant/7/line-a/pressure"), true},
		{"topic ne", cond(FieldTopic, OpNotEqual, "plant/7"), true},
		{"topic regex", cond(FieldTopic, OpRegex, `^plant/\d+/`), true},
		{"topic ends_with", cond(FieldTopic, OpEndsWith, "/pressure"), true},
		{"level numeric string", cond("topic.level[1]", OpGreaterThanEqual, 7), true},
		{"level out of range", cond("topic.level[9]", OpEqual, "x"), false},
		{"payload size", cond(FieldPayloadSize, OpGreaterThan, 10), true},
		{"payload json", cond(FieldPayloadJSON, OpEqual, true), true},
		{"payload contains", cond(FieldPayload, OpContains, "bar"), true},
		{"gjson number", cond("payload.value", OpLessThan, 5), true},
		{"gjson nested", cond("payload.meta.site", OpEqual, "north"), true},
		{"gjson bool", cond("payload.ok", OpEqual, true), true},
		{"gjson missing", cond("payload.nope", OpEqual, 1), false},
		{"exists", cond("payload.meta", OpExists, nil), true},
		{"not exists", cond("payload.nope", OpExists, false), true},
		{"tag eq", cond(FieldTag, OpEqual, "critical"), true},
		{"tag ne", cond(FieldTag, OpNotEqual, "critical"), false},
		{"tag starts_with", cond(FieldTag, OpStartsWith, "line-"), true},
		{"tag exists", cond(FieldTag, OpExists, true), true},
		{"type mismatch", cond("payload.ok", OpGreaterThan, 3), false},
		{"bad regex", cond(FieldTopic, OpRegex, `([`), false},
		{"unknown operator", cond(FieldTopic, "between", "x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.evaluateCondition(tt.c))
		})
	}
}

func TestExpressionLogic(t *testing.T) {
	v := &view{msg: message.New("a/b", nil)}

	assert.True(t, v.matches(Expression{}), "empty expression always matches")
	assert.False(t, v.matches(when(cond(FieldTopic, OpEqual, "a/b"), cond(FieldTopic, OpEqual, "x"))))
	assert.True(t, v.matches(Expression{
		Logic:      LogicOr,
		Conditions: []Condition{cond(FieldTopic, OpEqual, "x"), cond(FieldTopic, OpEqual, "a/b")},
	}))
}

func TestGJSONOnNonJSONPayload(t *testing.T) {
	v := &view{msg: message.New("a", []byte("not json"))}
	assert.False(t, v.evaluateCondition(cond("payload.value", OpExists, true)))
}

func TestRegexCache(t *testing.T) {
	re1, err := compileRegex(`^cache-test-\d+$`)
	require.NoError(t, err)
	before := RegexCacheStats().Hits

	re2, err := compileRegex(`^cache-test-\d+$`)
	require.NoError(t, err)
	assert.Same(t, re1, re2)
	assert.Equal(t, before+1, RegexCacheStats().Hits)

	_, err = compileRegex("((((((a))))))")
	assert.Error(t, err, "nesting beyond the limit is rejected")
}
