package nats

import (
	"fmt"
	"strings"
)

// TopicToSubject maps an MQTT topic or filter onto a NATS subject:
// '/' becomes '.', '+' becomes '*' and '#' becomes '>'. Levels that are
// empty or contain '.', '*', '>' or whitespace have no NATS form.
func TopicToSubject(topic string) (string, error) {
	levels := strings.Split(topic, "/")
	for i, level := range levels {
		switch {
		case level == "+":
			levels[i] = "*"
		case level == "#":
			levels[i] = ">"
		case level == "":
			return "", fmt.Errorf("topic %q: empty level has no NATS subject form", topic)
		case strings.ContainsAny(level, ".*> \t\r\n"):
			return "", fmt.Errorf("topic %q: level %q has no NATS subject form", topic, level)
		}
	}
	return strings.Join(levels, "."), nil
}

// SubjectToTopic maps a NATS subject back onto an MQTT topic
func SubjectToTopic(subject string) string {
	tokens := strings.Split(subject, ".")
	for i, token := range tokens {
		switch token {
		case "*":
			tokens[i] = "+"
		case ">":
			tokens[i] = "#"
		}
	}
	return strings.Join(tokens, "/")
}
