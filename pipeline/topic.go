package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ValidatePattern checks MQTT topic filter syntax
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("topic pattern is empty")
	}

	levels := strings.Split(pattern, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return fmt.Errorf("topic pattern %q: '#' must be the last level", pattern)
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return fmt.Errorf("topic pattern %q: wildcards must occupy a whole level", pattern)
		}
	}
	return nil
}

// ValidateTopic checks a concrete topic name: non-empty and wildcard free
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic is empty")
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("topic %q contains wildcards", topic)
	}
	return nil
}

// MatchTopic reports whether topic matches an MQTT pattern. Topics starting
// with '$' are never matched by a leading wildcard.
func MatchTopic(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")

	if strings.HasPrefix(topic, "$") && (p[0] == "+" || p[0] == "#") {
		return false
	}

	for i, level := range p {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}

var placeholder = regexp.MustCompile(`\{(topic|level\[(\d+)\])\}`)

// ValidateRepublishTopic checks a republish target, which may use the
// {topic} and {level[N]} placeholders
func ValidateRepublishTopic(target string) error {
	return ValidateTopic(placeholder.ReplaceAllString(target, "x"))
}

// ExpandTopic substitutes {topic} and {level[N]} in target using topic.
// Out-of-range levels expand to the empty string.
func ExpandTopic(target, topic string) string {
	if !strings.Contains(target, "{") {
		return target
	}
	levels := strings.Split(topic, "/")
	return placeholder.ReplaceAllStringFunc(target, func(m string) string {
		sub := placeholder.FindStringSubmatch(m)
		if sub[1] == "topic" {
			return topic
		}
		n, err := strconv.Atoi(sub[2])
		if err != nil || n >= len(levels) {
			return ""
		}
		return levels[n]
	})
}
