// Package rule implements message rules and the pure evaluator the router
// consults before a message enters a pipeline.
//
// A Rule pairs a match Expression with an Action. Expressions are lists of
// field/operator/value conditions joined by "and" or "or":
//
//	{
//	  "id": "drop-empty",
//	  "priority": 10,
//	  "match": {
//	    "logic": "or",
//	    "conditions": [
//	      {"field": "payload.empty", "operator": "eq", "value": true}
//	    ]
//	  },
//	  "action": {"type": "deny"},
//	  "enabled": true
//	}
//
// Supported fields:
//
//	topic              full topic string
//	topic.level[N]     Nth topic level, zero based
//	payload            payload as a string
//	payload.size       payload length in bytes
//	payload.empty      payload is empty or whitespace
//	payload.json       payload is a valid JSON document
//	payload.<path>     gjson path into a JSON payload
//	tag                tag ids carried by the message
//
// Operators: eq, ne, lt, lte, gt, gte, contains, starts_with, ends_with,
// regex and exists. Comparisons are numeric when both sides are numbers and
// lexical otherwise. For the tag field, eq and the string operators match
// when any carried tag satisfies them, ne when none equals the value.
//
// # Evaluation
//
// Evaluate walks enabled rules in ascending priority (ties by id). The first
// matching deny rule stops evaluation and rejects the message. Tags from
// every matching add-tag rule accumulate, and later conditions on the tag
// field see them. Matching allow rules are recorded but never stop
// evaluation. A condition that cannot be evaluated (bad regex, missing
// field, type mismatch) is false.
//
// Compiled regular expressions are cached process-wide in an LRU. The cache
// only holds patterns, never decisions.
package rule
