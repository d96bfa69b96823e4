// Package topic implements pure MQTT topic canonicalization and wildcard
// matching (the `+` single-level and `#` multi-level trailing wildcards),
// plus the fixed topic templates the runtime publishes and subscribes to.
package topic

import "strings"

// Canonicalize applies: (1) prefix with a single "/"; (2) collapse runs of
// "/" to one; (3) strip a trailing "/" (the root "/" is kept). Collapsing
// before stripping is what makes "a//" come out as "/a". Idempotent:
// Canonicalize(Canonicalize(t)) == Canonicalize(t).
func Canonicalize(t string) string {
	if !strings.HasPrefix(t, "/") {
		t = "/" + t
	}

	var b strings.Builder
	b.Grow(len(t))
	lastSlash := false
	for _, r := range t {
		if r == '/' {
			if lastSlash {
				continue
			}
			lastSlash = true
		} else {
			lastSlash = false
		}
		b.WriteRune(r)
	}

	out := b.String()
	if len(out) > 1 {
		out = strings.TrimSuffix(out, "/")
	}
	return out
}

// Matches reports whether topic satisfies subscription, honoring the `+`
// (exactly one level) and `#` (zero or more trailing levels) wildcards.
func Matches(subscription, t string) bool {
	subParts := splitLevels(Canonicalize(subscription))
	topicParts := splitLevels(Canonicalize(t))

	for i, sp := range subParts {
		if sp == "#" {
			return true // trailing multi-level wildcard matches the remainder unconditionally
		}
		if i >= len(topicParts) {
			return false
		}
		if sp == "+" {
			continue
		}
		if sp != topicParts[i] {
			return false
		}
	}

	return len(subParts) == len(topicParts)
}

func splitLevels(t string) []string {
	trimmed := strings.TrimPrefix(t, "/")
	if trimmed == "" {
		return []string{}
	}
	return strings.Split(trimmed, "/")
}

// InputTopic is the per-agent input subscription topic.
func InputTopic(agentID string) string {
	return Canonicalize("/control/agents/" + agentID + "/input")
}

// StatusTopic is the per-agent retained status publish topic.
func StatusTopic(agentID string) string {
	return Canonicalize("/control/agents/" + agentID + "/status")
}

// StatusWildcard is the subscription pattern used to observe every peer's
// status when dynamic routing is enabled.
func StatusWildcard() string {
	return Canonicalize("/control/agents/+/status")
}

// ConversationTopic is the terminal/error publish topic for a conversation.
func ConversationTopic(conversationID, agentID string) string {
	return Canonicalize("/conversations/" + conversationID + "/" + agentID)
}
