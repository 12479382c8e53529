package broker

import "strings"

// topicMatches reports whether topicName (a concrete publish topic, never
// containing wildcards) matches filter (a subscription topic filter, which
// may use the MQTT single-level "+" and multi-level "#" wildcards).
//
// paho.mqtt.golang's client package carries an equivalent unexported
// routeIncludesTopic used for local subscription dispatch, but it isn't part
// of that module's public packets API this core otherwise depends on, so
// there is nothing importable to bind to here; this is the standard MQTT
// 3.1.1 matching algorithm (OASIS 4.7) written directly against the
// stdlib's strings package.
func topicMatches(filter, topicName string) bool {
	if strings.HasPrefix(topicName, "$") && !strings.HasPrefix(filter, "$") {
		return false
	}

	filterParts := strings.Split(filter, "/")
	topicParts := strings.Split(topicName, "/")

	for i, part := range filterParts {
		if part == "#" {
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		if part != "+" && part != topicParts[i] {
			return false
		}
	}
	return len(filterParts) == len(topicParts)
}

// isSharedFilter reports whether filter uses MQTT 5's "$share/group/..."
// shared-subscription syntax, which v3.1.1 rejects outright (spec section 6).
func isSharedFilter(filter string) bool {
	return strings.HasPrefix(filter, "$share/")
}
