package broker

import "github.com/google/uuid"

// GenerateSessionToken returns a correlation id logged on both sides of a
// session takeover handoff (the old session's Online reply and the new
// CONNECT's wait), so the two log lines for a single takeover can be tied
// together by an operator. original_source has no equivalent: its logging
// uses span-scoped tracing instead, which already carries that correlation
// implicitly.
func GenerateSessionToken() string {
	return uuid.New().String()
}
