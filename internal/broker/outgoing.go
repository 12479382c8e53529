package broker

import "github.com/hlindberg/mezquit/internal/queue"

// Outgoing is the message a client directory entry's channel carries into a
// session's writer fiber. It is a closed sum type - translated from
// mesquitte-core's Outgoing enum (original_source/mesquitte-core/src/types.rs)
// into an unexported interface with exactly three implementations, since Go
// has no enum-with-payload construct.
type Outgoing interface {
	isOutgoing()
}

// outgoingPublish fans a published message out to one subscriber at the
// QoS it was granted on its matching subscription.
type outgoingPublish struct {
	subscribeQoS byte
	message      queue.PublishMessage
}

func (outgoingPublish) isOutgoing() {}

// NewOutgoingPublish builds the Publish variant of Outgoing.
func NewOutgoingPublish(subscribeQoS byte, message queue.PublishMessage) Outgoing {
	return outgoingPublish{subscribeQoS: subscribeQoS, message: message}
}

// outgoingOnline is sent to a session occupying a client id that a new
// CONNECT wants to take over. reply carries the old session's last
// allocated server packet id back to the new CONNECT as proof that
// remove_client has since run (spec section 4.E takeover protocol).
type outgoingOnline struct {
	token string
	reply chan<- uint16
}

func (outgoingOnline) isOutgoing() {}

// NewOutgoingOnline builds the Online variant of Outgoing. token is an
// opaque correlation id logged on both sides of the handoff.
func NewOutgoingOnline(token string, reply chan<- uint16) Outgoing {
	return outgoingOnline{token: token, reply: reply}
}

// outgoingKick asks a session to close itself, e.g. from an administrative
// action or a protocol violation detected elsewhere in the broker.
type outgoingKick struct {
	reason string
}

func (outgoingKick) isOutgoing() {}

// NewOutgoingKick builds the Kick variant of Outgoing.
func NewOutgoingKick(reason string) Outgoing {
	return outgoingKick{reason: reason}
}
