// Package queue is the broker's persistence contract for in-flight publish
// state: per-client queues of incoming QoS2 and outgoing QoS1/QoS2 messages,
// with ack timestamps and a TTL governing resend/expiry decisions.
//
// This is deliberately the same shape as mesquitte-core's store::queue::Queue
// trait (see original_source): the semantics this core relies on for
// replaying unacknowledged publishes after a reconnect live here, not in the
// connection loop.
package queue

// Queue is implemented by any in-flight store a broker core can plug in.
// Implementations must be safe for concurrent use by multiple clients'
// connection loops.
type Queue interface {
	// PushIncoming appends a QoS2 receive to client's incoming queue. It
	// returns true iff the queue was already at capacity, in which case the
	// caller must drop the packet and signal a protocol violation.
	PushIncoming(clientID string, packetID uint16, message PublishMessage) (full bool, err error)

	// PushOutgoing appends a fanned-out publish to client's outgoing queue,
	// with the same fullness semantics as PushIncoming.
	PushOutgoing(clientID string, packetID uint16, subscribeQoS byte, message PublishMessage) (full bool, err error)

	// MarkIncomingDelivered sets deliver_at on the matching QoS2 incoming
	// entry (on PUBREL receipt) so a later CleanIncoming pass purges it.
	// Returns whether a matching entry was found.
	MarkIncomingDelivered(clientID string, packetID uint16) (found bool, err error)

	// Pubrec marks the matching QoS2 outgoing entry as PUBREC'd and flags it
	// a duplicate for any future resend. Returns whether a matching entry
	// was found.
	Pubrec(clientID string, packetID uint16) (found bool, err error)

	// Puback marks the matching QoS1 outgoing entry as complete, flags it a
	// duplicate so a concurrent resend carries dup=true. Returns whether a
	// matching entry was found.
	Puback(clientID string, packetID uint16) (found bool, err error)

	// Pubcomp marks the matching QoS2 outgoing entry (already PUBREC'd) as
	// complete. Returns whether a matching entry was found.
	Pubcomp(clientID string, packetID uint16) (found bool, err error)

	// CleanIncoming purges at most one eligible entry (delivered, or past
	// TTL) from client's incoming queue per call and shrinks it when
	// sparsely utilized.
	CleanIncoming(clientID string) error

	// CleanOutgoing purges at most one eligible entry (complete, or past TTL
	// since last progress) from client's outgoing queue per call and
	// shrinks it.
	CleanOutgoing(clientID string) error

	// GetReadyIncomingPackets returns incoming entries not yet delivered
	// and still within TTL.
	GetReadyIncomingPackets(clientID string) ([]IncomingPublishPacket, error)

	// GetUnsentOutgoingPackets returns outgoing entries awaiting first
	// transmission (or retransmission after reconnect), still within TTL.
	GetUnsentOutgoingPackets(clientID string) ([]OutgoingPublishPacket, error)

	// HasOutgoing reports whether an outgoing entry with packetID is
	// currently stored for clientID, used by the session's packet id
	// allocator to avoid reissuing an id still in flight.
	HasOutgoing(clientID string, packetID uint16) bool

	// HasIncoming reports whether a QoS2 incoming entry with packetID is
	// already stored for clientID, used to detect a duplicate PUBLISH
	// arriving before the matching PUBREL.
	HasIncoming(clientID string, packetID uint16) bool

	// Remove drops both queues for clientID entirely.
	Remove(clientID string) error
}
