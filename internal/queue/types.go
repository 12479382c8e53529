package queue

import "time"

// PublishMessage is an immutable MQTT application message, save for Dup
// which may be set to true when a stored copy is resent.
type PublishMessage struct {
	TopicName string
	Payload   []byte
	QoS       byte
	Retain    bool
	Dup       bool
}

// SetDup marks the message as a duplicate delivery.
func (m *PublishMessage) SetDup() {
	m.Dup = true
}

// OutgoingPublishPacket is a publish fanned out to a subscriber and stored
// until its QoS handshake completes or its TTL expires.
type OutgoingPublishPacket struct {
	PacketID     uint16
	SubscribeQoS byte
	Message      PublishMessage
	AddedAt      time.Time
	PubrecAt     *time.Time
	PubcompAt    *time.Time
}

// FinalQoS is min(SubscribeQoS, Message.QoS) - the QoS actually used on the wire.
func (p *OutgoingPublishPacket) FinalQoS() byte {
	if p.SubscribeQoS < p.Message.QoS {
		return p.SubscribeQoS
	}
	return p.Message.QoS
}

// IncomingPublishPacket is a QoS2 PUBLISH held by the receiver while it
// waits for the matching PUBREL, used only for duplicate detection.
type IncomingPublishPacket struct {
	PacketID  uint16
	Message   PublishMessage
	ReceiveAt time.Time
	DeliverAt *time.Time
}
