// Package wire is the MQTT v3.1.1 codec boundary for the broker core. It
// does not reimplement MQTT framing itself (that would collide with this
// project's explicit Non-goal of "no wire-level reimplementation of MQTT
// parsing") - it adapts github.com/eclipse/paho.mqtt.golang/packets, the
// only MQTT codec this module's dependency graph already carries, into the
// small set of builder/reader helpers the connection loop needs.
package wire

import (
	"io"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// ProtocolLevel311 is the MQTT 3.1.1 CONNECT protocol level byte.
const ProtocolLevel311 = 4

// ConnAck return codes, as defined by the OASIS MQTT 3.1.1 specification.
const (
	ConnAccepted               = 0x00
	ConnRefusedBadProtoVersion = 0x01
	ConnRefusedIDRejected      = 0x02
	ConnRefusedServerUnavail   = 0x03
	ConnRefusedBadUserPass     = 0x04
	ConnRefusedNotAuthorized   = 0x05
)

// SubFailure is the SUBACK return code for a rejected subscription.
const SubFailure = 0x80

// ReadPacket decodes exactly one MQTT control packet from r.
func ReadPacket(r io.Reader) (packets.ControlPacket, error) {
	return packets.ReadPacket(r)
}

// WritePacket encodes and flushes a single control packet to w.
func WritePacket(w io.Writer, p packets.ControlPacket) error {
	return p.Write(w)
}

// NewConnack builds a CONNACK with the given session-present flag and return code.
func NewConnack(sessionPresent bool, returnCode byte) *packets.ConnackPacket {
	pkt := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	pkt.SessionPresent = sessionPresent
	pkt.ReturnCode = returnCode
	return pkt
}

// NewPuback builds a PUBACK acknowledging packetID.
func NewPuback(packetID uint16) *packets.PubackPacket {
	pkt := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
	pkt.MessageID = packetID
	return pkt
}

// NewPubrec builds a PUBREC acknowledging packetID.
func NewPubrec(packetID uint16) *packets.PubrecPacket {
	pkt := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
	pkt.MessageID = packetID
	return pkt
}

// NewPubrel builds a PUBREL for packetID.
func NewPubrel(packetID uint16) *packets.PubrelPacket {
	pkt := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
	pkt.MessageID = packetID
	return pkt
}

// NewPubcomp builds a PUBCOMP for packetID.
func NewPubcomp(packetID uint16) *packets.PubcompPacket {
	pkt := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
	pkt.MessageID = packetID
	return pkt
}

// NewPingresp builds a PINGRESP.
func NewPingresp() *packets.PingrespPacket {
	return packets.NewControlPacket(packets.Pingresp).(*packets.PingrespPacket)
}

// NewDisconnect builds a server-originated DISCONNECT.
func NewDisconnect() *packets.DisconnectPacket {
	return packets.NewControlPacket(packets.Disconnect).(*packets.DisconnectPacket)
}

// NewPublish builds a PUBLISH packet. packetID is ignored (left at zero) for qos == 0.
func NewPublish(topic string, payload []byte, qos byte, retain bool, dup bool, packetID uint16) *packets.PublishPacket {
	pkt := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pkt.TopicName = topic
	pkt.Payload = payload
	pkt.Qos = qos
	pkt.Retain = retain
	pkt.Dup = dup
	if qos > 0 {
		pkt.MessageID = packetID
	}
	return pkt
}

// NewSuback builds a SUBACK listing the given per-filter return codes, in order.
func NewSuback(packetID uint16, returnCodes []byte) *packets.SubackPacket {
	pkt := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
	pkt.MessageID = packetID
	pkt.ReturnCodes = returnCodes
	return pkt
}

// NewUnsuback builds an UNSUBACK for packetID.
func NewUnsuback(packetID uint16) *packets.UnsubackPacket {
	pkt := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
	pkt.MessageID = packetID
	return pkt
}
