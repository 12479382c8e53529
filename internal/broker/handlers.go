package broker

import (
	log "github.com/sirupsen/logrus"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/hlindberg/mezquit/internal/queue"
	"github.com/hlindberg/mezquit/internal/wire"
)

// buildOutgoingPublish turns a fanned-out message into the wire PUBLISH a
// subscriber's writer fiber sends, allocating and storing a server packet
// id only when the delivered QoS requires an ack. Grounded on
// original_source's receive_outgoing_publish, which both the regular
// fan-out arm and the SUBSCRIBE retained-replay arm call identically.
func buildOutgoingPublish(s *Session, g *Global, subscribeQoS byte, message queue.PublishMessage) (*packets.PublishPacket, error) {
	deliveredQoS := subscribeQoS
	if message.QoS < deliveredQoS {
		deliveredQoS = message.QoS
	}

	var packetID uint16
	if deliveredQoS >= 1 {
		id, err := s.NextServerPacketID(func(candidate uint16) bool {
			return g.Queue().HasOutgoing(s.ClientID(), candidate)
		})
		if err != nil {
			return nil, err
		}
		packetID = id
		if full, err := g.Queue().PushOutgoing(s.ClientID(), packetID, subscribeQoS, message); err != nil {
			return nil, err
		} else if full {
			log.Warnf("client#%s: outgoing queue full, dropping publish to %q", s.ClientID(), message.TopicName)
			return nil, nil
		}
	}

	return wire.NewPublish(message.TopicName, message.Payload, deliveredQoS, message.Retain, message.Dup, packetID), nil
}

// handlePingreq answers a PINGREQ. No session state changes beyond the
// caller's RenewLastPacketAt on every successfully decoded frame.
func handlePingreq() packets.ControlPacket {
	return wire.NewPingresp()
}

// handlePublish implements section 4.C's three PUBLISH arms. It returns
// the acks to send (zero or one packet) and whether the inflight store
// rejected the packet and the loop must stop.
func handlePublish(pkt *packets.PublishPacket, s *Session, g *Global) (acks []packets.ControlPacket, stop bool, err error) {
	message := queue.PublishMessage{
		TopicName: pkt.TopicName,
		Payload:   pkt.Payload,
		QoS:       pkt.Qos,
		Retain:    pkt.Retain,
	}

	if message.Retain {
		if len(message.Payload) == 0 {
			g.RetainRemove(message.TopicName)
		} else {
			g.RetainInsert(RetainContent{
				ClientID:  s.ClientID(),
				TopicName: message.TopicName,
				Payload:   message.Payload,
				QoS:       message.QoS,
			})
		}
	}

	switch message.QoS {
	case 0:
		g.Publish(message)
		return nil, false, nil

	case 1:
		g.Publish(message)
		return []packets.ControlPacket{wire.NewPuback(pkt.MessageID)}, false, nil

	case 2:
		if g.Queue().HasIncoming(s.ClientID(), pkt.MessageID) {
			// Duplicate: already queued, do not fan out again, still ack.
			return []packets.ControlPacket{wire.NewPubrec(pkt.MessageID)}, false, nil
		}
		full, pushErr := g.Queue().PushIncoming(s.ClientID(), pkt.MessageID, message)
		if pushErr != nil {
			return nil, false, pushErr
		}
		if full {
			log.Warnf("client#%s: incoming queue full at packet id %d, disconnecting", s.ClientID(), pkt.MessageID)
			return nil, true, nil
		}
		return []packets.ControlPacket{wire.NewPubrec(pkt.MessageID)}, false, nil

	default:
		return nil, true, nil
	}
}

// handlePubrel implements the PUBREL arm: fan out the QoS2 incoming entry,
// mark it delivered (a clean pass purges it), and ack with PUBCOMP.
func handlePubrel(pkt *packets.PubrelPacket, s *Session, g *Global) packets.ControlPacket {
	ready, err := g.Queue().GetReadyIncomingPackets(s.ClientID())
	if err != nil {
		log.Errorf("client#%s: read incoming packets: %s", s.ClientID(), err)
	}
	for _, p := range ready {
		if p.PacketID == pkt.MessageID {
			g.Publish(p.Message)
			break
		}
	}

	if _, err := g.Queue().MarkIncomingDelivered(s.ClientID(), pkt.MessageID); err != nil {
		log.Errorf("client#%s: mark delivered packet %d: %s", s.ClientID(), pkt.MessageID, err)
	}
	if err := g.Queue().CleanIncoming(s.ClientID()); err != nil {
		log.Errorf("client#%s: clean incoming: %s", s.ClientID(), err)
	}
	return wire.NewPubcomp(pkt.MessageID)
}

// handlePubrec implements the PUBREC arm: mark the matching QoS2 outgoing
// entry and reply with PUBREL.
func handlePubrec(pkt *packets.PubrecPacket, s *Session, g *Global) packets.ControlPacket {
	if _, err := g.Queue().Pubrec(s.ClientID(), pkt.MessageID); err != nil {
		log.Errorf("client#%s: pubrec packet %d: %s", s.ClientID(), pkt.MessageID, err)
	}
	return wire.NewPubrel(pkt.MessageID)
}

// handlePuback implements the PUBACK arm.
func handlePuback(pkt *packets.PubackPacket, s *Session, g *Global) {
	if _, err := g.Queue().Puback(s.ClientID(), pkt.MessageID); err != nil {
		log.Errorf("client#%s: puback packet %d: %s", s.ClientID(), pkt.MessageID, err)
	}
	if err := g.Queue().CleanOutgoing(s.ClientID()); err != nil {
		log.Errorf("client#%s: clean outgoing: %s", s.ClientID(), err)
	}
}

// handlePubcomp implements the PUBCOMP arm.
func handlePubcomp(pkt *packets.PubcompPacket, s *Session, g *Global) {
	if _, err := g.Queue().Pubcomp(s.ClientID(), pkt.MessageID); err != nil {
		log.Errorf("client#%s: pubcomp packet %d: %s", s.ClientID(), pkt.MessageID, err)
	}
	if err := g.Queue().CleanOutgoing(s.ClientID()); err != nil {
		log.Errorf("client#%s: clean outgoing: %s", s.ClientID(), err)
	}
}

// handleSubscribe implements the SUBSCRIBE arm: shared filters are
// rejected outright, otherwise every filter is granted at its requested
// QoS and every matching retained message is queued for immediate replay.
// It returns the SUBACK followed by the retained PUBLISHes, in that order,
// as section 4.C requires.
func handleSubscribe(pkt *packets.SubscribePacket, s *Session, g *Global) []packets.ControlPacket {
	returnCodes := make([]byte, len(pkt.Topics))
	var retained []packets.ControlPacket

	for i, filter := range pkt.Topics {
		requestedQoS := pkt.Qoss[i]
		if isSharedFilter(filter) {
			returnCodes[i] = wire.SubFailure
			continue
		}

		returnCodes[i] = requestedQoS
		s.Subscribe(filter, requestedQoS)
		g.Subscribe(filter, s.ClientID(), requestedQoS)

		for _, content := range g.RetainMatches(filter) {
			message := queue.PublishMessage{
				TopicName: content.TopicName,
				Payload:   content.Payload,
				QoS:       content.QoS,
				Retain:    true,
			}
			pub, err := buildOutgoingPublish(s, g, requestedQoS, message)
			if err != nil {
				log.Errorf("client#%s: retained replay for %q: %s", s.ClientID(), filter, err)
				continue
			}
			if pub != nil {
				retained = append(retained, pub)
			}
		}
	}

	suback := wire.NewSuback(pkt.MessageID, returnCodes)
	return append([]packets.ControlPacket{suback}, retained...)
}

// handleUnsubscribe implements the UNSUBSCRIBE arm.
func handleUnsubscribe(pkt *packets.UnsubscribePacket, s *Session, g *Global) packets.ControlPacket {
	for _, filter := range pkt.Topics {
		s.Unsubscribe(filter)
		g.Unsubscribe(filter, s.ClientID())
	}
	return wire.NewUnsuback(pkt.MessageID)
}

// handleDisconnect implements the DISCONNECT arm: mark client_disconnected
// and clear the will without publishing it.
func handleDisconnect(s *Session) {
	s.SetClientDisconnected()
	s.TakeWill()
}
