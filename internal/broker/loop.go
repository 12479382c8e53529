package broker

import (
	"context"
	"errors"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/hlindberg/mezquit/internal/queue"
	"github.com/hlindberg/mezquit/internal/wire"
)

// Config is the per-connection tuning the broker's cmd/ entrypoint loads
// via viper (spec section 6, "Configuration consumed").
type Config struct {
	MaxInflight uint16
	Timeout     time.Duration
}

const (
	inboundChannelDepth  = 8
	outgoingChannelDepth = 256
)

var errNotConnect = errors.New("mqtt: first packet was not CONNECT")

// Serve drives one accepted connection's entire lifecycle: the CONNECT
// handshake, pending-publish replay, the reader/writer fiber pair, keep
// alive, and the offline routine - section 4.B of the connection loop, put
// behind the same shape as original_source's process_client(stream,
// global) so a transport listener only needs a net.Conn per accepted
// client. ctx governs only the handshake read/write; once the writer fiber
// is running, lifetime is governed entirely by the MQTT protocol and the
// keep-alive watchdog, matching the reference's detached per-connection
// tasks.
func Serve(ctx context.Context, conn net.Conn, global *Global, cfg Config) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	first, err := wire.ReadPacket(conn)
	if err != nil {
		conn.Close()
		return err
	}
	connectPkt, ok := first.(*packets.ConnectPacket)
	if !ok {
		log.Warnf("first packet was not CONNECT (%T), closing", first)
		conn.Close()
		return errNotConnect
	}

	if connectPkt.ProtocolVersion != wire.ProtocolLevel311 {
		writePacketBestEffort(conn, wire.NewConnack(false, wire.ConnRefusedBadProtoVersion))
		conn.Close()
		log.Warnf("unsupported protocol version %d, closing", connectPkt.ProtocolVersion)
		return nil
	}

	clientID := connectPkt.ClientIdentifier
	cleanSession := connectPkt.CleanSession
	if clientID == "" {
		if !cleanSession {
			writePacketBestEffort(conn, wire.NewConnack(false, wire.ConnRefusedIDRejected))
			conn.Close()
			return nil
		}
		clientID = RandomClientID()
	}

	token := GenerateSessionToken()
	if _, took := global.SendOnlineTakeover(clientID, token); took {
		log.Infof("client#%s: takeover token=%s, old session relinquished", clientID, token)
	}

	var will *Will
	if connectPkt.WillFlag {
		will = &Will{
			TopicName: connectPkt.WillTopic,
			Payload:   connectPkt.WillMessage,
			QoS:       connectPkt.WillQos,
			Retain:    connectPkt.WillRetain,
		}
	}

	var restoredSubs map[string]byte
	sessionPresent := false
	if !cleanSession {
		if subs, found := global.TakeRelinquishedSession(clientID); found {
			restoredSubs = subs
			sessionPresent = true
		}
	}
	if !sessionPresent {
		if err := global.Queue().Remove(clientID); err != nil {
			log.Errorf("client#%s: clear stored queues: %s", clientID, err)
		}
	}

	outgoingTx := make(chan Outgoing, outgoingChannelDepth)
	session := NewSession(clientID, cleanSession, connectPkt.Keepalive, will, outgoingTx)
	for filter, grantedQoS := range restoredSubs {
		session.Subscribe(filter, grantedQoS)
		global.Subscribe(filter, clientID, grantedQoS)
	}
	global.RegisterClient(clientID, outgoingTx)

	if err := wire.WritePacket(conn, wire.NewConnack(sessionPresent, wire.ConnAccepted)); err != nil {
		global.RemoveClient(clientID, session.Subscriptions(), cleanSession)
		conn.Close()
		return err
	}
	log.Debugf("client#%s: CONNACK sent (session_present=%v)", clientID, sessionPresent)

	if sessionPresent {
		replayPending(conn, session, global)
	}

	_ = conn.SetDeadline(time.Time{})

	inbound := make(chan packets.ControlPacket, inboundChannelDepth)
	readerDone := make(chan struct{})
	quit := make(chan struct{})
	go readLoop(conn, inbound, readerDone, quit)

	runWriter(conn, session, global, cfg, inbound, outgoingTx, readerDone)
	close(quit)

	// Closing conn unblocks a reader still parked in a blocking read; the
	// writer may instead have stopped because readLoop already closed
	// readerDone (peer closed first), in which case the reader has already
	// returned and this close only releases the connection.
	conn.Close()
	<-readerDone

	go runOffline(session, global, outgoingTx)
	return nil
}

func writePacketBestEffort(conn net.Conn, pkt packets.ControlPacket) {
	if err := wire.WritePacket(conn, pkt); err != nil {
		log.Debugf("write failed on a connection already being closed: %s", err)
	}
}

// replayPending writes every outgoing entry stored for a restored session
// with dup=true, in store order, before any new inbound traffic is
// processed (spec section 4.B step 2, property P3).
func replayPending(conn net.Conn, session *Session, global *Global) {
	pending, err := global.Queue().GetUnsentOutgoingPackets(session.ClientID())
	if err != nil {
		log.Errorf("client#%s: read unsent outgoing packets: %s", session.ClientID(), err)
		return
	}
	for _, p := range pending {
		p.Message.SetDup()
		pkt := wire.NewPublish(p.Message.TopicName, p.Message.Payload, p.FinalQoS(), p.Message.Retain, true, p.PacketID)
		if err := wire.WritePacket(conn, pkt); err != nil {
			log.Warnf("client#%s: replay write failed: %s", session.ClientID(), err)
			return
		}
	}
}

// readLoop owns the framed decoder side of the connection: it decodes one
// packet at a time and pushes it onto inbound, a bounded channel (depth 8,
// spec section 5) that applies backpressure to the peer once the writer
// fiber falls behind. It exits on any read error or decode failure and
// always closes readerDone so the writer can notice.
func readLoop(conn net.Conn, inbound chan<- packets.ControlPacket, readerDone chan<- struct{}, quit <-chan struct{}) {
	defer close(readerDone)
	for {
		pkt, err := wire.ReadPacket(conn)
		if err != nil {
			log.Debugf("read loop: stopped reading: %s", err)
			return
		}
		select {
		case inbound <- pkt:
		case <-quit:
			return
		}
	}
}

// runWriter is the writer fiber: it owns the framed encoder and the
// Session, and is the sole mutator of both (spec section 5, "no locks are
// required on Session itself"). It selects fairly across inbound packets,
// this session's Outgoing channel, and the keep-alive tick until a handler
// or the keep-alive watchdog asks it to stop, or either channel closes.
func runWriter(conn net.Conn, session *Session, global *Global, cfg Config, inbound <-chan packets.ControlPacket, outgoingTx chan Outgoing, readerDone <-chan struct{}) {
	var keepAliveTick <-chan time.Time
	var halfInterval time.Duration
	var keepAliveTimer *time.Timer
	if session.KeepAlive() > 0 {
		halfInterval = time.Duration(session.KeepAlive()) * time.Second / 2
		keepAliveTimer = time.NewTimer(halfInterval)
		keepAliveTick = keepAliveTimer.C
		defer keepAliveTimer.Stop()
	}

	for {
		select {
		case pkt, ok := <-inbound:
			if !ok {
				return
			}
			session.RenewLastPacketAt()
			stop, err := dispatchInbound(conn, pkt, session, global, cfg)
			if err != nil {
				log.Warnf("client#%s: write failed: %s", session.ClientID(), err)
				return
			}
			if stop {
				return
			}

		case msg, ok := <-outgoingTx:
			if !ok {
				return
			}
			stop, err := receiveOutgoing(session, global, msg, func(pkt packets.ControlPacket) error {
				return wire.WritePacket(conn, pkt)
			})
			if err != nil {
				log.Warnf("client#%s: write failed: %s", session.ClientID(), err)
				return
			}
			if stop {
				return
			}

		case <-keepAliveTick:
			// Reference keep-alive: tick every keep_alive/2s, close the
			// connection once silence reaches keep_alive*1.5s - the tick
			// landing exactly on that threshold must trigger it, or expiry
			// slips a full extra tick past the window the property requires.
			if time.Since(session.LastPacketAt()) >= halfInterval*3 {
				log.Infof("client#%s: keep-alive expired, closing", session.ClientID())
				return
			}
			keepAliveTimer.Reset(halfInterval)

		case <-readerDone:
			return
		}
	}
}

// dispatchInbound runs the per-packet-kind handler for one decoded frame
// (spec section 4.C) and writes whatever outbound packets it produces.
func dispatchInbound(conn net.Conn, pkt packets.ControlPacket, session *Session, global *Global, cfg Config) (stop bool, err error) {
	switch p := pkt.(type) {
	case *packets.PingreqPacket:
		return false, wire.WritePacket(conn, handlePingreq())

	case *packets.PublishPacket:
		acks, shouldStop, handleErr := handlePublish(p, session, global)
		if handleErr != nil {
			return false, handleErr
		}
		for _, ack := range acks {
			if err := wire.WritePacket(conn, ack); err != nil {
				return false, err
			}
		}
		return shouldStop, nil

	case *packets.PubrelPacket:
		return false, wire.WritePacket(conn, handlePubrel(p, session, global))

	case *packets.PubrecPacket:
		return false, wire.WritePacket(conn, handlePubrec(p, session, global))

	case *packets.PubackPacket:
		handlePuback(p, session, global)
		return false, nil

	case *packets.PubcompPacket:
		handlePubcomp(p, session, global)
		return false, nil

	case *packets.SubscribePacket:
		for _, pkt := range handleSubscribe(p, session, global) {
			if err := wire.WritePacket(conn, pkt); err != nil {
				return false, err
			}
		}
		return false, nil

	case *packets.UnsubscribePacket:
		return false, wire.WritePacket(conn, handleUnsubscribe(p, session, global))

	case *packets.DisconnectPacket:
		handleDisconnect(session)
		return true, nil

	default:
		log.Debugf("client#%s: unsupported packet %T, closing", session.ClientID(), pkt)
		return true, nil
	}
}

// receiveOutgoing handles one message arriving on a session's Outgoing
// channel, shared verbatim by the live writer fiber and the detached
// offline routine (write is nil when offline, matching original_source's
// receive_outgoing being reused by both write_to_client and
// handle_clean_session).
func receiveOutgoing(session *Session, global *Global, msg Outgoing, write func(packets.ControlPacket) error) (stop bool, err error) {
	switch o := msg.(type) {
	case outgoingPublish:
		pkt, buildErr := buildOutgoingPublish(session, global, o.subscribeQoS, o.message)
		if buildErr != nil {
			return false, buildErr
		}
		if pkt == nil || session.Disconnected() || write == nil {
			return false, nil
		}
		return false, write(pkt)

	case outgoingOnline:
		log.Debugf("client#%s: takeover token=%s received, relinquishing", session.ClientID(), o.token)
		global.RemoveClient(session.ClientID(), session.Subscriptions(), session.CleanSession())
		select {
		case o.reply <- session.ServerPacketID():
		default:
		}
		if session.Disconnected() || write == nil {
			return true, nil
		}
		return true, write(wire.NewDisconnect())

	case outgoingKick:
		if session.Disconnected() && !session.CleanSession() {
			return false, nil
		}
		log.Debugf("client#%s: kicked: %s", session.ClientID(), o.reason)
		global.RemoveClient(session.ClientID(), session.Subscriptions(), session.CleanSession())
		if session.Disconnected() || write == nil {
			return true, nil
		}
		return true, write(wire.NewDisconnect())
	}
	return false, nil
}

// runOffline is the detached offline routine (spec section 4.B step 4):
// it publishes the will if the client never sent DISCONNECT, then either
// destroys a clean session outright or keeps draining this session's
// Outgoing channel - storing publishes via buildOutgoingPublish without
// writing them anywhere - until a takeover or kick asks it to stop,
// exactly mirroring original_source's handle_clean_session despite the
// name covering both the clean and non-clean paths there too.
func runOffline(session *Session, global *Global, outgoingTx <-chan Outgoing) {
	if !session.Disconnected() {
		session.SetServerDisconnected()
	}

	if !session.ClientDisconnected() {
		publishWill(session, global)
	}

	if session.CleanSession() {
		global.RemoveClient(session.ClientID(), session.Subscriptions(), true)
		if err := global.Queue().Remove(session.ClientID()); err != nil {
			log.Errorf("client#%s: remove queues on clean teardown: %s", session.ClientID(), err)
		}
		return
	}

	for msg := range outgoingTx {
		stop, err := receiveOutgoing(session, global, msg, nil)
		if err != nil {
			log.Errorf("client#%s: offline routine: %s", session.ClientID(), err)
		}
		if stop {
			return
		}
	}
}

// publishWill fans out the session's last will, if one was captured at
// CONNECT and not cleared by a graceful DISCONNECT.
func publishWill(session *Session, global *Global) {
	will := session.TakeWill()
	if will == nil {
		return
	}
	message := queue.PublishMessage{
		TopicName: will.TopicName,
		Payload:   will.Payload,
		QoS:       will.QoS,
		Retain:    will.Retain,
	}
	if message.Retain {
		if len(message.Payload) == 0 {
			global.RetainRemove(message.TopicName)
		} else {
			global.RetainInsert(RetainContent{
				ClientID:  session.ClientID(),
				TopicName: message.TopicName,
				Payload:   message.Payload,
				QoS:       message.QoS,
			})
		}
	}
	global.Publish(message)
}
