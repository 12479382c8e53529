package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/hlindberg/mezquit/internal/queue"
	"github.com/hlindberg/mezquit/internal/wire"
	"github.com/hlindberg/mezquit/testutils"
)

func newTestGlobal() *Global {
	return NewGlobal(queue.NewMemoryQueue(16, time.Second))
}

func connectPacket(clientID string, cleanSession bool) *packets.ConnectPacket {
	pkt := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	pkt.ProtocolName = "MQTT"
	pkt.ProtocolVersion = wire.ProtocolLevel311
	pkt.CleanSession = cleanSession
	pkt.ClientIdentifier = clientID
	return pkt
}

func serveOnPipe(t *testing.T, global *Global) (client net.Conn, done chan struct{}) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	done = make(chan struct{})
	go func() {
		defer close(done)
		_ = Serve(context.Background(), serverSide, global, Config{MaxInflight: 16, Timeout: time.Second})
	}()
	return clientSide, done
}

// Scenario 1 from the end-to-end property list: a QoS1 publisher and
// subscriber exchange one message and the subscriber acks it. The broker's
// outgoing store is not inspected afterwards.
func Test_Serve_QoS1_roundtrip(t *testing.T) {
	global := newTestGlobal()

	subConn, subDone := serveOnPipe(t, global)
	defer subConn.Close()
	wire.WritePacket(subConn, connectPacket("subA", true))
	connack, err := wire.ReadPacket(subConn)
	testutils.CheckNotError(err, t)
	_, ok := connack.(*packets.ConnackPacket)
	testutils.CheckTrue(ok, t)

	sub := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	sub.MessageID = 1
	sub.Topics = []string{"a/b"}
	sub.Qoss = []byte{1}
	wire.WritePacket(subConn, sub)

	suback, err := wire.ReadPacket(subConn)
	testutils.CheckNotError(err, t)
	sa, ok := suback.(*packets.SubackPacket)
	testutils.CheckTrue(ok, t)
	testutils.CheckEqual([]byte{1}, sa.ReturnCodes, t)

	pubConn, pubDone := serveOnPipe(t, global)
	defer pubConn.Close()
	wire.WritePacket(pubConn, connectPacket("pubB", true))
	_, err = wire.ReadPacket(pubConn)
	testutils.CheckNotError(err, t)

	pub := wire.NewPublish("a/b", []byte("hi"), 1, false, false, 10)
	wire.WritePacket(pubConn, pub)

	puback, err := wire.ReadPacket(pubConn)
	testutils.CheckNotError(err, t)
	pa, ok := puback.(*packets.PubackPacket)
	testutils.CheckTrue(ok, t)
	testutils.CheckEqual(uint16(10), pa.MessageID, t)

	delivered, err := wire.ReadPacket(subConn)
	testutils.CheckNotError(err, t)
	dp, ok := delivered.(*packets.PublishPacket)
	testutils.CheckTrue(ok, t)
	testutils.CheckEqual("a/b", dp.TopicName, t)
	testutils.CheckEqual("hi", string(dp.Payload), t)
	testutils.CheckEqual(byte(1), dp.Qos, t)

	subAck := wire.NewPuback(dp.MessageID)
	wire.WritePacket(subConn, subAck)

	pubConn.Close()
	subConn.Close()
	<-pubDone
	<-subDone
}

// Scenario 6: a v3.1.1 broker must reject $share/ filters outright.
func Test_Serve_rejects_shared_subscription(t *testing.T) {
	global := newTestGlobal()
	clientConn, done := serveOnPipe(t, global)
	defer clientConn.Close()

	wire.WritePacket(clientConn, connectPacket("c1", true))
	_, err := wire.ReadPacket(clientConn)
	testutils.CheckNotError(err, t)

	sub := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	sub.MessageID = 5
	sub.Topics = []string{"$share/g/t"}
	sub.Qoss = []byte{1}
	wire.WritePacket(clientConn, sub)

	suback, err := wire.ReadPacket(clientConn)
	testutils.CheckNotError(err, t)
	sa, ok := suback.(*packets.SubackPacket)
	testutils.CheckTrue(ok, t)
	testutils.CheckEqual([]byte{wire.SubFailure}, sa.ReturnCodes, t)

	clientConn.Close()
	<-done
}

// Scenario 4: retain lifecycle - publish retained, a new subscriber gets
// it once; an empty-payload retained publish clears it for the next one.
func Test_Serve_retain_lifecycle(t *testing.T) {
	global := newTestGlobal()

	pubConn, pubDone := serveOnPipe(t, global)
	wire.WritePacket(pubConn, connectPacket("pub1", true))
	wire.ReadPacket(pubConn)
	wire.WritePacket(pubConn, wire.NewPublish("r", []byte("v1"), 0, true, false, 0))
	pubConn.Close()
	<-pubDone

	subConn, subDone := serveOnPipe(t, global)
	wire.WritePacket(subConn, connectPacket("sub1", true))
	wire.ReadPacket(subConn)
	sub := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	sub.MessageID = 1
	sub.Topics = []string{"r"}
	sub.Qoss = []byte{0}
	wire.WritePacket(subConn, sub)
	wire.ReadPacket(subConn) // suback
	retained, err := wire.ReadPacket(subConn)
	testutils.CheckNotError(err, t)
	rp, ok := retained.(*packets.PublishPacket)
	testutils.CheckTrue(ok, t)
	testutils.CheckEqual("v1", string(rp.Payload), t)
	testutils.CheckTrue(rp.Retain, t)
	subConn.Close()
	<-subDone

	clearConn, clearDone := serveOnPipe(t, global)
	wire.WritePacket(clearConn, connectPacket("pub2", true))
	wire.ReadPacket(clearConn)
	wire.WritePacket(clearConn, wire.NewPublish("r", nil, 0, true, false, 0))
	clearConn.Close()
	<-clearDone

	testutils.CheckEqual(0, len(global.RetainMatches("r")), t)
}

// Scenario 2: a QoS2 publisher resends the same packet id with dup=1 before
// sending PUBREL; the subscriber must still see exactly one PUBLISH for it.
func Test_Serve_QoS2_duplicate_publish_is_not_redelivered(t *testing.T) {
	global := NewGlobal(queue.NewMemoryQueue(16, time.Minute))

	subConn, subDone := serveOnPipe(t, global)
	defer subConn.Close()
	wire.WritePacket(subConn, connectPacket("subA", true))
	wire.ReadPacket(subConn)
	sub := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	sub.MessageID = 1
	sub.Topics = []string{"t"}
	sub.Qoss = []byte{2}
	wire.WritePacket(subConn, sub)
	wire.ReadPacket(subConn) // suback

	pubConn, pubDone := serveOnPipe(t, global)
	defer pubConn.Close()
	wire.WritePacket(pubConn, connectPacket("pubB", true))
	wire.ReadPacket(pubConn)

	pub := wire.NewPublish("t", []byte("x"), 2, false, false, 7)
	wire.WritePacket(pubConn, pub)
	pubrec, err := wire.ReadPacket(pubConn)
	testutils.CheckNotError(err, t)
	pr, ok := pubrec.(*packets.PubrecPacket)
	testutils.CheckTrue(ok, t)
	testutils.CheckEqual(uint16(7), pr.MessageID, t)

	dup := wire.NewPublish("t", []byte("x"), 2, false, true, 7)
	wire.WritePacket(pubConn, dup)
	pubrec2, err := wire.ReadPacket(pubConn)
	testutils.CheckNotError(err, t)
	_, ok = pubrec2.(*packets.PubrecPacket)
	testutils.CheckTrue(ok, t)

	wire.WritePacket(pubConn, wire.NewPubrel(7))
	pubcomp, err := wire.ReadPacket(pubConn)
	testutils.CheckNotError(err, t)
	_, ok = pubcomp.(*packets.PubcompPacket)
	testutils.CheckTrue(ok, t)

	delivered, err := wire.ReadPacket(subConn)
	testutils.CheckNotError(err, t)
	dp, ok := delivered.(*packets.PublishPacket)
	testutils.CheckTrue(ok, t)
	testutils.CheckEqual("x", string(dp.Payload), t)
	wire.WritePacket(subConn, wire.NewPubrec(dp.MessageID))
	pubrel, err := wire.ReadPacket(subConn)
	testutils.CheckNotError(err, t)
	_, ok = pubrel.(*packets.PubrelPacket)
	testutils.CheckTrue(ok, t)
	wire.WritePacket(subConn, wire.NewPubcomp(dp.MessageID))

	pubConn.Close()
	subConn.Close()
	<-pubDone
	<-subDone
}

// Scenario 3: session takeover - a non-clean session with an unacked QoS1
// outgoing entry reconnects after a dirty drop and must see session_present
// and get the pending publish redelivered with dup=1 and the same packet id.
func Test_Serve_session_takeover_replays_pending_publish(t *testing.T) {
	global := NewGlobal(queue.NewMemoryQueue(16, time.Minute))

	a, aDone := serveOnPipe(t, global)
	wire.WritePacket(a, connectPacket("c1", false))
	connack, err := wire.ReadPacket(a)
	testutils.CheckNotError(err, t)
	ca := connack.(*packets.ConnackPacket)
	testutils.CheckFalse(ca.SessionPresent, t)

	sub := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	sub.MessageID = 1
	sub.Topics = []string{"s"}
	sub.Qoss = []byte{1}
	wire.WritePacket(a, sub)
	wire.ReadPacket(a) // suback

	b, bDone := serveOnPipe(t, global)
	wire.WritePacket(b, connectPacket("pubB", true))
	wire.ReadPacket(b)
	wire.WritePacket(b, wire.NewPublish("s", []byte("m1"), 1, false, false, 0))
	wire.ReadPacket(b) // puback
	b.Close()
	<-bDone

	pending, err := wire.ReadPacket(a)
	testutils.CheckNotError(err, t)
	pp, ok := pending.(*packets.PublishPacket)
	testutils.CheckTrue(ok, t)
	testutils.CheckEqual("m1", string(pp.Payload), t)
	allocatedID := pp.MessageID

	// Drop A's socket without a DISCONNECT - leaves the PUBLISH unacked.
	a.Close()
	<-aDone

	aPrime, aPrimeDone := serveOnPipe(t, global)
	defer aPrime.Close()
	wire.WritePacket(aPrime, connectPacket("c1", false))
	connack2, err := wire.ReadPacket(aPrime)
	testutils.CheckNotError(err, t)
	ca2 := connack2.(*packets.ConnackPacket)
	testutils.CheckTrue(ca2.SessionPresent, t)

	replayed, err := wire.ReadPacket(aPrime)
	testutils.CheckNotError(err, t)
	rp, ok := replayed.(*packets.PublishPacket)
	testutils.CheckTrue(ok, t)
	testutils.CheckEqual("m1", string(rp.Payload), t)
	testutils.CheckTrue(rp.Dup, t)
	testutils.CheckEqual(allocatedID, rp.MessageID, t)

	aPrime.Close()
	<-aPrimeDone
}

// Scenario 5: a connection with keep_alive=2 that sends nothing further is
// closed by the server between 3.0s and 3.5s after CONNECT.
func Test_Serve_keepalive_expiry_closes_idle_connection(t *testing.T) {
	global := newTestGlobal()
	client, done := serveOnPipe(t, global)
	defer client.Close()

	connectPkt := connectPacket("idle1", true)
	connectPkt.Keepalive = 2
	wire.WritePacket(client, connectPkt)
	_, err := wire.ReadPacket(client)
	testutils.CheckNotError(err, t)

	start := time.Now()
	_, err = wire.ReadPacket(client)
	elapsed := time.Since(start)
	testutils.CheckError(err, t)
	testutils.CheckTrue(elapsed >= 3*time.Second, t)
	testutils.CheckTrue(elapsed <= 3500*time.Millisecond, t)

	<-done
}
