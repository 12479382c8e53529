package cmd

import (
	"encoding/csv"
	"fmt"
	"net"
	"os"

	"github.com/eclipse/paho.mqtt.golang/packets"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hlindberg/mezquit/internal/broker"
	"github.com/hlindberg/mezquit/internal/wire"
)

var publishCmd = &cobra.Command{
	Use:   "pub",
	Short: "Publish MQTT message",
	Long: `Publishes a message via MQTT

	`,
	Run: func(cmd *cobra.Command, args []string) {
		p := &publisher{}
		if TestQoS1Resend {
			p.qos1ResendPublish()
		} else if TestQoS2Resend {
			p.qos2ResendPublish()
		} else {
			p.standardPublish()
		}
	},

	Args: func(cmd *cobra.Command, args []string) error {
		if QoS < 0 || QoS > 2 {
			return fmt.Errorf("--qos must be between 0 and 2, got %d", QoS)
		}
		if KeepAliveSeconds < 0 {
			return fmt.Errorf("--keep_alive cannot be negative")
		}
		if TestQoS1Resend && TestQoS2Resend {
			return fmt.Errorf("--test_qos1_resend and --test_qos2_resend cannot be used at the same time")
		}
		if TestQoS1Resend && QoS != 1 {
			log.Debugf("QoS set to 1 since --test_qos1_resend was requested")
			QoS = 1
		}
		if TestQoS2Resend && QoS != 2 {
			log.Debugf("QoS set to 2 since --test_qos2_resend was requested")
			QoS = 2
		}
		return nil
	},
}

// publisher is a minimal MQTT 3.1.1 test client: it speaks the same
// packets.ControlPacket codec the broker core does (internal/wire), rather
// than a hand-rolled encoding, so both halves of this module exercise the
// same dependency. It deliberately skips packet-id bookkeeping the broker
// provides server-side - it exists to drive the broker's resend paths from
// the outside, in the teacher's --test_qos1_resend / --test_qos2_resend
// spirit, not to be a general purpose client library.
type publisher struct {
	conn net.Conn
}

func (p *publisher) dial() net.Conn {
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%s", MQTTBroker, "1883"))
	if err != nil {
		panic(err)
	}
	p.conn = conn
	return conn
}

func (p *publisher) clientName() string {
	if MQTTClientName == "" {
		MQTTClientName = broker.RandomClientID()
		log.Infof("Using generated client ID %s", MQTTClientName)
	}
	return MQTTClientName
}

func (p *publisher) connect(cleanSession bool) {
	pkt := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	pkt.ProtocolName = "MQTT"
	pkt.ProtocolVersion = wire.ProtocolLevel311
	pkt.CleanSession = cleanSession
	pkt.ClientIdentifier = p.clientName()
	pkt.Keepalive = uint16(KeepAliveSeconds)
	if WillTopic != "" {
		pkt.WillFlag = true
		pkt.WillTopic = WillTopic
		pkt.WillMessage = []byte(WillMessage)
		pkt.WillQos = byte(WillQoS)
		pkt.WillRetain = WillRetain
	}

	log.Debugf("Broker <- CONNECT(%s)", pkt.ClientIdentifier)
	if err := wire.WritePacket(p.conn, pkt); err != nil {
		panic(err)
	}

	resp, err := wire.ReadPacket(p.conn)
	if err != nil {
		panic(err)
	}
	connack, ok := resp.(*packets.ConnackPacket)
	if !ok {
		panic(fmt.Sprintf("expected CONNACK, got %T", resp))
	}
	if connack.ReturnCode != wire.ConnAccepted {
		panic(fmt.Sprintf("connect refused, return code %d", connack.ReturnCode))
	}
	log.Debugf("Broker -> CONNACK(sp=%v) received ok", connack.SessionPresent)
}

func (p *publisher) publishOne(topic, message string, packetID uint16, ignoreAck bool) {
	pkt := wire.NewPublish(topic, []byte(message), byte(QoS), Retain, false, packetID)
	log.Debugf("Broker <- PUBLISH(%s, qos=%d)", topic, QoS)
	if err := wire.WritePacket(p.conn, pkt); err != nil {
		panic(err)
	}
	if QoS == 0 || ignoreAck {
		return
	}
	resp, err := wire.ReadPacket(p.conn)
	if err != nil {
		panic(err)
	}
	log.Debugf("Broker -> %T", resp)
}

func (p *publisher) publishGivenMessage(packetID uint16, ignoreAck bool) {
	if FileName == "" {
		p.publishOne(Topic, Message, packetID, ignoreAck)
		return
	}
	f, err := os.Open(FileName)
	if err != nil {
		panic(fmt.Sprintf("Cannot open file %s", FileName))
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		panic(err)
	}
	for i, r := range rows {
		p.publishOne(r[0], r[1], packetID+uint16(i), ignoreAck)
	}
}

func (p *publisher) disconnect() {
	if TestNoDisconnect {
		p.conn.Close()
		return
	}
	log.Debugf("Broker <- DISCONNECT")
	_ = wire.WritePacket(p.conn, wire.NewDisconnect())
	p.conn.Close()
}

func (p *publisher) standardPublish() {
	p.dial()
	p.connect(true)
	p.publishGivenMessage(1, false)
	p.disconnect()
}

// qos1ResendPublish drives the broker's replay-on-reconnect path (property
// P3): publish once while ignoring the PUBACK, disconnect without acking,
// reconnect clean_session=false, and let the broker redeliver nothing to
// the publisher - the interesting assertion for this one is on the
// subscriber side, this command only exercises the publisher half.
func (p *publisher) qos1ResendPublish() {
	p.dial()
	p.connect(true)
	p.publishGivenMessage(1, true)
	p.conn.Close()

	p.dial()
	p.connect(false)
	p.disconnect()
}

func (p *publisher) qos2ResendPublish() {
	p.dial()
	p.connect(true)
	p.publishGivenMessage(1, true)
	p.conn.Close()

	p.dial()
	p.connect(false)
	p.disconnect()
}

// MQTTBroker is the MQTT broker host to dial; port 1883 is always used
var MQTTBroker string

// MQTTClientName is the MQTT client name - a short UUID by default
var MQTTClientName string

// Topic is the MQTT topic to publish to
var Topic string

// Message is the MQTT message text to publish
var Message string

// KeepAliveSeconds is the MQTT number of seconds to keep a connection alive
var KeepAliveSeconds int

// QoS is the MQQT quality of service to publish at
var QoS int

// FileName the name of a file to read instead of using --topic and --message
var FileName string

// Retain indicates if the published message should be retained
var Retain bool

// WillMessage is the MQTT message text to send on a dirty disconnect
var WillMessage string

// WillTopic is the MQTT topic the WILL message is published to on a dirty disconnect
var WillTopic string

// WillQoS is the QoS for the delivery of the WILL message
var WillQoS int

// WillRetain is the retain flag for the WILL message publishing
var WillRetain bool

// TestNoDisconnect if true no DISCONNECT is sent thereby allowing WILL features to be tested
var TestNoDisconnect bool

// TestQoS1Resend if true 2 phases are run: publish with PUBACK ignored and drop the connection,
// then reconnect with clean=false and DISCONNECT; the message(s) are not resent
var TestQoS1Resend bool

// TestQoS2Resend if true 2 phases are run: publish with PUBREC ignored (no PUBREL is sent) and drop
// the connection, then reconnect with clean=false and DISCONNECT; the message(s) are not resent
var TestQoS2Resend bool

func init() {
	RootCmd.AddCommand(publishCmd)
	flags := publishCmd.PersistentFlags()

	flags.StringVarP(&MQTTBroker,
		"broker", "b", "localhost", "the MQTT Broker host to connect to (default 'localhost')")
	flags.StringVarP(&MQTTClientName,
		"client", "c", "", "the MQTT client name to use - default is a short UUID")
	flags.StringVarP(&FileName,
		"file", "f", "", "File with CSV <topic, message> lines to publish")
	flags.IntVarP(&KeepAliveSeconds,
		"keep_alive", "", 0, "sets the number of seconds to keep a connection alive")
	flags.StringVarP(&Message,
		"message", "m", "", "the message to send")
	flags.StringVarP(&Topic,
		"topic", "t", "test", "the MQTT topic to send message to (default 'test')")
	flags.IntVarP(&QoS,
		"qos", "q", 0, "Quality of service 0-2 (default 0)")
	flags.BoolVarP(&Retain,
		"retain", "r", false, "If message should be retained")
	flags.StringVarP(&WillMessage,
		"wmessage", "", "", "the will message to send when disconnect is not clean")
	flags.IntVarP(&WillQoS,
		"wqos", "", 0, "Quality of service 0-2 (default 0) for publishing of WILL message")
	flags.BoolVarP(&WillRetain,
		"wretain", "", false, "If WILL message should be retained")
	flags.StringVarP(&WillTopic,
		"wtopic", "", "", "the topic for a will message to send when disconnect is not clean")

	flags.BoolVarP(&TestNoDisconnect,
		"test_no_disconnect", "", false, "do not send DISCONNECT to test WILL features")
	flags.BoolVarP(&TestQoS1Resend,
		"test_qos1_resend", "", false, "Performs: CONNECT, send message(s), ignore PUBACK(s), drop connection without DISCONNECT, CONNECT with clean=false, DISCONNECT (nothing is resent)")
	flags.BoolVarP(&TestQoS2Resend,
		"test_qos2_resend", "", false, "Performs: CONNECT, send message(s), ignore PUBREC(s) without PUBREL, drop connection without DISCONNECT, CONNECT with clean=false, DISCONNECT (nothing is resent)")
}
