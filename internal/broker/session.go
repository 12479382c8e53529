package broker

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lithammer/shortuuid"
)

// Session is the per-client state owned exclusively by one connection
// loop's writer fiber (see loop.go): every field here is mutated only from
// that single goroutine, so - unlike the teacher's client-side Session,
// which guarded its state with a sync.RWMutex because Connect/Disconnect
// could race with the message-handling goroutine - no lock is needed here.
// Broker handlers only ever run on the writer fiber (spec section 5).
type Session struct {
	clientID     string
	cleanSession bool
	keepAlive    uint16

	subscriptions map[string]byte // topic filter -> granted QoS

	serverPacketID uint16

	lastPacketAt time.Time

	serverDisconnected bool
	clientDisconnected bool

	will *Will

	outgoingTx chan<- Outgoing
}

// Will is the last-will publish captured at CONNECT time, published by the
// offline routine when the client disconnects ungracefully.
type Will struct {
	TopicName string
	Payload   []byte
	QoS       byte
	Retain    bool
}

// NewSession constructs a Session for a freshly accepted CONNECT.
func NewSession(clientID string, cleanSession bool, keepAlive uint16, will *Will, outgoingTx chan<- Outgoing) *Session {
	return &Session{
		clientID:      clientID,
		cleanSession:  cleanSession,
		keepAlive:     keepAlive,
		subscriptions: make(map[string]byte),
		will:          will,
		outgoingTx:    outgoingTx,
		lastPacketAt:  time.Now(),
	}
}

// RandomClientID returns a broker-assigned client id for a CONNECT that
// arrived with an empty ClientIdentifier, as MQTT 3.1.1 permits for clean
// sessions.
func RandomClientID() string {
	return shortuuid.New()
}

// ClientID returns the client identifier this session was created for.
func (s *Session) ClientID() string {
	return s.clientID
}

// CleanSession reports the CONNECT-time clean session flag.
func (s *Session) CleanSession() bool {
	return s.cleanSession
}

// KeepAlive returns the CONNECT-time keep alive interval in seconds; 0 disables liveness checks.
func (s *Session) KeepAlive() uint16 {
	return s.keepAlive
}

// OutgoingTx returns the sender half of this session's Outgoing channel, the
// same value registered under ClientID in the client directory.
func (s *Session) OutgoingTx() chan<- Outgoing {
	return s.outgoingTx
}

// Subscribe records filter as held by this session at the given granted QoS.
func (s *Session) Subscribe(filter string, grantedQoS byte) {
	s.subscriptions[filter] = grantedQoS
}

// Unsubscribe drops filter from this session's held subscriptions.
func (s *Session) Unsubscribe(filter string) {
	delete(s.subscriptions, filter)
}

// Subscriptions returns the set of topic filters currently held.
func (s *Session) Subscriptions() map[string]byte {
	return s.subscriptions
}

// RenewLastPacketAt advances the liveness timestamp; called on every
// successfully decoded inbound frame (spec invariant I4).
func (s *Session) RenewLastPacketAt() {
	s.lastPacketAt = time.Now()
}

// LastPacketAt returns the timestamp of the most recently decoded inbound frame.
func (s *Session) LastPacketAt() time.Time {
	return s.lastPacketAt
}

// SetServerDisconnected marks that the server side tore the connection down.
func (s *Session) SetServerDisconnected() {
	s.serverDisconnected = true
}

// SetClientDisconnected marks that the client sent a graceful DISCONNECT.
func (s *Session) SetClientDisconnected() {
	s.clientDisconnected = true
}

// ClientDisconnected reports whether a graceful DISCONNECT was received.
func (s *Session) ClientDisconnected() bool {
	return s.clientDisconnected
}

// Disconnected reports whether either side has torn the connection down.
func (s *Session) Disconnected() bool {
	return s.serverDisconnected || s.clientDisconnected
}

// TakeWill clears and returns the captured will, if any - used once, by the
// offline routine, and by a graceful DISCONNECT which must clear it without
// publishing it.
func (s *Session) TakeWill() *Will {
	w := s.will
	s.will = nil
	return w
}

// ServerPacketID returns the most recently allocated outgoing packet id,
// reported to a takeover's Online reply (spec section 4.E).
func (s *Session) ServerPacketID() uint16 {
	return s.serverPacketID
}

// errPacketIDSpaceExhausted is returned by NextServerPacketID when every
// 16-bit id is currently inflight for this client.
var errPacketIDSpaceExhausted = fmt.Errorf("no free MQTT packet id: all 65535 ids are inflight")

// NextServerPacketID allocates the next outgoing packet id, wrapping
// 1..=65535 (0 is reserved) and skipping any id the inflight callback
// reports as still in use - mirroring the teacher's bitset-backed
// nextPacketID (internal/mqtt/in_flight.go) but without assuming a fixed
// 65536-bit table, and returning an error on exhaustion instead of
// panicking, since this is a recoverable per-publish condition rather than
// a programmer error.
func (s *Session) NextServerPacketID(inflight func(id uint16) bool) (uint16, error) {
	start := s.serverPacketID
	candidate := cappedIncrement(start)
	for attempts := 0; attempts < 0xFFFF; attempts++ {
		if !inflight(candidate) {
			s.serverPacketID = candidate
			return candidate, nil
		}
		candidate = cappedIncrement(candidate)
		if candidate == start {
			break
		}
	}
	log.Errorf("client#%s: %s", s.clientID, errPacketIDSpaceExhausted)
	return 0, errPacketIDSpaceExhausted
}

func cappedIncrement(id uint16) uint16 {
	id++
	if id == 0 {
		id = 1
	}
	return id
}
