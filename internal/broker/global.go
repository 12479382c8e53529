package broker

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/hlindberg/mezquit/internal/queue"
)

// RouteEntry is a topic filter's subscriber set: client_id -> granted QoS.
// V3.1.1 never populates a shared-subscription bucket (section 4), but the
// field is kept, mirroring original_source's RouteContent.shared_clients,
// so a future v5 core can grow into this same table without a reshape.
type RouteEntry struct {
	clients       map[string]byte
	sharedClients map[string]byte
}

// RetainContent is the last retained message published on an exact topic name.
type RetainContent struct {
	ClientID  string
	TopicName string
	Payload   []byte
	QoS       byte
}

type directoryEntry struct {
	outgoingTx chan<- Outgoing
}

// Global is the broker-wide state shared by every connection loop: the
// subscription route table, the retained-message table, and the live
// client directory. Grounded on original_source/mesquitte-core's
// store::router::Router, store::retain::Retain and the in-process client
// registry read_write_loop.rs uses for takeover - collapsed into one Go
// type with independently locked maps, plus the relinquished-session store
// below, four locks in all (spec section 5: "each internal container is
// independently guarded").
type Global struct {
	queue queue.Queue

	routesMu sync.Mutex
	routes   map[string]*RouteEntry

	retainMu sync.Mutex
	retain   map[string]RetainContent

	directoryMu sync.Mutex
	directory   map[string]directoryEntry

	// relinquished holds the subscription set of a non-clean session whose
	// connection loop has torn down, keyed by client_id, so a future
	// CONNECT with the same client_id and clean_session=false can report
	// session_present=true and re-seed Session.subscriptions and the route
	// table without needing the old in-memory Session value to still
	// exist. Spec section 4.B calls this "relinquished to the
	// session-store"; here it lives in the same process and type as the
	// directory.
	relinquishedMu sync.Mutex
	relinquished   map[string]map[string]byte
}

// NewGlobal builds empty route, retain and directory tables backed by q.
func NewGlobal(q queue.Queue) *Global {
	return &Global{
		queue:        q,
		routes:       make(map[string]*RouteEntry),
		retain:       make(map[string]RetainContent),
		directory:    make(map[string]directoryEntry),
		relinquished: make(map[string]map[string]byte),
	}
}

// Queue returns the shared inflight store.
func (g *Global) Queue() queue.Queue {
	return g.queue
}

// Subscribe records clientID as holding filter at grantedQoS.
func (g *Global) Subscribe(filter, clientID string, grantedQoS byte) {
	g.routesMu.Lock()
	defer g.routesMu.Unlock()

	entry, ok := g.routes[filter]
	if !ok {
		entry = &RouteEntry{clients: make(map[string]byte)}
		g.routes[filter] = entry
	}
	entry.clients[clientID] = grantedQoS
}

// Unsubscribe drops clientID from filter's subscriber set, removing the
// route entry entirely once it has no subscribers left.
func (g *Global) Unsubscribe(filter, clientID string) {
	g.routesMu.Lock()
	defer g.routesMu.Unlock()

	entry, ok := g.routes[filter]
	if !ok {
		return
	}
	delete(entry.clients, clientID)
	if len(entry.clients) == 0 && len(entry.sharedClients) == 0 {
		delete(g.routes, filter)
	}
}

// RetainMatches returns every retained message whose topic name matches filter.
func (g *Global) RetainMatches(filter string) []RetainContent {
	g.retainMu.Lock()
	defer g.retainMu.Unlock()

	var matched []RetainContent
	for topicName, content := range g.retain {
		if topicMatches(filter, topicName) {
			matched = append(matched, content)
		}
	}
	return matched
}

// RetainInsert stores content, replacing any prior retained message on the
// same topic name, and returns the entry it replaced, if any.
func (g *Global) RetainInsert(content RetainContent) (previous RetainContent, hadPrevious bool) {
	g.retainMu.Lock()
	defer g.retainMu.Unlock()

	previous, hadPrevious = g.retain[content.TopicName]
	g.retain[content.TopicName] = content
	return previous, hadPrevious
}

// RetainRemove deletes the retained message stored under topicName, if any.
func (g *Global) RetainRemove(topicName string) (previous RetainContent, hadPrevious bool) {
	g.retainMu.Lock()
	defer g.retainMu.Unlock()

	previous, hadPrevious = g.retain[topicName]
	if hadPrevious {
		delete(g.retain, topicName)
	}
	return previous, hadPrevious
}

// RegisterClient records clientID's outgoing channel in the directory,
// satisfying invariant I1 ("client_id present in the directory iff the
// connection loop is live").
func (g *Global) RegisterClient(clientID string, outgoingTx chan<- Outgoing) {
	g.directoryMu.Lock()
	defer g.directoryMu.Unlock()

	g.directory[clientID] = directoryEntry{outgoingTx: outgoingTx}
}

// lookupClient returns the registered outgoing channel for clientID, if live.
func (g *Global) lookupClient(clientID string) (chan<- Outgoing, bool) {
	g.directoryMu.Lock()
	defer g.directoryMu.Unlock()

	entry, ok := g.directory[clientID]
	return entry.outgoingTx, ok
}

// RemoveClient drops clientID from the directory and every route entry it
// held. When cleanSession is false the subscription set is first copied
// into the session-store so a later CONNECT for the same client_id can
// restore it and report session_present=true; a clean session's state is
// simply discarded. The inflight store is left untouched here: a clean
// session's queues are dropped by the caller via queue.Remove, a non-clean
// session's queues already survive in the store for the next CONNECT.
func (g *Global) RemoveClient(clientID string, subscriptions map[string]byte, cleanSession bool) {
	g.directoryMu.Lock()
	delete(g.directory, clientID)
	g.directoryMu.Unlock()

	if !cleanSession {
		stored := make(map[string]byte, len(subscriptions))
		for filter, qos := range subscriptions {
			stored[filter] = qos
		}
		g.relinquishedMu.Lock()
		g.relinquished[clientID] = stored
		g.relinquishedMu.Unlock()
	}

	g.routesMu.Lock()
	defer g.routesMu.Unlock()
	for filter := range subscriptions {
		if entry, ok := g.routes[filter]; ok {
			delete(entry.clients, clientID)
			if len(entry.clients) == 0 && len(entry.sharedClients) == 0 {
				delete(g.routes, filter)
			}
		}
	}
}

// TakeRelinquishedSession returns and clears the stored subscription set
// for clientID left behind by a prior non-clean disconnect, if any.
func (g *Global) TakeRelinquishedSession(clientID string) (subscriptions map[string]byte, found bool) {
	g.relinquishedMu.Lock()
	defer g.relinquishedMu.Unlock()

	subscriptions, found = g.relinquished[clientID]
	if found {
		delete(g.relinquished, clientID)
	}
	return subscriptions, found
}

// Publish fans message out to every subscriber whose filter matches its
// topic name. Per subscriber it pushes an Outgoing::Publish carrying the
// message and the subscriber's granted QoS onto that subscriber's outgoing
// channel; the subscriber's own writer fiber - not this call - allocates
// the server packet id and stores the queue entry (buildOutgoingPublish in
// handlers.go), since only that fiber owns the subscriber's Session (section 5:
// "no locks are required on Session itself" depends on single ownership).
// This mirrors original_source's receive_outgoing_publish being invoked
// from read_write_loop's own Outgoing::Publish arm, not from the publisher
// fanning the message out.
func (g *Global) Publish(message queue.PublishMessage) {
	g.routesMu.Lock()
	type target struct {
		clientID   string
		grantedQoS byte
	}
	var targets []target
	for filter, entry := range g.routes {
		if !topicMatches(filter, message.TopicName) {
			continue
		}
		for clientID, grantedQoS := range entry.clients {
			targets = append(targets, target{clientID: clientID, grantedQoS: grantedQoS})
		}
	}
	g.routesMu.Unlock()

	for _, t := range targets {
		outgoingTx, ok := g.lookupClient(t.clientID)
		if !ok {
			continue
		}
		select {
		case outgoingTx <- NewOutgoingPublish(t.grantedQoS, message):
		default:
			log.Warnf("client#%s: outgoing channel full, relying on store replay for %q", t.clientID, message.TopicName)
		}
	}
}

// SendOnlineTakeover signals the session currently registered under
// clientID (if any) to relinquish it, blocking until that session reports
// its last allocated server packet id - proof that it has already called
// RemoveClient - or returning ok=false if no session is registered.
func (g *Global) SendOnlineTakeover(clientID, token string) (oldServerPacketID uint16, ok bool) {
	outgoingTx, found := g.lookupClient(clientID)
	if !found {
		return 0, false
	}

	reply := make(chan uint16, 1)
	select {
	case outgoingTx <- NewOutgoingOnline(token, reply):
	default:
		log.Warnf("client#%s: takeover signal dropped, outgoing channel full", clientID)
		return 0, false
	}

	oldServerPacketID = <-reply
	return oldServerPacketID, true
}

// Kick asks the session registered under clientID to close itself. Per
// original_source's Outgoing::Kick handling, a kick aimed at an already
// disconnected non-clean session is silently ignored so the stored session
// survives for the next reconnect.
func (g *Global) Kick(clientID, reason string, alreadyDisconnected, cleanSession bool) {
	if alreadyDisconnected && !cleanSession {
		return
	}
	outgoingTx, ok := g.lookupClient(clientID)
	if !ok {
		return
	}
	select {
	case outgoingTx <- NewOutgoingKick(reason):
	default:
		log.Warnf("client#%s: kick signal dropped, outgoing channel full", clientID)
	}
}
