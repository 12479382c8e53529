package queue

import (
	"sync"
	"time"
)

// MemoryQueue is the reference in-memory Queue: per-client queues guarded
// by a single mutex, exactly as mesquitte-core's MemoryQueue does (see
// original_source/mesquitte-core/src/store/memory/queue.rs), translated
// from per-map async mutexes to plain sync.Mutex since this core has no
// async runtime to hold a lock across.
type MemoryQueue struct {
	maxInflight uint16
	timeout     time.Duration

	mu       sync.Mutex
	incoming map[string][]IncomingPublishPacket
	outgoing map[string][]OutgoingPublishPacket
}

// NewMemoryQueue returns a MemoryQueue enforcing maxInflight entries per
// queue per client, with timeout as the ack/delivery TTL.
func NewMemoryQueue(maxInflight uint16, timeout time.Duration) *MemoryQueue {
	return &MemoryQueue{
		maxInflight: maxInflight,
		timeout:     timeout,
		incoming:    make(map[string][]IncomingPublishPacket),
		outgoing:    make(map[string][]OutgoingPublishPacket),
	}
}

func (q *MemoryQueue) PushIncoming(clientID string, packetID uint16, message PublishMessage) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.incoming[clientID]
	if len(entries) >= int(q.maxInflight) {
		return true, nil
	}
	q.incoming[clientID] = append(entries, IncomingPublishPacket{
		PacketID:  packetID,
		Message:   message,
		ReceiveAt: time.Now(),
	})
	return false, nil
}

func (q *MemoryQueue) PushOutgoing(clientID string, packetID uint16, subscribeQoS byte, message PublishMessage) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.outgoing[clientID]
	if len(entries) >= int(q.maxInflight) {
		return true, nil
	}
	q.outgoing[clientID] = append(entries, OutgoingPublishPacket{
		PacketID:     packetID,
		SubscribeQoS: subscribeQoS,
		Message:      message,
		AddedAt:      time.Now(),
	})
	return false, nil
}

func (q *MemoryQueue) MarkIncomingDelivered(clientID string, packetID uint16) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.incoming[clientID]
	for i := range entries {
		p := &entries[i]
		if p.PacketID == packetID && p.DeliverAt == nil {
			now := time.Now()
			p.DeliverAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (q *MemoryQueue) Pubrec(clientID string, packetID uint16) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.outgoing[clientID]
	for i := range entries {
		p := &entries[i]
		if p.PacketID == packetID && p.Message.QoS == 2 && p.PubrecAt == nil && p.PubcompAt == nil {
			now := time.Now()
			p.PubrecAt = &now
			p.Message.SetDup()
			return true, nil
		}
	}
	return false, nil
}

func (q *MemoryQueue) Puback(clientID string, packetID uint16) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.outgoing[clientID]
	for i := range entries {
		p := &entries[i]
		if p.PacketID == packetID && p.Message.QoS == 1 && p.PubcompAt == nil {
			now := time.Now()
			p.PubcompAt = &now
			p.Message.SetDup()
			return true, nil
		}
	}
	return false, nil
}

func (q *MemoryQueue) Pubcomp(clientID string, packetID uint16) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.outgoing[clientID]
	for i := range entries {
		p := &entries[i]
		if p.PacketID == packetID && p.Message.QoS == 2 && p.PubrecAt != nil {
			now := time.Now()
			p.PubcompAt = &now
			return true, nil
		}
	}
	return false, nil
}

// shrinkIncoming and shrinkOutgoing reallocate a queue's backing array
// smaller once its capacity is a large multiple of its length - mirrors mesquitte-core's
// VecDeque shrink_queue: capacity >= 16 and >= 4x length -> shrink to 2x
// length; empty -> release everything. Go slices carry no public shrink_to,
// so shrinking here means copying into a freshly sized backing array.
func shrinkIncoming(entries []IncomingPublishPacket) []IncomingPublishPacket {
	if len(entries) == 0 {
		return nil
	}
	if cap(entries) >= 16 && cap(entries) >= len(entries)*4 {
		shrunk := make([]IncomingPublishPacket, len(entries), len(entries)*2)
		copy(shrunk, entries)
		return shrunk
	}
	return entries
}

func shrinkOutgoing(entries []OutgoingPublishPacket) []OutgoingPublishPacket {
	if len(entries) == 0 {
		return nil
	}
	if cap(entries) >= 16 && cap(entries) >= len(entries)*4 {
		shrunk := make([]OutgoingPublishPacket, len(entries), len(entries)*2)
		copy(shrunk, entries)
		return shrunk
	}
	return entries
}

func (q *MemoryQueue) CleanIncoming(clientID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, ok := q.incoming[clientID]
	if !ok {
		return nil
	}
	now := time.Now()
	for i, p := range entries {
		if p.DeliverAt != nil || now.Sub(p.ReceiveAt) >= q.timeout {
			entries = append(entries[:i], entries[i+1:]...)
			q.incoming[clientID] = shrinkIncoming(entries)
			return nil
		}
	}
	return nil
}

func (q *MemoryQueue) CleanOutgoing(clientID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, ok := q.outgoing[clientID]
	if !ok {
		return nil
	}
	now := time.Now()
	for i, p := range entries {
		progressAt := p.AddedAt
		if p.PubrecAt != nil {
			progressAt = *p.PubrecAt
		}
		if p.PubcompAt != nil || now.Sub(progressAt) >= q.timeout {
			entries = append(entries[:i], entries[i+1:]...)
			q.outgoing[clientID] = shrinkOutgoing(entries)
			return nil
		}
	}
	return nil
}

func (q *MemoryQueue) GetReadyIncomingPackets(clientID string) ([]IncomingPublishPacket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, ok := q.incoming[clientID]
	if !ok {
		return nil, nil
	}
	now := time.Now()
	ready := make([]IncomingPublishPacket, 0, len(entries))
	for _, p := range entries {
		if p.DeliverAt == nil && now.Sub(p.ReceiveAt) <= q.timeout {
			ready = append(ready, p)
		}
	}
	return ready, nil
}

func (q *MemoryQueue) GetUnsentOutgoingPackets(clientID string) ([]OutgoingPublishPacket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, ok := q.outgoing[clientID]
	if !ok {
		return nil, nil
	}
	now := time.Now()
	unsent := make([]OutgoingPublishPacket, 0, len(entries))
	for _, p := range entries {
		if p.PubcompAt != nil || p.PubrecAt != nil {
			continue
		}
		if now.Sub(p.AddedAt) <= q.timeout {
			unsent = append(unsent, p)
		}
	}
	return unsent, nil
}

func (q *MemoryQueue) HasOutgoing(clientID string, packetID uint16) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range q.outgoing[clientID] {
		if p.PacketID == packetID {
			return true
		}
	}
	return false
}

func (q *MemoryQueue) HasIncoming(clientID string, packetID uint16) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range q.incoming[clientID] {
		if p.PacketID == packetID {
			return true
		}
	}
	return false
}

func (q *MemoryQueue) Remove(clientID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.incoming, clientID)
	delete(q.outgoing, clientID)
	return nil
}
