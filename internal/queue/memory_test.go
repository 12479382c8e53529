package queue

import (
	"testing"
	"time"

	"github.com/hlindberg/mezquit/testutils"
)

func Test_PushOutgoing_reports_full_at_maxInflight(t *testing.T) {
	q := NewMemoryQueue(2, time.Minute)

	full, err := q.PushOutgoing("c1", 1, 1, PublishMessage{TopicName: "a", QoS: 1})
	testutils.CheckNotError(err, t)
	testutils.CheckFalse(full, t)

	full, err = q.PushOutgoing("c1", 2, 1, PublishMessage{TopicName: "a", QoS: 1})
	testutils.CheckNotError(err, t)
	testutils.CheckFalse(full, t)

	full, err = q.PushOutgoing("c1", 3, 1, PublishMessage{TopicName: "a", QoS: 1})
	testutils.CheckNotError(err, t)
	testutils.CheckTrue(full, t)
}

func Test_Puback_completes_matching_QoS1_entry_and_sets_dup(t *testing.T) {
	q := NewMemoryQueue(16, time.Minute)
	_, err := q.PushOutgoing("c1", 7, 1, PublishMessage{TopicName: "a", QoS: 1})
	testutils.CheckNotError(err, t)

	found, err := q.Puback("c1", 7)
	testutils.CheckNotError(err, t)
	testutils.CheckTrue(found, t)
	testutils.CheckTrue(q.outgoing["c1"][0].Message.Dup, t)

	unsent, err := q.GetUnsentOutgoingPackets("c1")
	testutils.CheckNotError(err, t)
	testutils.CheckEqual(0, len(unsent), t)
}

func Test_Pubrec_then_Pubcomp_completes_QoS2_entry(t *testing.T) {
	q := NewMemoryQueue(16, time.Minute)
	_, err := q.PushOutgoing("c1", 9, 2, PublishMessage{TopicName: "a", QoS: 2})
	testutils.CheckNotError(err, t)

	found, err := q.Pubrec("c1", 9)
	testutils.CheckNotError(err, t)
	testutils.CheckTrue(found, t)

	unsent, err := q.GetUnsentOutgoingPackets("c1")
	testutils.CheckNotError(err, t)
	testutils.CheckEqual(0, len(unsent), t)

	found, err = q.Pubcomp("c1", 9)
	testutils.CheckNotError(err, t)
	testutils.CheckTrue(found, t)
}

func Test_GetUnsentOutgoingPackets_excludes_expired(t *testing.T) {
	q := NewMemoryQueue(16, time.Millisecond)
	_, err := q.PushOutgoing("c1", 1, 1, PublishMessage{TopicName: "a", QoS: 1})
	testutils.CheckNotError(err, t)

	time.Sleep(5 * time.Millisecond)

	unsent, err := q.GetUnsentOutgoingPackets("c1")
	testutils.CheckNotError(err, t)
	testutils.CheckEqual(0, len(unsent), t)
}

func Test_HasOutgoing_reflects_stored_packet_ids(t *testing.T) {
	q := NewMemoryQueue(16, time.Minute)
	testutils.CheckFalse(q.HasOutgoing("c1", 1), t)

	_, err := q.PushOutgoing("c1", 1, 1, PublishMessage{TopicName: "a", QoS: 1})
	testutils.CheckNotError(err, t)
	testutils.CheckTrue(q.HasOutgoing("c1", 1), t)
}

func Test_PushIncoming_duplicate_detection_via_HasIncoming(t *testing.T) {
	q := NewMemoryQueue(16, time.Minute)
	testutils.CheckFalse(q.HasIncoming("c1", 5), t)

	full, err := q.PushIncoming("c1", 5, PublishMessage{TopicName: "t", QoS: 2})
	testutils.CheckNotError(err, t)
	testutils.CheckFalse(full, t)
	testutils.CheckTrue(q.HasIncoming("c1", 5), t)
}

func Test_MarkIncomingDelivered_then_CleanIncoming_removes_it(t *testing.T) {
	q := NewMemoryQueue(16, time.Minute)
	_, err := q.PushIncoming("c1", 5, PublishMessage{TopicName: "t", QoS: 2})
	testutils.CheckNotError(err, t)

	found, err := q.MarkIncomingDelivered("c1", 5)
	testutils.CheckNotError(err, t)
	testutils.CheckTrue(found, t)

	err = q.CleanIncoming("c1")
	testutils.CheckNotError(err, t)

	ready, err := q.GetReadyIncomingPackets("c1")
	testutils.CheckNotError(err, t)
	testutils.CheckEqual(0, len(ready), t)
	testutils.CheckFalse(q.HasIncoming("c1", 5), t)
}

func Test_Remove_drops_both_queues(t *testing.T) {
	q := NewMemoryQueue(16, time.Minute)
	_, _ = q.PushOutgoing("c1", 1, 1, PublishMessage{TopicName: "a", QoS: 1})
	_, _ = q.PushIncoming("c1", 2, PublishMessage{TopicName: "a", QoS: 2})

	err := q.Remove("c1")
	testutils.CheckNotError(err, t)
	testutils.CheckFalse(q.HasOutgoing("c1", 1), t)
	testutils.CheckFalse(q.HasIncoming("c1", 2), t)
}
