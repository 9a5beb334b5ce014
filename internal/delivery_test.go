package internal

import (
	"testing"
	"time"

	"github.com/codewithdpk/DeepMQ/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannel(b *Broker) *Channel {
	conn := &Connection{Id: "conn-1", Conn: newMockConn(), Broker: b, channels: make(map[uint16]*Channel)}
	ch := newChannel(1, conn)
	conn.channels[1] = ch
	return ch
}

func TestTryDispatchOnceRespectsPrefetchCount(t *testing.T) {
	b := newTestBroker()
	q := newQueue("jobs")
	b.queues["jobs"] = q

	ch := newTestChannel(b)
	ch.PrefetchCount = 1
	cons := &Consumer{Tag: "ctag-1", QueueName: "jobs", Channel: ch}
	q.consumers["ctag-1"] = cons
	q.consumerOrder = []string{"ctag-1"}

	q.Messages = []*Message{{Id: "m1", Body: []byte("a")}, {Id: "m2", Body: []byte("b")}}

	assert.True(t, b.tryDispatchOnce(q))
	assert.Equal(t, 1, len(q.Messages), "one message should remain undispatched")
	assert.Equal(t, 1, ch.unackedCount())

	assert.False(t, b.tryDispatchOnce(q), "prefetch count of 1 already met, no further dispatch")
	assert.Equal(t, 1, len(q.Messages))
}

func TestTryDispatchOnceRoundRobinsConsumers(t *testing.T) {
	b := newTestBroker()
	q := newQueue("jobs")
	b.queues["jobs"] = q

	ch1 := newTestChannel(b)
	ch2 := newTestChannel(b)
	q.consumers["c1"] = &Consumer{Tag: "c1", QueueName: "jobs", Channel: ch1, NoAck: true}
	q.consumers["c2"] = &Consumer{Tag: "c2", QueueName: "jobs", Channel: ch2, NoAck: true}
	q.consumerOrder = []string{"c1", "c2"}

	q.Messages = []*Message{{Id: "m1"}, {Id: "m2"}}

	require.True(t, b.tryDispatchOnce(q))
	require.True(t, b.tryDispatchOnce(q))

	assert.Equal(t, []string{"c1", "c2"}, q.consumerOrder, "each consumer rotates to the tail after serving one message")
}

func TestTryDispatchOnceAppliesPrefetchAcrossConsumersSharingAChannel(t *testing.T) {
	b := newTestBroker()
	q := newQueue("jobs")
	b.queues["jobs"] = q

	ch := newTestChannel(b)
	ch.PrefetchCount = 1 // prefetch is always scoped to the whole channel
	q.consumers["c1"] = &Consumer{Tag: "c1", QueueName: "jobs", Channel: ch}
	q.consumers["c2"] = &Consumer{Tag: "c2", QueueName: "jobs", Channel: ch}
	q.consumerOrder = []string{"c1", "c2"}
	q.Messages = []*Message{{Id: "m1"}, {Id: "m2"}}

	require.True(t, b.tryDispatchOnce(q))
	require.Len(t, q.Messages, 1, "second consumer must wait: the channel-wide allowance is already spent")
	assert.False(t, b.tryDispatchOnce(q))
}

func TestTryDispatchOnceAppliesPrefetchGloballyWhenRequested(t *testing.T) {
	b := newTestBroker()
	q := newQueue("jobs")
	b.queues["jobs"] = q

	ch := newTestChannel(b)
	ch.PrefetchCount = 1
	ch.PrefetchGlobal = true // explicit global=true behaves the same as the implicit channel-wide default
	q.consumers["c1"] = &Consumer{Tag: "c1", QueueName: "jobs", Channel: ch}
	q.consumers["c2"] = &Consumer{Tag: "c2", QueueName: "jobs", Channel: ch}
	q.consumerOrder = []string{"c1", "c2"}
	q.Messages = []*Message{{Id: "m1"}, {Id: "m2"}}

	require.True(t, b.tryDispatchOnce(q))
	require.Len(t, q.Messages, 1, "second consumer must wait: the channel-wide allowance is already spent")
	assert.False(t, b.tryDispatchOnce(q))
}

func TestTryDispatchOnceSkipsPausedChannel(t *testing.T) {
	b := newTestBroker()
	q := newQueue("jobs")
	b.queues["jobs"] = q

	ch := newTestChannel(b)
	ch.FlowActive = false
	q.consumers["c1"] = &Consumer{Tag: "c1", QueueName: "jobs", Channel: ch, NoAck: true}
	q.consumerOrder = []string{"c1"}
	q.Messages = []*Message{{Id: "m1"}}

	assert.False(t, b.tryDispatchOnce(q))
	assert.Equal(t, 1, len(q.Messages))
}

func TestAckEntriesSingleAndMultiple(t *testing.T) {
	b := newTestBroker()
	ch := newTestChannel(b)
	ch.Unacked[1] = &UnackedEntry{DeliveryTag: 1, Message: &Message{Id: "m1"}, QueueName: "q"}
	ch.Unacked[2] = &UnackedEntry{DeliveryTag: 2, Message: &Message{Id: "m2"}, QueueName: "q"}
	ch.Unacked[3] = &UnackedEntry{DeliveryTag: 3, Message: &Message{Id: "m3"}, QueueName: "q"}

	acked := b.ackEntries(ch, 2, true)
	assert.Len(t, acked, 2)
	assert.Len(t, ch.Unacked, 1)
	_, stillPending := ch.Unacked[3]
	assert.True(t, stillPending)

	acked = b.ackEntries(ch, 3, false)
	assert.Len(t, acked, 1)
	assert.Empty(t, ch.Unacked)
}

func TestSettleRejectedOrNackedRequeuesToHead(t *testing.T) {
	b := newTestBroker()
	q := newQueue("jobs")
	b.queues["jobs"] = q
	q.Messages = []*Message{{Id: "existing"}}

	ch := newTestChannel(b)
	ch.Unacked[1] = &UnackedEntry{DeliveryTag: 1, Message: &Message{Id: "requeued"}, QueueName: "jobs"}

	sub := b.events.Subscribe()
	defer b.events.Unsubscribe(sub)

	b.settleRejectedOrNacked(ch, 1, false, true, events.MessageNacked)

	assert.Empty(t, ch.Unacked)
	require.Len(t, q.Messages, 2)
	assert.Equal(t, "requeued", q.Messages[0].Id, "requeued message goes to the head")

	select {
	case evt := <-sub:
		assert.Equal(t, events.MessageNacked, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a MessageNacked event")
	}
}

func TestSettleRejectedOrNackedDropsWithoutRequeue(t *testing.T) {
	b := newTestBroker()
	q := newQueue("jobs")
	b.queues["jobs"] = q

	ch := newTestChannel(b)
	ch.Unacked[1] = &UnackedEntry{DeliveryTag: 1, Message: &Message{Id: "dropped"}, QueueName: "jobs"}

	b.settleRejectedOrNacked(ch, 1, false, false, events.MessageRejected)

	assert.Empty(t, ch.Unacked)
	assert.Empty(t, q.Messages)
}

func TestCancelConsumerAutoDeletesEmptyQueue(t *testing.T) {
	b := newTestBroker()
	q := newQueue("jobs")
	q.AutoDelete = true
	q.hadConsumer = true
	b.queues["jobs"] = q

	ch := newTestChannel(b)
	cons := &Consumer{Tag: "c1", QueueName: "jobs", Channel: ch}
	ch.consumers["c1"] = cons
	q.consumers["c1"] = cons
	q.consumerOrder = []string{"c1"}

	b.cancelConsumer(ch, "c1")

	b.mu.RLock()
	_, exists := b.queues["jobs"]
	b.mu.RUnlock()
	assert.False(t, exists, "auto-delete queue must be removed once its last consumer cancels")
}

func TestCancelConsumerKeepsNonAutoDeleteQueue(t *testing.T) {
	b := newTestBroker()
	q := newQueue("jobs")
	q.hadConsumer = true
	b.queues["jobs"] = q

	ch := newTestChannel(b)
	cons := &Consumer{Tag: "c1", QueueName: "jobs", Channel: ch}
	ch.consumers["c1"] = cons
	q.consumers["c1"] = cons
	q.consumerOrder = []string{"c1"}

	b.cancelConsumer(ch, "c1")

	b.mu.RLock()
	_, exists := b.queues["jobs"]
	b.mu.RUnlock()
	assert.True(t, exists)
}
