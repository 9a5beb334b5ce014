package internal

import (
	"testing"
	"time"

	"github.com/codewithdpk/DeepMQ/events"
	"github.com/codewithdpk/DeepMQ/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker() *Broker {
	b := &Broker{
		exchanges:   make(map[string]*Exchange),
		queues:      make(map[string]*Queue),
		connections: make(map[*Connection]struct{}),
		log:         &logger.NilLogger{},
		events:      events.NewBus(),
		persist:     noopManager{},
	}
	b.installDefaultExchanges()
	return b
}

func TestResolveDestinationsDirect(t *testing.T) {
	b := newTestBroker()
	b.exchanges["orders"] = &Exchange{Name: "orders", Type: ExchangeDirect}
	b.queues["q1"] = newQueue("q1")
	b.bindings = []*Binding{{Source: "orders", Destination: "q1", RoutingKey: "created"}}

	assert.Equal(t, []string{"q1"}, b.resolveDestinations("orders", "created"))
	assert.Empty(t, b.resolveDestinations("orders", "deleted"))
}

func TestResolveDestinationsFanout(t *testing.T) {
	b := newTestBroker()
	b.exchanges["events"] = &Exchange{Name: "events", Type: ExchangeFanout}
	b.queues["q1"] = newQueue("q1")
	b.queues["q2"] = newQueue("q2")
	b.bindings = []*Binding{
		{Source: "events", Destination: "q1"},
		{Source: "events", Destination: "q2"},
	}

	dests := b.resolveDestinations("events", "anything")
	assert.ElementsMatch(t, []string{"q1", "q2"}, dests)
}

func TestResolveDestinationsTopic(t *testing.T) {
	b := newTestBroker()
	b.exchanges["logs"] = &Exchange{Name: "logs", Type: ExchangeTopic}
	b.queues["q1"] = newQueue("q1")
	b.bindings = []*Binding{{Source: "logs", Destination: "q1", RoutingKey: "app.*.error"}}

	assert.Equal(t, []string{"q1"}, b.resolveDestinations("logs", "app.billing.error"))
	assert.Empty(t, b.resolveDestinations("logs", "app.billing.warn"))
}

func TestResolveDestinationsDefaultExchange(t *testing.T) {
	b := newTestBroker()
	b.queues["task-queue"] = newQueue("task-queue")

	assert.Equal(t, []string{"task-queue"}, b.resolveDestinations("", "task-queue"))
	assert.Empty(t, b.resolveDestinations("", "no-such-queue"))
}

func TestResolveDestinationsDedupesBindings(t *testing.T) {
	b := newTestBroker()
	b.exchanges["fanout1"] = &Exchange{Name: "fanout1", Type: ExchangeFanout}
	b.queues["q1"] = newQueue("q1")
	b.bindings = []*Binding{
		{Source: "fanout1", Destination: "q1"},
		{Source: "fanout1", Destination: "q1"},
	}

	assert.Equal(t, []string{"q1"}, b.resolveDestinations("fanout1", "x"))
}

func TestAutoDeleteExchangeWhenLastBindingRemoved(t *testing.T) {
	b := newTestBroker()
	b.exchanges["logs"] = &Exchange{Name: "logs", Type: ExchangeFanout, AutoDelete: true}
	b.queues["q1"] = newQueue("q1")
	b.bindings = []*Binding{{Source: "logs", Destination: "q1", RoutingKey: "x"}}

	sources := b.removeBindingsForQueueLocked("q1")
	deleted := b.autoDeleteExchangesIfUnboundLocked(sources)

	require.Len(t, deleted, 1)
	assert.Equal(t, "logs", deleted[0].Name)
	_, stillExists := b.exchanges["logs"]
	assert.False(t, stillExists, "auto-delete exchange must be gone once its last binding is removed")
}

func TestAutoDeleteExchangeSurvivesWhileOtherBindingsRemain(t *testing.T) {
	b := newTestBroker()
	b.exchanges["logs"] = &Exchange{Name: "logs", Type: ExchangeFanout, AutoDelete: true}
	b.queues["q1"] = newQueue("q1")
	b.queues["q2"] = newQueue("q2")
	b.bindings = []*Binding{
		{Source: "logs", Destination: "q1", RoutingKey: "x"},
		{Source: "logs", Destination: "q2", RoutingKey: "x"},
	}

	sources := b.removeBindingsForQueueLocked("q1")
	deleted := b.autoDeleteExchangesIfUnboundLocked(sources)

	assert.Empty(t, deleted, "exchange still has a binding to q2, it must not be deleted")
	_, stillExists := b.exchanges["logs"]
	assert.True(t, stillExists)
}

func TestAutoDeleteExchangeNeverAppliesToDefaultExchange(t *testing.T) {
	b := newTestBroker()
	b.queues["q1"] = newQueue("q1")
	b.bindings = []*Binding{{Source: "", Destination: "q1", RoutingKey: "q1"}}

	sources := b.removeBindingsForQueueLocked("q1")
	deleted := b.autoDeleteExchangesIfUnboundLocked(sources)

	assert.Empty(t, deleted, "the default exchange is never auto-deleted")
}

func TestAutoDeleteExchangeSkippedWhenNotAutoDelete(t *testing.T) {
	b := newTestBroker()
	b.exchanges["logs"] = &Exchange{Name: "logs", Type: ExchangeFanout, AutoDelete: false}
	b.queues["q1"] = newQueue("q1")
	b.bindings = []*Binding{{Source: "logs", Destination: "q1", RoutingKey: "x"}}

	sources := b.removeBindingsForQueueLocked("q1")
	deleted := b.autoDeleteExchangesIfUnboundLocked(sources)

	assert.Empty(t, deleted)
	_, stillExists := b.exchanges["logs"]
	assert.True(t, stillExists)
}

func TestEnqueueAndDispatchToSingleConsumer(t *testing.T) {
	b := newTestBroker()
	q := newQueue("jobs")
	b.queues["jobs"] = q

	conn := &Connection{Id: "conn-1", Conn: newMockConn(), channels: make(map[uint16]*Channel)}
	ch := newChannel(1, conn)
	ch.FlowActive = true
	cons := &Consumer{Tag: "ctag-1", QueueName: "jobs", Channel: ch, NoAck: true}
	q.consumers["ctag-1"] = cons
	q.consumerOrder = []string{"ctag-1"}

	msg := &Message{Id: "m1", Body: []byte("payload")}
	b.enqueue("jobs", msg)

	assert.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.Messages) == 0
	}, time.Second, time.Millisecond)
}
