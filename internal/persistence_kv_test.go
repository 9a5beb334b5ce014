package internal

import (
	"testing"

	"github.com/codewithdpk/DeepMQ/storage"
	"github.com/stretchr/testify/require"
)

func newTestKVManager(t *testing.T) *KVManager {
	t.Helper()
	provider := storage.NewBuntDBProvider(":memory:")
	km, err := NewKVManager(provider)
	require.NoError(t, err)
	t.Cleanup(func() { km.Close() })
	return km
}

func TestKVManagerSaveAndRecover(t *testing.T) {
	km := newTestKVManager(t)

	ex := &Exchange{Name: "orders", Type: ExchangeDirect, Durable: true}
	require.NoError(t, km.SaveExchange(ex))

	q := newQueue("orders-q")
	q.Durable = true
	require.NoError(t, km.SaveQueue(q))

	binding := &Binding{Source: "orders", Destination: "orders-q", RoutingKey: "created"}
	require.NoError(t, km.SaveBinding(binding))

	msg := &Message{Id: "m1", Exchange: "orders", RoutingKey: "created", Body: []byte("payload")}
	require.NoError(t, km.SaveMessage("orders-q", msg))

	state, err := km.Recover()
	require.NoError(t, err)

	require.Len(t, state.Exchanges, 1)
	require.Equal(t, "orders", state.Exchanges[0].Name)

	require.Len(t, state.Queues, 1)
	require.Equal(t, "orders-q", state.Queues[0].Name)
	require.Len(t, state.Queues[0].Messages, 1)
	require.Equal(t, "payload", string(state.Queues[0].Messages[0].Body))

	require.Len(t, state.Bindings, 1)
	require.Equal(t, "created", state.Bindings[0].RoutingKey)
}

func TestKVManagerSkipsNonDurableQueue(t *testing.T) {
	km := newTestKVManager(t)

	q := newQueue("volatile-q")
	q.Durable = false
	require.NoError(t, km.SaveQueue(q))

	state, err := km.Recover()
	require.NoError(t, err)
	require.Empty(t, state.Queues)
}

func TestKVManagerDeleteMessageRemovesFromRecovery(t *testing.T) {
	km := newTestKVManager(t)

	q := newQueue("q")
	q.Durable = true
	require.NoError(t, km.SaveQueue(q))

	msg := &Message{Id: "m1", Body: []byte("x")}
	require.NoError(t, km.SaveMessage("q", msg))
	require.NoError(t, km.DeleteMessage("q", msg))

	state, err := km.Recover()
	require.NoError(t, err)
	require.Len(t, state.Queues, 1)
	require.Empty(t, state.Queues[0].Messages)
}

func TestKVManagerSaveQueueDeclarationWritesQueueAndBindingTogether(t *testing.T) {
	km := newTestKVManager(t)

	ex := &Exchange{Name: "", Type: ExchangeDirect, Durable: true, IsDefault: true}
	require.NoError(t, km.SaveExchange(ex))

	q := newQueue("orders-q")
	q.Durable = true
	binding := &Binding{Source: "", Destination: "orders-q", RoutingKey: "orders-q"}
	require.NoError(t, km.SaveQueueDeclaration(q, binding))

	state, err := km.Recover()
	require.NoError(t, err)
	require.Len(t, state.Queues, 1)
	require.Equal(t, "orders-q", state.Queues[0].Name)
	require.Len(t, state.Bindings, 1)
	require.Equal(t, "orders-q", state.Bindings[0].RoutingKey)
}

func TestKVManagerDeleteQueueCascadesBindingsAndMessages(t *testing.T) {
	km := newTestKVManager(t)

	ex := &Exchange{Name: "orders", Type: ExchangeDirect, Durable: true}
	require.NoError(t, km.SaveExchange(ex))

	q := newQueue("orders-q")
	q.Durable = true
	require.NoError(t, km.SaveQueue(q))

	binding := &Binding{Source: "orders", Destination: "orders-q", RoutingKey: "created"}
	require.NoError(t, km.SaveBinding(binding))

	msg := &Message{Id: "m1", Exchange: "orders", RoutingKey: "created", Body: []byte("payload")}
	require.NoError(t, km.SaveMessage("orders-q", msg))

	require.NoError(t, km.DeleteQueue("orders-q"))

	state, err := km.Recover()
	require.NoError(t, err)
	require.Empty(t, state.Queues, "queue itself must be gone")
	require.Empty(t, state.Bindings, "binding targeting the deleted queue must be gone too")

	keys, err := km.store.Keys(storage.KeyPrefixMessage)
	require.NoError(t, err)
	require.Empty(t, keys, "messages logged against the deleted queue must be gone too")
}

func TestKVManagerDeleteExchangeCascadesBindings(t *testing.T) {
	km := newTestKVManager(t)

	ex := &Exchange{Name: "orders", Type: ExchangeDirect, Durable: true}
	require.NoError(t, km.SaveExchange(ex))

	q := newQueue("orders-q")
	q.Durable = true
	require.NoError(t, km.SaveQueue(q))

	binding := &Binding{Source: "orders", Destination: "orders-q", RoutingKey: "created"}
	require.NoError(t, km.SaveBinding(binding))

	require.NoError(t, km.DeleteExchange("orders"))

	state, err := km.Recover()
	require.NoError(t, err)
	require.Empty(t, state.Bindings, "binding sourced from the deleted exchange must be gone too")

	keys, err := km.store.Keys(storage.KeyPrefixBinding)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestKVManagerBindingDroppedWhenExchangeMissing(t *testing.T) {
	km := newTestKVManager(t)

	q := newQueue("q")
	q.Durable = true
	require.NoError(t, km.SaveQueue(q))

	binding := &Binding{Source: "no-such-exchange", Destination: "q", RoutingKey: "k"}
	require.NoError(t, km.SaveBinding(binding))

	state, err := km.Recover()
	require.NoError(t, err)
	require.Empty(t, state.Bindings)
}
