package internal

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codewithdpk/DeepMQ/storage"
)

// KVManager implements Manager atop storage.Provider (the BuntDB-backed
// fast/volatile-or-persistent path preserved from the teacher's storage
// stack, as an alternative to FileManager's literal log+snapshot format).
// Grounded on _examples/aleybovich-carrot-mq/internal/persistence.go's
// PersistenceManager, simplified to the trimmed Provider interface.
type KVManager struct {
	store storage.Provider
}

func NewKVManager(store storage.Provider) (*KVManager, error) {
	if err := store.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing kv store: %w", err)
	}
	return &KVManager{store: store}, nil
}

type kvExchangeRecord struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"autoDelete"`
	Internal   bool   `json:"internal"`
	Arguments  Table  `json:"arguments,omitempty"`
	IsDefault  bool   `json:"isDefault"`
}

type kvQueueRecord struct {
	Name       string `json:"name"`
	Durable    bool   `json:"durable"`
	Exclusive  bool   `json:"exclusive"`
	AutoDelete bool   `json:"autoDelete"`
	Arguments  Table  `json:"arguments,omitempty"`
}

type kvBindingRecord struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	RoutingKey  string `json:"routingKey"`
	Arguments   Table  `json:"arguments,omitempty"`
}

type kvMessageRecord struct {
	Id         string         `json:"id"`
	Exchange   string         `json:"exchange"`
	RoutingKey string         `json:"routingKey"`
	Mandatory  bool           `json:"mandatory"`
	Immediate  bool           `json:"immediate"`
	Properties propertiesJSON `json:"properties"`
	Body       []byte         `json:"body"`
}

func exchangeStoreKey(name string) string { return storage.KeyPrefixExchange + name }
func queueStoreKey(name string) string    { return storage.KeyPrefixQueue + name }
func bindingStoreKey(b *Binding) string {
	return storage.KeyPrefixBinding + b.Source + ":" + b.Destination + ":" + b.RoutingKey
}
func messageStoreKey(queueName string, msg *Message) string {
	return storage.KeyPrefixMessage + queueName + ":" + messageKey(msg)
}

func (k *KVManager) SaveExchange(ex *Exchange) error {
	data, err := json.Marshal(kvExchangeRecord{
		Name: ex.Name, Type: string(ex.Type), Durable: ex.Durable,
		AutoDelete: ex.AutoDelete, Internal: ex.Internal, Arguments: ex.Arguments, IsDefault: ex.IsDefault,
	})
	if err != nil {
		return err
	}
	return k.store.Set(exchangeStoreKey(ex.Name), data)
}

// DeleteExchange removes the exchange and, atomically in the same
// transaction, every binding sourced from it — otherwise a crash between
// the two deletes would leave orphaned bindings pointing at an exchange
// that no longer exists.
func (k *KVManager) DeleteExchange(name string) error {
	tx, err := k.store.BeginTx()
	if err != nil {
		return err
	}
	if err := tx.Delete(exchangeStoreKey(name)); err != nil {
		tx.Rollback()
		return err
	}
	if err := k.deleteBindingsMatchingTx(tx, func(r kvBindingRecord) bool { return r.Source == name }); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// deleteBindingsMatchingTx queues a Delete, within tx, for every binding
// record satisfying match.
func (k *KVManager) deleteBindingsMatchingTx(tx storage.Transaction, match func(kvBindingRecord) bool) error {
	keys, err := k.store.Keys(storage.KeyPrefixBinding)
	if err != nil {
		return err
	}
	for _, key := range keys {
		data, err := k.store.Get(key)
		if err != nil {
			continue
		}
		var r kvBindingRecord
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		if match(r) {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
	}
	return nil
}

func (k *KVManager) SaveQueue(q *Queue) error {
	data, err := json.Marshal(kvQueueRecord{
		Name: q.Name, Durable: q.Durable, Exclusive: q.Exclusive, AutoDelete: q.AutoDelete, Arguments: q.Arguments,
	})
	if err != nil {
		return err
	}
	return k.store.Set(queueStoreKey(q.Name), data)
}

// SaveQueueDeclaration writes the queue and its default-exchange binding
// in a single transaction: a crash between the two writes must never leave
// a queue without its implicit binding, or vice versa.
func (k *KVManager) SaveQueueDeclaration(q *Queue, binding *Binding) error {
	qData, err := json.Marshal(kvQueueRecord{
		Name: q.Name, Durable: q.Durable, Exclusive: q.Exclusive, AutoDelete: q.AutoDelete, Arguments: q.Arguments,
	})
	if err != nil {
		return err
	}
	bData, err := json.Marshal(kvBindingRecord{
		Source: binding.Source, Destination: binding.Destination, RoutingKey: binding.RoutingKey, Arguments: binding.Arguments,
	})
	if err != nil {
		return err
	}

	tx, err := k.store.BeginTx()
	if err != nil {
		return err
	}
	if err := tx.Set(queueStoreKey(q.Name), qData); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Set(bindingStoreKey(binding), bData); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// DeleteQueue removes the queue and, atomically in the same transaction,
// every binding targeting it and every message still logged against it —
// otherwise a crash partway through would leave orphaned binding or
// message keys behind for the life of the store.
func (k *KVManager) DeleteQueue(name string) error {
	tx, err := k.store.BeginTx()
	if err != nil {
		return err
	}
	if err := tx.Delete(queueStoreKey(name)); err != nil {
		tx.Rollback()
		return err
	}
	if err := k.deleteBindingsMatchingTx(tx, func(r kvBindingRecord) bool { return r.Destination == name }); err != nil {
		tx.Rollback()
		return err
	}

	msgKeys, err := k.store.Keys(storage.KeyPrefixMessage + name + ":")
	if err != nil {
		tx.Rollback()
		return err
	}
	for _, key := range msgKeys {
		if err := tx.Delete(key); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func (k *KVManager) SaveBinding(b *Binding) error {
	data, err := json.Marshal(kvBindingRecord{Source: b.Source, Destination: b.Destination, RoutingKey: b.RoutingKey, Arguments: b.Arguments})
	if err != nil {
		return err
	}
	return k.store.Set(bindingStoreKey(b), data)
}

func (k *KVManager) DeleteBinding(b *Binding) error {
	return k.store.Delete(bindingStoreKey(b))
}

func (k *KVManager) SaveMessage(queueName string, msg *Message) error {
	data, err := json.Marshal(kvMessageRecord{
		Id: msg.Id, Exchange: msg.Exchange, RoutingKey: msg.RoutingKey,
		Mandatory: msg.Mandatory, Immediate: msg.Immediate,
		Properties: toPropertiesJSON(msg.Properties), Body: msg.Body,
	})
	if err != nil {
		return err
	}
	return k.store.Set(messageStoreKey(queueName, msg), data)
}

func (k *KVManager) DeleteMessage(queueName string, msg *Message) error {
	return k.store.Delete(messageStoreKey(queueName, msg))
}

func (k *KVManager) Compact(queues map[string]*Queue) error {
	// The KV backend has no append log to rewrite; each Save/Delete
	// already leaves exactly the current state keyed by message id.
	return nil
}

func (k *KVManager) Recover() (*RecoveredState, error) {
	state := &RecoveredState{}
	queueByName := make(map[string]*Queue)

	exKeys, err := k.store.Keys(storage.KeyPrefixExchange)
	if err != nil {
		return nil, err
	}
	for _, key := range exKeys {
		data, err := k.store.Get(key)
		if err != nil {
			continue
		}
		var r kvExchangeRecord
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		if !r.Durable {
			continue
		}
		state.Exchanges = append(state.Exchanges, &Exchange{
			Name: r.Name, Type: ExchangeType(r.Type), Durable: r.Durable,
			AutoDelete: r.AutoDelete, Internal: r.Internal, Arguments: r.Arguments, IsDefault: r.IsDefault,
		})
	}

	qKeys, err := k.store.Keys(storage.KeyPrefixQueue)
	if err != nil {
		return nil, err
	}
	for _, key := range qKeys {
		data, err := k.store.Get(key)
		if err != nil {
			continue
		}
		var r kvQueueRecord
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		if !r.Durable || r.Exclusive {
			continue
		}
		nq := newQueue(r.Name)
		nq.Durable, nq.Exclusive, nq.AutoDelete, nq.Arguments = r.Durable, r.Exclusive, r.AutoDelete, r.Arguments
		state.Queues = append(state.Queues, nq)
		queueByName[r.Name] = nq
	}

	exByName := map[string]bool{"": true}
	for _, e := range state.Exchanges {
		exByName[e.Name] = true
	}

	bKeys, err := k.store.Keys(storage.KeyPrefixBinding)
	if err != nil {
		return nil, err
	}
	for _, key := range bKeys {
		data, err := k.store.Get(key)
		if err != nil {
			continue
		}
		var r kvBindingRecord
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		if !exByName[r.Source] {
			continue
		}
		if _, ok := queueByName[r.Destination]; !ok {
			continue
		}
		state.Bindings = append(state.Bindings, &Binding{Source: r.Source, Destination: r.Destination, RoutingKey: r.RoutingKey, Arguments: r.Arguments})
	}

	msgKeys, err := k.store.Keys(storage.KeyPrefixMessage)
	if err != nil {
		return nil, err
	}
	for _, key := range msgKeys {
		data, err := k.store.Get(key)
		if err != nil {
			continue
		}
		var r kvMessageRecord
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		rest := strings.TrimPrefix(key, storage.KeyPrefixMessage)
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) == 0 {
			continue
		}
		q, ok := queueByName[parts[0]]
		if !ok {
			continue
		}
		q.Messages = append(q.Messages, &Message{
			Id: r.Id, Exchange: r.Exchange, RoutingKey: r.RoutingKey,
			Mandatory: r.Mandatory, Immediate: r.Immediate,
			Properties: fromPropertiesJSON(r.Properties), Body: r.Body,
		})
	}

	return state, nil
}

func (k *KVManager) Close() error {
	return k.store.Close()
}
