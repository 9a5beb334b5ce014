package internal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	amqpError "github.com/codewithdpk/DeepMQ/amqperror"
	"github.com/codewithdpk/DeepMQ/events"
)

func (c *Connection) handleQueueMethod(ch *Channel, methodId uint16, r *bytes.Reader) error {
	switch methodId {
	case MethodQueueDeclare:
		return c.handleQueueDeclare(ch, r)
	case MethodQueueBind:
		return c.handleQueueBind(ch, r)
	case MethodQueueUnbind:
		return c.handleQueueUnbind(ch, r)
	case MethodQueuePurge:
		return c.handleQueuePurge(ch, r)
	case MethodQueueDelete:
		return c.handleQueueDelete(ch, r)
	default:
		return c.sendChannelClose(ch.Number, amqpError.CommandInvalid, "unknown queue method", ClassQueue, methodId)
	}
}

func (c *Connection) handleQueueDeclare(ch *Channel, r *bytes.Reader) error {
	if _, err := r.ReadByte(); err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed queue.declare (ticket)", ClassQueue, MethodQueueDeclare)
	}
	name, err := readShortString(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed queue.declare (name)", ClassQueue, MethodQueueDeclare)
	}
	bits, err := r.ReadByte()
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed queue.declare (bits)", ClassQueue, MethodQueueDeclare)
	}
	passive := bits&0x01 != 0
	durable := bits&0x02 != 0
	exclusive := bits&0x04 != 0
	autoDelete := bits&0x08 != 0
	noWait := bits&0x10 != 0

	args, err := readTable(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed arguments table", ClassQueue, MethodQueueDeclare)
	}

	b := c.Broker

	if name == "" {
		name = b.genUniqueName("amq.gen-")
	} else if strings.HasPrefix(name, "amq.") && !passive {
		return c.sendChannelClose(ch.Number, amqpError.AccessRefused, "queue names starting with 'amq.' are reserved", ClassQueue, MethodQueueDeclare)
	}

	b.mu.Lock()
	existing, exists := b.queues[name]

	if passive {
		if !exists {
			b.mu.Unlock()
			return c.sendChannelClose(ch.Number, amqpError.NotFound, fmt.Sprintf("queue %q not found", name), ClassQueue, MethodQueueDeclare)
		}
		if existing.Exclusive && existing.ExclusiveConnectionId != c.Id {
			b.mu.Unlock()
			return c.sendChannelClose(ch.Number, amqpError.ResourceLocked, "queue is exclusive to another connection", ClassQueue, MethodQueueDeclare)
		}
		b.mu.Unlock()
	} else if exists {
		if existing.Exclusive && existing.ExclusiveConnectionId != c.Id {
			b.mu.Unlock()
			return c.sendChannelClose(ch.Number, amqpError.ResourceLocked, "queue is exclusive to another connection", ClassQueue, MethodQueueDeclare)
		}
		if existing.Durable != durable || existing.AutoDelete != autoDelete || existing.Exclusive != exclusive {
			b.mu.Unlock()
			return c.sendChannelClose(ch.Number, amqpError.PreconditionFailed, "queue redeclared with different parameters", ClassQueue, MethodQueueDeclare)
		}
		b.mu.Unlock()
	} else {
		q := newQueue(name)
		q.Durable, q.Exclusive, q.AutoDelete, q.Arguments = durable, exclusive, autoDelete, args
		if exclusive {
			q.ExclusiveConnectionId = c.Id
		}
		b.queues[name] = q
		binding := &Binding{Source: "", Destination: name, RoutingKey: name, Arguments: Table{}}
		b.bindings = append(b.bindings, binding)
		b.mu.Unlock()

		if durable {
			b.persist.SaveQueueDeclaration(q, binding)
		}
		b.events.Publish(events.QueueCreated, q)
		b.events.Publish(events.BindingCreated, binding)
		existing = q
	}

	if noWait {
		return nil
	}

	b.mu.RLock()
	msgCount := len(existing.Messages)
	consumerCount := len(existing.consumers)
	b.mu.RUnlock()

	buf := &bytes.Buffer{}
	writeShortString(buf, name)
	binary.Write(buf, binary.BigEndian, uint32(msgCount))
	binary.Write(buf, binary.BigEndian, uint32(consumerCount))
	return c.sendMethodFrame(ch.Number, ClassQueue, MethodQueueDeclareOk, buf.Bytes())
}

func (c *Connection) handleQueueBind(ch *Channel, r *bytes.Reader) error {
	if _, err := r.ReadByte(); err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed queue.bind (ticket)", ClassQueue, MethodQueueBind)
	}
	queueName, err := readShortString(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed queue.bind (queue)", ClassQueue, MethodQueueBind)
	}
	exchangeName, err := readShortString(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed queue.bind (exchange)", ClassQueue, MethodQueueBind)
	}
	routingKey, err := readShortString(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed queue.bind (routing-key)", ClassQueue, MethodQueueBind)
	}
	bits, err := r.ReadByte()
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed queue.bind (bits)", ClassQueue, MethodQueueBind)
	}
	noWait := bits&0x01 != 0
	args, err := readTable(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed arguments table", ClassQueue, MethodQueueBind)
	}

	b := c.Broker
	b.mu.Lock()
	q, qExists := b.queues[queueName]
	_, exExists := b.exchanges[exchangeName]
	if !qExists {
		b.mu.Unlock()
		return c.sendChannelClose(ch.Number, amqpError.NotFound, fmt.Sprintf("queue %q not found", queueName), ClassQueue, MethodQueueBind)
	}
	if !exExists {
		b.mu.Unlock()
		return c.sendChannelClose(ch.Number, amqpError.NotFound, fmt.Sprintf("exchange %q not found", exchangeName), ClassQueue, MethodQueueBind)
	}
	if q.Exclusive && q.ExclusiveConnectionId != c.Id {
		b.mu.Unlock()
		return c.sendChannelClose(ch.Number, amqpError.ResourceLocked, "queue is exclusive to another connection", ClassQueue, MethodQueueBind)
	}

	binding := &Binding{Source: exchangeName, Destination: queueName, RoutingKey: routingKey, Arguments: args}
	duplicate := false
	for _, existing := range b.bindings {
		if existing.Source == binding.Source && existing.Destination == binding.Destination && existing.RoutingKey == binding.RoutingKey {
			duplicate = true
			break
		}
	}
	if !duplicate {
		b.bindings = append(b.bindings, binding)
	}
	b.mu.Unlock()

	if !duplicate {
		if q.Durable {
			b.persist.SaveBinding(binding)
		}
		b.events.Publish(events.BindingCreated, binding)
	}

	if noWait {
		return nil
	}
	return c.sendMethodFrame(ch.Number, ClassQueue, MethodQueueBindOk, nil)
}

func (c *Connection) handleQueueUnbind(ch *Channel, r *bytes.Reader) error {
	if _, err := r.ReadByte(); err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed queue.unbind (ticket)", ClassQueue, MethodQueueUnbind)
	}
	queueName, err := readShortString(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed queue.unbind (queue)", ClassQueue, MethodQueueUnbind)
	}
	exchangeName, err := readShortString(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed queue.unbind (exchange)", ClassQueue, MethodQueueUnbind)
	}
	routingKey, err := readShortString(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed queue.unbind (routing-key)", ClassQueue, MethodQueueUnbind)
	}
	if _, err := readTable(r); err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed arguments table", ClassQueue, MethodQueueUnbind)
	}

	b := c.Broker
	var removed *Binding
	var deletedExchanges []*Exchange
	b.mu.Lock()
	out := b.bindings[:0:0]
	for _, binding := range b.bindings {
		if removed == nil && binding.Source == exchangeName && binding.Destination == queueName && binding.RoutingKey == routingKey {
			removed = binding
			continue
		}
		out = append(out, binding)
	}
	b.bindings = out
	if removed != nil {
		deletedExchanges = b.autoDeleteExchangesIfUnboundLocked([]string{removed.Source})
	}
	b.mu.Unlock()

	if removed != nil {
		b.persist.DeleteBinding(removed)
		b.events.Publish(events.BindingDeleted, removed)
	}
	b.finishAutoDeletedExchanges(deletedExchanges)

	return c.sendMethodFrame(ch.Number, ClassQueue, MethodQueueUnbindOk, nil)
}

func (c *Connection) handleQueuePurge(ch *Channel, r *bytes.Reader) error {
	if _, err := r.ReadByte(); err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed queue.purge (ticket)", ClassQueue, MethodQueuePurge)
	}
	name, err := readShortString(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed queue.purge (queue)", ClassQueue, MethodQueuePurge)
	}
	bits, err := r.ReadByte()
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed queue.purge (bits)", ClassQueue, MethodQueuePurge)
	}
	noWait := bits&0x01 != 0

	b := c.Broker
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if !ok {
		return c.sendChannelClose(ch.Number, amqpError.NotFound, fmt.Sprintf("queue %q not found", name), ClassQueue, MethodQueuePurge)
	}

	q.mu.Lock()
	purged := q.Messages
	q.Messages = nil
	q.mu.Unlock()

	for _, msg := range purged {
		if qualifiesForPersistence(q, msg) {
			b.persist.DeleteMessage(name, msg)
		}
	}
	b.events.Publish(events.QueuePurged, name)

	if noWait {
		return nil
	}
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, uint32(len(purged)))
	return c.sendMethodFrame(ch.Number, ClassQueue, MethodQueuePurgeOk, buf.Bytes())
}

func (c *Connection) handleQueueDelete(ch *Channel, r *bytes.Reader) error {
	if _, err := r.ReadByte(); err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed queue.delete (ticket)", ClassQueue, MethodQueueDelete)
	}
	name, err := readShortString(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed queue.delete (queue)", ClassQueue, MethodQueueDelete)
	}
	bits, err := r.ReadByte()
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed queue.delete (bits)", ClassQueue, MethodQueueDelete)
	}
	ifUnused := bits&0x01 != 0
	ifEmpty := bits&0x02 != 0
	noWait := bits&0x04 != 0

	b := c.Broker
	b.mu.Lock()
	q, ok := b.queues[name]
	if !ok {
		b.mu.Unlock()
		if noWait {
			return nil
		}
		buf := &bytes.Buffer{}
		binary.Write(buf, binary.BigEndian, uint32(0))
		return c.sendMethodFrame(ch.Number, ClassQueue, MethodQueueDeleteOk, buf.Bytes())
	}
	if q.Exclusive && q.ExclusiveConnectionId != c.Id {
		b.mu.Unlock()
		return c.sendChannelClose(ch.Number, amqpError.ResourceLocked, "queue is exclusive to another connection", ClassQueue, MethodQueueDelete)
	}
	if ifUnused && len(q.consumers) > 0 {
		b.mu.Unlock()
		return c.sendChannelClose(ch.Number, amqpError.PreconditionFailed, "queue has consumers", ClassQueue, MethodQueueDelete)
	}
	if ifEmpty && len(q.Messages) > 0 {
		b.mu.Unlock()
		return c.sendChannelClose(ch.Number, amqpError.PreconditionFailed, "queue is not empty", ClassQueue, MethodQueueDelete)
	}
	delete(b.queues, name)
	sources := b.removeBindingsForQueueLocked(name)
	deletedExchanges := b.autoDeleteExchangesIfUnboundLocked(sources)
	msgCount := len(q.Messages)
	b.mu.Unlock()

	if q.Durable {
		b.persist.DeleteQueue(name)
	}
	b.events.Publish(events.QueueDeleted, name)
	b.finishAutoDeletedExchanges(deletedExchanges)

	if noWait {
		return nil
	}
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, uint32(msgCount))
	return c.sendMethodFrame(ch.Number, ClassQueue, MethodQueueDeleteOk, buf.Bytes())
}
