package internal

import (
	"bytes"
	"encoding/binary"

	amqpError "github.com/codewithdpk/DeepMQ/amqperror"
	"github.com/codewithdpk/DeepMQ/events"
)

// dispatchQueue attempts to deliver as many head messages as eligible
// consumers allow, in round-robin order across the queue's consumers
// (spec.md §4.4). It is invoked after every state change that could
// unblock a delivery: enqueue, ack, consumer registration, requeue, and
// flow resume — replacing the teacher's polling loop with an
// event-driven wake per SPEC_FULL.md §4.4.
func (b *Broker) dispatchQueue(q *Queue) {
	for b.tryDispatchOnce(q) {
	}
}

func (b *Broker) tryDispatchOnce(q *Queue) bool {
	q.mu.Lock()
	if len(q.Messages) == 0 || len(q.consumerOrder) == 0 {
		q.mu.Unlock()
		return false
	}

	for i := 0; i < len(q.consumerOrder); i++ {
		tag := q.consumerOrder[0]
		q.consumerOrder = append(q.consumerOrder[1:], tag)

		cons, ok := q.consumers[tag]
		if !ok {
			continue
		}

		ch := cons.Channel
		ch.mu.Lock()
		inFlight := ch.unackedCount()
		eligible := ch.State == ChannelOpen && ch.FlowActive &&
			(ch.PrefetchCount == 0 || inFlight < int(ch.PrefetchCount))
		ch.mu.Unlock()
		if !eligible {
			continue
		}

		msg := q.Messages[0]
		q.Messages = q.Messages[1:]
		q.mu.Unlock()

		b.deliverToConsumer(q, cons, msg)
		return true
	}
	q.mu.Unlock()
	return false
}

func (b *Broker) deliverToConsumer(q *Queue, cons *Consumer, msg *Message) {
	ch := cons.Channel
	ch.mu.Lock()
	tag := ch.nextDeliveryTag()
	if !cons.NoAck {
		ch.Unacked[tag] = &UnackedEntry{DeliveryTag: tag, Message: msg, QueueName: q.Name, ConsumerTag: cons.Tag}
	}
	ch.mu.Unlock()

	if err := ch.sendBasicDeliver(cons.Tag, tag, msg); err != nil {
		ch.mu.Lock()
		delete(ch.Unacked, tag)
		ch.mu.Unlock()
		b.requeueToHead(q.Name, msg)
		return
	}

	if cons.NoAck && qualifiesForPersistence(q, msg) {
		b.persist.DeleteMessage(q.Name, msg)
	}
	b.events.Publish(events.MessageDelivered, msg)
}

// sendBasicDeliver writes a Basic.Deliver method frame followed by the
// message's header and body frames (spec.md §4.4).
func (ch *Channel) sendBasicDeliver(consumerTag string, deliveryTag uint64, msg *Message) error {
	buf := &bytes.Buffer{}
	writeShortString(buf, consumerTag)
	binary.Write(buf, binary.BigEndian, deliveryTag)
	if msg.Redelivered {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeShortString(buf, msg.Exchange)
	writeShortString(buf, msg.RoutingKey)

	c := ch.Connection
	if err := c.sendMethodFrame(ch.Number, ClassBasic, MethodBasicDeliver, buf.Bytes()); err != nil {
		return err
	}
	return c.sendContentFrames(ch.Number, ClassBasic, msg)
}

// sendBasicReturn implements spec.md §4.3's unroutable-mandatory-publish
// path: Basic.Return followed by the original header and body frames,
// sent back on the channel the message was published on.
func (ch *Channel) sendBasicReturn(msg *Message) error {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, uint16(amqpError.NoConsumers))
	writeShortString(buf, "NO_ROUTE")
	writeShortString(buf, msg.Exchange)
	writeShortString(buf, msg.RoutingKey)

	c := ch.Connection
	if err := c.sendMethodFrame(ch.Number, ClassBasic, MethodBasicReturn, buf.Bytes()); err != nil {
		return err
	}
	c.Broker.events.Publish(events.MessageReturned, msg)
	return c.sendContentFrames(ch.Number, ClassBasic, msg)
}

// ackEntries removes and returns the unacked entries satisfied by a
// basic.ack (spec.md §4.4): a single entry, or every entry up to and
// including deliveryTag when multiple is set.
func (b *Broker) ackEntries(ch *Channel, deliveryTag uint64, multiple bool) []*UnackedEntry {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	var acked []*UnackedEntry
	if !multiple {
		if u, ok := ch.Unacked[deliveryTag]; ok {
			acked = append(acked, u)
			delete(ch.Unacked, deliveryTag)
		}
		return acked
	}

	for tag, u := range ch.Unacked {
		if tag <= deliveryTag {
			acked = append(acked, u)
			delete(ch.Unacked, tag)
		}
	}
	return acked
}

// settleRejectedOrNacked implements basic.reject/basic.nack: remove the
// matching unacked entry (or every entry up to it when multiple is set)
// and either requeue to the head or drop it, per spec.md §4.4.
func (b *Broker) settleRejectedOrNacked(ch *Channel, deliveryTag uint64, multiple, requeue bool, kind events.Kind) {
	entries := b.ackEntries(ch, deliveryTag, multiple)
	for _, u := range entries {
		if requeue {
			b.requeueToHead(u.QueueName, u.Message)
		} else {
			b.mu.RLock()
			q, ok := b.queues[u.QueueName]
			b.mu.RUnlock()
			if ok && qualifiesForPersistence(q, u.Message) {
				b.persist.DeleteMessage(u.QueueName, u.Message)
			}
		}
		b.events.Publish(kind, u.Message)
	}
}

// wakeQueueByName signals and dispatches a queue looked up by name,
// used after an ack frees up prefetch capacity on its channel.
func (b *Broker) wakeQueueByName(name string) {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if !ok {
		return
	}
	q.signal()
	go b.dispatchQueue(q)
}

// cancelConsumer removes a consumer from its queue and channel and, once
// an auto-delete queue has lost its last consumer, deletes that queue. It
// does not start a dispatch for the queue.
func (b *Broker) cancelConsumer(ch *Channel, tag string) {
	ch.mu.Lock()
	cons, ok := ch.consumers[tag]
	if ok {
		delete(ch.consumers, tag)
	}
	ch.mu.Unlock()
	if !ok {
		return
	}

	b.mu.RLock()
	q, qOk := b.queues[cons.QueueName]
	b.mu.RUnlock()
	if qOk {
		q.mu.Lock()
		delete(q.consumers, tag)
		for i, t := range q.consumerOrder {
			if t == tag {
				q.consumerOrder = append(q.consumerOrder[:i], q.consumerOrder[i+1:]...)
				break
			}
		}
		autoDelete := q.AutoDelete && len(q.consumers) == 0 && q.hadConsumer
		q.mu.Unlock()

		if autoDelete {
			b.mu.Lock()
			delete(b.queues, q.Name)
			sources := b.removeBindingsForQueueLocked(q.Name)
			deletedExchanges := b.autoDeleteExchangesIfUnboundLocked(sources)
			b.mu.Unlock()
			if q.Durable {
				b.persist.DeleteQueue(q.Name)
			}
			b.events.Publish(events.QueueDeleted, q.Name)
			b.finishAutoDeletedExchanges(deletedExchanges)
		}
	}

	b.events.Publish(events.ConsumerCancelled, tag)
}
