package internal

import (
	"bytes"
	"encoding/binary"
	"fmt"

	amqpError "github.com/codewithdpk/DeepMQ/amqperror"
	"github.com/codewithdpk/DeepMQ/events"
)

func (c *Connection) handleBasicMethod(ch *Channel, methodId uint16, r *bytes.Reader) error {
	switch methodId {
	case MethodBasicQos:
		return c.handleBasicQos(ch, r)
	case MethodBasicConsume:
		return c.handleBasicConsume(ch, r)
	case MethodBasicCancel:
		return c.handleBasicCancel(ch, r)
	case MethodBasicPublish:
		return c.handleBasicPublish(ch, r)
	case MethodBasicGet:
		return c.handleBasicGet(ch, r)
	case MethodBasicAck:
		return c.handleBasicAck(ch, r)
	case MethodBasicReject:
		return c.handleBasicReject(ch, r)
	case MethodBasicNack:
		return c.handleBasicNack(ch, r)
	case MethodBasicRecover, MethodBasicRecoverAsync:
		return c.handleBasicRecover(ch, r, methodId)
	default:
		return c.sendChannelClose(ch.Number, amqpError.CommandInvalid, "unknown basic method", ClassBasic, methodId)
	}
}

func (c *Connection) handleBasicQos(ch *Channel, r *bytes.Reader) error {
	var prefetchSize uint32
	var prefetchCount uint16
	if err := binary.Read(r, binary.BigEndian, &prefetchSize); err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.qos (prefetch-size)", ClassBasic, MethodBasicQos)
	}
	if err := binary.Read(r, binary.BigEndian, &prefetchCount); err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.qos (prefetch-count)", ClassBasic, MethodBasicQos)
	}
	global, err := r.ReadByte()
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.qos (global)", ClassBasic, MethodBasicQos)
	}

	ch.mu.Lock()
	ch.PrefetchSize = prefetchSize
	ch.PrefetchCount = prefetchCount
	ch.PrefetchGlobal = global != 0
	ch.mu.Unlock()

	return c.sendMethodFrame(ch.Number, ClassBasic, MethodBasicQosOk, nil)
}

func (c *Connection) handleBasicConsume(ch *Channel, r *bytes.Reader) error {
	if _, err := r.ReadByte(); err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.consume (ticket)", ClassBasic, MethodBasicConsume)
	}
	queueName, err := readShortString(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.consume (queue)", ClassBasic, MethodBasicConsume)
	}
	consumerTag, err := readShortString(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.consume (consumer-tag)", ClassBasic, MethodBasicConsume)
	}
	bits, err := r.ReadByte()
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.consume (bits)", ClassBasic, MethodBasicConsume)
	}
	noLocal := bits&0x01 != 0
	noAck := bits&0x02 != 0
	exclusive := bits&0x04 != 0
	noWait := bits&0x08 != 0
	args, err := readTable(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed arguments table", ClassBasic, MethodBasicConsume)
	}

	b := c.Broker
	b.mu.RLock()
	q, ok := b.queues[queueName]
	b.mu.RUnlock()
	if !ok {
		return c.sendChannelClose(ch.Number, amqpError.NotFound, fmt.Sprintf("queue %q not found", queueName), ClassBasic, MethodBasicConsume)
	}
	if q.Exclusive && q.ExclusiveConnectionId != c.Id {
		return c.sendChannelClose(ch.Number, amqpError.ResourceLocked, "queue is exclusive to another connection", ClassBasic, MethodBasicConsume)
	}

	if consumerTag == "" {
		consumerTag = b.genUniqueName("amq.ctag-")
	}

	q.mu.Lock()
	if exclusive && len(q.consumers) > 0 {
		q.mu.Unlock()
		return c.sendChannelClose(ch.Number, amqpError.AccessRefused, "queue already has a consumer", ClassBasic, MethodBasicConsume)
	}
	for _, existing := range q.consumers {
		if existing.Exclusive {
			q.mu.Unlock()
			return c.sendChannelClose(ch.Number, amqpError.AccessRefused, "queue has an exclusive consumer", ClassBasic, MethodBasicConsume)
		}
	}
	cons := &Consumer{Tag: consumerTag, QueueName: queueName, Channel: ch, NoLocal: noLocal, NoAck: noAck, Exclusive: exclusive, Arguments: args}
	q.consumers[consumerTag] = cons
	q.consumerOrder = append(q.consumerOrder, consumerTag)
	q.hadConsumer = true
	q.mu.Unlock()

	ch.mu.Lock()
	ch.consumers[consumerTag] = cons
	ch.mu.Unlock()

	b.events.Publish(events.ConsumerCreated, cons)
	q.signal()
	go b.dispatchQueue(q)

	if noWait {
		return nil
	}
	buf := &bytes.Buffer{}
	writeShortString(buf, consumerTag)
	return c.sendMethodFrame(ch.Number, ClassBasic, MethodBasicConsumeOk, buf.Bytes())
}

func (c *Connection) handleBasicCancel(ch *Channel, r *bytes.Reader) error {
	tag, err := readShortString(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.cancel (consumer-tag)", ClassBasic, MethodBasicCancel)
	}
	noWait, err := r.ReadByte()
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.cancel (no-wait)", ClassBasic, MethodBasicCancel)
	}

	c.Broker.cancelConsumer(ch, tag)

	if noWait&0x01 != 0 {
		return nil
	}
	buf := &bytes.Buffer{}
	writeShortString(buf, tag)
	return c.sendMethodFrame(ch.Number, ClassBasic, MethodBasicCancelOk, buf.Bytes())
}

func (c *Connection) handleBasicPublish(ch *Channel, r *bytes.Reader) error {
	if _, err := r.ReadByte(); err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.publish (ticket)", ClassBasic, MethodBasicPublish)
	}
	exchangeName, err := readShortString(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.publish (exchange)", ClassBasic, MethodBasicPublish)
	}
	routingKey, err := readShortString(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.publish (routing-key)", ClassBasic, MethodBasicPublish)
	}
	bits, err := r.ReadByte()
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.publish (bits)", ClassBasic, MethodBasicPublish)
	}
	mandatory := bits&0x01 != 0
	immediate := bits&0x02 != 0

	ch.mu.Lock()
	if ch.pending != nil {
		ch.mu.Unlock()
		return amqpError.New(amqpError.UnexpectedFrame, "publish received while another is pending", ClassBasic, MethodBasicPublish)
	}
	ch.pending = &pendingMessage{Exchange: exchangeName, RoutingKey: routingKey, Mandatory: mandatory, Immediate: immediate}
	ch.mu.Unlock()

	return nil
}

func (c *Connection) handleBasicGet(ch *Channel, r *bytes.Reader) error {
	if _, err := r.ReadByte(); err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.get (ticket)", ClassBasic, MethodBasicGet)
	}
	queueName, err := readShortString(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.get (queue)", ClassBasic, MethodBasicGet)
	}
	bits, err := r.ReadByte()
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.get (bits)", ClassBasic, MethodBasicGet)
	}
	noAck := bits&0x01 != 0

	b := c.Broker
	b.mu.RLock()
	q, ok := b.queues[queueName]
	b.mu.RUnlock()
	if !ok {
		return c.sendChannelClose(ch.Number, amqpError.NotFound, fmt.Sprintf("queue %q not found", queueName), ClassBasic, MethodBasicGet)
	}
	if q.Exclusive && q.ExclusiveConnectionId != c.Id {
		return c.sendChannelClose(ch.Number, amqpError.ResourceLocked, "queue is exclusive to another connection", ClassBasic, MethodBasicGet)
	}

	q.mu.Lock()
	if len(q.Messages) == 0 {
		q.mu.Unlock()
		return c.sendMethodFrame(ch.Number, ClassBasic, MethodBasicGetEmpty, func() []byte {
			buf := &bytes.Buffer{}
			writeShortString(buf, "")
			return buf.Bytes()
		}())
	}
	msg := q.Messages[0]
	q.Messages = q.Messages[1:]
	remaining := len(q.Messages)
	q.mu.Unlock()

	ch.mu.Lock()
	tag := ch.nextDeliveryTag()
	if !noAck {
		ch.Unacked[tag] = &UnackedEntry{DeliveryTag: tag, Message: msg, QueueName: queueName}
	}
	ch.mu.Unlock()

	if noAck && qualifiesForPersistence(q, msg) {
		b.persist.DeleteMessage(queueName, msg)
	}

	buf := &bytes.Buffer{}
	writeShortString(buf, msg.Exchange)
	writeShortString(buf, msg.RoutingKey)
	binary.Write(buf, binary.BigEndian, tag)
	if msg.Redelivered {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	binary.Write(buf, binary.BigEndian, uint32(remaining))

	if err := c.sendMethodFrame(ch.Number, ClassBasic, MethodBasicGetOk, buf.Bytes()); err != nil {
		return err
	}
	b.events.Publish(events.MessageDelivered, msg)
	return c.sendContentFrames(ch.Number, ClassBasic, msg)
}

func (c *Connection) handleBasicAck(ch *Channel, r *bytes.Reader) error {
	var tag uint64
	if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.ack (delivery-tag)", ClassBasic, MethodBasicAck)
	}
	multiple, err := r.ReadByte()
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.ack (multiple)", ClassBasic, MethodBasicAck)
	}

	acked := c.Broker.ackEntries(ch, tag, multiple != 0)
	for _, u := range acked {
		b := c.Broker
		b.mu.RLock()
		q, ok := b.queues[u.QueueName]
		b.mu.RUnlock()
		if ok && qualifiesForPersistence(q, u.Message) {
			b.persist.DeleteMessage(u.QueueName, u.Message)
		}
		c.Broker.events.Publish(events.MessageAcked, u.Message)
		c.Broker.wakeQueueByName(u.QueueName)
	}
	return nil
}

func (c *Connection) handleBasicReject(ch *Channel, r *bytes.Reader) error {
	var tag uint64
	if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.reject (delivery-tag)", ClassBasic, MethodBasicReject)
	}
	requeue, err := r.ReadByte()
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.reject (requeue)", ClassBasic, MethodBasicReject)
	}
	c.Broker.settleRejectedOrNacked(ch, tag, false, requeue != 0, events.MessageRejected)
	return nil
}

func (c *Connection) handleBasicNack(ch *Channel, r *bytes.Reader) error {
	var tag uint64
	if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.nack (delivery-tag)", ClassBasic, MethodBasicNack)
	}
	bits, err := r.ReadByte()
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.nack (bits)", ClassBasic, MethodBasicNack)
	}
	multiple := bits&0x01 != 0
	requeue := bits&0x02 != 0
	c.Broker.settleRejectedOrNacked(ch, tag, multiple, requeue, events.MessageNacked)
	return nil
}

// handleBasicRecover requeues every unacked message on the channel to its
// queue's head regardless of the requeue flag's value. spec.md §9 leaves a
// choice between the reference broker's bug-compatible tail-requeue for
// requeue=false and the corrected "redeliver to head" behavior; this
// broker takes the latter (SPEC_FULL.md §10), since it has no per-consumer
// redelivery-to-same-consumer mechanism for the flag to meaningfully alter.
func (c *Connection) handleBasicRecover(ch *Channel, r *bytes.Reader, methodId uint16) error {
	if _, err := r.ReadByte(); err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed basic.recover", ClassBasic, methodId)
	}

	ch.mu.Lock()
	entries := make([]*UnackedEntry, 0, len(ch.Unacked))
	for _, u := range ch.Unacked {
		entries = append(entries, u)
	}
	ch.Unacked = make(map[uint64]*UnackedEntry)
	ch.mu.Unlock()

	for _, u := range entries {
		c.Broker.requeueToHead(u.QueueName, u.Message)
	}

	if methodId == MethodBasicRecoverAsync {
		return nil
	}
	return c.sendMethodFrame(ch.Number, ClassBasic, MethodBasicRecoverOk, nil)
}
