package internal

import (
	"bytes"
	"encoding/binary"
	"time"

	amqpError "github.com/codewithdpk/DeepMQ/amqperror"
	"github.com/codewithdpk/DeepMQ/events"
)

// openChannel creates a channel in state open; AMQP has no intermediate
// opening step on the wire (spec.md §4.2).
func (c *Connection) openChannel(number uint16) (*Channel, *amqpError.AMQPError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.channels[number]; exists {
		return nil, amqpError.New(amqpError.ChannelError, "channel already open", uint16(ClassChannel), MethodChannelOpen)
	}
	ch := newChannel(number, c)
	c.channels[number] = ch
	c.Broker.events.Publish(events.ChannelOpen, ch)
	return ch, nil
}

func (c *Connection) getChannel(number uint16) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[number]
}

// closeChannel requeues all unacked messages and cancels all consumers
// (spec.md §4.2 "Channel.Close requeues all unacked messages...").
func (b *Broker) closeChannel(ch *Channel) {
	ch.mu.Lock()
	ch.State = ChannelClosed
	unacked := make([]*UnackedEntry, 0, len(ch.Unacked))
	for _, u := range ch.Unacked {
		unacked = append(unacked, u)
	}
	ch.Unacked = make(map[uint64]*UnackedEntry)
	consumerTags := make([]string, 0, len(ch.consumers))
	for tag := range ch.consumers {
		consumerTags = append(consumerTags, tag)
	}
	ch.mu.Unlock()

	for _, u := range unacked {
		b.requeueToHead(u.QueueName, u.Message)
	}

	for _, tag := range consumerTags {
		b.cancelConsumer(ch, tag)
	}

	ch.Connection.mu.Lock()
	delete(ch.Connection.channels, ch.Number)
	ch.Connection.mu.Unlock()

	b.events.Publish(events.ChannelClose, ch.Number)
}

// handleHeader processes a content-header frame, completing the
// multi-frame publish assembly when bodySize is zero (spec.md §4.2).
func (c *Connection) handleHeader(f *frame) error {
	ch := c.getChannel(f.Channel)
	if ch == nil {
		return amqpError.NewFatal(amqpError.ChannelError, "header frame on unknown channel", 0, 0)
	}

	ch.mu.Lock()
	pending := ch.pending
	ch.mu.Unlock()

	if pending == nil || pending.headerReceived {
		return amqpError.New(amqpError.UnexpectedFrame, "unexpected content header", uint16(ClassBasic), 0)
	}

	r := bytes.NewReader(f.Payload)
	var classId, weight uint16
	if err := binary.Read(r, binary.BigEndian, &classId); err != nil {
		return amqpError.New(amqpError.SyntaxError, "malformed content header (class-id)", uint16(ClassBasic), 0)
	}
	if err := binary.Read(r, binary.BigEndian, &weight); err != nil {
		return amqpError.New(amqpError.SyntaxError, "malformed content header (weight)", uint16(ClassBasic), 0)
	}
	var bodySize uint64
	if err := binary.Read(r, binary.BigEndian, &bodySize); err != nil {
		return amqpError.New(amqpError.SyntaxError, "malformed content header (body-size)", uint16(ClassBasic), 0)
	}
	var flags uint16
	if err := binary.Read(r, binary.BigEndian, &flags); err != nil {
		return amqpError.New(amqpError.SyntaxError, "malformed content header (flags)", uint16(ClassBasic), 0)
	}

	props, err := decodeProperties(r, flags)
	if err != nil {
		return amqpError.New(amqpError.SyntaxError, "malformed content header properties", uint16(ClassBasic), 0)
	}

	ch.mu.Lock()
	pending.headerReceived = true
	pending.bodySize = bodySize
	pending.properties = props
	ch.mu.Unlock()

	if bodySize == 0 {
		return c.completePendingMessage(ch)
	}
	return nil
}

// handleBody appends a body frame's bytes, completing the message once
// the accumulated length reaches bodySize.
func (c *Connection) handleBody(f *frame) error {
	ch := c.getChannel(f.Channel)
	if ch == nil {
		return amqpError.NewFatal(amqpError.ChannelError, "body frame on unknown channel", 0, 0)
	}

	ch.mu.Lock()
	pending := ch.pending
	if pending == nil || !pending.headerReceived {
		ch.mu.Unlock()
		return amqpError.New(amqpError.UnexpectedFrame, "unexpected content body", uint16(ClassBasic), 0)
	}
	pending.body = append(pending.body, f.Payload...)
	complete := uint64(len(pending.body)) >= pending.bodySize
	ch.mu.Unlock()

	if complete {
		return c.completePendingMessage(ch)
	}
	return nil
}

func (c *Connection) completePendingMessage(ch *Channel) error {
	ch.mu.Lock()
	pending := ch.pending
	ch.pending = nil
	ch.mu.Unlock()

	if pending == nil {
		return nil
	}

	msg := &Message{
		Id:         pending.properties.MessageId,
		Exchange:   pending.Exchange,
		RoutingKey: pending.RoutingKey,
		Mandatory:  pending.Mandatory,
		Immediate:  pending.Immediate,
		Properties: pending.properties,
		Body:       pending.body,
		Timestamp:  time.Now(),
	}
	if msg.Id == "" {
		msg.Id = c.Broker.genUniqueName("msg-")
	}

	c.Broker.events.Publish(events.MessagePublished, msg)
	return c.Broker.routeAndDeliver(ch, msg)
}

func decodeProperties(r *bytes.Reader, flags uint16) (Properties, error) {
	var p Properties
	p.present = flags

	if p.has(flagContentType) {
		s, err := readShortString(r)
		if err != nil {
			return p, err
		}
		p.ContentType = s
	}
	if p.has(flagContentEncoding) {
		s, err := readShortString(r)
		if err != nil {
			return p, err
		}
		p.ContentEncoding = s
	}
	if p.has(flagHeaders) {
		t, err := readTable(r)
		if err != nil {
			return p, err
		}
		p.Headers = t
	}
	if p.has(flagDeliveryMode) {
		b, err := r.ReadByte()
		if err != nil {
			return p, err
		}
		p.DeliveryMode = b
	}
	if p.has(flagPriority) {
		b, err := r.ReadByte()
		if err != nil {
			return p, err
		}
		p.Priority = b
	}
	if p.has(flagCorrelationId) {
		s, err := readShortString(r)
		if err != nil {
			return p, err
		}
		p.CorrelationId = s
	}
	if p.has(flagReplyTo) {
		s, err := readShortString(r)
		if err != nil {
			return p, err
		}
		p.ReplyTo = s
	}
	if p.has(flagExpiration) {
		s, err := readShortString(r)
		if err != nil {
			return p, err
		}
		p.Expiration = s
	}
	if p.has(flagMessageId) {
		s, err := readShortString(r)
		if err != nil {
			return p, err
		}
		p.MessageId = s
	}
	if p.has(flagTimestamp) {
		var v uint64
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return p, err
		}
		p.Timestamp = v
	}
	if p.has(flagType) {
		s, err := readShortString(r)
		if err != nil {
			return p, err
		}
		p.Type = s
	}
	if p.has(flagUserId) {
		s, err := readShortString(r)
		if err != nil {
			return p, err
		}
		p.UserId = s
	}
	if p.has(flagAppId) {
		s, err := readShortString(r)
		if err != nil {
			return p, err
		}
		p.AppId = s
	}
	if p.has(flagClusterId) {
		s, err := readShortString(r)
		if err != nil {
			return p, err
		}
		p.ClusterId = s
	}
	return p, nil
}

func encodeProperties(w *bytes.Buffer, p Properties) {
	var flags uint16
	body := &bytes.Buffer{}

	if p.ContentType != "" {
		flags |= flagContentType
		writeShortString(body, p.ContentType)
	}
	if p.ContentEncoding != "" {
		flags |= flagContentEncoding
		writeShortString(body, p.ContentEncoding)
	}
	if p.Headers != nil {
		flags |= flagHeaders
		writeTable(body, p.Headers)
	}
	if p.DeliveryMode != 0 {
		flags |= flagDeliveryMode
		body.WriteByte(p.DeliveryMode)
	}
	if p.Priority != 0 {
		flags |= flagPriority
		body.WriteByte(p.Priority)
	}
	if p.CorrelationId != "" {
		flags |= flagCorrelationId
		writeShortString(body, p.CorrelationId)
	}
	if p.ReplyTo != "" {
		flags |= flagReplyTo
		writeShortString(body, p.ReplyTo)
	}
	if p.Expiration != "" {
		flags |= flagExpiration
		writeShortString(body, p.Expiration)
	}
	if p.MessageId != "" {
		flags |= flagMessageId
		writeShortString(body, p.MessageId)
	}
	if p.Timestamp != 0 {
		flags |= flagTimestamp
		binary.Write(body, binary.BigEndian, p.Timestamp)
	}
	if p.Type != "" {
		flags |= flagType
		writeShortString(body, p.Type)
	}
	if p.UserId != "" {
		flags |= flagUserId
		writeShortString(body, p.UserId)
	}
	if p.AppId != "" {
		flags |= flagAppId
		writeShortString(body, p.AppId)
	}
	if p.ClusterId != "" {
		flags |= flagClusterId
		writeShortString(body, p.ClusterId)
	}

	binary.Write(w, binary.BigEndian, flags)
	w.Write(body.Bytes())
}

// sendContentFrames writes the header+body frame pair for a delivered,
// returned, or get-ok message.
func (c *Connection) sendContentFrames(channel uint16, classId uint16, msg *Message) error {
	header := &bytes.Buffer{}
	binary.Write(header, binary.BigEndian, classId)
	binary.Write(header, binary.BigEndian, uint16(0)) // weight
	binary.Write(header, binary.BigEndian, uint64(len(msg.Body)))
	encodeProperties(header, msg.Properties)
	if err := c.writeFrame(FrameHeader, channel, header.Bytes()); err != nil {
		return err
	}

	const maxBodyChunk = 131072 - 8
	body := msg.Body
	if len(body) == 0 {
		return c.writeFrame(FrameBody, channel, nil)
	}
	for len(body) > 0 {
		n := len(body)
		if n > maxBodyChunk {
			n = maxBodyChunk
		}
		if err := c.writeFrame(FrameBody, channel, body[:n]); err != nil {
			return err
		}
		body = body[n:]
	}
	return nil
}
