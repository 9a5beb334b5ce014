package internal

import (
	"bytes"
	"encoding/binary"

	amqpError "github.com/codewithdpk/DeepMQ/amqperror"
	"github.com/codewithdpk/DeepMQ/events"
)

func (c *Connection) handleChannelMethod(channel uint16, methodId uint16, r *bytes.Reader) error {
	switch methodId {
	case MethodChannelOpen:
		return c.handleChannelOpen(channel, r)
	case MethodChannelFlow:
		return c.handleChannelFlow(channel, r)
	case MethodChannelClose:
		return c.handleChannelClose(channel, r)
	case MethodChannelCloseOk:
		return nil
	default:
		return c.sendChannelClose(channel, amqpError.CommandInvalid, "unknown channel method", ClassChannel, methodId)
	}
}

func (c *Connection) handleChannelOpen(channel uint16, r *bytes.Reader) error {
	if _, err := readShortString(r); err != nil { // reserved-1 (out-of-band)
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed channel.open", ClassChannel, MethodChannelOpen)
	}

	if _, amqpErr := c.openChannel(channel); amqpErr != nil {
		return c.sendChannelClose(channel, amqpErr.Code, amqpErr.ReplyText, ClassChannel, MethodChannelOpen)
	}

	buf := &bytes.Buffer{}
	writeLongString(buf, "")
	return c.sendMethodFrame(channel, ClassChannel, MethodChannelOpenOk, buf.Bytes())
}

// handleChannelFlow implements spec.md §4.2: active=false suspends
// deliveries but acks and method calls remain allowed.
func (c *Connection) handleChannelFlow(channel uint16, r *bytes.Reader) error {
	active, err := r.ReadByte()
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed channel.flow", ClassChannel, MethodChannelFlow)
	}

	ch := c.getChannel(channel)
	if ch == nil {
		return amqpError.NewFatal(amqpError.ChannelError, "flow on unopened channel", ClassChannel, MethodChannelFlow)
	}

	ch.mu.Lock()
	ch.FlowActive = active != 0
	ch.mu.Unlock()

	c.Broker.events.Publish(events.ChannelFlow, ch)
	if ch.FlowActive {
		c.Broker.wakeQueuesForChannel(ch)
	}

	buf := &bytes.Buffer{}
	buf.WriteByte(active)
	return c.sendMethodFrame(channel, ClassChannel, MethodChannelFlowOk, buf.Bytes())
}

func (c *Connection) handleChannelClose(channel uint16, r *bytes.Reader) error {
	var replyCode uint16
	if err := binary.Read(r, binary.BigEndian, &replyCode); err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed channel.close (reply-code)", ClassChannel, MethodChannelClose)
	}
	if _, err := readShortString(r); err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed channel.close (reply-text)", ClassChannel, MethodChannelClose)
	}
	var classId, methodId uint16
	binary.Read(r, binary.BigEndian, &classId)
	binary.Read(r, binary.BigEndian, &methodId)

	ch := c.getChannel(channel)
	if ch != nil {
		c.Broker.closeChannel(ch)
	}

	return c.sendMethodFrame(channel, ClassChannel, MethodChannelCloseOk, nil)
}
