package internal

import (
	"bytes"
	"encoding/binary"

	amqpError "github.com/codewithdpk/DeepMQ/amqperror"
)

// dispatchFrame routes a single parsed frame by type. handleMethodFrame
// rejects any non-Connection method on channel 0, in every connection
// state (spec.md §4.2).
func (c *Connection) dispatchFrame(f *frame) error {
	switch f.Type {
	case FrameMethod:
		return c.handleMethodFrame(f)
	case FrameHeader:
		return c.handleHeader(f)
	case FrameBody:
		return c.handleBody(f)
	case FrameHeartbeat:
		return nil
	default:
		return amqpError.NewFatal(amqpError.FrameError, "unknown frame type", 0, 0)
	}
}

func (c *Connection) handleMethodFrame(f *frame) error {
	r := bytes.NewReader(f.Payload)
	var classId, methodId uint16
	if err := binary.Read(r, binary.BigEndian, &classId); err != nil {
		return amqpError.NewFatal(amqpError.FrameError, "malformed method frame (class-id)", 0, 0)
	}
	if err := binary.Read(r, binary.BigEndian, &methodId); err != nil {
		return amqpError.NewFatal(amqpError.FrameError, "malformed method frame (method-id)", 0, 0)
	}

	if f.Channel == 0 && classId != ClassConnection {
		return amqpError.NewFatal(amqpError.ChannelError, "non-connection method on channel 0", classId, methodId)
	}

	switch classId {
	case ClassConnection:
		return c.handleConnectionMethod(methodId, r)
	case ClassChannel:
		return c.handleChannelMethod(f.Channel, methodId, r)
	case ClassExchange:
		return c.withOpenChannel(f.Channel, classId, methodId, func(ch *Channel) error {
			return c.handleExchangeMethod(ch, methodId, r)
		})
	case ClassQueue:
		return c.withOpenChannel(f.Channel, classId, methodId, func(ch *Channel) error {
			return c.handleQueueMethod(ch, methodId, r)
		})
	case ClassBasic:
		return c.withOpenChannel(f.Channel, classId, methodId, func(ch *Channel) error {
			return c.handleBasicMethod(ch, methodId, r)
		})
	default:
		return c.sendChannelClose(f.Channel, amqpError.NotImplemented, "unsupported class", classId, methodId)
	}
}

func (c *Connection) withOpenChannel(channel uint16, classId, methodId uint16, fn func(ch *Channel) error) error {
	ch := c.getChannel(channel)
	if ch == nil {
		return amqpError.NewFatal(amqpError.ChannelError, "method on unopened channel", classId, methodId)
	}
	ch.mu.Lock()
	state := ch.State
	ch.mu.Unlock()
	if state != ChannelOpen {
		return amqpError.New(amqpError.ChannelError, "channel not open", classId, methodId)
	}
	return fn(ch)
}

// sendChannelClose closes a single channel without tearing down the
// connection (spec.md §7 "a broken channel does not take down its
// connection").
func (c *Connection) sendChannelClose(channel uint16, code amqpError.Code, replyText string, classId, methodId uint16) error {
	ch := c.getChannel(channel)
	if ch != nil {
		c.Broker.closeChannel(ch)
	}

	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, uint16(code))
	writeShortString(buf, replyText)
	binary.Write(buf, binary.BigEndian, classId)
	binary.Write(buf, binary.BigEndian, methodId)
	return c.sendMethodFrame(channel, ClassChannel, MethodChannelClose, buf.Bytes())
}
