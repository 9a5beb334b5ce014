package internal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	amqpError "github.com/codewithdpk/DeepMQ/amqperror"
	"github.com/codewithdpk/DeepMQ/events"
)

// handleConnection drives a single client's protocol-header handshake
// and frame loop. Grounded on the teacher's internal/server.go
// handleConnection, re-expressed against Broker's flattened (no vhost)
// entity tables.
func (b *Broker) handleConnection(nc net.Conn) {
	c := &Connection{
		Id:       fmt.Sprintf("%s-%d", nc.RemoteAddr().String(), time.Now().UnixNano()),
		Conn:     nc,
		Broker:   b,
		State:    StateAwaitingHeader,
		channels: make(map[uint16]*Channel),
	}
	b.addConnection(c)
	defer func() {
		c.cleanup()
		b.removeConnection(c)
		nc.Close()
	}()

	reader := bufio.NewReader(nc)

	header := make([]byte, 8)
	if _, err := io.ReadFull(reader, header); err != nil {
		return
	}
	if string(header) != protocolHeader {
		c.writeRaw([]byte(protocolHeader))
		return
	}

	c.State = StateAwaitingStartOk
	if err := c.sendConnectionStart(); err != nil {
		return
	}
	c.touchHeartbeat()

	for {
		f, err := readFrame(reader)
		if err != nil {
			if err != io.EOF {
				b.log.Debug("connection %s: read error: %v", c.Id, err)
			}
			return
		}
		c.touchHeartbeat()

		if f.Type == FrameHeartbeat {
			continue
		}

		if err := c.dispatchFrame(f); err != nil {
			if err == errConnectionClosedGracefully || err == errConnectionCloseSentByServer {
				return
			}
			if amqpErr, ok := err.(*amqpError.AMQPError); ok && amqpErr.Fatal {
				c.sendConnectionClose(amqpErr)
				return
			}
			if amqpErr, ok := err.(*amqpError.AMQPError); ok {
				if c.sendChannelClose(f.Channel, amqpErr.Code, amqpErr.ReplyText, amqpErr.ClassId, amqpErr.MethodId) != nil {
					return
				}
				continue
			}
			b.log.Err("connection %s: unhandled error: %v", c.Id, err)
			return
		}
	}
}

func (c *Connection) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

func (c *Connection) heartbeatMonitor() {
	interval := time.Duration(c.Heartbeat) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		elapsed := time.Since(c.lastHeartbeat)
		closed := c.State == StateClosed
		c.mu.Unlock()
		if closed {
			return
		}
		if elapsed > 2*interval {
			c.Broker.log.Warn("connection %s: heartbeat timeout, closing", c.Id)
			c.Conn.Close()
			return
		}
	}
}

func (c *Connection) writeRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.Conn.Write(b)
	return err
}

func (c *Connection) writeFrame(frameType byte, channel uint16, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.Conn, frameType, channel, payload)
}

func (c *Connection) sendMethodFrame(channel uint16, classId, methodId uint16, args []byte) error {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, classId)
	binary.Write(buf, binary.BigEndian, methodId)
	buf.Write(args)
	return c.writeFrame(FrameMethod, channel, buf.Bytes())
}

// sendConnectionStart sends the server's identity and capability table
// (spec.md §6's Connection.Start advertisement).
func (c *Connection) sendConnectionStart() error {
	buf := &bytes.Buffer{}
	buf.WriteByte(0) // version-major
	buf.WriteByte(9) // version-minor

	serverProps := Table{
		"product":  "DeepMQ",
		"version":  "1.0.0",
		"platform": "Go",
		"capabilities": Table{
			"publisher_confirms":           false,
			"exchange_exchange_bindings":   false,
			"basic.nack":                   true,
			"consumer_cancel_notify":       true,
			"connection.blocked":           false,
			"consumer_priorities":          false,
			"authentication_failure_close": true,
			"per_consumer_qos":             true,
			"direct_reply_to":              false,
		},
	}
	if err := writeTable(buf, serverProps); err != nil {
		return err
	}
	writeLongString(buf, "PLAIN AMQPLAIN")
	writeLongString(buf, "en_US")

	return c.sendMethodFrame(0, ClassConnection, MethodConnectionStart, buf.Bytes())
}

func (c *Connection) sendConnectionTune() error {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, c.Broker.tuning.ChannelMax)
	binary.Write(buf, binary.BigEndian, c.Broker.tuning.FrameMax)
	binary.Write(buf, binary.BigEndian, c.Broker.tuning.Heartbeat)
	return c.sendMethodFrame(0, ClassConnection, MethodConnectionTune, buf.Bytes())
}

// sendConnectionClose sends a server-initiated Connection.Close and
// marks the connection as awaiting Close-Ok.
func (c *Connection) sendConnectionClose(amqpErr *amqpError.AMQPError) error {
	c.mu.Lock()
	if c.closeSentByServer {
		c.mu.Unlock()
		return nil
	}
	c.closeSentByServer = true
	c.closeErr = amqpErr
	c.State = StateClosing
	c.mu.Unlock()

	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, uint16(amqpErr.Code))
	writeShortString(buf, amqpErr.ReplyText)
	binary.Write(buf, binary.BigEndian, amqpErr.ClassId)
	binary.Write(buf, binary.BigEndian, amqpErr.MethodId)

	c.Broker.events.Publish(events.ConnectionError, amqpErr.Error())
	return c.sendMethodFrame(0, ClassConnection, MethodConnectionClose, buf.Bytes())
}

// cleanup requeues unacked messages, cancels consumers, and deletes
// exclusive queues owned by this connection (spec.md §5 "Cancellation").
func (c *Connection) cleanup() {
	c.mu.Lock()
	c.State = StateClosed
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		c.Broker.closeChannel(ch)
	}

	var deletedExchanges []*Exchange
	c.Broker.mu.Lock()
	for name, q := range c.Broker.queues {
		if q.Exclusive && q.ExclusiveConnectionId == c.Id {
			delete(c.Broker.queues, name)
			sources := c.Broker.removeBindingsForQueueLocked(name)
			deletedExchanges = append(deletedExchanges, c.Broker.autoDeleteExchangesIfUnboundLocked(sources)...)
			c.Broker.persist.DeleteQueue(name)
			c.Broker.events.Publish(events.QueueDeleted, name)
		}
	}
	c.Broker.mu.Unlock()
	c.Broker.finishAutoDeletedExchanges(deletedExchanges)
}

func (b *Broker) closeConnectionForShutdown(c *Connection) {
	c.sendConnectionClose(amqpError.NewFatal(amqpError.ConnectionForced, "broker shutting down", 0, 0))
	time.Sleep(100 * time.Millisecond)
	c.Conn.Close()
}
