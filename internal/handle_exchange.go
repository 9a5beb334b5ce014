package internal

import (
	"bytes"
	"fmt"
	"strings"

	amqpError "github.com/codewithdpk/DeepMQ/amqperror"
	"github.com/codewithdpk/DeepMQ/events"
)

func (c *Connection) handleExchangeMethod(ch *Channel, methodId uint16, r *bytes.Reader) error {
	switch methodId {
	case MethodExchangeDeclare:
		return c.handleExchangeDeclare(ch, r)
	case MethodExchangeDelete:
		return c.handleExchangeDelete(ch, r)
	default:
		return c.sendChannelClose(ch.Number, amqpError.CommandInvalid, "unknown exchange method", ClassExchange, methodId)
	}
}

func (c *Connection) handleExchangeDeclare(ch *Channel, r *bytes.Reader) error {
	if _, err := r.ReadByte(); err != nil { // ticket, reserved
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed exchange.declare (ticket)", ClassExchange, MethodExchangeDeclare)
	}
	name, err := readShortString(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed exchange.declare (name)", ClassExchange, MethodExchangeDeclare)
	}
	typ, err := readShortString(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed exchange.declare (type)", ClassExchange, MethodExchangeDeclare)
	}
	bits, err := r.ReadByte()
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed exchange.declare (bits)", ClassExchange, MethodExchangeDeclare)
	}
	passive := bits&0x01 != 0
	durable := bits&0x02 != 0
	autoDelete := bits&0x04 != 0
	internal := bits&0x08 != 0
	noWait := bits&0x10 != 0

	args, err := readTable(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed arguments table", ClassExchange, MethodExchangeDeclare)
	}

	if !passive && strings.HasPrefix(name, "amq.") {
		return c.sendChannelClose(ch.Number, amqpError.AccessRefused, "exchange names starting with 'amq.' are reserved", ClassExchange, MethodExchangeDeclare)
	}

	exType := ExchangeType(typ)
	switch exType {
	case ExchangeDirect, ExchangeFanout, ExchangeTopic, ExchangeHeaders:
	default:
		return c.sendChannelClose(ch.Number, amqpError.CommandInvalid, fmt.Sprintf("unknown exchange type %q", typ), ClassExchange, MethodExchangeDeclare)
	}

	b := c.Broker
	b.mu.Lock()
	existing, exists := b.exchanges[name]
	if passive {
		if !exists {
			b.mu.Unlock()
			return c.sendChannelClose(ch.Number, amqpError.NotFound, fmt.Sprintf("exchange %q not found", name), ClassExchange, MethodExchangeDeclare)
		}
	} else if exists {
		if existing.Type != exType || existing.Durable != durable {
			b.mu.Unlock()
			return c.sendChannelClose(ch.Number, amqpError.PreconditionFailed, "exchange redeclared with different type or durability", ClassExchange, MethodExchangeDeclare)
		}
	} else {
		ex := &Exchange{Name: name, Type: exType, Durable: durable, AutoDelete: autoDelete, Internal: internal, Arguments: args}
		b.exchanges[name] = ex
		b.mu.Unlock()
		if durable {
			b.persist.SaveExchange(ex)
		}
		b.events.Publish(events.ExchangeCreated, ex)
		b.mu.Lock()
	}
	b.mu.Unlock()

	if noWait {
		return nil
	}
	return c.sendMethodFrame(ch.Number, ClassExchange, MethodExchangeDeclareOk, nil)
}

func (c *Connection) handleExchangeDelete(ch *Channel, r *bytes.Reader) error {
	if _, err := r.ReadByte(); err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed exchange.delete (ticket)", ClassExchange, MethodExchangeDelete)
	}
	name, err := readShortString(r)
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed exchange.delete (name)", ClassExchange, MethodExchangeDelete)
	}
	bits, err := r.ReadByte()
	if err != nil {
		return amqpError.NewFatal(amqpError.SyntaxError, "malformed exchange.delete (bits)", ClassExchange, MethodExchangeDelete)
	}
	ifUnused := bits&0x01 != 0
	noWait := bits&0x02 != 0

	if name == "" {
		return c.sendChannelClose(ch.Number, amqpError.AccessRefused, "cannot delete the default exchange", ClassExchange, MethodExchangeDelete)
	}

	b := c.Broker
	b.mu.Lock()
	ex, exists := b.exchanges[name]
	if !exists {
		b.mu.Unlock()
		if noWait {
			return nil
		}
		return c.sendMethodFrame(ch.Number, ClassExchange, MethodExchangeDeleteOk, nil)
	}
	if ifUnused {
		used := false
		for _, binding := range b.bindings {
			if binding.Source == name {
				used = true
				break
			}
		}
		if used {
			b.mu.Unlock()
			return c.sendChannelClose(ch.Number, amqpError.PreconditionFailed, "exchange in use", ClassExchange, MethodExchangeDelete)
		}
	}
	delete(b.exchanges, name)
	b.removeBindingsForExchangeLocked(name)
	b.mu.Unlock()

	if ex.Durable {
		b.persist.DeleteExchange(name)
	}
	b.events.Publish(events.ExchangeDeleted, name)

	if noWait {
		return nil
	}
	return c.sendMethodFrame(ch.Number, ClassExchange, MethodExchangeDeleteOk, nil)
}
