package internal

import "github.com/codewithdpk/DeepMQ/events"

// resolveDestinations implements spec.md §4.3's per-exchange-type
// routing rules, collapsing duplicate destinations.
func (b *Broker) resolveDestinations(exchangeName, routingKey string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if exchangeName == "" {
		if _, ok := b.queues[routingKey]; ok {
			return []string{routingKey}
		}
		return nil
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil
	}

	seen := make(map[string]bool)
	var out []string
	add := func(dest string) {
		if !seen[dest] {
			seen[dest] = true
			out = append(out, dest)
		}
	}

	switch ex.Type {
	case ExchangeDirect:
		for _, binding := range b.bindings {
			if binding.Source == exchangeName && binding.RoutingKey == routingKey {
				add(binding.Destination)
			}
		}
	case ExchangeFanout:
		for _, binding := range b.bindings {
			if binding.Source == exchangeName {
				add(binding.Destination)
			}
		}
	case ExchangeTopic:
		for _, binding := range b.bindings {
			if binding.Source == exchangeName && topicMatch(binding.RoutingKey, routingKey) {
				add(binding.Destination)
			}
		}
	case ExchangeHeaders:
		// not implemented (spec.md §4.3): declaration accepted, never matches.
	}
	return out
}

// routeAndDeliver resolves destinations for msg and enqueues it on each,
// returning an unroutable mandatory message to the publisher.
func (b *Broker) routeAndDeliver(ch *Channel, msg *Message) error {
	destinations := b.resolveDestinations(msg.Exchange, msg.RoutingKey)
	b.events.Publish(events.MessageRouted, msg)

	if len(destinations) == 0 {
		if msg.Mandatory {
			return ch.sendBasicReturn(msg)
		}
		return nil
	}

	for _, dest := range destinations {
		b.enqueue(dest, msg)
	}
	return nil
}

func (b *Broker) removeBindingsForExchangeLocked(name string) {
	out := b.bindings[:0:0]
	for _, binding := range b.bindings {
		if binding.Source != name {
			out = append(out, binding)
		}
	}
	b.bindings = out
}

// removeBindingsForQueueLocked removes every binding destined for the
// named queue and returns the distinct source exchanges they came from,
// so the caller can check those exchanges for auto-delete-on-last-unbind
// (spec.md: an exchange is "destroyed ... if autoDelete ... when its
// last binding is removed"). Caller must hold b.mu.
func (b *Broker) removeBindingsForQueueLocked(name string) []string {
	out := b.bindings[:0:0]
	seen := make(map[string]bool)
	var sources []string
	for _, binding := range b.bindings {
		if binding.Destination == name {
			if !seen[binding.Source] {
				seen[binding.Source] = true
				sources = append(sources, binding.Source)
			}
			continue
		}
		out = append(out, binding)
	}
	b.bindings = out
	return sources
}

// bindingCountForExchangeLocked returns how many bindings still source
// from name. Caller must hold b.mu.
func (b *Broker) bindingCountForExchangeLocked(name string) int {
	n := 0
	for _, binding := range b.bindings {
		if binding.Source == name {
			n++
		}
	}
	return n
}

// autoDeleteExchangesIfUnboundLocked deletes each named exchange that is
// auto-delete, not the default exchange, and has no bindings left.
// Caller must hold b.mu; the returned exchanges still need their
// persistence/event-bus cleanup run by the caller after unlocking, via
// finishAutoDeletedExchanges.
func (b *Broker) autoDeleteExchangesIfUnboundLocked(names []string) []*Exchange {
	var deleted []*Exchange
	for _, name := range names {
		ex, ok := b.exchanges[name]
		if !ok || !ex.AutoDelete || ex.IsDefault {
			continue
		}
		if b.bindingCountForExchangeLocked(name) > 0 {
			continue
		}
		delete(b.exchanges, name)
		deleted = append(deleted, ex)
	}
	return deleted
}

func (b *Broker) finishAutoDeletedExchanges(deleted []*Exchange) {
	for _, ex := range deleted {
		if ex.Durable {
			b.persist.DeleteExchange(ex.Name)
		}
		b.events.Publish(events.ExchangeDeleted, ex.Name)
	}
}

// enqueue appends msg to the named queue's FIFO, persists it if it
// qualifies (spec.md §4.5), and signals the queue's dispatcher.
func (b *Broker) enqueue(queueName string, msg *Message) {
	b.mu.RLock()
	q, ok := b.queues[queueName]
	b.mu.RUnlock()
	if !ok {
		return
	}

	if qualifiesForPersistence(q, msg) {
		b.persist.SaveMessage(queueName, msg)
	}

	q.mu.Lock()
	q.Messages = append(q.Messages, msg)
	q.mu.Unlock()
	q.signal()

	go b.dispatchQueue(q)
}

// requeueToHead pushes msg back to the front of queueName's FIFO
// (spec.md §4.4 ack/nack/reject semantics, and §4.2 Channel.Close).
func (b *Broker) requeueToHead(queueName string, msg *Message) {
	b.mu.RLock()
	q, ok := b.queues[queueName]
	b.mu.RUnlock()
	if !ok {
		return
	}
	msg.Redelivered = true
	q.mu.Lock()
	q.Messages = append([]*Message{msg}, q.Messages...)
	q.mu.Unlock()
	q.signal()
	go b.dispatchQueue(q)
}

func (b *Broker) wakeQueuesForChannel(ch *Channel) {
	ch.mu.Lock()
	names := make(map[string]bool)
	for _, cons := range ch.consumers {
		names[cons.QueueName] = true
	}
	ch.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for name := range names {
		if q, ok := b.queues[name]; ok {
			q.signal()
			go b.dispatchQueue(q)
		}
	}
}
