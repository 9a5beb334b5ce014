package internal

import (
	"net"
	"sync"
	"time"
)

// Properties is the AMQP content-header property bag (spec.md §4.1).
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         Table
	DeliveryMode    uint8
	Priority        uint8
	CorrelationId   string
	ReplyTo         string
	Expiration      string
	MessageId       string
	Timestamp       uint64
	Type            string
	UserId          string
	AppId           string
	ClusterId       string

	present uint16 // which of the above were explicitly set on the wire
}

func (p Properties) has(flag uint16) bool { return p.present&flag != 0 }

// DeepCopy returns an independent copy safe to hand to a different
// delivery path (spec.md's unacked/requeue semantics require this so a
// requeued message's properties are never aliased with an in-flight one).
func (p Properties) DeepCopy() Properties {
	cp := p
	if p.Headers != nil {
		cp.Headers = make(Table, len(p.Headers))
		for k, v := range p.Headers {
			cp.Headers[k] = v
		}
	}
	return cp
}

// Message is a routed unit of content (spec.md §3).
type Message struct {
	Id         string
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Immediate  bool
	Properties Properties
	Body       []byte
	Timestamp  time.Time
	Redelivered bool
}

// DeepCopy returns an independent copy of the message.
func (m *Message) DeepCopy() *Message {
	cp := *m
	cp.Properties = m.Properties.DeepCopy()
	cp.Body = append([]byte(nil), m.Body...)
	return &cp
}

// ExchangeType is a closed sum over the routing strategies the broker
// implements (spec.md §4.3, §9).
type ExchangeType string

const (
	ExchangeDirect  ExchangeType = "direct"
	ExchangeFanout  ExchangeType = "fanout"
	ExchangeTopic   ExchangeType = "topic"
	ExchangeHeaders ExchangeType = "headers"
)

// Exchange is a routing endpoint (spec.md §3).
type Exchange struct {
	Name       string
	Type       ExchangeType
	Durable    bool
	AutoDelete bool
	Internal   bool
	Arguments  Table
	IsDefault  bool
}

// Binding connects an exchange to a queue with a routing key or pattern.
type Binding struct {
	Source      string
	Destination string
	RoutingKey  string
	Arguments   Table
}

// Queue is an ordered FIFO message buffer with consumers (spec.md §3).
type Queue struct {
	mu sync.Mutex

	Name                  string
	Durable               bool
	Exclusive             bool
	AutoDelete            bool
	Arguments             Table
	ExclusiveConnectionId string

	Messages []*Message

	// consumers in insertion order, for round-robin dispatch fairness.
	consumerOrder []string
	consumers     map[string]*Consumer

	// wake is signalled whenever state changes that might make a new
	// dispatch possible: enqueue, ack, consumer registration, requeue,
	// channel flow resuming. Buffered with capacity 1 so signalling never
	// blocks and redundant wakeups collapse. Nothing receives from it: the
	// same call sites start dispatchQueue directly.
	wake chan struct{}

	hadConsumer bool
}

func newQueue(name string) *Queue {
	return &Queue{
		Name:      name,
		Arguments: Table{},
		consumers: make(map[string]*Consumer),
		wake:      make(chan struct{}, 1),
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Consumer is a subscription on a queue, owned by a channel (spec.md §3).
type Consumer struct {
	Tag        string
	QueueName  string
	Channel    *Channel
	NoLocal    bool
	NoAck      bool
	Exclusive  bool
	Arguments  Table
}

// UnackedEntry tracks a delivery awaiting ack/nack/reject (spec.md §3).
type UnackedEntry struct {
	DeliveryTag uint64
	Message     *Message
	QueueName   string
	ConsumerTag string
	DeliveredAt time.Time
}

// ChannelState is the channel lifecycle (spec.md §3, §9).
type ChannelState int

const (
	ChannelOpening ChannelState = iota
	ChannelOpen
	ChannelClosing
	ChannelClosed
)

// pendingMessage is the in-progress multi-frame publish assembly slot
// (spec.md §4.2 "Multi-frame message assembly").
type pendingMessage struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Immediate  bool

	headerReceived bool
	bodySize       uint64
	properties     Properties
	body           []byte
}

// Channel is a logical session multiplexed on a connection (spec.md §3).
type Channel struct {
	mu sync.Mutex

	Number     uint16
	Connection *Connection
	State      ChannelState
	FlowActive bool

	PrefetchSize  uint32
	PrefetchCount uint16
	PrefetchGlobal bool

	deliveryTagCounter uint64
	Unacked            map[uint64]*UnackedEntry

	consumers map[string]*Consumer

	pending *pendingMessage
}

func newChannel(number uint16, conn *Connection) *Channel {
	return &Channel{
		Number:     number,
		Connection: conn,
		State:      ChannelOpen,
		FlowActive: true,
		Unacked:    make(map[uint64]*UnackedEntry),
		consumers:  make(map[string]*Consumer),
	}
}

func (ch *Channel) nextDeliveryTag() uint64 {
	ch.deliveryTagCounter++
	return ch.deliveryTagCounter
}

func (ch *Channel) unackedCount() int {
	return len(ch.Unacked)
}

// ConnectionState is the per-connection handshake/lifecycle state machine
// (spec.md §3, §4.2).
type ConnectionState int

const (
	StateAwaitingHeader ConnectionState = iota
	StateAwaitingStartOk
	StateAwaitingTuneOk
	StateAwaitingOpen
	StateOpen
	StateClosing
	StateClosed
)

// Connection is a single TCP client session (spec.md §3).
type Connection struct {
	mu sync.Mutex

	Id     string
	Conn   net.Conn
	Broker *Broker

	State ConnectionState

	channels   map[uint16]*Channel
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16

	ClientProperties Table
	VirtualHost      string
	Username         string

	lastHeartbeat time.Time

	writeMu sync.Mutex

	closeSentByServer bool
	closeErr          error
}
