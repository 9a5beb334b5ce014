package internal

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/codewithdpk/DeepMQ/config"
	"github.com/codewithdpk/DeepMQ/events"
	"github.com/codewithdpk/DeepMQ/logger"
	"github.com/codewithdpk/DeepMQ/storage"
	"github.com/google/uuid"
)

// Broker owns every shared table in the system: exchanges, queues,
// bindings, and the connection set. Mutations to these tables are
// serialized by mu (spec.md §5's broker-wide lock design); queues carry
// their own finer-grained mutex for the enqueue/dequeue hot path.
type Broker struct {
	mu sync.RWMutex

	listener net.Listener
	addr     string

	exchanges map[string]*Exchange
	queues    map[string]*Queue
	bindings  []*Binding // source, destination, routingKey triples

	connections   map[*Connection]struct{}
	connectionsMu sync.RWMutex

	log        logger.Logger
	events     *events.Bus
	persist    Manager
	tuning     config.Tuning
	authMode   config.AuthMode
	credentials map[string]string

	ready bool
	readyMu sync.Mutex
}

// ServerOption configures a Broker during NewServer.
type ServerOption func(*Broker)

func WithLogger(l logger.Logger) ServerOption {
	return func(b *Broker) { b.log = l }
}

func WithAuth(credentials map[string]string) ServerOption {
	return func(b *Broker) {
		b.authMode = config.AuthModePlain
		b.credentials = credentials
	}
}

func WithTuning(t config.Tuning) ServerOption {
	return func(b *Broker) { b.tuning = t }
}

func WithHeartbeatInterval(seconds uint16) ServerOption {
	return func(b *Broker) { b.tuning.Heartbeat = seconds }
}

func WithStorage(cfg config.StorageConfig) ServerOption {
	return func(b *Broker) {
		switch cfg.Type {
		case config.StorageTypeNone, "":
			b.persist = noopManager{}
		case config.StorageTypeFile:
			fm, err := NewFileManager(cfg.File.DataDir)
			if err != nil {
				b.log.Err("initializing file storage: %v", err)
				b.persist = noopManager{}
				return
			}
			b.persist = fm
		case config.StorageTypeMemory:
			km, err := NewKVManager(storage.NewBuntDBProvider(""))
			if err != nil {
				b.log.Err("initializing in-memory storage: %v", err)
				b.persist = noopManager{}
				return
			}
			b.persist = km
		case config.StorageTypeBuntDB:
			path := ""
			if cfg.BuntDB != nil {
				path = cfg.BuntDB.Path
			}
			km, err := NewKVManager(storage.NewBuntDBProvider(path))
			if err != nil {
				b.log.Err("initializing buntdb storage: %v", err)
				b.persist = noopManager{}
				return
			}
			b.persist = km
		}
	}
}

func WithStorageProvider(provider storage.Provider) ServerOption {
	return func(b *Broker) {
		km, err := NewKVManager(provider)
		if err != nil {
			b.log.Err("initializing custom storage provider: %v", err)
			b.persist = noopManager{}
			return
		}
		b.persist = km
	}
}

func WithEventBus(bus *events.Bus) ServerOption {
	return func(b *Broker) { b.events = bus }
}

// NewServer constructs a Broker with sane defaults; call Start to accept
// connections.
func NewServer(opts ...ServerOption) *Broker {
	b := &Broker{
		exchanges:   make(map[string]*Exchange),
		queues:      make(map[string]*Queue),
		connections: make(map[*Connection]struct{}),
		log:         logger.NewConsoleLogger(),
		events:      events.NewBus(),
		tuning:      config.DefaultTuning(),
		authMode:    config.AuthModeNone,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.persist == nil {
		b.persist = noopManager{}
	}
	b.installDefaultExchanges()
	return b
}

// installDefaultExchanges seeds the well-known default-exchange set
// (spec.md §4.5 recovery note): the empty-name direct exchange plus the
// amq.* well-known exchanges, all durable and marked default.
func (b *Broker) installDefaultExchanges() {
	defaults := []struct {
		name string
		typ  ExchangeType
	}{
		{"", ExchangeDirect},
		{"amq.direct", ExchangeDirect},
		{"amq.fanout", ExchangeFanout},
		{"amq.topic", ExchangeTopic},
		{"amq.headers", ExchangeHeaders},
	}
	for _, d := range defaults {
		if _, exists := b.exchanges[d.name]; exists {
			continue
		}
		b.exchanges[d.name] = &Exchange{
			Name: d.name, Type: d.typ, Durable: true, IsDefault: true, Arguments: Table{},
		}
	}
}

// Start replays durable state, compacts the message log, binds the
// listener, and then accepts connections. It does not return once the
// listener is bound: it blocks in the accept loop and returns nil after
// Shutdown, or an error if recovery, compaction or binding fails.
// IsReady reports when the listener is bound.
func (b *Broker) Start(addr string) error {
	if err := b.recover(); err != nil {
		return fmt.Errorf("recovering persisted state: %w", err)
	}
	if err := b.compact(); err != nil {
		return fmt.Errorf("compacting persisted state: %w", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	b.listener = ln
	b.addr = addr

	b.readyMu.Lock()
	b.ready = true
	b.readyMu.Unlock()

	b.events.Publish(events.BrokerStarted, addr)
	b.log.Info("broker listening on %s", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			b.readyMu.Lock()
			stillReady := b.ready
			b.readyMu.Unlock()
			if !stillReady {
				return nil
			}
			b.log.Err("accept error: %v", err)
			continue
		}
		go b.handleConnection(conn)
	}
}

func (b *Broker) recover() error {
	state, err := b.persist.Recover()
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ex := range state.Exchanges {
		b.exchanges[ex.Name] = ex
	}
	for _, q := range state.Queues {
		b.queues[q.Name] = q
	}
	b.bindings = append(b.bindings, state.Bindings...)
	b.installDefaultExchanges()
	return nil
}

// compact asks the persistence backend to rewrite its durable log to hold
// only messages currently present in memory, dropping the acked/expired
// records that accumulated before this startup (spec.md §4.5).
func (b *Broker) compact() error {
	b.mu.RLock()
	queues := make(map[string]*Queue, len(b.queues))
	for name, q := range b.queues {
		queues[name] = q
	}
	b.mu.RUnlock()
	return b.persist.Compact(queues)
}

// Shutdown stops accepting connections, closes every active connection
// with a server-initiated Connection.Close, and closes persistence
// handles. In-flight durable writes complete before it returns
// (spec.md §5 "Cancellation").
func (b *Broker) Shutdown(ctx context.Context) error {
	b.readyMu.Lock()
	b.ready = false
	b.readyMu.Unlock()

	if b.listener != nil {
		b.listener.Close()
	}

	var wg sync.WaitGroup
	b.connectionsMu.RLock()
	conns := make([]*Connection, 0, len(b.connections))
	for c := range b.connections {
		conns = append(conns, c)
	}
	b.connectionsMu.RUnlock()

	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			b.closeConnectionForShutdown(c)
		}(c)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.log.Warn("shutdown deadline exceeded with connections still open")
	}

	err := b.persist.Close()
	b.events.Publish(events.BrokerStopped, nil)
	b.events.Close()
	return err
}

func (b *Broker) Logger() logger.Logger { return b.log }

func (b *Broker) IsReady() bool {
	b.readyMu.Lock()
	defer b.readyMu.Unlock()
	return b.ready
}

// genUniqueName produces server-generated names of the form
// "<prefix><uuid>" (spec.md §3's "amq.gen-<uuid>" requirement for
// server-generated queue names, generalized to consumer tags and
// message IDs per SPEC_FULL.md §5's domain-stack wiring).
func (b *Broker) genUniqueName(prefix string) string {
	return prefix + uuid.NewString()
}

func (b *Broker) addConnection(c *Connection) {
	b.connectionsMu.Lock()
	b.connections[c] = struct{}{}
	b.connectionsMu.Unlock()
	b.events.Publish(events.ConnectionOpen, c.Id)
}

func (b *Broker) removeConnection(c *Connection) {
	b.connectionsMu.Lock()
	delete(b.connections, c)
	b.connectionsMu.Unlock()
	b.events.Publish(events.ConnectionClose, c.Id)
}

// Connections returns a read-only snapshot of active connections
// (spec.md §6 enumeration getters).
func (b *Broker) Connections() []*Connection {
	b.connectionsMu.RLock()
	defer b.connectionsMu.RUnlock()
	out := make([]*Connection, 0, len(b.connections))
	for c := range b.connections {
		out = append(out, c)
	}
	return out
}

func (b *Broker) Exchanges() []*Exchange {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Exchange, 0, len(b.exchanges))
	for _, e := range b.exchanges {
		out = append(out, e)
	}
	return out
}

func (b *Broker) Queues() []*Queue {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Queue, 0, len(b.queues))
	for _, q := range b.queues {
		out = append(out, q)
	}
	return out
}

func (b *Broker) Bindings() []*Binding {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Binding, len(b.bindings))
	copy(out, b.bindings)
	return out
}

// Events returns a subscription to the broker's fire-and-forget event
// stream (spec.md §6).
func (b *Broker) Events() chan events.Event {
	return b.events.Subscribe()
}

func (b *Broker) UnsubscribeEvents(ch chan events.Event) {
	b.events.Unsubscribe(ch)
}
