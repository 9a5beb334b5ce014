package internal

// Manager is the durability contract the broker drives: it is told about
// entity and message lifecycle events and writes what it is handed. The
// broker applies spec.md §4.5's durable-qualification rules before calling
// the Save methods; the backends do not re-check them on write. Two
// concrete backends satisfy it: the file-based append
// log + snapshots (persistence_file.go, the spec's literal on-disk
// format) and a BuntDB-backed key-value store (persistence_kv.go).
type Manager interface {
	// Recover loads previously persisted state and returns it for the
	// broker to install into its in-memory tables.
	Recover() (*RecoveredState, error)

	SaveExchange(ex *Exchange) error
	DeleteExchange(name string) error

	SaveQueue(q *Queue) error
	DeleteQueue(name string) error

	SaveBinding(b *Binding) error
	DeleteBinding(b *Binding) error

	// SaveQueueDeclaration persists a newly declared queue together with
	// the implicit binding AMQP 0-9-1 creates on the default exchange, as
	// one unit — a crash between the two must never leave one without the
	// other.
	SaveQueueDeclaration(q *Queue, binding *Binding) error

	// SaveMessage durably records msg for queueName. It writes whatever it
	// is given; callers pass only messages for which
	// qualifiesForPersistence holds (durable queue AND deliveryMode==2).
	SaveMessage(queueName string, msg *Message) error
	// DeleteMessage removes a previously-saved message from the log,
	// called on ack/reject-without-requeue/noAck-immediate-delivery.
	DeleteMessage(queueName string, msg *Message) error

	// Compact rewrites the log to hold only currently-present messages.
	Compact(queues map[string]*Queue) error

	Close() error
}

// RecoveredState is what a Manager hands back to the broker at startup.
type RecoveredState struct {
	Exchanges []*Exchange
	Queues    []*Queue
	Bindings  []*Binding
}

// noopManager is used when persistence is disabled (config.StorageTypeNone).
type noopManager struct{}

func (noopManager) Recover() (*RecoveredState, error)                     { return &RecoveredState{}, nil }
func (noopManager) SaveExchange(ex *Exchange) error                       { return nil }
func (noopManager) DeleteExchange(name string) error                     { return nil }
func (noopManager) SaveQueue(q *Queue) error                              { return nil }
func (noopManager) DeleteQueue(name string) error                        { return nil }
func (noopManager) SaveBinding(b *Binding) error                          { return nil }
func (noopManager) DeleteBinding(b *Binding) error                        { return nil }
func (noopManager) SaveQueueDeclaration(q *Queue, binding *Binding) error { return nil }
func (noopManager) SaveMessage(queueName string, msg *Message) error      { return nil }
func (noopManager) DeleteMessage(queueName string, msg *Message) error    { return nil }
func (noopManager) Compact(queues map[string]*Queue) error                { return nil }
func (noopManager) Close() error                                         { return nil }
