// Package deepmq provides the public API for embedding a DeepMQ AMQP 0-9-1
// broker into a Go application: create a server, configure it with
// functional options, start it against an address, and shut it down.
package deepmq

import (
	"context"

	"github.com/codewithdpk/DeepMQ/config"
	"github.com/codewithdpk/DeepMQ/events"
	"github.com/codewithdpk/DeepMQ/internal"
	"github.com/codewithdpk/DeepMQ/logger"
	"github.com/codewithdpk/DeepMQ/storage"
)

// Server wraps the internal broker implementation behind a stable public API.
type Server struct {
	broker *internal.Broker
}

// ServerOption configures a Server during construction.
type ServerOption func(*internal.Broker)

// NewServer creates a broker with the provided options applied.
func NewServer(opts ...ServerOption) *Server {
	internalOpts := make([]internal.ServerOption, 0, len(opts))
	for _, opt := range opts {
		internalOpts = append(internalOpts, internal.ServerOption(opt))
	}
	return &Server{broker: internal.NewServer(internalOpts...)}
}

// Start listens on addr and serves AMQP connections until Shutdown is
// called. It blocks; run it in a goroutine if the caller needs to continue.
func (s *Server) Start(addr string) error {
	return s.broker.Start(addr)
}

// Shutdown stops accepting new connections and closes active ones, waiting
// up to ctx's deadline for in-flight connections to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.broker.Shutdown(ctx)
}

// Logger returns the broker's configured logger.
func (s *Server) Logger() logger.Logger {
	return s.broker.Logger()
}

// IsReady reports whether the broker has finished startup and is accepting
// connections.
func (s *Server) IsReady() bool {
	return s.broker.IsReady()
}

// Events returns a channel of broker lifecycle and protocol events. Call
// UnsubscribeEvents with the same channel when done.
func (s *Server) Events() chan events.Event {
	return s.broker.Events()
}

// UnsubscribeEvents stops delivering events to ch.
func (s *Server) UnsubscribeEvents(ch chan events.Event) {
	s.broker.UnsubscribeEvents(ch)
}

// Exchanges returns a snapshot of the broker's declared exchanges.
func (s *Server) Exchanges() []*internal.Exchange {
	return s.broker.Exchanges()
}

// Queues returns a snapshot of the broker's declared queues.
func (s *Server) Queues() []*internal.Queue {
	return s.broker.Queues()
}

// Bindings returns a snapshot of the broker's bindings.
func (s *Server) Bindings() []*internal.Binding {
	return s.broker.Bindings()
}

// WithLogger sets a custom logger implementing logger.Logger. The default
// writes colorized output to stdout.
func WithLogger(l logger.Logger) ServerOption {
	return func(b *internal.Broker) { internal.WithLogger(l)(b) }
}

// WithAuth enables PLAIN/AMQPLAIN authentication against the given
// username-to-password map. Without this option the broker accepts any
// credentials.
func WithAuth(credentials map[string]string) ServerOption {
	return func(b *internal.Broker) { internal.WithAuth(credentials)(b) }
}

// WithTuning overrides the server-offered channel-max/frame-max/heartbeat
// values negotiated during Connection.Tune.
func WithTuning(t config.Tuning) ServerOption {
	return func(b *internal.Broker) { internal.WithTuning(t)(b) }
}

// WithHeartbeatInterval sets the suggested heartbeat interval in seconds.
func WithHeartbeatInterval(seconds uint16) ServerOption {
	return func(b *internal.Broker) { internal.WithHeartbeatInterval(seconds)(b) }
}

// WithStorage configures durable recovery according to cfg. See
// config.StorageType for the available backends.
func WithStorage(cfg config.StorageConfig) ServerOption {
	return func(b *internal.Broker) { internal.WithStorage(cfg)(b) }
}

// WithNoStorage explicitly disables durable recovery. This is the default.
func WithNoStorage() ServerOption {
	return WithStorage(config.StorageConfig{Type: config.StorageTypeNone})
}

// WithFileStorage is a convenience option selecting the spec's literal
// append-only log plus JSON snapshot format, rooted at dataDir.
func WithFileStorage(dataDir string) ServerOption {
	return WithStorage(config.StorageConfig{
		Type: config.StorageTypeFile,
		File: &config.FileConfig{DataDir: dataDir},
	})
}

// WithBuntDBStorage is a convenience option selecting the BuntDB-backed
// key-value durability path at the given file path.
func WithBuntDBStorage(path string) ServerOption {
	return WithStorage(config.StorageConfig{
		Type:   config.StorageTypeBuntDB,
		BuntDB: &config.BuntDBConfig{Path: path},
	})
}

// WithStorageProvider injects a custom storage.Provider implementation,
// wrapped in the broker's key-value persistence manager.
func WithStorageProvider(provider storage.Provider) ServerOption {
	return func(b *internal.Broker) { internal.WithStorageProvider(provider)(b) }
}

// WithEventBus injects a custom event bus, for tests or for sharing a bus
// across multiple embedded brokers.
func WithEventBus(bus *events.Bus) ServerOption {
	return func(b *internal.Broker) { internal.WithEventBus(bus)(b) }
}
