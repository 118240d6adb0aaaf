package notify

import (
	"context"
	"log/slog"
)

// Option configures a Notifier.
type Option func(*Notifier) error

// Storer is the minimal store interface held by the Notifier.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles. Implementations satisfy store.Store which embeds all
// subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// poolRunner is an internal interface for worker pool lifecycle.
type poolRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Notifier is the central coordinator for trigger ingestion, job
// execution, digest aggregation, and channel dispatch.
//
// Create one with New() and functional options. The Notifier holds
// references to subsystem components via internal interfaces to avoid
// import cycles. Use engine.Build to wire everything together.
type Notifier struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	pool       poolRunner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Notifier with the given options.
func New(opts ...Option) (*Notifier, error) {
	n := &Notifier{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// Logger returns the notifier's logger.
func (n *Notifier) Logger() *slog.Logger { return n.logger }

// Store returns the notifier's store.
func (n *Notifier) Store() Storer { return n.store }

// Config returns a copy of the notifier's configuration.
func (n *Notifier) Config() Config { return n.config }

// SetPool sets the worker pool (called by the engine package).
func (n *Notifier) SetPool(p poolRunner) { n.pool = p }

// SetExtensions sets the extension emitter (called by the engine package).
func (n *Notifier) SetExtensions(e extensionEmitter) { n.extensions = e }

// Start begins queue consumption.
func (n *Notifier) Start(ctx context.Context) error {
	if n.pool == nil {
		return ErrNoStore
	}
	if err := n.pool.Start(ctx); err != nil {
		return err
	}
	n.started = true
	return nil
}

// Stop gracefully shuts down the notifier.
func (n *Notifier) Stop(ctx context.Context) error {
	if n.pool != nil && n.started {
		if err := n.pool.Stop(ctx); err != nil {
			n.logger.Error("pool stop error", "error", err)
		}
	}
	if n.extensions != nil {
		n.extensions.EmitShutdown(ctx)
	}
	if n.store != nil {
		return n.store.Close()
	}
	return nil
}

// WithConcurrency sets the maximum number of concurrent job processors.
func WithConcurrency(c int) Option {
	return func(n *Notifier) error {
		n.config.Concurrency = c
		return nil
	}
}

// WithQueues sets the queues the notifier will poll.
func WithQueues(queues []string) Option {
	return func(n *Notifier) error {
		n.config.Queues = queues
		return nil
	}
}

// WithLogger sets the structured logger for the notifier.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) error {
		n.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the notifier.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(n *Notifier) error {
		n.store = s
		return nil
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(c Config) Option {
	return func(n *Notifier) error {
		n.config = c
		return nil
	}
}
