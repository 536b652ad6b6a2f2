package orchestra

import (
	"context"
	"log/slog"
	"time"
)

// Option configures an Orchestra.
type Option func(*Orchestra) error

// Storer is the minimal store interface held by the Orchestra.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used by the engine, which type-asserts the subsystem
// stores it needs.
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

// Orchestra is the runtime handle shared by the engine and its workers:
// configuration, logger and store. Build an engine from it with
// engine.Build.
type Orchestra struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	pool       poolRunner

	started bool
}

// New creates a new Orchestra with the given options.
func New(opts ...Option) (*Orchestra, error) {
	o := &Orchestra{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Logger returns the logger.
func (o *Orchestra) Logger() *slog.Logger { return o.logger }

// Store returns the store.
func (o *Orchestra) Store() Storer { return o.store }

// Config returns a copy of the configuration.
func (o *Orchestra) Config() Config { return o.config }

// SetPool sets the worker pool (called by engine.Build).
func (o *Orchestra) SetPool(p poolRunner) { o.pool = p }

// SetExtensions sets the extension emitter (called by engine.Build).
func (o *Orchestra) SetExtensions(e extensionEmitter) { o.extensions = e }

// Start begins task processing.
func (o *Orchestra) Start(ctx context.Context) error {
	if o.pool == nil {
		return ErrNoStore
	}
	if err := o.pool.Start(ctx); err != nil {
		return err
	}
	o.started = true
	return nil
}

// Stop gracefully shuts down workers, notifies extensions and closes the store.
func (o *Orchestra) Stop(ctx context.Context) error {
	if o.pool != nil && o.started {
		if err := o.pool.Stop(ctx); err != nil {
			o.logger.Error("pool stop error", slog.String("error", err.Error()))
		}
		o.started = false
	}
	if o.extensions != nil {
		o.extensions.EmitShutdown(ctx)
	}
	if o.store != nil {
		return o.store.Close()
	}
	return nil
}

// WithConfig replaces the whole configuration, typically one produced by
// config.Load.
func WithConfig(cfg Config) Option {
	return func(o *Orchestra) error {
		o.config = cfg
		return nil
	}
}

// WithConcurrency sets the maximum number of concurrent task processors.
func WithConcurrency(n int) Option {
	return func(o *Orchestra) error {
		o.config.Concurrency = n
		return nil
	}
}

// WithQueues sets the queues this process polls.
func WithQueues(queues []string) Option {
	return func(o *Orchestra) error {
		o.config.Queues = queues
		return nil
	}
}

// WithPollInterval sets how often workers poll for tasks.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestra) error {
		o.config.PollInterval = d
		return nil
	}
}

// WithStepRetries sets the default retry budget for steps.
func WithStepRetries(retries int, delay time.Duration) Option {
	return func(o *Orchestra) error {
		o.config.StepRetries = retries
		o.config.StepRetryDelay = delay
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestra) error {
		o.logger = l
		return nil
	}
}

// WithStore sets the persistence backend. The store must implement Storer
// at minimum; engine.Build requires a full store.Store.
func WithStore(s Storer) Option {
	return func(o *Orchestra) error {
		o.store = s
		return nil
	}
}
