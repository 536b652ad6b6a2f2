// Package engine wires all orchestra subsystems together. It owns the
// graph, function and DSL registries, the scheduler and executor, the
// task dispatcher and the worker pool, and provides the orchestration
// operations: start a run, continue it, execute its steps.
//
// This package exists to break the import cycle: the root orchestra
// package defines Entity and Config (imported by workflow, queue, etc.)
// and so cannot import those packages back. The engine package sits
// above all subsystem packages and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/backoff"
	"github.com/xraph/orchestra/dlq"
	"github.com/xraph/orchestra/dsl"
	"github.com/xraph/orchestra/executor"
	"github.com/xraph/orchestra/ext"
	"github.com/xraph/orchestra/function"
	"github.com/xraph/orchestra/graph"
	mw "github.com/xraph/orchestra/middleware"
	"github.com/xraph/orchestra/observability"
	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/scheduler"
	"github.com/xraph/orchestra/version"
	"github.com/xraph/orchestra/worker"
	"github.com/xraph/orchestra/workflow"
)

const instrumentationName = "github.com/xraph/orchestra"

// Engine is the orchestrator context. Everything an orchestration pass
// needs (stores, registries, invoker, dispatcher) hangs off it, so
// several engines can live in one process.
// Use Build() to create one from an Orchestra.
type Engine struct {
	o          *orchestra.Orchestra
	extensions *ext.Registry
	logger     *slog.Logger

	runs     workflow.Store
	versions version.Store
	tasks    queue.Store

	graphs    *graph.Registry
	functions *function.Registry
	workflows *dsl.Registry
	invoker   function.Invoker
	resolver  *version.Resolver
	scheduler *scheduler.Scheduler
	executor  *executor.Executor

	// dispatcher persists tasks for the worker pool and emits the
	// enqueue hooks.
	dispatcher  queue.Dispatcher
	defaults    workflow.StepOptions
	deadLetters *dlq.Service

	bo   backoff.Strategy
	mws  []mw.Middleware
	pool *worker.Pool

	// Queue subsystem.
	queueConfigs []queue.Config
	queueManager *queue.Manager

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds middleware to the task execution chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the strategy used for step retries without an explicit
// delay and for task redelivery.
// If not set, backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithQueueConfig registers queue-level rate limiting and concurrency
// configurations. Queues not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) {
		eng.queueConfigs = append(eng.queueConfigs, configs...)
	}
}

// WithInvoker replaces the capability that calls functions by name.
// The default invokes the engine's function registry.
func WithInvoker(inv function.Invoker) Option {
	return func(eng *Engine) {
		eng.invoker = inv
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability extension
// use this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Orchestra.
// The Orchestra's store must implement store.Store.
func Build(o *orchestra.Orchestra, opts ...Option) (*Engine, error) {
	logger := o.Logger()
	s := o.Store()

	if s == nil {
		return nil, orchestra.ErrNoStore
	}

	// Type-assert the store to get the subsystem interfaces.
	ws, ok := s.(workflow.Store)
	if !ok {
		return nil, fmt.Errorf("orchestra: store does not implement workflow.Store")
	}
	vs, ok := s.(version.Store)
	if !ok {
		return nil, fmt.Errorf("orchestra: store does not implement version.Store")
	}
	qs, ok := s.(queue.Store)
	if !ok {
		return nil, fmt.Errorf("orchestra: store does not implement queue.Store")
	}

	graphs, err := graph.NewRegistry()
	if err != nil {
		return nil, err
	}

	config := o.Config()
	eng := &Engine{
		o:          o,
		extensions: ext.NewRegistry(logger),
		logger:     logger,
		runs:       ws,
		versions:   vs,
		tasks:      qs,
		graphs:     graphs,
		functions:  function.NewRegistry(),
		workflows:  dsl.NewRegistry(),
		defaults: workflow.StepOptions{
			Retries:    config.StepRetries,
			RetryDelay: config.StepRetryDelay,
		},
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.invoker == nil {
		eng.invoker = eng.functions
	}
	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}

	eng.dispatcher = eng.hooked(queue.NewStoreDispatcher(qs, config.TaskMaxAttempts))
	eng.deadLetters = dlq.NewService(qs, logger)
	eng.resolver = version.NewResolver(graphs, vs, logger)
	eng.scheduler = scheduler.New(ws,
		scheduler.WithFunctions(eng.functions),
		scheduler.WithStepDefaults(eng.defaults),
		scheduler.WithLogger(logger),
	)
	eng.executor = executor.New(ws, eng.invoker, eng.scheduler, logger)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter(instrumentationName + "/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	// Build default middleware stack: recover → tracing → metrics → logging → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(config.TaskTimeout, logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	runner := worker.NewRunner(eng, eng.extensions, qs, eng.bo, logger, allMws...)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(config.Concurrency),
		worker.WithPoolQueues(config.Queues),
		worker.WithPollInterval(config.PollInterval),
		worker.WithHeartbeatInterval(config.HeartbeatInterval),
		worker.WithStaleTaskThreshold(config.StaleTaskThreshold),
	}

	// Create queue manager if queue configs were provided.
	if len(eng.queueConfigs) > 0 {
		eng.queueManager = queue.NewManager(eng.queueConfigs...)
		poolOpts = append(poolOpts, worker.WithQueueManager(eng.queueManager))
	}

	eng.pool = worker.NewPool(qs, runner, logger, poolOpts...)

	// Wire back into the Orchestra.
	o.SetPool(eng.pool)
	o.SetExtensions(eng.extensions)

	return eng, nil
}

// RegisterGraph validates def and makes it the live graph for its name.
// source fingerprints where the definition came from and may be empty.
func (eng *Engine) RegisterGraph(def *graph.Definition, source string) (*graph.Topology, error) {
	if eng.workflows.Has(def.Name) {
		return nil, fmt.Errorf("%w: %q is a DSL workflow", orchestra.ErrDuplicateWorkflow, def.Name)
	}
	top, err := eng.graphs.Register(def, source)
	if err != nil {
		return nil, err
	}
	eng.logger.Info("graph registered",
		slog.String("workflow", def.Name),
		slog.String("graph_hash", top.Hash),
		slog.Int("nodes", len(def.Nodes)),
	)
	return top, nil
}

// RegisterWorkflow registers a version of a typed DSL workflow.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterWorkflow[T any](eng *Engine, def *dsl.Definition[T]) error {
	if eng.graphs.Has(def.Name) {
		return fmt.Errorf("%w: %q is a graph workflow", orchestra.ErrDuplicateWorkflow, def.Name)
	}
	dsl.Register(eng.workflows, def)
	return nil
}

// RegisterFunction registers a typed function with the engine's function
// registry, the default invoker.
func RegisterFunction[In, Out any](eng *Engine, def *function.Definition[In, Out]) error {
	return function.Register(eng.functions, def)
}

// RegisterWorkflowVersions snapshots every live graph into the version
// store so runs started on it can resume after a later deploy. Call it
// once per deploy.
func (eng *Engine) RegisterWorkflowVersions(ctx context.Context) (int, error) {
	n, err := version.RegisterAll(ctx, eng.graphs, eng.versions)
	if err != nil {
		return n, err
	}
	eng.logger.Info("workflow versions registered", slog.Int("count", n))
	return n, nil
}

// Start begins task processing. Queue-driven runs left running or
// suspended by a previous process get an orchestration pass.
func (eng *Engine) Start(ctx context.Context) error {
	// Best-effort and non-fatal: tasks in the store resume most runs anyway.
	if err := eng.resume(ctx); err != nil {
		eng.logger.Warn("failed to resume workflow runs",
			slog.String("error", err.Error()),
		)
	}
	return eng.o.Start(ctx)
}

// Stop gracefully shuts down the worker pool and the store.
func (eng *Engine) Stop(ctx context.Context) error {
	err := eng.o.Stop(ctx)
	eng.graphs.Close()
	return err
}

func (eng *Engine) resume(ctx context.Context) error {
	for _, status := range []workflow.RunStatus{workflow.RunRunning, workflow.RunSuspended} {
		runs, err := eng.runs.ListRuns(ctx, workflow.ListOpts{Status: status})
		if err != nil {
			return err
		}
		for _, run := range runs {
			if run.Inline {
				continue
			}
			if err := eng.dispatcher.Enqueue(ctx, queue.NewTask(queue.KindOrchestrate, run.ID, run.WorkflowName)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Orchestra returns the underlying Orchestra.
func (eng *Engine) Orchestra() *orchestra.Orchestra { return eng.o }

// Graphs returns the live graph registry.
func (eng *Engine) Graphs() *graph.Registry { return eng.graphs }

// Functions returns the function registry.
func (eng *Engine) Functions() *function.Registry { return eng.functions }

// Workflows returns the DSL workflow registry.
func (eng *Engine) Workflows() *dsl.Registry { return eng.workflows }

// DeadLetters returns the service over tasks abandoned by the workers.
func (eng *Engine) DeadLetters() *dlq.Service { return eng.deadLetters }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// QueueManager returns the queue manager, or nil if no queue configs
// were provided.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }
