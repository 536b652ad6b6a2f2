// Package engine wires all orchestra subsystems together and provides
// the primary application-level API for registering workflows and
// functions and for starting and driving runs.
//
// # Building an Engine
//
//	o, err := orchestra.New(
//	    orchestra.WithStore(pgStore),
//	    orchestra.WithConcurrency(20),
//	)
//
//	eng, err := engine.Build(o,
//	    engine.WithExtension(myExtension),
//	    engine.WithBackoff(backoff.NewExponential(time.Second, time.Minute)),
//	    engine.WithQueueConfig(queue.Config{
//	        Name:      "payments",
//	        RateLimit: 100,
//	    }),
//	)
//
// # Registering Work
//
//	// Functions invoked by steps
//	engine.RegisterFunction(eng, ChargeCard)
//
//	// Graph workflows
//	def, _, err := graph.LoadFile("workflows/checkout.yaml")
//	_, err = eng.RegisterGraph(def, "")
//
//	// DSL workflows
//	engine.RegisterWorkflow(eng, Onboarding)
//
//	// Once per deploy, so in-flight runs survive graph changes
//	eng.RegisterWorkflowVersions(ctx)
//
// # Running Workflows
//
//	run, err := eng.StartWorkflow(ctx, "checkout", CheckoutInput{OrderID: "o-1"})
//
//	// Synchronously, without the worker pool
//	run, err = eng.StartWorkflow(ctx, "checkout", input, engine.Inline())
//
// Queued runs advance as the worker pool delivers tasks: an orchestration
// pass schedules steps, step tasks invoke functions and trigger the next
// pass. Every pass runs under the run lock and derives its decisions from
// stored step records, so redelivered tasks are harmless.
//
// # Options
//
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the task chain
//   - [WithBackoff]: set the retry and redelivery backoff strategy
//   - [WithQueueConfig]: configure per-queue rate limits and concurrency
//   - [WithInvoker]: replace the function invocation capability
//   - [WithTracerProvider]: set the OpenTelemetry tracer provider
//   - [WithMeterProvider]: set the OpenTelemetry meter provider
package engine
