// Package orchestra is a durable workflow orchestration engine for Go.
//
// Workflows are either graphs of nodes wired by data (package graph) or
// ordinary Go functions that checkpoint each step (package dsl). Every
// step is an idempotent record keyed by its name within a run, so a run
// can be re-orchestrated any number of times, by any number of workers,
// after crashes, redeliveries or deployments that changed the workflow.
//
// # Quick Start
//
//	cfg, err := config.Load("orchestra.yaml")
//	logger := config.NewLogger(cfg.Log)
//	s, err := config.OpenStore(ctx, cfg, logger)
//
//	o, err := orchestra.New(
//	    orchestra.WithConfig(cfg),
//	    orchestra.WithLogger(logger),
//	    orchestra.WithStore(s),
//	)
//	eng, err := engine.Build(o)
//	def, source, err := graph.LoadFile("order-flow.yaml")
//	eng.RegisterGraph(def, source)
//	eng.Start(ctx)
//	run, err := eng.StartWorkflow(ctx, "order-flow", input)
//
// # Architecture
//
// Each subsystem (workflow, version, queue) defines its own store
// interface and a single backend implements all of them (memory,
// postgres, redis, mongo). The engine is the explicit orchestrator
// context: it owns the registries, the scheduler and the executor, so
// several engines can live in one process.
//
// A graph run remembers the content hash of the graph it started with.
// When the deployed graph changes, the run continues on the snapshot
// recorded under that hash, or fails with VERSION_NOT_FOUND.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based.
package orchestra
