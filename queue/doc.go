// Package queue defers orchestration work. The engine never runs a step
// on the caller's goroutine unless the run is inline: it hands a Task to
// a Dispatcher, and a worker picks it up later.
//
// Two dispatchers ship with the package. StoreDispatcher persists tasks
// in a Store that the worker pool drains. Buffer keeps tasks in process
// for inline runs, which the engine drains itself.
//
// Manager applies per-queue and per-workflow rate limits and concurrency
// caps to dequeued tasks using token buckets from golang.org/x/time/rate.
package queue
