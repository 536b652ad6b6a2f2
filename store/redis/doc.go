// Package redis implements the store using Redis for high-throughput,
// short-lived workloads. Runs, steps and tasks are stored as Redis Hashes,
// pending tasks sit in a Sorted Set scored by RunAt, and state transitions
// run inside WATCH/MULTI transactions. Run and step locks are token keys
// set with NX and an expiry that is refreshed while held.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
