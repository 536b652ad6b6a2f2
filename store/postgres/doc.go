// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: SKIP LOCKED task dequeue, row-locked step and run transitions,
// session advisory locks for run and step serialization, embedded SQL
// migrations.
package postgres
