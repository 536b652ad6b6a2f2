package redis

// Redis key naming conventions for orchestra data.
// All keys are prefixed with "orchestra:" to avoid collisions.

const keyPrefix = "orchestra:"

// ── Run keys ──

// runKey returns the Hash key for a run: orchestra:run:{id}
func runKey(id string) string { return keyPrefix + "run:" + id }

// runStateKey returns the Hash key holding a run's state values.
func runStateKey(id string) string { return keyPrefix + "run_state:" + id }

// runIDsKey is the Set tracking all run IDs for enumeration.
const runIDsKey = keyPrefix + "run_ids"

// ── Step keys ──

// stepKey returns the Hash key for a step: orchestra:step:{id}
func stepKey(id string) string { return keyPrefix + "step:" + id }

// stepNamesKey returns the Hash mapping step names to step IDs for a run.
func stepNamesKey(runID string) string { return keyPrefix + "step_names:" + runID }

// runStepsKey returns the List of a run's step IDs in creation order.
func runStepsKey(runID string) string { return keyPrefix + "run_steps:" + runID }

// ── Version keys ──

// versionKey returns the key holding one version snapshot as JSON.
func versionKey(name, hash string) string { return keyPrefix + "version:" + name + ":" + hash }

// versionIndexKey returns the Set of graph hashes recorded for a workflow.
func versionIndexKey(name string) string { return keyPrefix + "versions:" + name }

// ── Task keys ──

// taskKeyPrefix prefixes task Hash keys; the dequeue script builds keys
// from it.
const taskKeyPrefix = keyPrefix + "task:"

// taskKey returns the Hash key for a task: orchestra:task:{id}
func taskKey(id string) string { return taskKeyPrefix + id }

// taskIDsKey is the Set tracking all task IDs for enumeration.
const taskIDsKey = keyPrefix + "task_ids"

// pendingKey is the Sorted Set of pending task IDs scored by RunAt.
const pendingKey = keyPrefix + "pending"

// ── Lock keys ──

// lockKey returns the key backing a named lock.
func lockKey(name string) string { return keyPrefix + "lock:" + name }
