package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines per-queue rate limiting and concurrency.
type Config struct {
	// Name is the queue identifier (must match Task.Queue).
	Name string

	// MaxConcurrency limits how many tasks from this queue may run at
	// once in the local pool. Zero means no queue-specific limit.
	MaxConcurrency int

	// RateLimit is the sustained tasks per second dequeued from this
	// queue. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the token-bucket burst. Defaults to 1 when RateLimit
	// is set.
	RateBurst int
}

// WorkflowConfig limits the tasks of one workflow on one queue, so a
// single busy workflow cannot starve the rest.
type WorkflowConfig struct {
	QueueName      string
	WorkflowName   string
	RateLimit      float64
	RateBurst      int
	MaxConcurrency int
}

type limitState struct {
	limiter        *rate.Limiter
	maxConcurrency int
	active         int
}

func newLimitState(rateLimit float64, burst, maxConcurrency int) *limitState {
	ls := &limitState{maxConcurrency: maxConcurrency}
	if rateLimit > 0 {
		if burst <= 0 {
			burst = 1
		}
		ls.limiter = rate.NewLimiter(rate.Limit(rateLimit), burst)
	}
	return ls
}

func (ls *limitState) saturated() bool {
	return ls.maxConcurrency > 0 && ls.active >= ls.maxConcurrency
}

// Manager controls per-queue and per-workflow limits. It is safe for
// concurrent use.
type Manager struct {
	mu        sync.Mutex
	queues    map[string]*limitState
	workflows map[string]*limitState
}

// NewManager creates a Manager with the given queue configurations.
// Queues not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		queues:    make(map[string]*limitState, len(configs)),
		workflows: make(map[string]*limitState),
	}
	for _, cfg := range configs {
		m.queues[cfg.Name] = newLimitState(cfg.RateLimit, cfg.RateBurst, cfg.MaxConcurrency)
	}
	return m
}

func workflowKey(queue, workflow string) string {
	return queue + ":" + workflow
}

// Acquire reports whether a task of workflow on queue may start now. On
// true the caller must call Release when the task finishes. Concurrency
// caps are checked before any rate token is spent.
func (m *Manager) Acquire(queue, workflow string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queues[queue]
	var ws *limitState
	if workflow != "" {
		ws = m.workflows[workflowKey(queue, workflow)]
	}

	if (qs != nil && qs.saturated()) || (ws != nil && ws.saturated()) {
		return false
	}
	if qs != nil && qs.limiter != nil && !qs.limiter.Allow() {
		return false
	}
	if ws != nil && ws.limiter != nil && !ws.limiter.Allow() {
		return false
	}

	if qs != nil {
		qs.active++
	}
	if ws != nil {
		ws.active++
	}
	return true
}

// Release frees the slot taken by Acquire.
func (m *Manager) Release(queue, workflow string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if qs := m.queues[queue]; qs != nil && qs.active > 0 {
		qs.active--
	}
	if workflow != "" {
		if ws := m.workflows[workflowKey(queue, workflow)]; ws != nil && ws.active > 0 {
			ws.active--
		}
	}
}

// SetQueueConfig updates or creates a queue configuration, keeping the
// current active count.
func (m *Manager) SetQueueConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ls := newLimitState(cfg.RateLimit, cfg.RateBurst, cfg.MaxConcurrency)
	if existing := m.queues[cfg.Name]; existing != nil {
		ls.active = existing.active
	}
	m.queues[cfg.Name] = ls
}

// SetWorkflowConfig updates or creates the limits for one workflow on
// one queue.
func (m *Manager) SetWorkflowConfig(cfg WorkflowConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := workflowKey(cfg.QueueName, cfg.WorkflowName)
	ls := newLimitState(cfg.RateLimit, cfg.RateBurst, cfg.MaxConcurrency)
	if existing := m.workflows[key]; existing != nil {
		ls.active = existing.active
	}
	m.workflows[key] = ls
}

// ActiveCount returns the number of running tasks tracked for a queue.
func (m *Manager) ActiveCount(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[queue]; qs != nil {
		return qs.active
	}
	return 0
}

// WorkflowActiveCount returns the number of running tasks tracked for a
// workflow on a queue.
func (m *Manager) WorkflowActiveCount(queue, workflow string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ws := m.workflows[workflowKey(queue, workflow)]; ws != nil {
		return ws.active
	}
	return 0
}
