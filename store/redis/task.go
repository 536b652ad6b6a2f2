package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/queue"
)

// dequeueScript claims due tasks from the pending Sorted Set in RunAt
// order, skipping tasks outside the requested queues.
//
// KEYS: pending. ARGV: now (ms), limit (0 = all), now (RFC3339), task key
// prefix, queues...
var dequeueScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local limit = tonumber(ARGV[2])
local filter = #ARGV > 4
local want = {}
for i = 5, #ARGV do
	want[ARGV[i]] = true
end
local claimed = {}
for _, id in ipairs(due) do
	if limit > 0 and #claimed >= limit then
		break
	end
	local key = ARGV[4] .. id
	local q = redis.call('HGET', key, 'queue')
	if not q then
		redis.call('ZREM', KEYS[1], id)
	elseif (not filter) or want[q] then
		redis.call('ZREM', KEYS[1], id)
		redis.call('HINCRBY', key, 'attempt', 1)
		redis.call('HSET', key, 'state', 'running', 'started_at', ARGV[3],
			'heartbeat_at', ARGV[3], 'updated_at', ARGV[3])
		table.insert(claimed, id)
	end
end
return claimed
`)

// EnqueueTask stores the task as a Hash and adds pending tasks to the
// pending Sorted Set scored by RunAt.
func (s *Store) EnqueueTask(ctx context.Context, t *queue.Task) error {
	tID := t.ID.String()
	key := taskKey(tID)

	// Check for duplicate.
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("orchestra/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return orchestra.ErrDuplicateTask
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, taskToMap(t))
	pipe.SAdd(ctx, taskIDsKey, tID)
	if t.State == queue.StatePending {
		pipe.ZAdd(ctx, pendingKey, goredis.Z{Score: taskScore(t.RunAt), Member: tID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("orchestra/redis: enqueue task: %w", err)
	}
	return nil
}

// DequeueTasks atomically claims up to limit due tasks from the given
// queues.
func (s *Store) DequeueTasks(ctx context.Context, queues []string, limit int) ([]*queue.Task, error) {
	now := time.Now().UTC()
	args := make([]any, 0, 4+len(queues))
	args = append(args,
		strconv.FormatInt(now.UnixMilli(), 10),
		max(limit, 0),
		formatTime(now),
		taskKeyPrefix,
	)
	for _, q := range queues {
		args = append(args, q)
	}

	ids, err := dequeueScript.Run(ctx, s.client, []string{pendingKey}, args...).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: dequeue tasks: %w", err)
	}

	tasks := make([]*queue.Task, 0, len(ids))
	for _, tID := range ids {
		t, getErr := s.getTaskByKey(ctx, taskKey(tID))
		if getErr != nil {
			return nil, getErr
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*queue.Task, error) {
	return s.getTaskByKey(ctx, taskKey(taskID.String()))
}

// UpdateTask persists changes to an existing task and keeps the pending
// Sorted Set in step with its state.
func (s *Store) UpdateTask(ctx context.Context, t *queue.Task) error {
	tID := t.ID.String()
	key := taskKey(tID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("orchestra/redis: update task exists: %w", err)
	}
	if exists == 0 {
		return orchestra.ErrTaskNotFound
	}

	cp := *t
	cp.UpdatedAt = time.Now().UTC()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, taskToMap(&cp))
	if cp.State == queue.StatePending {
		pipe.ZAdd(ctx, pendingKey, goredis.Z{Score: taskScore(cp.RunAt), Member: tID})
	} else {
		pipe.ZRem(ctx, pendingKey, tID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("orchestra/redis: update task: %w", err)
	}
	return nil
}

// HeartbeatTask updates the heartbeat timestamp for a running task.
func (s *Store) HeartbeatTask(ctx context.Context, taskID id.TaskID, workerID id.WorkerID) error {
	key := taskKey(taskID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("orchestra/redis: heartbeat exists: %w", err)
	}
	if exists == 0 {
		return orchestra.ErrTaskNotFound
	}

	now := formatTime(time.Now())
	_, err = s.client.HSet(ctx, key,
		"heartbeat_at", now,
		"worker_id", workerID.String(),
		"updated_at", now,
	).Result()
	if err != nil {
		return fmt.Errorf("orchestra/redis: heartbeat task: %w", err)
	}
	return nil
}

// ReapStaleTasks returns running tasks whose last heartbeat is older than
// the threshold.
func (s *Store) ReapStaleTasks(ctx context.Context, threshold time.Duration) ([]*queue.Task, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	ids, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: reap smembers: %w", err)
	}

	var stale []*queue.Task
	for _, tID := range ids {
		t, getErr := s.getTaskByKey(ctx, taskKey(tID))
		if getErr != nil {
			continue
		}
		if t.State != queue.StateRunning {
			continue
		}
		if t.HeartbeatAt != nil && t.HeartbeatAt.Before(cutoff) {
			stale = append(stale, t)
		}
	}
	return stale, nil
}

// ListTasks returns tasks matching opts, oldest first.
func (s *Store) ListTasks(ctx context.Context, opts queue.ListOpts) ([]*queue.Task, error) {
	ids, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("orchestra/redis: list tasks smembers: %w", err)
	}

	var tasks []*queue.Task
	for _, tID := range ids {
		t, getErr := s.getTaskByKey(ctx, taskKey(tID))
		if getErr != nil {
			continue
		}
		if opts.State != "" && t.State != opts.State {
			continue
		}
		if opts.Queue != "" && t.Queue != opts.Queue {
			continue
		}
		tasks = append(tasks, t)
	}

	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID.String() < tasks[j].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(tasks) {
			return nil, nil
		}
		tasks = tasks[opts.Offset:]
	}
	if opts.Limit > 0 && len(tasks) > opts.Limit {
		tasks = tasks[:opts.Limit]
	}
	return tasks, nil
}

// CountTasks returns the number of tasks matching the given options.
func (s *Store) CountTasks(ctx context.Context, opts queue.CountOpts) (int64, error) {
	ids, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("orchestra/redis: count smembers: %w", err)
	}

	var count int64
	for _, tID := range ids {
		t, getErr := s.getTaskByKey(ctx, taskKey(tID))
		if getErr != nil {
			continue
		}
		if opts.State != "" && t.State != opts.State {
			continue
		}
		if opts.Queue != "" && t.Queue != opts.Queue {
			continue
		}
		count++
	}
	return count, nil
}

func (s *Store) getTaskByKey(ctx context.Context, key string) (*queue.Task, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, orchestra.ErrTaskNotFound
		}
		return nil, fmt.Errorf("orchestra/redis: get task: %w", err)
	}
	if len(vals) == 0 {
		return nil, orchestra.ErrTaskNotFound
	}
	return mapToTask(vals)
}
