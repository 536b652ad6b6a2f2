package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/queue"
)

// EnqueueTask persists a new pending task.
func (s *Store) EnqueueTask(ctx context.Context, t *queue.Task) error {
	_, err := s.db.Collection(colTasks).InsertOne(ctx, toTaskModel(t))
	if err != nil {
		if isDuplicateKey(err) {
			return orchestra.ErrDuplicateTask
		}
		return fmt.Errorf("orchestra/mongo: enqueue task: %w", err)
	}
	return nil
}

// DequeueTasks atomically claims up to limit due tasks from the given
// queues. Uses FindOneAndUpdate for atomic claim to prevent double-delivery.
func (s *Store) DequeueTasks(ctx context.Context, queues []string, limit int) ([]*queue.Task, error) {
	t := now()
	col := s.db.Collection(colTasks)

	filter := bson.M{
		"state":  string(queue.StatePending),
		"run_at": bson.M{"$lte": t},
	}
	if len(queues) > 0 {
		filter["queue"] = bson.M{"$in": queues}
	}
	update := bson.M{
		"$set": bson.M{
			"state":        string(queue.StateRunning),
			"started_at":   t,
			"heartbeat_at": t,
			"updated_at":   t,
		},
		"$inc": bson.M{"attempt": 1},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{{Key: "run_at", Value: 1}, {Key: "_id", Value: 1}})

	var tasks []*queue.Task
	for limit <= 0 || len(tasks) < limit {
		var m taskModel
		err := col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
		if err != nil {
			if isNoDocuments(err) {
				break
			}
			return nil, fmt.Errorf("orchestra/mongo: dequeue tasks: %w", err)
		}

		task, convErr := fromTaskModel(&m)
		if convErr != nil {
			return nil, fmt.Errorf("orchestra/mongo: dequeue convert: %w", convErr)
		}
		tasks = append(tasks, task)
	}

	return tasks, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*queue.Task, error) {
	var m taskModel
	err := s.db.Collection(colTasks).FindOne(ctx, bson.M{"_id": taskID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, orchestra.ErrTaskNotFound
		}
		return nil, fmt.Errorf("orchestra/mongo: get task: %w", err)
	}
	return fromTaskModel(&m)
}

// UpdateTask persists changes to an existing task.
func (s *Store) UpdateTask(ctx context.Context, t *queue.Task) error {
	m := toTaskModel(t)
	m.UpdatedAt = now()

	res, err := s.db.Collection(colTasks).ReplaceOne(ctx, bson.M{"_id": m.ID}, m)
	if err != nil {
		return fmt.Errorf("orchestra/mongo: update task: %w", err)
	}
	if res.MatchedCount == 0 {
		return orchestra.ErrTaskNotFound
	}
	return nil
}

// HeartbeatTask updates the heartbeat timestamp for a running task.
func (s *Store) HeartbeatTask(ctx context.Context, taskID id.TaskID, workerID id.WorkerID) error {
	t := now()
	res, err := s.db.Collection(colTasks).UpdateOne(ctx,
		bson.M{"_id": taskID.String()},
		bson.M{"$set": bson.M{
			"worker_id":    workerID.String(),
			"heartbeat_at": t,
			"updated_at":   t,
		}},
	)
	if err != nil {
		return fmt.Errorf("orchestra/mongo: heartbeat task: %w", err)
	}
	if res.MatchedCount == 0 {
		return orchestra.ErrTaskNotFound
	}
	return nil
}

// ReapStaleTasks returns running tasks whose last heartbeat is older than
// the threshold.
func (s *Store) ReapStaleTasks(ctx context.Context, threshold time.Duration) ([]*queue.Task, error) {
	cutoff := now().Add(-threshold)
	cursor, err := s.db.Collection(colTasks).Find(ctx, bson.M{
		"state":        string(queue.StateRunning),
		"heartbeat_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return nil, fmt.Errorf("orchestra/mongo: reap stale tasks: %w", err)
	}
	var models []taskModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("orchestra/mongo: reap stale tasks decode: %w", err)
	}

	tasks := make([]*queue.Task, 0, len(models))
	for i := range models {
		task, convErr := fromTaskModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// ListTasks returns tasks matching opts, oldest first.
func (s *Store) ListTasks(ctx context.Context, opts queue.ListOpts) ([]*queue.Task, error) {
	filter := bson.M{}
	if opts.Queue != "" {
		filter["queue"] = opts.Queue
	}
	if opts.State != "" {
		filter["state"] = string(opts.State)
	}

	findOpts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: 1},
		{Key: "_id", Value: 1},
	})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	cursor, err := s.db.Collection(colTasks).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("orchestra/mongo: list tasks: %w", err)
	}
	var models []taskModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("orchestra/mongo: list tasks decode: %w", err)
	}

	tasks := make([]*queue.Task, 0, len(models))
	for i := range models {
		task, convErr := fromTaskModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// CountTasks returns the number of tasks matching the given options.
func (s *Store) CountTasks(ctx context.Context, opts queue.CountOpts) (int64, error) {
	filter := bson.M{}
	if opts.Queue != "" {
		filter["queue"] = opts.Queue
	}
	if opts.State != "" {
		filter["state"] = string(opts.State)
	}

	n, err := s.db.Collection(colTasks).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("orchestra/mongo: count tasks: %w", err)
	}
	return n, nil
}
