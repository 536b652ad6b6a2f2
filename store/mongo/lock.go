package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/orchestra/id"
)

// tryLease claims the named lease when it is free or expired. A live lease
// makes the upsert collide with the existing _id.
func (s *Store) tryLease(ctx context.Context, name, token string) (bool, error) {
	t := now()
	_, err := s.db.Collection(colLocks).UpdateOne(ctx,
		bson.M{"_id": name, "expires_at": bson.M{"$lt": t}},
		bson.M{"$set": bson.M{"token": token, "expires_at": t.Add(s.lockTTL)}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("orchestra/mongo: lease %s: %w", name, err)
	}
	return true, nil
}

// withLease holds a lease document while fn runs, renewing it at a third
// of the TTL.
func (s *Store) withLease(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	col := s.db.Collection(colLocks)
	token := id.NewWorkerID().String()

	ticker := time.NewTicker(s.lockPoll)
	defer ticker.Stop()
	for {
		ok, err := s.tryLease(ctx, name, token)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(s.lockTTL / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				_, err := col.UpdateOne(context.WithoutCancel(ctx),
					bson.M{"_id": name, "token": token},
					bson.M{"$set": bson.M{"expires_at": now().Add(s.lockTTL)}},
				)
				if err != nil {
					s.logger.Warn("lease renewal failed",
						slog.String("lock", name),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()

	defer func() {
		close(stop)
		<-done
		_, err := col.DeleteOne(context.WithoutCancel(ctx), bson.M{"_id": name, "token": token})
		if err != nil {
			s.logger.Error("lease release failed",
				slog.String("lock", name),
				slog.String("error", err.Error()),
			)
		}
	}()

	return fn(ctx)
}

// WithRunLock runs fn while holding the run's lease.
func (s *Store) WithRunLock(ctx context.Context, runID id.RunID, fn func(ctx context.Context) error) error {
	return s.withLease(ctx, "run:"+runID.String(), fn)
}

// WithStepLock runs fn while holding the step's lease.
func (s *Store) WithStepLock(ctx context.Context, runID id.RunID, stepID id.StepID, fn func(ctx context.Context) error) error {
	return s.withLease(ctx, "step:"+runID.String()+":"+stepID.String(), fn)
}
