package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/version"
	"github.com/xraph/orchestra/workflow"
)

// Collection name constants.
const (
	colRuns     = "orchestra_runs"
	colRunState = "orchestra_run_state"
	colSteps    = "orchestra_steps"
	colVersions = "orchestra_workflow_versions"
	colTasks    = "orchestra_tasks"
	colCounters = "orchestra_counters"
	colLocks    = "orchestra_locks"
)

// DefaultLockTTL bounds how long a lease survives a crashed holder.
const DefaultLockTTL = 30 * time.Second

// maxRevRetries caps optimistic update retries under contention.
const maxRevRetries = 16

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ workflow.Store = (*Store)(nil)
	_ version.Store  = (*Store)(nil)
	_ queue.Store    = (*Store)(nil)
)

// Store is a MongoDB implementation of the store using the official v2
// driver. When built with New the caller owns the database handle; a Store
// from Connect disconnects its client on Close.
type Store struct {
	db       *mongod.Database
	client   *mongod.Client
	logger   *slog.Logger
	lockTTL  time.Duration
	lockPoll time.Duration
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithLockTTL sets the lease duration of run and step locks. Held leases
// are renewed at a third of the TTL.
func WithLockTTL(d time.Duration) Option {
	return func(s *Store) { s.lockTTL = d }
}

// WithLockPollInterval sets how often a blocked lock retries.
func WithLockPollInterval(d time.Duration) Option {
	return func(s *Store) { s.lockPoll = d }
}

// New creates a new MongoDB store on db. The caller owns the client
// lifecycle; Close will not disconnect it.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:       db,
		logger:   slog.Default(),
		lockTTL:  DefaultLockTTL,
		lockPoll: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials uri and returns a Store on the named database. The Store
// owns the client and disconnects it on Close.
func Connect(ctx context.Context, uri, database string, opts ...Option) (*Store, error) {
	client, err := mongod.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("orchestra/mongo: connect: %w", err)
	}
	s := New(client.Database(database), opts...)
	s.client = client
	if err := s.Ping(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// DB returns the underlying database handle for advanced usage.
func (s *Store) DB() *mongod.Database {
	return s.db
}

// Migrate creates indexes for all orchestra collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}

		_, err := s.db.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("orchestra/mongo: migrate %s indexes: %w", col, err)
		}
	}

	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Err(); err != nil {
		return fmt.Errorf("orchestra/mongo: ping: %w", err)
	}
	return nil
}

// Close disconnects the client when the Store owns it.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(context.Background())
}

// ── helpers ──────────────────────────────────────────────────────

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	return mongod.IsDuplicateKeyError(err)
}

// nextSeq hands out increasing sequence numbers per counter name.
func (s *Store) nextSeq(ctx context.Context, name string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.db.Collection(colCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("orchestra/mongo: next sequence %s: %w", name, err)
	}
	return doc.Seq, nil
}

// migrationIndexes returns the index definitions for all orchestra collections.
func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		colRuns: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "workflow_name", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colRunState: {
			{
				Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "key", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colSteps: {
			// One step per name within a run.
			{
				Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "seq", Value: 1}}},
		},
		colVersions: {
			{
				Keys:    bson.D{{Key: "workflow_name", Value: 1}, {Key: "graph_hash", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colTasks: {
			// Dequeue index: state + queue + run_at.
			{Keys: bson.D{
				{Key: "state", Value: 1},
				{Key: "queue", Value: 1},
				{Key: "run_at", Value: 1},
			}},
			// Heartbeat index for reaping stale tasks.
			{Keys: bson.D{
				{Key: "state", Value: 1},
				{Key: "heartbeat_at", Value: 1},
			}},
		},
	}
}
