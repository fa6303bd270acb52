// Package mongo provides the MongoDB-backed engine store.
//
// Atomic maps to a driver session transaction: every write inside the
// transaction function commits together or not at all, which is the
// property the execution model manager builds its invariants on. The store
// requires a replica set (or sharded cluster) deployment, since standalone
// MongoDB has no transactions.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/store"
)

const (
	defaultOpTimeout = 5 * time.Second
	clientName       = "engine-mongo"

	colCounters = "counters"
)

type (
	// Store is the MongoDB engine store. It implements store.Store and
	// clue's health.Pinger.
	Store struct {
		client  *mongodriver.Client
		db      *mongodriver.Database
		timeout time.Duration
	}

	// Options configures the store.
	Options struct {
		// Client is the connected driver client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Timeout bounds individual setup operations.
		Timeout time.Duration
	}
)

// New returns a Store and ensures its indexes.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Store{
		client:  opts.Client,
		db:      opts.Client.Database(opts.Database),
		timeout: timeout,
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.ensureIndexes(ictx); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Ping(ctx, readpref.Primary())
}

// Atomic implements store.Store. The transaction function runs inside a
// driver session transaction; the driver retries transient commit failures.
func (s *Store) Atomic(ctx context.Context, fn func(tx store.Tx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return translate(err)
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		return nil, fn(&tx{db: s.db, ctx: txCtx})
	})
	return translate(err)
}

// View implements store.Store. Reads run outside a transaction against the
// primary; the engine's single-writer-per-workflow discipline makes
// snapshot isolation unnecessary for its read paths.
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return translate(fn(&tx{db: s.db, ctx: ctx, readOnly: true}))
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	type spec struct {
		col    string
		keys   bson.D
		unique bool
	}
	specs := []spec{
		{col: colWorkflows, keys: bson.D{{Key: "status", Value: 1}}},
		{col: colScripts, keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "major_version", Value: -1}, {Key: "minor_version", Value: -1}}, unique: true},
		{col: colScriptRuns, keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "ended_at", Value: 1}}},
		{col: colHandlerRuns, keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "status", Value: 1}}},
		{col: colHandlerRuns, keys: bson.D{{Key: "script_run_id", Value: 1}}},
		{col: colMutations, keys: bson.D{{Key: "handler_run_id", Value: 1}}, unique: true},
		{col: colEvents, keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "topic", Value: 1}, {Key: "message_id", Value: 1}}, unique: true},
		{col: colEvents, keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "topic", Value: 1}, {Key: "status", Value: 1}, {Key: "seq", Value: 1}}},
		{col: colEvents, keys: bson.D{{Key: "reserved_by", Value: 1}}},
		{col: colInputs, keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "source", Value: 1}, {Key: "type", Value: 1}, {Key: "external_id", Value: 1}}, unique: true},
		{col: colSchedules, keys: bson.D{{Key: "workflow_id", Value: 1}}},
		{col: colHandlerStates, keys: bson.D{{Key: "workflow_id", Value: 1}}},
	}
	for _, sp := range specs {
		model := mongodriver.IndexModel{Keys: sp.keys}
		if sp.unique {
			model.Options = options.Index().SetUnique(true)
		}
		if _, err := s.db.Collection(sp.col).Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("collection %s: %w", sp.col, err)
		}
	}
	return nil
}

// translate maps driver errors into the store error taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongodriver.ErrNoDocuments):
		return fmt.Errorf("%w: %v", store.ErrNotFound, err)
	case mongodriver.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	case mongodriver.IsTimeout(err):
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrReadOnly),
		errors.Is(err, store.ErrUnavailable):
		return err
	default:
		return err
	}
}
