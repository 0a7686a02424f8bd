// Package mongo stores job results in a MongoDB collection. Each result
// upserts by job id, so redelivered executions overwrite rather than
// duplicate.
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

	"github.com/workroom-io/workroom"
	"github.com/workroom-io/workroom/id"
	"github.com/workroom-io/workroom/result"
)

const colJobResults = "job_results"

var _ result.Store = (*Store)(nil)

// Store is a MongoDB implementation of result.Store. The caller owns
// the client lifecycle; Store never closes it.
type Store struct {
	coll   *mongod.Collection
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a MongoDB result store on the given database.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		coll:   db.Collection(colJobResults),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureIndexes creates the collection's indexes. Call once at startup.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongod.IndexModel{
		{Keys: bson.D{{Key: "ref", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("result/mongo: create indexes: %w", err)
	}
	return nil
}

// Put stores the result body for the job, overwriting any prior result.
func (s *Store) Put(ctx context.Context, jobID id.JobID, ownerID, body string) (string, error) {
	ref := "result:" + jobID.String()
	rec := result.Record{
		Ref:       ref,
		JobID:     jobID.String(),
		OwnerID:   ownerID,
		Body:      body,
		CreatedAt: time.Now(),
	}
	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"ref": ref},
		rec,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return "", fmt.Errorf("result/mongo: put %s: %w", jobID, err)
	}
	return ref, nil
}

// Get retrieves a stored result by reference.
func (s *Store) Get(ctx context.Context, ref string) (*result.Record, error) {
	var rec result.Record
	err := s.coll.FindOne(ctx, bson.M{"ref": ref}).Decode(&rec)
	if errors.Is(err, mongod.ErrNoDocuments) {
		return nil, workroom.ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("result/mongo: get %s: %w", ref, err)
	}
	return &rec, nil
}

// Purge deletes results older than the retention window.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.coll.DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("result/mongo: purge: %w", err)
	}
	if res.DeletedCount > 0 {
		s.logger.Info("result/mongo: purged expired results",
			slog.Int64("count", res.DeletedCount))
	}
	return res.DeletedCount, nil
}
