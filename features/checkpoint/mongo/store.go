package mongo

import (
	"context"
	"errors"

	clientsmongo "pipelit.dev/pipelit/features/checkpoint/mongo/clients/mongo"
	"pipelit.dev/pipelit/runtime/checkpoint"
)

// Options configures the Store wrapper.
type Options struct {
	Client clientsmongo.Client
}

// Store implements checkpoint.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ checkpoint.Store = (*Store)(nil)

// NewStore builds a Mongo-backed checkpoint store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo is a helper that instantiates the underlying client using
// the given options.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// Save persists one checkpoint.
func (s *Store) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	return s.client.SaveCheckpoint(ctx, cp)
}

// Latest returns the newest checkpoint of a thread.
func (s *Store) Latest(ctx context.Context, threadID string) (checkpoint.Checkpoint, error) {
	return s.client.LatestCheckpoint(ctx, threadID)
}

// List returns a thread's checkpoints in step order.
func (s *Store) List(ctx context.Context, threadID string) ([]checkpoint.Checkpoint, error) {
	return s.client.ListCheckpoints(ctx, threadID)
}

// Delete removes a thread's checkpoints.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	return s.client.DeleteThread(ctx, threadID)
}
