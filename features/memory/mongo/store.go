package mongo

import (
	"context"
	"errors"

	clientsmongo "pipelit.dev/pipelit/features/memory/mongo/clients/mongo"
	"pipelit.dev/pipelit/runtime/components"
	"pipelit.dev/pipelit/runtime/node"
)

// Options configures the Store wrapper.
type Options struct {
	Client clientsmongo.Client
}

// Store implements components.MemoryStore by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ components.MemoryStore = (*Store)(nil)

// NewStore builds a Mongo-backed memory store using the provided client.
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

// Load returns the transcript stored for the thread.
func (s *Store) Load(ctx context.Context, threadID string) ([]node.Message, error) {
	return s.client.LoadThread(ctx, threadID)
}

// Save replaces the thread's transcript.
func (s *Store) Save(ctx context.Context, threadID string, msgs []node.Message) error {
	return s.client.SaveThread(ctx, threadID, msgs)
}
