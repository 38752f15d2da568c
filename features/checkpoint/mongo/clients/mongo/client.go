// Package mongo implements the low-level MongoDB client used by the
// checkpoint store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"pipelit.dev/pipelit/runtime/checkpoint"
)

const (
	defaultCollection = "workflow_checkpoints"
	defaultTimeout    = 5 * time.Second
	clientName        = "checkpoint-mongo"
)

// Client exposes Mongo-backed operations for checkpoint lineages.
type Client interface {
	health.Pinger

	SaveCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error
	LatestCheckpoint(ctx context.Context, threadID string) (checkpoint.Checkpoint, error)
	ListCheckpoints(ctx context.Context, threadID string) ([]checkpoint.Checkpoint, error)
	DeleteThread(ctx context.Context, threadID string) error
}

// Options configures the Mongo client implementation.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(coll)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

// SaveCheckpoint upserts one checkpoint keyed by (thread, checkpoint id) so
// retried saves never duplicate a step.
func (c *client) SaveCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error {
	if cp.ThreadID == "" {
		return errors.New("thread id is required")
	}
	if cp.ID == "" {
		return errors.New("checkpoint id is required")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	doc := fromCheckpoint(cp)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"thread_id": doc.ThreadID, "checkpoint_id": doc.CheckpointID}
	update := bson.M{
		"$set": bson.M{
			"parent_id":  doc.ParentID,
			"step":       doc.Step,
			"source":     doc.Source,
			"blob":       doc.Blob,
			"created_at": doc.CreatedAt,
		},
		"$setOnInsert": bson.M{
			"thread_id":     doc.ThreadID,
			"checkpoint_id": doc.CheckpointID,
		},
	}
	_, err := c.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) LatestCheckpoint(ctx context.Context, threadID string) (checkpoint.Checkpoint, error) {
	if threadID == "" {
		return checkpoint.Checkpoint{}, errors.New("thread id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"thread_id": threadID}
	sort := options.FindOne().SetSort(bson.D{{Key: "step", Value: -1}})
	var doc checkpointDocument
	if err := c.coll.FindOne(ctx, filter, sort).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
		}
		return checkpoint.Checkpoint{}, err
	}
	return doc.toCheckpoint(), nil
}

func (c *client) ListCheckpoints(ctx context.Context, threadID string) ([]checkpoint.Checkpoint, error) {
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"thread_id": threadID}
	cur, err := c.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "step", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []checkpoint.Checkpoint
	for cur.Next(ctx) {
		var doc checkpointDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toCheckpoint())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return errors.New("thread id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.coll.DeleteMany(ctx, bson.M{"thread_id": threadID})
	return err
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type checkpointDocument struct {
	ThreadID     string    `bson:"thread_id"`
	CheckpointID string    `bson:"checkpoint_id"`
	ParentID     string    `bson:"parent_id,omitempty"`
	Step         int       `bson:"step"`
	Source       string    `bson:"source,omitempty"`
	Blob         []byte    `bson:"blob"`
	CreatedAt    time.Time `bson:"created_at"`
}

func fromCheckpoint(cp checkpoint.Checkpoint) checkpointDocument {
	return checkpointDocument{
		ThreadID:     cp.ThreadID,
		CheckpointID: cp.ID,
		ParentID:     cp.ParentID,
		Step:         cp.Step,
		Source:       cp.Source,
		Blob:         append([]byte(nil), cp.Blob...),
		CreatedAt:    cp.CreatedAt.UTC(),
	}
}

func (doc checkpointDocument) toCheckpoint() checkpoint.Checkpoint {
	return checkpoint.Checkpoint{
		ThreadID:  doc.ThreadID,
		ID:        doc.CheckpointID,
		ParentID:  doc.ParentID,
		Step:      doc.Step,
		Source:    doc.Source,
		Blob:      append([]byte(nil), doc.Blob...),
		CreatedAt: doc.CreatedAt.UTC(),
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	unique := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "thread_id", Value: 1}, {Key: "checkpoint_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, unique); err != nil {
		return err
	}
	byStep := mongodriver.IndexModel{
		Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "step", Value: 1}},
	}
	_, err := coll.Indexes().CreateOne(ctx, byStep)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	DeleteMany(ctx context.Context, filter any,
		opts ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any,
	opts ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
