package mongo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"pipelit.dev/pipelit/runtime/checkpoint"
)

func TestEnsureIndexes(t *testing.T) {
	fc := newFakeCollection()
	err := ensureIndexes(context.Background(), fc)
	require.NoError(t, err)
	require.Len(t, fc.indexes, 2)
	require.True(t, indexIsUnique(t, fc.indexes[0]))
	require.False(t, indexIsUnique(t, fc.indexes[1]))
}

func TestSaveRequiresIdentifiers(t *testing.T) {
	client := mustNewTestClient()
	err := client.SaveCheckpoint(context.Background(), checkpoint.Checkpoint{ID: "cp1"})
	require.EqualError(t, err, "thread id is required")
	err = client.SaveCheckpoint(context.Background(), checkpoint.Checkpoint{ThreadID: "th"})
	require.EqualError(t, err, "checkpoint id is required")
}

func TestLatestMissingThreadReturnsNotFound(t *testing.T) {
	client := mustNewTestClient()
	_, err := client.LatestCheckpoint(context.Background(), "th")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestSaveThenLatestPicksHighestStep(t *testing.T) {
	client := mustNewTestClient()
	for _, cp := range []checkpoint.Checkpoint{
		{ThreadID: "th", ID: "cp1", Step: 1, Blob: []byte("one")},
		{ThreadID: "th", ID: "cp3", Step: 3, ParentID: "cp2", Blob: []byte("three")},
		{ThreadID: "th", ID: "cp2", Step: 2, ParentID: "cp1", Blob: []byte("two")},
	} {
		require.NoError(t, client.SaveCheckpoint(context.Background(), cp))
	}

	latest, err := client.LatestCheckpoint(context.Background(), "th")
	require.NoError(t, err)
	require.Equal(t, "cp3", latest.ID)
	require.Equal(t, 3, latest.Step)
	require.Equal(t, "cp2", latest.ParentID)
	require.Equal(t, []byte("three"), latest.Blob)
}

func TestSaveIsIdempotentPerCheckpointID(t *testing.T) {
	client := mustNewTestClient()
	cp := checkpoint.Checkpoint{ThreadID: "th", ID: "cp1", Step: 1, Blob: []byte("v1")}
	require.NoError(t, client.SaveCheckpoint(context.Background(), cp))
	cp.Blob = []byte("v2")
	require.NoError(t, client.SaveCheckpoint(context.Background(), cp))

	cps, err := client.ListCheckpoints(context.Background(), "th")
	require.NoError(t, err)
	require.Len(t, cps, 1)
	require.Equal(t, []byte("v2"), cps[0].Blob)
}

func TestListReturnsStepOrder(t *testing.T) {
	client := mustNewTestClient()
	for _, cp := range []checkpoint.Checkpoint{
		{ThreadID: "th", ID: "cp3", Step: 3},
		{ThreadID: "th", ID: "cp1", Step: 1},
		{ThreadID: "th", ID: "cp2", Step: 2},
		{ThreadID: "other", ID: "cp9", Step: 9},
	} {
		require.NoError(t, client.SaveCheckpoint(context.Background(), cp))
	}

	cps, err := client.ListCheckpoints(context.Background(), "th")
	require.NoError(t, err)
	require.Len(t, cps, 3)
	for i, want := range []int{1, 2, 3} {
		require.Equal(t, want, cps[i].Step)
	}
}

func TestDeleteThreadScopesToThread(t *testing.T) {
	client := mustNewTestClient()
	require.NoError(t, client.SaveCheckpoint(context.Background(), checkpoint.Checkpoint{ThreadID: "th", ID: "cp1", Step: 1}))
	require.NoError(t, client.SaveCheckpoint(context.Background(), checkpoint.Checkpoint{ThreadID: "other", ID: "cp1", Step: 1}))

	require.NoError(t, client.DeleteThread(context.Background(), "th"))

	_, err := client.LatestCheckpoint(context.Background(), "th")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
	latest, err := client.LatestCheckpoint(context.Background(), "other")
	require.NoError(t, err)
	require.Equal(t, "cp1", latest.ID)
}

func TestSaveDefaultsCreatedAt(t *testing.T) {
	client := mustNewTestClient()
	require.NoError(t, client.SaveCheckpoint(context.Background(), checkpoint.Checkpoint{ThreadID: "th", ID: "cp1", Step: 1}))

	latest, err := client.LatestCheckpoint(context.Background(), "th")
	require.NoError(t, err)
	require.False(t, latest.CreatedAt.IsZero())
}

func mustNewTestClient() *client {
	fc := newFakeCollection()
	cl, err := newClientWithCollection(nil, fc, time.Second)
	if err != nil {
		panic(err)
	}
	return cl
}

func indexIsUnique(t *testing.T, model mongodriver.IndexModel) bool {
	t.Helper()
	if model.Options == nil {
		return false
	}
	var io options.IndexOptions
	for _, fn := range model.Options.List() {
		require.NoError(t, fn(&io))
	}
	return io.Unique != nil && *io.Unique
}

// fakeCollection is a lightweight in-memory collection that mimics the subset
// of MongoDB behavior exercised by the client, including step-sorted reads.
type fakeCollection struct {
	mu      sync.Mutex
	indexes []mongodriver.IndexModel
	docs    []*checkpointDocument
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{}
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	matches := c.byThread(threadOf(filter))
	if len(matches) == 0 {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	var fo options.FindOneOptions
	foldOptions(opts, &fo)
	sortByStep(matches, stepDirection(fo.Sort))
	clone := *matches[0]
	return fakeSingleResult{doc: &clone}
}

func (c *fakeCollection) Find(_ context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	matches := c.byThread(threadOf(filter))
	var fo options.FindOptions
	foldOptions(opts, &fo)
	sortByStep(matches, stepDirection(fo.Sort))
	docs := make([]checkpointDocument, len(matches))
	for i, doc := range matches {
		docs[i] = *doc
	}
	return &fakeCursor{docs: docs}, nil
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter any, update any,
	_ ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, _ := filter.(bson.M)
	thread, _ := f["thread_id"].(string)
	id, _ := f["checkpoint_id"].(string)
	var doc *checkpointDocument
	for _, existing := range c.docs {
		if existing.ThreadID == thread && existing.CheckpointID == id {
			doc = existing
			break
		}
	}
	inserted := false
	if doc == nil {
		doc = &checkpointDocument{}
		c.docs = append(c.docs, doc)
		inserted = true
	}
	up, _ := update.(bson.M)
	if soi, ok := up["$setOnInsert"].(bson.M); ok && inserted {
		if v, ok := soi["thread_id"].(string); ok {
			doc.ThreadID = v
		}
		if v, ok := soi["checkpoint_id"].(string); ok {
			doc.CheckpointID = v
		}
	}
	if set, ok := up["$set"].(bson.M); ok {
		if v, ok := set["parent_id"].(string); ok {
			doc.ParentID = v
		}
		if v, ok := set["step"].(int); ok {
			doc.Step = v
		}
		if v, ok := set["source"].(string); ok {
			doc.Source = v
		}
		if v, ok := set["blob"].([]byte); ok {
			doc.Blob = append([]byte(nil), v...)
		}
		if v, ok := set["created_at"].(time.Time); ok {
			doc.CreatedAt = v
		}
	}
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeCollection) DeleteMany(_ context.Context, filter any,
	_ ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	thread := threadOf(filter)
	var kept []*checkpointDocument
	var deleted int64
	for _, doc := range c.docs {
		if doc.ThreadID == thread {
			deleted++
			continue
		}
		kept = append(kept, doc)
	}
	c.docs = kept
	return &mongodriver.DeleteResult{DeletedCount: deleted}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{parent: c}
}

func (c *fakeCollection) byThread(thread string) []*checkpointDocument {
	var out []*checkpointDocument
	for _, doc := range c.docs {
		if doc.ThreadID == thread {
			out = append(out, doc)
		}
	}
	return out
}

type fakeIndexView struct {
	parent *fakeCollection
}

func (v fakeIndexView) CreateOne(_ context.Context, model mongodriver.IndexModel,
	_ ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	if len(model.Keys.(bson.D)) == 0 {
		return "", errors.New("missing keys")
	}
	v.parent.mu.Lock()
	v.parent.indexes = append(v.parent.indexes, model)
	v.parent.mu.Unlock()
	return "idx_thread_step", nil
}

type fakeSingleResult struct {
	doc *checkpointDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	dest, ok := val.(*checkpointDocument)
	if !ok {
		return errors.New("unsupported decode target")
	}
	*dest = *r.doc
	return nil
}

type fakeCursor struct {
	docs []checkpointDocument
	idx  int
}

func (c *fakeCursor) Close(context.Context) error { return nil }

func (c *fakeCursor) Decode(val any) error {
	dest, ok := val.(*checkpointDocument)
	if !ok {
		return errors.New("unsupported decode target")
	}
	*dest = c.docs[c.idx-1]
	return nil
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Next(context.Context) bool {
	if c.idx >= len(c.docs) {
		return false
	}
	c.idx++
	return true
}

func threadOf(filter any) string {
	f, _ := filter.(bson.M)
	thread, _ := f["thread_id"].(string)
	return thread
}

func foldOptions[T any](opts []options.Lister[T], into *T) {
	for _, l := range opts {
		if l == nil {
			continue
		}
		for _, fn := range l.List() {
			_ = fn(into)
		}
	}
}

func stepDirection(sortSpec any) int {
	d, ok := sortSpec.(bson.D)
	if !ok {
		return 1
	}
	for _, e := range d {
		if e.Key != "step" {
			continue
		}
		if v, ok := e.Value.(int); ok {
			return v
		}
	}
	return 1
}

func sortByStep(docs []*checkpointDocument, dir int) {
	sort.SliceStable(docs, func(i, j int) bool {
		if dir < 0 {
			return docs[i].Step > docs[j].Step
		}
		return docs[i].Step < docs[j].Step
	})
}
