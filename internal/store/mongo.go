package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore adapts a MongoDB database to the Store interface. Nested
// collection paths ("conversations/{id}/messages") are flattened to a
// "<root>_<sub>" collection carrying the parent id in a _parent field.
type MongoStore struct {
	db *mongo.Database
}

// NewMongoStore wraps a connected Mongo database.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

type mongoLocation struct {
	collection string
	parent     string
	id         string
}

func splitDocPath(path string) (mongoLocation, error) {
	parts := strings.Split(path, "/")
	switch len(parts) {
	case 2:
		return mongoLocation{collection: parts[0], id: parts[1]}, nil
	case 4:
		return mongoLocation{collection: parts[0] + "_" + parts[2], parent: parts[1], id: parts[3]}, nil
	default:
		return mongoLocation{}, fmt.Errorf("store: unsupported document path %q", path)
	}
}

func splitCollectionPath(path string) (mongoLocation, error) {
	parts := strings.Split(path, "/")
	switch len(parts) {
	case 1:
		return mongoLocation{collection: parts[0]}, nil
	case 3:
		return mongoLocation{collection: parts[0] + "_" + parts[2], parent: parts[1]}, nil
	default:
		return mongoLocation{}, fmt.Errorf("store: unsupported collection path %q", path)
	}
}

func (l mongoLocation) docPath(id string) string {
	if l.parent == "" {
		return l.collection + "/" + id
	}
	root, sub, _ := strings.Cut(l.collection, "_")
	return root + "/" + l.parent + "/" + sub + "/" + id
}

func (s *MongoStore) Get(ctx context.Context, path string) (Document, error) {
	loc, err := splitDocPath(path)
	if err != nil {
		return Document{}, err
	}
	var raw bson.M
	err = s.db.Collection(loc.collection).FindOne(ctx, bson.M{"_id": loc.id}).Decode(&raw)
	if err == mongo.ErrNoDocuments {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return Document{}, err
	}
	return Document{Path: path, Data: normalizeBson(raw)}, nil
}

func (s *MongoStore) Query(ctx context.Context, q Query) ([]Document, error) {
	loc, filter, findOpts, err := s.buildQuery(q)
	if err != nil {
		return nil, err
	}
	cursor, err := s.db.Collection(loc.collection).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var rows []bson.M
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(rows))
	for _, raw := range rows {
		data := normalizeBson(raw)
		id, _ := data["_id"].(string)
		delete(data, "_id")
		delete(data, "_parent")
		docs = append(docs, Document{Path: loc.docPath(id), Data: data})
	}
	return docs, nil
}

func (s *MongoStore) Subscribe(ctx context.Context, q Query) (Subscription, error) {
	loc, _, _, err := s.buildQuery(q)
	if err != nil {
		return nil, err
	}
	stream, err := s.db.Collection(loc.collection).Watch(ctx, mongo.Pipeline{},
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("store: open change stream: %w", err)
	}
	sub := &mongoSubscription{
		store: s,
		query: q,
		ch:    make(chan []Document, 1),
		done:  make(chan struct{}),
	}
	go sub.run(ctx, stream)
	return sub, nil
}

func (s *MongoStore) Write(ctx context.Context, w Write) error {
	loc, err := splitDocPath(w.Path)
	if err != nil {
		return err
	}
	coll := s.db.Collection(loc.collection)
	if !w.Merge {
		doc := bson.M{"_id": loc.id}
		if loc.parent != "" {
			doc["_parent"] = loc.parent
		}
		for key, value := range w.Fields {
			doc[key] = resolveMongoValue(value)
		}
		_, err = coll.ReplaceOne(ctx, bson.M{"_id": loc.id}, doc, options.Replace().SetUpsert(true))
		return err
	}
	update := mongoUpdate(w.Fields)
	if loc.parent != "" {
		update.setOnInsert["_parent"] = loc.parent
	}
	_, err = coll.UpdateOne(ctx, bson.M{"_id": loc.id}, update.document(), options.Update().SetUpsert(true))
	return err
}

func (s *MongoStore) Delete(ctx context.Context, path string) error {
	loc, err := splitDocPath(path)
	if err != nil {
		return err
	}
	_, err = s.db.Collection(loc.collection).DeleteOne(ctx, bson.M{"_id": loc.id})
	return err
}

// RunBatch applies writes sequentially. Standalone Mongo deployments have
// no multi-document transaction, so a failure mid-batch leaves earlier
// writes in place; callers issue corrective follow-ups.
func (s *MongoStore) RunBatch(ctx context.Context, writes []Write) error {
	for _, w := range writes {
		if err := s.Write(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

func (s *MongoStore) NewID(string) string { return primitive.NewObjectID().Hex() }

func (s *MongoStore) buildQuery(q Query) (mongoLocation, bson.M, *options.FindOptions, error) {
	loc, err := splitCollectionPath(q.Collection)
	if err != nil {
		return mongoLocation{}, nil, nil, err
	}
	filter := bson.M{}
	if loc.parent != "" {
		filter["_parent"] = loc.parent
	}
	for _, f := range q.Filters {
		switch f.Op {
		case OpEqual, OpArrayContains:
			filter[f.Field] = f.Value
		case OpNotEqual:
			filter[f.Field] = bson.M{"$ne": f.Value}
		case OpIn:
			filter[f.Field] = bson.M{"$in": toSlice(f.Value)}
		case OpGreaterEqual:
			filter[f.Field] = bson.M{"$gte": f.Value}
		case OpLess:
			filter[f.Field] = bson.M{"$lt": f.Value}
		default:
			return mongoLocation{}, nil, nil, fmt.Errorf("store: unsupported operator %q", f.Op)
		}
	}
	findOpts := options.Find()
	if len(q.OrderBy) > 0 {
		sort := bson.D{}
		for _, o := range q.OrderBy {
			dir := 1
			if o.Desc {
				dir = -1
			}
			sort = append(sort, bson.E{Key: o.Field, Value: dir})
		}
		findOpts.SetSort(sort)
	}
	if q.Limit > 0 {
		findOpts.SetLimit(int64(q.Limit))
	}
	return loc, filter, findOpts, nil
}

type mongoUpdateDoc struct {
	set         bson.M
	inc         bson.M
	addToSet    bson.M
	pull        bson.M
	currentDate bson.M
	setOnInsert bson.M
}

func mongoUpdate(fields map[string]any) *mongoUpdateDoc {
	u := &mongoUpdateDoc{
		set: bson.M{}, inc: bson.M{}, addToSet: bson.M{}, pull: bson.M{},
		currentDate: bson.M{}, setOnInsert: bson.M{},
	}
	for key, value := range fields {
		switch v := value.(type) {
		case serverTimestamp:
			u.currentDate[key] = true
		case incrementValue:
			u.inc[key] = v.By
		case arrayUnion:
			u.addToSet[key] = bson.M{"$each": v.Values}
		case arrayRemove:
			u.pull[key] = bson.M{"$in": v.Values}
		default:
			u.set[key] = value
		}
	}
	return u
}

func (u *mongoUpdateDoc) document() bson.M {
	out := bson.M{}
	for op, doc := range map[string]bson.M{
		"$set": u.set, "$inc": u.inc, "$addToSet": u.addToSet,
		"$pull": u.pull, "$currentDate": u.currentDate, "$setOnInsert": u.setOnInsert,
	} {
		if len(doc) > 0 {
			out[op] = doc
		}
	}
	return out
}

func resolveMongoValue(value any) any {
	switch v := value.(type) {
	case serverTimestamp:
		return time.Now().UTC()
	case incrementValue:
		return v.By
	case arrayUnion:
		return v.Values
	case arrayRemove:
		return []any{}
	default:
		return value
	}
}

func normalizeBson(value bson.M) map[string]any {
	out := make(map[string]any, len(value))
	for k, v := range value {
		out[k] = normalizeBsonValue(v)
	}
	return out
}

func normalizeBsonValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		return normalizeBson(t)
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalizeBsonValue(e.Value)
		}
		return m
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeBsonValue(e)
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.ObjectID:
		return t.Hex()
	case int32:
		return int64(t)
	default:
		return v
	}
}

type mongoSubscription struct {
	store *MongoStore
	query Query
	ch    chan []Document
	done  chan struct{}
	once  sync.Once
	mu    sync.Mutex
	err   error
}

func (m *mongoSubscription) Snapshots() <-chan []Document { return m.ch }

func (m *mongoSubscription) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *mongoSubscription) Stop() {
	m.once.Do(func() { close(m.done) })
}

// run re-runs the query after every change-stream event. The full
// re-query keeps snapshot semantics identical to the other backends.
func (m *mongoSubscription) run(ctx context.Context, stream *mongo.ChangeStream) {
	defer stream.Close(context.Background())
	defer close(m.ch)
	if !m.deliver(ctx) {
		return
	}
	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			m.setErr(ctx.Err())
			return
		default:
		}
		if !stream.Next(ctx) {
			m.setErr(stream.Err())
			return
		}
		if !m.deliver(ctx) {
			return
		}
	}
}

func (m *mongoSubscription) deliver(ctx context.Context) bool {
	docs, err := m.store.Query(ctx, m.query)
	if err != nil {
		m.setErr(err)
		return false
	}
	select {
	case <-m.ch:
	default:
	}
	select {
	case m.ch <- docs:
		return true
	case <-m.done:
		return false
	case <-ctx.Done():
		m.setErr(ctx.Err())
		return false
	}
}

func (m *mongoSubscription) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}
