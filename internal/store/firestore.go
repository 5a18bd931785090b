package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore adapts a Firestore client to the Store interface.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore wraps an initialized Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

func (s *FirestoreStore) Get(ctx context.Context, path string) (Document, error) {
	snap, err := s.client.Doc(path).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return Document{}, err
	}
	return Document{Path: path, Data: snap.Data()}, nil
}

func (s *FirestoreStore) Query(ctx context.Context, q Query) ([]Document, error) {
	snaps, err := s.buildQuery(q).Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(snaps))
	for _, snap := range snaps {
		docs = append(docs, snapshotDocument(snap))
	}
	return docs, nil
}

func (s *FirestoreStore) Subscribe(ctx context.Context, q Query) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &firestoreSubscription{
		ch:   make(chan []Document, 1),
		done: make(chan struct{}),
	}
	go sub.run(ctx, s.buildQuery(q).Snapshots(ctx))
	return sub, nil
}

func (s *FirestoreStore) Write(ctx context.Context, w Write) error {
	data, opts := firestoreWrite(w)
	_, err := s.client.Doc(w.Path).Set(ctx, data, opts...)
	return err
}

func (s *FirestoreStore) Delete(ctx context.Context, path string) error {
	_, err := s.client.Doc(path).Delete(ctx)
	return err
}

func (s *FirestoreStore) RunBatch(ctx context.Context, writes []Write) error {
	batch := s.client.Batch()
	for _, w := range writes {
		data, opts := firestoreWrite(w)
		batch.Set(s.client.Doc(w.Path), data, opts...)
	}
	_, err := batch.Commit(ctx)
	return err
}

func (s *FirestoreStore) NewID(collection string) string {
	return s.client.Collection(collection).NewDoc().ID
}

func (s *FirestoreStore) buildQuery(q Query) firestore.Query {
	fq := s.client.Collection(q.Collection).Query
	for _, f := range q.Filters {
		fq = fq.Where(f.Field, string(f.Op), f.Value)
	}
	for _, o := range q.OrderBy {
		dir := firestore.Asc
		if o.Desc {
			dir = firestore.Desc
		}
		fq = fq.OrderBy(o.Field, dir)
	}
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit)
	}
	return fq
}

// firestoreWrite expands dotted field paths into nested maps and maps the
// sentinel values onto Firestore transforms.
func firestoreWrite(w Write) (map[string]any, []firestore.SetOption) {
	data := make(map[string]any)
	for key, value := range w.Fields {
		setField(data, key, firestoreValue(value))
	}
	if w.Merge {
		return data, []firestore.SetOption{firestore.MergeAll}
	}
	return data, nil
}

func firestoreValue(value any) any {
	switch v := value.(type) {
	case serverTimestamp:
		return firestore.ServerTimestamp
	case incrementValue:
		return firestore.Increment(v.By)
	case arrayUnion:
		return firestore.ArrayUnion(v.Values...)
	case arrayRemove:
		return firestore.ArrayRemove(v.Values...)
	default:
		return value
	}
}

func snapshotDocument(snap *firestore.DocumentSnapshot) Document {
	path := snap.Ref.Path
	if idx := strings.Index(path, "/documents/"); idx >= 0 {
		path = path[idx+len("/documents/"):]
	}
	return Document{Path: path, Data: snap.Data()}
}

type firestoreSubscription struct {
	ch   chan []Document
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func (f *firestoreSubscription) Snapshots() <-chan []Document { return f.ch }

func (f *firestoreSubscription) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *firestoreSubscription) Stop() {
	f.once.Do(func() { close(f.done) })
}

func (f *firestoreSubscription) run(ctx context.Context, it *firestore.QuerySnapshotIterator) {
	defer it.Stop()
	defer close(f.ch)
	for {
		select {
		case <-f.done:
			return
		case <-ctx.Done():
			f.setErr(ctx.Err())
			return
		default:
		}
		qs, err := it.Next()
		if err != nil {
			f.setErr(err)
			return
		}
		snaps, err := qs.Documents.GetAll()
		if err != nil {
			f.setErr(err)
			return
		}
		docs := make([]Document, 0, len(snaps))
		for _, snap := range snaps {
			docs = append(docs, snapshotDocument(snap))
		}
		// Coalesce undelivered snapshots.
		select {
		case <-f.ch:
		default:
		}
		select {
		case f.ch <- docs:
		case <-f.done:
			return
		case <-ctx.Done():
			f.setErr(ctx.Err())
			return
		}
	}
}

func (f *firestoreSubscription) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}
