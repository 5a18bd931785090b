package store

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and by the memory
// backend mode. Writes are applied under one lock, so RunBatch is truly
// atomic here.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]map[string]any
	subs map[*memorySubscription]struct{}
	now  func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]map[string]any),
		subs: make(map[*memorySubscription]struct{}),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the server-timestamp source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Get(ctx context.Context, path string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.docs[path]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return Document{Path: path, Data: deepCopy(data)}, nil
}

func (s *MemoryStore) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryLocked(q), nil
}

func (s *MemoryStore) queryLocked(q Query) []Document {
	var out []Document
	prefix := q.Collection + "/"
	for path, data := range s.docs {
		if !strings.HasPrefix(path, prefix) || strings.ContainsRune(path[len(prefix):], '/') {
			continue
		}
		if matchesFilters(data, q.Filters) {
			out = append(out, Document{Path: path, Data: deepCopy(data)})
		}
	}
	sortDocs(out, q.OrderBy)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (s *MemoryStore) Subscribe(ctx context.Context, q Query) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &memorySubscription{
		store:   s,
		query:   q,
		ch:      make(chan []Document, 1),
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	go sub.run(ctx)
	sub.wake()
	return sub, nil
}

func (s *MemoryStore) Write(ctx context.Context, w Write) error {
	return s.RunBatch(ctx, []Write{w})
}

func (s *MemoryStore) RunBatch(ctx context.Context, writes []Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	for _, w := range writes {
		s.applyLocked(w)
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.docs, path)
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *MemoryStore) NewID(string) string { return uuid.NewString() }

func (s *MemoryStore) applyLocked(w Write) {
	data := s.docs[w.Path]
	if data == nil || !w.Merge {
		data = make(map[string]any)
	}
	for key, value := range w.Fields {
		setField(data, key, s.resolveLocked(data, key, value))
	}
	s.docs[w.Path] = data
}

func (s *MemoryStore) resolveLocked(data map[string]any, key string, value any) any {
	switch v := value.(type) {
	case serverTimestamp:
		return s.now()
	case incrementValue:
		current, _ := numeric(getField(data, key))
		return current + v.By
	case arrayUnion:
		existing := toSlice(getField(data, key))
		for _, add := range v.Values {
			found := false
			for _, have := range existing {
				if reflect.DeepEqual(have, add) {
					found = true
					break
				}
			}
			if !found {
				existing = append(existing, add)
			}
		}
		return existing
	case arrayRemove:
		existing := toSlice(getField(data, key))
		kept := existing[:0]
		for _, have := range existing {
			remove := false
			for _, drop := range v.Values {
				if reflect.DeepEqual(have, drop) {
					remove = true
					break
				}
			}
			if !remove {
				kept = append(kept, have)
			}
		}
		return append([]any(nil), kept...)
	default:
		return value
	}
}

func (s *MemoryStore) notify() {
	s.mu.Lock()
	subs := make([]*memorySubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.wake()
	}
}

type memorySubscription struct {
	store   *MemoryStore
	query   Query
	ch      chan []Document
	trigger chan struct{}
	done    chan struct{}
	once    sync.Once
	err     error
}

func (m *memorySubscription) Snapshots() <-chan []Document { return m.ch }
func (m *memorySubscription) Err() error                   { return m.err }

func (m *memorySubscription) Stop() {
	m.once.Do(func() { close(m.done) })
}

func (m *memorySubscription) wake() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

func (m *memorySubscription) run(ctx context.Context) {
	defer func() {
		m.store.mu.Lock()
		delete(m.store.subs, m)
		m.store.mu.Unlock()
		close(m.ch)
	}()
	for {
		select {
		case <-ctx.Done():
			m.err = ctx.Err()
			return
		case <-m.done:
			return
		case <-m.trigger:
		}
		m.store.mu.Lock()
		docs := m.store.queryLocked(m.query)
		m.store.mu.Unlock()
		// Coalesce: replace an undelivered snapshot with the newer one.
		select {
		case <-m.ch:
		default:
		}
		select {
		case m.ch <- docs:
		case <-ctx.Done():
			m.err = ctx.Err()
			return
		case <-m.done:
			return
		}
	}
}

// Field-path helpers shared with query evaluation.

func setField(data map[string]any, key string, value any) {
	parts := strings.Split(key, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := data[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			data[part] = next
		}
		data = next
	}
	data[parts[len(parts)-1]] = value
}

func getField(data map[string]any, key string) any {
	parts := strings.Split(key, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

func matchesFilters(data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		if !matchesFilter(data, f) {
			return false
		}
	}
	return true
}

func matchesFilter(data map[string]any, f Filter) bool {
	value := getField(data, f.Field)
	switch f.Op {
	case OpEqual:
		return looseEqual(value, f.Value)
	case OpNotEqual:
		return !looseEqual(value, f.Value)
	case OpIn:
		for _, candidate := range toSlice(f.Value) {
			if looseEqual(value, candidate) {
				return true
			}
		}
		return false
	case OpArrayContains:
		for _, element := range toSlice(value) {
			if looseEqual(element, f.Value) {
				return true
			}
		}
		return false
	case OpGreaterEqual:
		cmp, ok := compareValues(value, f.Value)
		return ok && cmp >= 0
	case OpLess:
		cmp, ok := compareValues(value, f.Value)
		return ok && cmp < 0
	default:
		return false
	}
}

func looseEqual(a, b any) bool {
	if cmp, ok := compareValues(a, b); ok {
		return cmp == 0
	}
	return reflect.DeepEqual(a, b)
}

func compareValues(a, b any) (int, bool) {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case at.Before(bt):
			return -1, true
		case at.After(bt):
			return 1, true
		default:
			return 0, true
		}
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	an, aok := numeric(a)
	bn, bok := numeric(b)
	if aok && bok {
		switch {
		case an < bn:
			return -1, true
		case an > bn:
			return 1, true
		default:
			return 0, true
		}
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if ab == bb {
			return 0, true
		}
		if !ab {
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func numeric(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func toSlice(v any) []any {
	switch s := v.(type) {
	case nil:
		return nil
	case []any:
		return append([]any(nil), s...)
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	default:
		return nil
	}
}

func sortDocs(docs []Document, orders []Order) {
	if len(orders) == 0 {
		sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
		return
	}
	sort.Slice(docs, func(i, j int) bool {
		for _, o := range orders {
			cmp, ok := compareValues(getField(docs[i].Data, o.Field), getField(docs[j].Data, o.Field))
			if !ok || cmp == 0 {
				continue
			}
			if o.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return docs[i].Path < docs[j].Path
	})
}

func deepCopy(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
