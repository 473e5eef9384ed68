package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used by tests and single-node local runs.
// Writes are applied under one lock; subscription callbacks are delivered
// from a per-subscription pump goroutine so that a callback may freely
// re-enter the store (or the component that owns it) without deadlocking.
// Per-subscription delivery order matches write order; nothing is ordered
// across subscriptions.
type Memory struct {
	mu          sync.Mutex
	collections map[string]map[string]map[string]any // collection -> id -> data
	docSubs     map[string][]*memorySub              // doc path -> subs
	querySubs   map[string][]*memorySub              // collection -> subs
	addSubs     map[string][]*memorySub              // collection -> subs
	lastStamp   int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]map[string]map[string]any),
		docSubs:     make(map[string][]*memorySub),
		querySubs:   make(map[string][]*memorySub),
		addSubs:     make(map[string][]*memorySub),
	}
}

// memorySub is one subscription's ordered delivery pump. Deliveries are
// queued as pre-bound closures and run on a dedicated goroutine.
type memorySub struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	onDoc      func(Document, bool) // doc subscriptions
	onSnapshot func([]Document)     // query subscriptions
	onAdd      func(Document)       // addition subscriptions
	query      Query                // query subscriptions
}

func newMemorySub() *memorySub {
	s := &memorySub{}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *memorySub) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn()
	}
}

func (s *memorySub) post(fn func()) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, fn)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// close stops delivery immediately. Queued-but-undelivered events are
// dropped, matching the synchronous-unsubscribe contract.
func (s *memorySub) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
}

// stamp returns a server timestamp in unix milliseconds, strictly increasing
// across writes so that createdAt ordering is total.
func (m *Memory) stamp() int64 {
	now := time.Now().UnixMilli()
	if now <= m.lastStamp {
		now = m.lastStamp + 1
	}
	m.lastStamp = now
	return now
}

// applyStamps replaces ServerTimestamp sentinels in place.
func (m *Memory) applyStamps(data map[string]any) {
	for k, v := range data {
		if _, ok := v.(serverTimestampSentinel); ok {
			data[k] = m.stamp()
		}
	}
}

func (m *Memory) Create(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := uuid.New().String()
	if err := m.Set(ctx, Join(collection, id), data); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Memory) Set(_ context.Context, path string, data map[string]any) error {
	col, id := parentCollection(path), docID(path)

	m.mu.Lock()
	stored := cloneData(data)
	m.applyStamps(stored)
	docs, ok := m.collections[col]
	if !ok {
		docs = make(map[string]map[string]any)
		m.collections[col] = docs
	}
	_, existed := docs[id]
	docs[id] = stored
	m.notifyLocked(col, path, !existed)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Update(_ context.Context, path string, fields map[string]any) error {
	col, id := parentCollection(path), docID(path)

	m.mu.Lock()
	docs := m.collections[col]
	if docs == nil {
		docs = make(map[string]map[string]any)
		m.collections[col] = docs
	}
	existed := docs[id] != nil
	if !existed {
		// Permissive merge, matching the backends: an update on a missing
		// document creates it with just the given fields.
		docs[id] = make(map[string]any)
	}
	merged := cloneData(fields)
	m.applyStamps(merged)
	for k, v := range merged {
		docs[id][k] = v
	}
	m.notifyLocked(col, path, !existed)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, path string) error {
	col, id := parentCollection(path), docID(path)

	m.mu.Lock()
	if docs := m.collections[col]; docs != nil {
		if _, ok := docs[id]; ok {
			delete(docs, id)
			m.notifyLocked(col, path, false)
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, path string) (Document, bool, error) {
	col, id := parentCollection(path), docID(path)

	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.collections[col][id]
	if !ok {
		return Document{}, false, nil
	}
	return Document{ID: id, Data: cloneData(data)}, true, nil
}

func (m *Memory) Query(_ context.Context, q Query) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queryLocked(q), nil
}

// queryLocked materializes a query result. Map iteration gives the
// backend-defined (arbitrary) order the contract promises when no sort key
// is requested.
func (m *Memory) queryLocked(q Query) []Document {
	out := make([]Document, 0)
	for id, data := range m.collections[q.Collection] {
		doc := Document{ID: id, Data: data}
		if !matches(doc, q.Filters) {
			continue
		}
		out = append(out, Document{ID: id, Data: cloneData(data)})
	}
	if q.OrderBy != "" {
		sort.Slice(out, func(i, j int) bool {
			return orderValue(out[i], q.OrderBy) < orderValue(out[j], q.OrderBy)
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (m *Memory) SubscribeDoc(_ context.Context, path string, fn func(Document, bool)) (Unsubscribe, error) {
	sub := newMemorySub()
	sub.onDoc = fn
	col, id := parentCollection(path), docID(path)

	m.mu.Lock()
	m.docSubs[path] = append(m.docSubs[path], sub)
	// Initial snapshot.
	data, ok := m.collections[col][id]
	doc := Document{ID: id}
	if ok {
		doc.Data = cloneData(data)
	}
	exists := ok
	sub.post(func() { fn(doc, exists) })
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		m.docSubs[path] = removeSub(m.docSubs[path], sub)
		m.mu.Unlock()
		sub.close()
	}, nil
}

func (m *Memory) SubscribeQuery(_ context.Context, q Query, fn func([]Document)) (Unsubscribe, error) {
	sub := newMemorySub()
	sub.onSnapshot = fn
	sub.query = q

	m.mu.Lock()
	m.querySubs[q.Collection] = append(m.querySubs[q.Collection], sub)
	docs := m.queryLocked(q)
	sub.post(func() { fn(docs) })
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		m.querySubs[q.Collection] = removeSub(m.querySubs[q.Collection], sub)
		m.mu.Unlock()
		sub.close()
	}, nil
}

func (m *Memory) SubscribeAdditions(_ context.Context, collection string, fn func(Document)) (Unsubscribe, error) {
	sub := newMemorySub()
	sub.onAdd = fn

	m.mu.Lock()
	m.addSubs[collection] = append(m.addSubs[collection], sub)
	for id, data := range m.collections[collection] {
		doc := Document{ID: id, Data: cloneData(data)}
		sub.post(func() { fn(doc) })
	}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		m.addSubs[collection] = removeSub(m.addSubs[collection], sub)
		m.mu.Unlock()
		sub.close()
	}, nil
}

// notifyLocked queues deliveries for every subscription affected by a write
// to path. Called with m.mu held; the pumps run the callbacks outside it.
func (m *Memory) notifyLocked(col, path string, added bool) {
	if subs := m.docSubs[path]; len(subs) > 0 {
		id := docID(path)
		data, ok := m.collections[col][id]
		doc := Document{ID: id}
		if ok {
			doc.Data = cloneData(data)
		}
		for _, sub := range subs {
			s, d, exists := sub, doc, ok
			s.post(func() { s.onDoc(d, exists) })
		}
	}

	for _, sub := range m.querySubs[col] {
		docs := m.queryLocked(sub.query)
		s := sub
		s.post(func() { s.onSnapshot(docs) })
	}

	if added {
		if subs := m.addSubs[col]; len(subs) > 0 {
			id := docID(path)
			doc := Document{ID: id, Data: cloneData(m.collections[col][id])}
			for _, sub := range subs {
				s, d := sub, doc
				s.post(func() { s.onAdd(d) })
			}
		}
	}
}

func removeSub(subs []*memorySub, target *memorySub) []*memorySub {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
