package store

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore adapts Cloud Firestore to the Store contract. The mapping is
// almost direct: Firestore's document/query snapshot listeners already have
// the full-snapshot push semantics the contract specifies, and DocumentAdded
// changes back the additions stream.
type Firestore struct {
	client *firestore.Client
}

// NewFirestore connects to a Firestore project.
func NewFirestore(ctx context.Context, projectID string) (*Firestore, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: firestore client: %w", err)
	}
	return &Firestore{client: client}, nil
}

// Close releases the underlying client.
func (f *Firestore) Close() error {
	return f.client.Close()
}

// colRef resolves a slash-joined collection path (odd segment count).
func (f *Firestore) colRef(path string) *firestore.CollectionRef {
	segs := strings.Split(path, "/")
	col := f.client.Collection(segs[0])
	for i := 1; i+1 < len(segs); i += 2 {
		col = col.Doc(segs[i]).Collection(segs[i+1])
	}
	return col
}

// docRef resolves a slash-joined document path (even segment count).
func (f *Firestore) docRef(path string) *firestore.DocumentRef {
	return f.colRef(parentCollection(path)).Doc(docID(path))
}

// toFirestore replaces timestamp sentinels with Firestore's own.
func toFirestore(data map[string]any) map[string]any {
	out := cloneData(data)
	for k, v := range out {
		if _, ok := v.(serverTimestampSentinel); ok {
			out[k] = firestore.ServerTimestamp
		}
	}
	return out
}

// fromFirestore converts snapshot data to the contract's value set,
// flattening time.Time into unix milliseconds.
func fromFirestore(data map[string]any) map[string]any {
	for k, v := range data {
		switch t := v.(type) {
		case time.Time:
			data[k] = t.UnixMilli()
		case map[string]any:
			data[k] = fromFirestore(t)
		}
	}
	return data
}

func (f *Firestore) Create(ctx context.Context, collection string, data map[string]any) (string, error) {
	ref, _, err := f.colRef(collection).Add(ctx, toFirestore(data))
	if err != nil {
		return "", fmt.Errorf("store: firestore create in %s: %w", collection, err)
	}
	return ref.ID, nil
}

func (f *Firestore) Set(ctx context.Context, path string, data map[string]any) error {
	if _, err := f.docRef(path).Set(ctx, toFirestore(data)); err != nil {
		return fmt.Errorf("store: firestore set %s: %w", path, err)
	}
	return nil
}

func (f *Firestore) Update(ctx context.Context, path string, fields map[string]any) error {
	if _, err := f.docRef(path).Set(ctx, toFirestore(fields), firestore.MergeAll); err != nil {
		return fmt.Errorf("store: firestore update %s: %w", path, err)
	}
	return nil
}

func (f *Firestore) Delete(ctx context.Context, path string) error {
	if _, err := f.docRef(path).Delete(ctx); err != nil {
		return fmt.Errorf("store: firestore delete %s: %w", path, err)
	}
	return nil
}

func (f *Firestore) Get(ctx context.Context, path string) (Document, bool, error) {
	snap, err := f.docRef(path).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, fmt.Errorf("store: firestore get %s: %w", path, err)
	}
	return Document{ID: snap.Ref.ID, Data: fromFirestore(snap.Data())}, true, nil
}

func (f *Firestore) buildQuery(q Query) firestore.Query {
	fq := f.colRef(q.Collection).Query
	for _, flt := range q.Filters {
		fq = fq.Where(flt.Field, flt.Op, flt.Value)
	}
	if q.OrderBy != "" {
		fq = fq.OrderBy(q.OrderBy, firestore.Asc)
	}
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit)
	}
	return fq
}

func (f *Firestore) Query(ctx context.Context, q Query) ([]Document, error) {
	it := f.buildQuery(q).Documents(ctx)
	defer it.Stop()

	out := make([]Document, 0)
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("store: firestore query %s: %w", q.Collection, err)
		}
		out = append(out, Document{ID: snap.Ref.ID, Data: fromFirestore(snap.Data())})
	}
}

func (f *Firestore) SubscribeDoc(ctx context.Context, path string, fn func(Document, bool)) (Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)
	it := f.docRef(path).Snapshots(subCtx)

	go func() {
		for {
			snap, err := it.Next()
			if err != nil {
				if subCtx.Err() == nil && status.Code(err) != codes.Canceled {
					log.Printf("[store] firestore doc listen %s: %v", path, err)
				}
				return
			}
			if !snap.Exists() {
				fn(Document{ID: docID(path)}, false)
				continue
			}
			fn(Document{ID: snap.Ref.ID, Data: fromFirestore(snap.Data())}, true)
		}
	}()

	return f.stopper(cancel, it.Stop), nil
}

func (f *Firestore) SubscribeQuery(ctx context.Context, q Query, fn func([]Document)) (Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)
	it := f.buildQuery(q).Snapshots(subCtx)

	go func() {
		for {
			snap, err := it.Next()
			if err != nil {
				if subCtx.Err() == nil && status.Code(err) != codes.Canceled {
					log.Printf("[store] firestore query listen %s: %v", q.Collection, err)
				}
				return
			}
			docs, err := drainDocs(snap.Documents)
			if err != nil {
				log.Printf("[store] firestore query snapshot %s: %v", q.Collection, err)
				continue
			}
			fn(docs)
		}
	}()

	return f.stopper(cancel, it.Stop), nil
}

func (f *Firestore) SubscribeAdditions(ctx context.Context, collection string, fn func(Document)) (Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)
	it := f.colRef(collection).Query.Snapshots(subCtx)

	go func() {
		for {
			snap, err := it.Next()
			if err != nil {
				if subCtx.Err() == nil && status.Code(err) != codes.Canceled {
					log.Printf("[store] firestore additions listen %s: %v", collection, err)
				}
				return
			}
			for _, ch := range snap.Changes {
				if ch.Kind != firestore.DocumentAdded {
					continue
				}
				fn(Document{ID: ch.Doc.Ref.ID, Data: fromFirestore(ch.Doc.Data())})
			}
		}
	}()

	return f.stopper(cancel, it.Stop), nil
}

func (f *Firestore) stopper(cancel context.CancelFunc, stop func()) Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			stop()
		})
	}
}

func drainDocs(it *firestore.DocumentIterator) ([]Document, error) {
	defer it.Stop()
	out := make([]Document, 0)
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Document{ID: snap.Ref.ID, Data: fromFirestore(snap.Data())})
	}
}
