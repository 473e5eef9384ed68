package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis key layout.
	redisDocPrefix = "doc:" // + <doc path> -> JSON document
	redisColPrefix = "col:" // + <collection path> -> Set of document ids

	// Change-feed channel per collection.
	redisChanPrefix = "store:" // + <collection path>
)

// change is the pub/sub payload published on every write.
type change struct {
	Op string `json:"op"` // "create", "update", "delete"
	ID string `json:"id"`
}

// Redis is a document store backed by Redis: JSON documents under string
// keys, a Set per collection as the membership index, and pub/sub as the
// change feed. Subscribers re-read current state when a change event
// arrives, which gives the full-snapshot delivery the contract requires
// (possibly with duplicate deliveries; consumers carry idempotence guards).
type Redis struct {
	client *redis.Client

	mu        sync.Mutex
	lastStamp int64
}

// NewRedis creates a Redis-backed store and verifies the connection.
func NewRedis(addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis connection failed: %w", err)
	}
	return &Redis{client: client}, nil
}

// NewRedisWithClient wraps an existing client, for callers that share one
// connection pool across stores.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Close closes the underlying connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) stamp() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UnixMilli()
	if now <= r.lastStamp {
		now = r.lastStamp + 1
	}
	r.lastStamp = now
	return now
}

func (r *Redis) applyStamps(data map[string]any) map[string]any {
	out := cloneData(data)
	for k, v := range out {
		if _, ok := v.(serverTimestampSentinel); ok {
			out[k] = r.stamp()
		}
	}
	return out
}

func (r *Redis) publish(ctx context.Context, collection, op, id string) {
	payload, _ := json.Marshal(change{Op: op, ID: id})
	if err := r.client.Publish(ctx, redisChanPrefix+collection, payload).Err(); err != nil {
		log.Printf("[store] redis publish %s: %v", collection, err)
	}
}

func (r *Redis) Create(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := uuid.New().String()
	if err := r.Set(ctx, Join(collection, id), data); err != nil {
		return "", err
	}
	return id, nil
}

func (r *Redis) Set(ctx context.Context, path string, data map[string]any) error {
	col, id := parentCollection(path), docID(path)
	stored := r.applyStamps(data)

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", path, err)
	}

	existed, err := r.client.SIsMember(ctx, redisColPrefix+col, id).Result()
	if err != nil {
		return fmt.Errorf("store: set %s: %w", path, err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, redisDocPrefix+path, raw, 0)
	pipe.SAdd(ctx, redisColPrefix+col, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: set %s: %w", path, err)
	}

	op := "update"
	if !existed {
		op = "create"
	}
	r.publish(ctx, col, op, id)
	return nil
}

// Update merges fields into a document. The read-merge-write is not atomic;
// correctness relies on concurrent writers touching disjoint fields, which
// is how the room document is used (offer by one side, answer by the other).
func (r *Redis) Update(ctx context.Context, path string, fields map[string]any) error {
	doc, ok, err := r.Get(ctx, path)
	if err != nil {
		return err
	}
	merged := make(map[string]any)
	if ok {
		merged = doc.Data
	}
	for k, v := range r.applyStamps(fields) {
		merged[k] = v
	}
	return r.Set(ctx, path, merged)
}

func (r *Redis) Delete(ctx context.Context, path string) error {
	col, id := parentCollection(path), docID(path)

	pipe := r.client.Pipeline()
	pipe.Del(ctx, redisDocPrefix+path)
	pipe.SRem(ctx, redisColPrefix+col, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: delete %s: %w", path, err)
	}
	r.publish(ctx, col, "delete", id)
	return nil
}

func (r *Redis) Get(ctx context.Context, path string) (Document, bool, error) {
	raw, err := r.client.Get(ctx, redisDocPrefix+path).Bytes()
	if errors.Is(err, redis.Nil) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, fmt.Errorf("store: get %s: %w", path, err)
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return Document{}, false, fmt.Errorf("store: unmarshal %s: %w", path, err)
	}
	return Document{ID: docID(path), Data: data}, true, nil
}

// Query reads the collection's membership set and filters in-process.
// SMembers yields no particular order, which is exactly the "unordered
// unless a sort key is requested" behavior the contract allows.
func (r *Redis) Query(ctx context.Context, q Query) ([]Document, error) {
	ids, err := r.client.SMembers(ctx, redisColPrefix+q.Collection).Result()
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", q.Collection, err)
	}

	out := make([]Document, 0, len(ids))
	for _, id := range ids {
		doc, ok, err := r.Get(ctx, Join(q.Collection, id))
		if err != nil || !ok {
			continue // deleted between SMembers and Get
		}
		if matches(doc, q.Filters) {
			out = append(out, doc)
		}
	}
	if q.OrderBy != "" {
		sort.Slice(out, func(i, j int) bool {
			return orderValue(out[i], q.OrderBy) < orderValue(out[j], q.OrderBy)
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// watch subscribes to a collection's change feed and invokes handle for the
// initial state and every subsequent event, all from one goroutine so that
// per-subscription ordering holds. handle receives a nil change for the
// initial delivery.
func (r *Redis) watch(ctx context.Context, collection string, handle func(ev *change)) (Unsubscribe, error) {
	pubsub := r.client.Subscribe(ctx, redisChanPrefix+collection)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("store: subscribe %s: %w", collection, err)
	}

	done := make(chan struct{})
	go func() {
		handle(nil)
		ch := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev change
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Printf("[store] redis change payload: %v", err)
					continue
				}
				handle(&ev)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			pubsub.Close()
		})
	}, nil
}

func (r *Redis) SubscribeDoc(ctx context.Context, path string, fn func(Document, bool)) (Unsubscribe, error) {
	col, id := parentCollection(path), docID(path)
	return r.watch(ctx, col, func(ev *change) {
		if ev != nil && ev.ID != id {
			return
		}
		doc, ok, err := r.Get(ctx, path)
		if err != nil {
			log.Printf("[store] redis doc read %s: %v", path, err)
			return
		}
		if !ok {
			doc = Document{ID: id}
		}
		fn(doc, ok)
	})
}

func (r *Redis) SubscribeQuery(ctx context.Context, q Query, fn func([]Document)) (Unsubscribe, error) {
	return r.watch(ctx, q.Collection, func(*change) {
		docs, err := r.Query(ctx, q)
		if err != nil {
			log.Printf("[store] redis query %s: %v", q.Collection, err)
			return
		}
		fn(docs)
	})
}

func (r *Redis) SubscribeAdditions(ctx context.Context, collection string, fn func(Document)) (Unsubscribe, error) {
	return r.watch(ctx, collection, func(ev *change) {
		if ev == nil {
			// Initial state: deliver everything already present.
			docs, err := r.Query(ctx, Query{Collection: collection})
			if err != nil {
				log.Printf("[store] redis additions %s: %v", collection, err)
				return
			}
			for _, doc := range docs {
				fn(doc)
			}
			return
		}
		if ev.Op != "create" {
			return
		}
		doc, ok, err := r.Get(ctx, Join(collection, ev.ID))
		if err != nil || !ok {
			return
		}
		fn(doc)
	})
}
