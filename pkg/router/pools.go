package router

import (
    "go.uber.org/zap"
)

// table is a bounded associative pool with insert-or-evict-oldest
// semantics. Insertion order is tracked so the oldest entry can be evicted
// when the pool is full; the pool never grows past its capacity and never
// errors.
type table[V any] struct {
    name     string
    capacity int
    entries  map[string]V
    order    []string
}

func newTable[V any](name string, capacity int) *table[V] {
    if capacity <= 0 {
        capacity = 32
    }
    return &table[V]{
        name:     name,
        capacity: capacity,
        entries:  make(map[string]V, capacity),
        order:    make([]string, 0, capacity),
    }
}

func (t *table[V]) get(key []byte) (V, bool) {
    v, ok := t.entries[string(key)]
    return v, ok
}

// insert stores key→value, evicting the oldest entry when the pool is at
// capacity. Re-inserting an existing key refreshes its value in place. The
// evicted value and true are returned so callers holding resources (links)
// can release them.
func (t *table[V]) insert(key []byte, value V) (V, bool) {
    var evicted V
    k := string(key)
    if _, ok := t.entries[k]; ok {
        t.entries[k] = value
        return evicted, false
    }
    dropped := false
    if len(t.order) >= t.capacity {
        oldest := t.order[0]
        t.order = t.order[1:]
        evicted = t.entries[oldest]
        delete(t.entries, oldest)
        dropped = true
        zap.L().Warn("pool full, evicting oldest entry", zap.String("pool", t.name))
    }
    t.entries[k] = value
    t.order = append(t.order, k)
    return evicted, dropped
}

func (t *table[V]) remove(key []byte) {
    k := string(key)
    if _, ok := t.entries[k]; !ok {
        return
    }
    delete(t.entries, k)
    for i, o := range t.order {
        if o == k {
            t.order = append(t.order[:i], t.order[i+1:]...)
            break
        }
    }
}

func (t *table[V]) len() int { return len(t.entries) }

// queue is a bounded strict-FIFO queue. Pushing past capacity drops the
// oldest element with a warning rather than erroring or growing.
type queue[T any] struct {
    name     string
    capacity int
    items    []T
}

func newQueue[T any](name string, capacity int) *queue[T] {
    if capacity <= 0 {
        capacity = 32
    }
    return &queue[T]{name: name, capacity: capacity}
}

// push appends an item, evicting the head when full. The evicted item and
// true are returned so callers can finalize it.
func (q *queue[T]) push(item T) (T, bool) {
    var evicted T
    dropped := false
    if len(q.items) >= q.capacity {
        evicted = q.items[0]
        q.items = q.items[1:]
        dropped = true
        zap.L().Warn("queue full, dropping oldest", zap.String("queue", q.name))
    }
    q.items = append(q.items, item)
    return evicted, dropped
}

// peek returns the head without removing it.
func (q *queue[T]) peek() (T, bool) {
    var zero T
    if len(q.items) == 0 {
        return zero, false
    }
    return q.items[0], true
}

// pop removes and returns the head.
func (q *queue[T]) pop() (T, bool) {
    var zero T
    if len(q.items) == 0 {
        return zero, false
    }
    head := q.items[0]
    q.items = q.items[1:]
    return head, true
}

// removeFunc removes the first item matching the predicate.
func (q *queue[T]) removeFunc(match func(T) bool) bool {
    for i, it := range q.items {
        if match(it) {
            q.items = append(q.items[:i], q.items[i+1:]...)
            return true
        }
    }
    return false
}

func (q *queue[T]) len() int { return len(q.items) }

// drain removes and returns all items in FIFO order.
func (q *queue[T]) drain() []T {
    items := q.items
    q.items = nil
    return items
}
