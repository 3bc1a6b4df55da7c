package lifecycle

import (
	"context"
	"sync"
)

// Record is what a coordinator remembers about one instance.
type Record[S, T any] struct {
	Phase Phase
	Spec  S
	State T
}

// Store keeps records by instance id. Implementations must be safe for concurrent use.
type Store[S, T any] interface {
	Load(id string) (Record[S, T], bool)
	Save(id string, rec Record[S, T])
	Remove(id string)
}

// MemoryStore is a [Store] that lives as long as the process.
type MemoryStore[S, T any] struct {
	m sync.Map
}

func NewMemoryStore[S, T any]() *MemoryStore[S, T] {
	return &MemoryStore[S, T]{}
}

func (s *MemoryStore[S, T]) Load(id string) (Record[S, T], bool) {
	v, ok := s.m.Load(id)
	if !ok {
		return Record[S, T]{}, false
	}
	return v.(Record[S, T]), true
}

func (s *MemoryStore[S, T]) Save(id string, rec Record[S, T]) { s.m.Store(id, rec) }

func (s *MemoryStore[S, T]) Remove(id string) { s.m.Delete(id) }

// keyedMutex hands out one lock per key. Waiting honors context cancellation.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch      chan struct{}
	waiters int
}

// Lock blocks until key is free or ctx is done. The returned func releases the lock.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*keyLock{}
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.waiters++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.drop(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.drop(key, l)
		})
	}, nil
}

func (k *keyedMutex) drop(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.waiters--
	if l.waiters == 0 {
		delete(k.locks, key)
	}
}
