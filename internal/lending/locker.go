package lending

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const lockShards = 32

// Locker provides mutual exclusion per string key with a bounded wait.
// Keys are spread over shards so unrelated keys rarely contend on bookkeeping.
type Locker struct {
	shards  [lockShards]lockShard
	timeout time.Duration
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock is a one-slot semaphore; refs counts holders and waiters so the
// entry can be dropped once nobody references it.
type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewLocker creates a Locker whose Lock gives up after timeout
func NewLocker(timeout time.Duration) *Locker {
	l := &Locker{timeout: timeout}
	for i := range l.shards {
		l.shards[i].locks = make(map[string]*keyLock)
	}
	return l
}

func (l *Locker) shard(key string) *lockShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%lockShards]
}

// Lock acquires the lock for key. It returns ErrBusy if the lock is not free
// within the timeout, or the context error if ctx ends first. The returned
// function releases the lock and must be called exactly once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	s := l.shard(key)

	s.mu.Lock()
	kl, ok := s.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		s.locks[key] = kl
	}
	kl.refs++
	s.mu.Unlock()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case kl.sem <- struct{}{}:
		return func() { l.release(s, key, kl) }, nil
	case <-timer.C:
		l.drop(s, key, kl)
		return nil, ErrBusy
	case <-ctx.Done():
		l.drop(s, key, kl)
		return nil, ctx.Err()
	}
}

func (l *Locker) release(s *lockShard, key string, kl *keyLock) {
	<-kl.sem
	l.drop(s, key, kl)
}

func (l *Locker) drop(s *lockShard, key string, kl *keyLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(s.locks, key)
	}
}

// size returns the number of keys currently tracked
func (l *Locker) size() int {
	n := 0
	for i := range l.shards {
		l.shards[i].mu.Lock()
		n += len(l.shards[i].locks)
		l.shards[i].mu.Unlock()
	}
	return n
}

func bookKey(id string) string { return "book:" + id }
func userKey(id string) string { return "user:" + id }
