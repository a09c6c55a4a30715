package x402

import (
	"context"
	"sync"
	"time"
)

// ProofCache is the in-memory ProofStore. It tracks proofs that already bought
// a response and proofs whose redemption is currently in flight, so concurrent
// presentations of one transaction id can never both be forwarded.
type ProofCache struct {
	mu       sync.Mutex
	consumed map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

// NewProofCache creates a cache. A zero ttl keeps consumed proofs forever.
func NewProofCache(ttl time.Duration) *ProofCache {
	return &ProofCache{
		consumed: make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// ProofStatus represents the result of checking the cache.
type ProofStatus int

const (
	// StatusNotFound means the proof is unknown; the caller now holds it in flight.
	StatusNotFound ProofStatus = iota
	// StatusConsumed means the proof already bought a response.
	StatusConsumed
	// StatusInFlight means another request is currently redeeming this proof.
	StatusInFlight
)

func (s ProofStatus) String() string {
	switch s {
	case StatusNotFound:
		return "not_found"
	case StatusConsumed:
		return "consumed"
	case StatusInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// CheckAndMark atomically checks the cache and marks the key as in-flight if needed.
// Returns:
// - StatusConsumed if the key was already committed
// - StatusInFlight if another request is redeeming it
// - StatusNotFound + done channel if this request should proceed (now marked in-flight)
func (c *ProofCache) CheckAndMark(key string) (ProofStatus, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isConsumedLocked(key) {
		return StatusConsumed, nil
	}

	if done, exists := c.inFlight[key]; exists {
		return StatusInFlight, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return StatusNotFound, done
}

// Complete marks key as consumed and signals any waiting goroutines.
func (c *ProofCache) Complete(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiry time.Time
	if c.ttl > 0 {
		expiry = time.Now().Add(c.ttl)
	}
	c.consumed[key] = expiry

	if c.inFlight[key] == done {
		delete(c.inFlight, key)
	}
	closeOnce(done)

	c.cleanupExpiredLocked()
}

// Fail removes the in-flight marker without consuming the proof, allowing it
// to be presented again.
func (c *ProofCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight[key] == done {
		delete(c.inFlight, key)
	}
	closeOnce(done)
}

// Reserve implements ProofStore.
func (c *ProofCache) Reserve(_ context.Context, proof PaymentProof) (Reservation, error) {
	key := proof.Normalize()
	status, done := c.CheckAndMark(key)
	switch status {
	case StatusConsumed:
		return nil, ErrProofConsumed
	case StatusInFlight:
		return nil, ErrProofInFlight
	}
	return &cacheReservation{cache: c, key: key, done: done}, nil
}

// IsConsumed implements ProofStore.
func (c *ProofCache) IsConsumed(_ context.Context, proof PaymentProof) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConsumedLocked(proof.Normalize()), nil
}

// Count implements ProofStore. It reports live consumed proofs only.
func (c *ProofCache) Count(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupExpiredLocked()
	return len(c.consumed), nil
}

func (c *ProofCache) isConsumedLocked(key string) bool {
	expiry, exists := c.consumed[key]
	if !exists {
		return false
	}
	if !expiry.IsZero() && time.Now().After(expiry) {
		delete(c.consumed, key)
		return false
	}
	return true
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (c *ProofCache) cleanupExpiredLocked() {
	if c.ttl <= 0 {
		return
	}
	now := time.Now()
	for key, expiry := range c.consumed {
		if now.After(expiry) {
			delete(c.consumed, key)
		}
	}
}

type cacheReservation struct {
	cache *ProofCache
	key   string
	done  chan struct{}
	once  sync.Once
}

func (r *cacheReservation) Commit(context.Context) error {
	r.once.Do(func() { r.cache.Complete(r.key, r.done) })
	return nil
}

func (r *cacheReservation) Release(context.Context) error {
	r.once.Do(func() { r.cache.Fail(r.key, r.done) })
	return nil
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
