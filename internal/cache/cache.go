// Package cache provides the two caches the leader pipeline holds in
// memory: tasks (TaskCache, loaded through a TaskLoader on a miss and kept
// for a TTL) and HPKE keypairs (HpkeCache, a mutex-guarded map refreshed on
// a fixed interval, spec.md §4/§6). TaskCache replaces the teacher's
// hand-rolled container/list LRU (née internal/schema/cache.go) with
// hashicorp/golang-lru/v2's expirable variant, since golang-lru is
// already in the pack's dependency graph and gives TTL eviction for free
// instead of reimplementing it.
package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/divviup/ppm-aggregator/internal/core/dap"
)

// DefaultTaskCacheCapacity is the default number of task definitions held
// in memory by a TaskCache.
const DefaultTaskCacheCapacity = 1000

// TaskLoader fetches the current definition of a task, e.g. from a
// dap.TaskRepository.
type TaskLoader func(ctx context.Context, taskID string) (*dap.Task, error)

// TaskCache bounds how many task definitions are held in memory at once
// and how long a definition is trusted before being re-fetched through its
// loader. A changed definition is seen within one TTL window only if the
// loader itself returns the new version; a FileSystemTaskRepository loads
// its files once at construction and does not.
type TaskCache struct {
	lru    *lru.LRU[string, *dap.Task]
	loader TaskLoader
}

// NewTaskCache builds a TaskCache holding up to capacity entries for up to
// ttl each.
func NewTaskCache(capacity int, ttl time.Duration, loader TaskLoader) *TaskCache {
	return &TaskCache{lru: lru.NewLRU[string, *dap.Task](capacity, nil, ttl), loader: loader}
}

// Get returns the cached task, loading and caching it on a miss.
func (c *TaskCache) Get(ctx context.Context, taskID string) (*dap.Task, error) {
	if t, ok := c.lru.Get(taskID); ok {
		return t, nil
	}
	t, err := c.loader(ctx, taskID)
	if err != nil {
		return nil, err
	}
	c.lru.Add(taskID, t)
	return t, nil
}

// Invalidate drops a task's cached definition, e.g. after detecting its
// on-disk fingerprint changed.
func (c *TaskCache) Invalidate(taskID string) { c.lru.Remove(taskID) }

// Task aliases Get, satisfying the aggregation/collection drivers'
// TaskProvider interface (Task(ctx, id)) so a driver can sit a TaskCache in
// front of its backing dap.TaskRepository.
func (c *TaskCache) Task(ctx context.Context, taskID string) (*dap.Task, error) {
	return c.Get(ctx, taskID)
}

// HpkeKeypair is one HPKE configuration and its private key, identified by
// the config id carried in the wire protocol (spec.md §6).
type HpkeKeypair struct {
	ConfigID   uint8
	PublicKey  []byte
	PrivateKey []byte // AEAD-encrypted at rest; decrypted once into memory on load
}

// HpkeLoader fetches the current set of active HPKE keypairs for a task.
type HpkeLoader func(ctx context.Context, taskID string) ([]HpkeKeypair, error)

// HpkeCache holds a task's current HPKE keypairs in memory, refreshed on a
// fixed interval rather than on every lookup: key rotation is an
// infrequent, operator-driven event, so polling storage on every report
// upload would be wasted work (spec.md §6 "the set of HPKE keys a leader
// holds changes rarely").
type HpkeCache struct {
	loader   HpkeLoader
	interval time.Duration

	mu      sync.RWMutex
	byTask  map[string][]HpkeKeypair
	stopped chan struct{}
}

// NewHpkeCache builds an HpkeCache that refreshes every interval once
// Start is called.
func NewHpkeCache(interval time.Duration, loader HpkeLoader) *HpkeCache {
	return &HpkeCache{loader: loader, interval: interval, byTask: make(map[string][]HpkeKeypair)}
}

// Start runs the periodic refresh loop until ctx is cancelled or Stop is
// called, whichever comes first — the same select-on-ticker/ctx.Done shape
// as the teacher's Scheduler.Start.
func (c *HpkeCache) Start(ctx context.Context, taskIDs func() []string) {
	c.stopped = make(chan struct{})
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		case <-ticker.C:
			c.refresh(ctx, taskIDs())
		}
	}
}

// Stop ends a running Start loop cooperatively.
func (c *HpkeCache) Stop() {
	if c.stopped != nil {
		close(c.stopped)
	}
}

func (c *HpkeCache) refresh(ctx context.Context, taskIDs []string) {
	for _, taskID := range taskIDs {
		keys, err := c.loader(ctx, taskID)
		if err != nil {
			continue
		}
		c.mu.Lock()
		c.byTask[taskID] = keys
		c.mu.Unlock()
	}
}

// Get returns the currently cached keypairs for a task.
func (c *HpkeCache) Get(taskID string) []HpkeKeypair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byTask[taskID]
}

// ForConfigID finds the keypair matching configID, for decrypting a
// specific client's encrypted input share (spec.md §7
// HpkeUnknownConfigId).
func (c *HpkeCache) ForConfigID(taskID string, configID uint8) (HpkeKeypair, bool) {
	for _, k := range c.Get(taskID) {
		if k.ConfigID == configID {
			return k, true
		}
	}
	return HpkeKeypair{}, false
}
