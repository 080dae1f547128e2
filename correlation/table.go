package correlation

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/localrivet/mcprpc/protocol"
)

// table is the pending-request map, sharded by a hash of the id key so
// unrelated requests never contend on one lock.
type table struct {
	shards []shard
}

type shard struct {
	mu    sync.Mutex
	calls map[string]*Call
}

func newTable(n int) *table {
	if n <= 0 {
		n = 1
	}
	t := &table{shards: make([]shard, n)}
	for i := range t.shards {
		t.shards[i].calls = make(map[string]*Call)
	}
	return t
}

func (t *table) shardFor(key string) *shard {
	return &t.shards[xxhash.Sum64String(key)%uint64(len(t.shards))]
}

// insert adds c unless its id is already present. armed runs under the
// shard lock once c is in place, so anything it sets on c is visible to
// whoever later takes the entry.
func (t *table) insert(c *Call, armed func()) bool {
	key := c.id.Key()
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.calls[key]; exists {
		return false
	}
	s.calls[key] = c
	armed()
	return true
}

// take removes and returns the call for id. Whoever takes a call owns its
// resolution.
func (t *table) take(id protocol.RequestID) *Call {
	key := id.Key()
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[key]
	if !ok {
		return nil
	}
	delete(s.calls, key)
	return c
}

// takeIf removes c only if it is still the entry for its id; the id may have
// been resolved and reused in the meantime.
func (t *table) takeIf(c *Call) bool {
	key := c.id.Key()
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls[key] != c {
		return false
	}
	delete(s.calls, key)
	return true
}

func (t *table) has(id protocol.RequestID) bool {
	key := id.Key()
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.calls[key]
	return ok
}

// snapshot returns the current entries, optionally only those expired at now.
func (t *table) snapshot(expiredAt time.Time) []*Call {
	var out []*Call
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, c := range s.calls {
			if expiredAt.IsZero() || !c.deadline.After(expiredAt) {
				out = append(out, c)
			}
		}
		s.mu.Unlock()
	}
	return out
}
