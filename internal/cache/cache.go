// Package cache holds fetched adapter results keyed by their query
// parameters, so identical concurrent queries share one fetch.
//
// Entries are reference counted by task ID. A single mutex serialises every
// existence check, create, reference, release and eviction; callers never
// hold it across adapter calls or task locks.
package cache

import (
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"cruncher/internal/logging"
	"cruncher/internal/query"
	"cruncher/internal/record"
)

var (
	// ErrExists is returned by AddToCache when the key is already cached.
	ErrExists = errors.New("cache entry already exists")
	// ErrNotFound is returned by Reference for a missing key.
	ErrNotFound = errors.New("cache entry not found")
	// ErrDetached marks an entry that was force-removed while running.
	ErrDetached = errors.New("cache entry detached")
)

// StartFunc launches the fetch for a new entry. It is called once, outside
// the cache lock, and must not block: the fetch runs elsewhere and ends
// with Entry.Resolve.
type StartFunc func(e *Entry)

// Cache maps keys to entries.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*Entry
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an empty cache.
func New(logger *slog.Logger) *Cache {
	return &Cache{
		entries: make(map[Key]*Entry),
		logger:  logging.Default(logger).With("component", "cache"),
		now:     time.Now,
	}
}

// Acquire returns the entry for key, creating it and calling start when no
// usable entry exists. taskID is added to the entry's referencing set in
// either case. The bool reports whether the entry was created.
//
// Entries whose fetch failed or lost every interested task are replaced
// instead of reused.
func (c *Cache) Acquire(key Key, taskID string, p Params, start StartFunc) (*Entry, bool) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && e.usable() {
		e.refs[taskID] = true
		e.lastAccessed = c.now()
		c.mu.Unlock()
		return e, false
	} else if ok {
		c.detachLocked(e)
	}
	e := c.createLocked(key, taskID, p)
	c.mu.Unlock()

	c.logger.Debug("cache entry created", "key", key, "task", taskID)
	start(e)
	return e, true
}

// AddToCache creates the entry for key and calls start. It fails with
// ErrExists when the key is already present.
func (c *Cache) AddToCache(key Key, taskID string, p Params, start StartFunc) (*Entry, error) {
	c.mu.Lock()
	if _, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return nil, ErrExists
	}
	e := c.createLocked(key, taskID, p)
	c.mu.Unlock()

	start(e)
	return e, nil
}

func (c *Cache) createLocked(key Key, taskID string, p Params) *Entry {
	e := newEntry(key, p, c.now())
	e.refs[taskID] = true
	c.entries[key] = e
	return e
}

// Reference adds taskID to an existing entry.
func (c *Cache) Reference(key Key, taskID string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	e.refs[taskID] = true
	e.lastAccessed = c.now()
	return e, nil
}

// Has reports whether key is cached.
func (c *Cache) Has(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Get returns the entry for key.
func (c *Cache) Get(key Key) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok {
		e.lastAccessed = c.now()
	}
	return e, ok
}

// ForceRemove detaches the entry for key regardless of references and
// cancels its fetch. Tasks already holding the entry keep its current rows;
// no further batches reach them.
func (c *Cache) ForceRemove(key Key) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		c.detachLocked(e)
	}
	c.mu.Unlock()
	if ok {
		c.logger.Debug("cache entry force-removed", "key", key)
	}
	return ok
}

// Release drops taskID from the entry for key. The entry is evicted, and a
// running fetch cancelled, once no task references it. It reports whether
// the entry was evicted.
func (c *Cache) Release(key Key, taskID string) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(e.refs, taskID)
	evicted := len(e.refs) == 0
	if evicted {
		c.detachLocked(e)
	}
	c.mu.Unlock()
	if evicted {
		c.logger.Debug("cache entry evicted", "key", key)
	}
	return evicted
}

// CancelInterest marks taskID as no longer wanting new batches. When no
// referencing task is still interested the fetch is cancelled; the entry
// stays until released.
func (c *Cache) CancelInterest(key Key, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if _, ref := e.refs[taskID]; ref {
		e.refs[taskID] = false
	}
	for _, live := range e.refs {
		if live {
			return
		}
	}
	e.abandoned = true
	e.cancel(ErrAbandoned)
}

// AppendBatch merges rows into e and returns the IDs of the tasks still
// interested in it, sorted. The entry's slice is replaced, never modified,
// so earlier snapshots stay valid. Batches for detached entries are dropped.
func (c *Cache) AppendBatch(e *Entry, rows []record.Record) []string {
	if !query.IsSortedDescending(rows) {
		rows = slices.Clone(rows)
		query.SortDescending(rows)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e.detached {
		return nil
	}
	merged := query.MergeDescending(e.Snapshot(), rows)
	e.rows.Store(&merged)
	e.batches.Add(1)

	var tasks []string
	for id, live := range e.refs {
		if live {
			tasks = append(tasks, id)
		}
	}
	slices.Sort(tasks)
	return tasks
}

// Referencing returns the task IDs referencing key, sorted.
func (c *Cache) Referencing(key Key) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(e.refs))
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats counts cached entries by status.
func (c *Cache) Stats() map[Status]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Status]int)
	for _, e := range c.entries {
		out[e.Status()]++
	}
	return out
}

// Reset detaches and cancels every entry.
func (c *Cache) Reset() {
	c.mu.Lock()
	old := c.entries
	c.entries = make(map[Key]*Entry)
	for _, e := range old {
		c.detachLocked(e)
	}
	c.mu.Unlock()
	c.logger.Info("cache reset", "entries", len(old))
}

// detachLocked unlinks e from the map (if it is still the mapped entry) and
// stops its fetch. Caller holds c.mu.
func (c *Cache) detachLocked(e *Entry) {
	if c.entries[e.Key] == e {
		delete(c.entries, e.Key)
	}
	e.detached = true
	e.cancel(ErrDetached)
}
