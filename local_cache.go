package reconcile

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// one query result, in display order
type QueryCacheEntry struct {
	Records       []Record
	LastWrittenAt time.Time
}

func (self *QueryCacheEntry) clone() *QueryCacheEntry {
	records := make([]Record, len(self.Records))
	for i, record := range self.Records {
		records[i] = record.Clone()
	}
	return &QueryCacheEntry{
		Records:       records,
		LastWrittenAt: self.LastWrittenAt,
	}
}

// comparable
type cacheKey struct {
	entityType EntityType
	filter     Filter
}

// pre-mutation state of every entry of one entity type, retained by a
// MutationIntent for rollback
type CacheSnapshot struct {
	entityType EntityType
	entries    map[Filter]*QueryCacheEntry
}

type CacheChangeFunction = func(entityType EntityType)

// LocalCache is the in-memory keyed store of query results. All operations
// are synchronous; subscribers are notified outside the state lock, after
// the store already reflects the change.
//
// Constructed at app start and cleared at logout. Not ambient state.
type LocalCache struct {
	stateLock sync.Mutex
	entries   map[cacheKey]*QueryCacheEntry

	changeCallbacks *CallbackList[CacheChangeFunction]
}

func NewLocalCache() *LocalCache {
	return &LocalCache{
		entries:         map[cacheKey]*QueryCacheEntry{},
		changeCallbacks: NewCallbackList[CacheChangeFunction](),
	}
}

// the returned unsub must be called on teardown so a disposed component is
// not called back
func (self *LocalCache) Subscribe(entityType EntityType, callback func()) func() {
	callbackId := self.changeCallbacks.Add(func(changedEntityType EntityType) {
		if changedEntityType == entityType {
			callback()
		}
	})
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *LocalCache) SubscribeAll(callback CacheChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *LocalCache) notify(entityType EntityType) {
	for _, callback := range self.changeCallbacks.Get() {
		func() {
			defer recover()
			callback(entityType)
		}()
	}
}

// Get returns a deep copy so callers cannot mutate the store behind the lock
func (self *LocalCache) Get(entityType EntityType, filter Filter) (*QueryCacheEntry, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[cacheKey{entityType, filter}]
	if !ok {
		return nil, false
	}
	return entry.clone(), true
}

// filters that currently have a cached entry for the type
func (self *LocalCache) Filters(entityType EntityType) []Filter {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	filters := []Filter{}
	for key := range self.entries {
		if key.entityType == entityType {
			filters = append(filters, key.filter)
		}
	}
	return filters
}

func (self *LocalCache) Set(entityType EntityType, filter Filter, records []Record) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		entry := &QueryCacheEntry{
			Records:       records,
			LastWrittenAt: time.Now(),
		}
		self.entries[cacheKey{entityType, filter}] = entry.clone()
	}()
	self.notify(entityType)
}

// Patch applies `updater` to every record matching `predicate` in every
// entry of the type. A nil return from `updater` keeps the record unchanged.
// The scan is O(entries * records); entry counts are small by construction
// (a handful of filter combinations per type).
func (self *LocalCache) Patch(entityType EntityType, predicate func(Record) bool, updater func(Record) Record) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for key, entry := range self.entries {
			if key.entityType != entityType {
				continue
			}
			for i, record := range entry.Records {
				if !predicate(record) {
					continue
				}
				if next := updater(record.Clone()); next != nil {
					entry.Records[i] = next
					entry.LastWrittenAt = time.Now()
					changed = true
				}
			}
		}
	}()
	if changed {
		self.notify(entityType)
	}
}

// Insert prepends the record into every entry whose filter matches,
// preserving display order for the rest
func (self *LocalCache) Insert(entityType EntityType, match func(Filter) bool, record Record) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for key, entry := range self.entries {
			if key.entityType != entityType || !match(key.filter) {
				continue
			}
			entry.Records = append([]Record{record.Clone()}, entry.Records...)
			entry.LastWrittenAt = time.Now()
			changed = true
		}
	}()
	if changed {
		self.notify(entityType)
	}
}

// Find returns the first cached occurrence of the id
func (self *LocalCache) Find(entityType EntityType, id string) (Record, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for key, entry := range self.entries {
		if key.entityType != entityType {
			continue
		}
		for _, record := range entry.Records {
			if record.Id() == id {
				return record.Clone(), true
			}
		}
	}
	return nil, false
}

// Reconcile moves a record between filtered views after its fields changed:
// prepended into entries it now matches, removed from entries it no longer
// does. Entries where membership is already correct keep their order.
func (self *LocalCache) Reconcile(entityType EntityType, record Record, matches func(Filter) bool) {
	id := record.Id()
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for key, entry := range self.entries {
			if key.entityType != entityType {
				continue
			}
			contains := false
			for _, cached := range entry.Records {
				if cached.Id() == id {
					contains = true
					break
				}
			}
			should := matches(key.filter)
			if should && !contains {
				entry.Records = append([]Record{record.Clone()}, entry.Records...)
				entry.LastWrittenAt = time.Now()
				changed = true
			} else if !should && contains {
				records := make([]Record, 0, len(entry.Records))
				for _, cached := range entry.Records {
					if cached.Id() != id {
						records = append(records, cached)
					}
				}
				entry.Records = records
				entry.LastWrittenAt = time.Now()
				changed = true
			}
		}
	}()
	if changed {
		self.notify(entityType)
	}
}

// Remove deletes the record with that id from every entry of the type
func (self *LocalCache) Remove(entityType EntityType, id string) {
	self.RemoveWhere(entityType, id, func(Filter) bool {
		return true
	})
}

func (self *LocalCache) RemoveWhere(entityType EntityType, id string, match func(Filter) bool) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for key, entry := range self.entries {
			if key.entityType != entityType || !match(key.filter) {
				continue
			}
			records := make([]Record, 0, len(entry.Records))
			for _, record := range entry.Records {
				if record.Id() != id {
					records = append(records, record)
				}
			}
			if len(records) != len(entry.Records) {
				entry.Records = records
				entry.LastWrittenAt = time.Now()
				changed = true
			}
		}
	}()
	if changed {
		self.notify(entityType)
	}
}

// Invalidate drops every entry of the type so the next read misses and
// refetches. Used for delete cascades into dependent types.
func (self *LocalCache) Invalidate(entityType EntityType) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for key := range self.entries {
			if key.entityType == entityType {
				delete(self.entries, key)
				changed = true
			}
		}
	}()
	if changed {
		self.notify(entityType)
	}
}

func (self *LocalCache) Snapshot(entityType EntityType) *CacheSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entries := map[Filter]*QueryCacheEntry{}
	for key, entry := range self.entries {
		if key.entityType == entityType {
			entries[key.filter] = entry.clone()
		}
	}
	return &CacheSnapshot{
		entityType: entityType,
		entries:    entries,
	}
}

// Restore puts the type's entries back exactly as the snapshot recorded
// them, including dropping entries created since
func (self *LocalCache) Restore(snapshot *CacheSnapshot) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for key := range self.entries {
			if key.entityType == snapshot.entityType {
				delete(self.entries, key)
			}
		}
		for filter, entry := range snapshot.entries {
			self.entries[cacheKey{snapshot.entityType, filter}] = entry.clone()
		}
	}()
	self.notify(snapshot.entityType)
}

// logout
func (self *LocalCache) Clear() {
	var entityTypes []EntityType
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		entityTypeSet := map[EntityType]bool{}
		for key := range self.entries {
			entityTypeSet[key.entityType] = true
		}
		entityTypes = maps.Keys(entityTypeSet)
		self.entries = map[cacheKey]*QueryCacheEntry{}
	}()
	for _, entityType := range entityTypes {
		self.notify(entityType)
	}
}
