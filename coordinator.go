package reconcile

import (
	"fmt"
	"time"

	"github.com/golang/glog"

	"golang.org/x/sync/singleflight"
)

type MutationOp string

const (
	MutationOpCreate  MutationOp = "create"
	MutationOpUpdate  MutationOp = "update"
	MutationOpArchive MutationOp = "archive"
	MutationOpDelete  MutationOp = "delete"
)

// ephemeral descriptor of one in-flight operation. The snapshot is the
// pre-mutation state of every affected cache entry, kept for rollback.
type MutationIntent struct {
	Id         Id
	EntityType EntityType
	Op         MutationOp
	TargetId   string
	Payload    Record

	snapshot *CacheSnapshot
}

func DefaultCoordinatorSettings() *CoordinatorSettings {
	return &CoordinatorSettings{
		// how long reads must distrust the fast tier after a write
		ConsistencyWindowDuration: 2500 * time.Millisecond,
		// the debounced follow-up authoritative fetch
		SafetyRefetchDelay: 1200 * time.Millisecond,
	}
}

type CoordinatorSettings struct {
	ConsistencyWindowDuration time.Duration
	SafetyRefetchDelay        time.Duration
}

// MutationCoordinator orchestrates one mutation end to end: synchronous
// optimistic cache apply, network write, reconcile on success or rollback on
// failure, then window extension, hydration, and the safety refetch.
//
// Two concurrent writes to the same id are not fenced: the last network
// response to resolve wins. Convergence comes from the window plus the
// corrective fetches, not from per-request sequencing.
type MutationCoordinator struct {
	api      *AurumApi
	cache    *LocalCache
	windows  *ConsistencyWindowStore
	adapters map[EntityType]*EntityAdapter
	settings *CoordinatorSettings

	readPath  *ReadPathSelector
	hydration *HydrationFetcher
	safety    *SafetyRefetchScheduler
}

func NewMutationCoordinatorWithDefaults(
	api *AurumApi,
	cache *LocalCache,
	windows *ConsistencyWindowStore,
) *MutationCoordinator {
	return NewMutationCoordinator(api, cache, windows, DefaultAdapters(), DefaultCoordinatorSettings())
}

func NewMutationCoordinator(
	api *AurumApi,
	cache *LocalCache,
	windows *ConsistencyWindowStore,
	adapters []*EntityAdapter,
	settings *CoordinatorSettings,
) *MutationCoordinator {
	adapterMap := map[EntityType]*EntityAdapter{}
	for _, adapter := range adapters {
		adapterMap[adapter.EntityType] = adapter
	}

	fetchGroup := &singleflight.Group{}
	hydration := NewHydrationFetcher(api, cache, adapterMap, fetchGroup)

	return &MutationCoordinator{
		api:       api,
		cache:     cache,
		windows:   windows,
		adapters:  adapterMap,
		settings:  settings,
		readPath:  NewReadPathSelector(api, cache, windows, adapterMap, fetchGroup),
		hydration: hydration,
		safety:    NewSafetyRefetchScheduler(hydration),
	}
}

func (self *MutationCoordinator) ReadPath() *ReadPathSelector {
	return self.readPath
}

func (self *MutationCoordinator) Cache() *LocalCache {
	return self.cache
}

// cache-then-network read, see ReadPathSelector
func (self *MutationCoordinator) Read(entityType EntityType, filter Filter, errorCallback ReadErrorFunction) (*QueryCacheEntry, bool) {
	return self.readPath.Read(entityType, filter, errorCallback)
}

// teardown: cancels pending safety timers. In-flight fetches are abandoned
// by closing the api.
func (self *MutationCoordinator) Close() {
	self.safety.CancelAll()
}

func (self *MutationCoordinator) Create(entityType EntityType, payload Record, callback RecordCallback) {
	adapter, ok := self.adapters[entityType]
	if !ok {
		callback.Result(nil, fmt.Errorf("no adapter for entity type %s", entityType))
		return
	}

	optimistic := payload.Clone()
	optimistic["id"] = NewTempId()

	intent := &MutationIntent{
		Id:         NewId(),
		EntityType: entityType,
		Op:         MutationOpCreate,
		Payload:    payload.Clone(),
		snapshot:   self.cache.Snapshot(entityType),
	}

	self.cache.Insert(entityType, func(filter Filter) bool {
		return adapter.Matches(optimistic, filter)
	}, optimistic)

	go self.confirmCreate(adapter, intent, optimistic.Id(), callback)
}

func (self *MutationCoordinator) CreateSync(entityType EntityType, payload Record) (Record, error) {
	callback, c := NewBlockingApiCallback[Record]()
	self.Create(entityType, payload, callback)
	result := <-c
	return result.Result, result.Error
}

func (self *MutationCoordinator) confirmCreate(adapter *EntityAdapter, intent *MutationIntent, tempId string, callback RecordCallback) {
	serverRecord, err := self.api.CreateRecordSync(adapter.CollectionPath, intent.Payload)
	if err != nil {
		self.rollback(intent, err)
		callback.Result(nil, err)
		return
	}

	// replace the temp-id record in place, server fields winning over
	// optimistic ones
	self.cache.Patch(intent.EntityType, func(record Record) bool {
		return record.Id() == tempId
	}, func(record Record) Record {
		merged, mergeErr := MergeRecords(record, serverRecord)
		if mergeErr != nil {
			return serverRecord.Clone()
		}
		return merged
	})

	self.confirmed(intent)
	callback.Result(serverRecord, nil)
}

func (self *MutationCoordinator) Update(entityType EntityType, id string, patch Record, callback RecordCallback) {
	adapter, ok := self.adapters[entityType]
	if !ok {
		callback.Result(nil, fmt.Errorf("no adapter for entity type %s", entityType))
		return
	}

	intent := &MutationIntent{
		Id:         NewId(),
		EntityType: entityType,
		Op:         MutationOpUpdate,
		TargetId:   id,
		Payload:    patch.Clone(),
		snapshot:   self.cache.Snapshot(entityType),
	}

	self.patchCached(entityType, id, patch)

	go self.confirmWrite(adapter, intent, callback)
}

func (self *MutationCoordinator) UpdateSync(entityType EntityType, id string, patch Record) (Record, error) {
	callback, c := NewBlockingApiCallback[Record]()
	self.Update(entityType, id, patch, callback)
	result := <-c
	return result.Result, result.Error
}

// Archive is a specialized update. Beyond the field patch, the record must
// logically move between the active and archived views, so entry membership
// is reconciled and the follow-up hydration re-fetches the partitioned
// entries.
func (self *MutationCoordinator) Archive(entityType EntityType, id string, archived bool, callback RecordCallback) {
	adapter, ok := self.adapters[entityType]
	if !ok {
		callback.Result(nil, fmt.Errorf("no adapter for entity type %s", entityType))
		return
	}
	if !adapter.PartitionsOnArchived {
		callback.Result(nil, ErrArchiveUnsupported)
		return
	}

	patch := Record{
		"archived": archived,
	}

	intent := &MutationIntent{
		Id:         NewId(),
		EntityType: entityType,
		Op:         MutationOpArchive,
		TargetId:   id,
		Payload:    patch,
		snapshot:   self.cache.Snapshot(entityType),
	}

	self.patchCached(entityType, id, patch)
	if record, ok := self.cache.Find(entityType, id); ok {
		self.cache.Reconcile(entityType, record, func(filter Filter) bool {
			return adapter.Matches(record, filter)
		})
	}

	go self.confirmWrite(adapter, intent, callback)
}

func (self *MutationCoordinator) ArchiveSync(entityType EntityType, id string, archived bool) (Record, error) {
	callback, c := NewBlockingApiCallback[Record]()
	self.Archive(entityType, id, archived, callback)
	result := <-c
	return result.Result, result.Error
}

// optimistic merge-patch of the record wherever it appears
func (self *MutationCoordinator) patchCached(entityType EntityType, id string, patch Record) {
	self.cache.Patch(entityType, func(record Record) bool {
		return record.Id() == id
	}, func(record Record) Record {
		merged, err := MergeRecords(record, patch)
		if err != nil {
			glog.Warningf("[mutate]optimistic merge failed: %s\n", err)
			return nil
		}
		return merged
	})
}

// shared success/failure handling for update and archive
func (self *MutationCoordinator) confirmWrite(adapter *EntityAdapter, intent *MutationIntent, callback RecordCallback) {
	serverRecord, err := self.api.UpdateRecordSync(adapter.CollectionPath, intent.TargetId, intent.Payload)
	if err != nil {
		self.rollback(intent, err)
		callback.Result(nil, err)
		return
	}

	self.patchCached(intent.EntityType, intent.TargetId, serverRecord)
	if record, ok := self.cache.Find(intent.EntityType, intent.TargetId); ok {
		self.cache.Reconcile(intent.EntityType, record, func(filter Filter) bool {
			return adapter.Matches(record, filter)
		})
	}

	self.confirmed(intent)
	callback.Result(serverRecord, nil)
}

// Delete is idempotent: a 404 from the server means the record is already
// gone and resolves as success.
func (self *MutationCoordinator) Delete(entityType EntityType, id string, callback DeleteCallback) {
	adapter, ok := self.adapters[entityType]
	if !ok {
		callback.Result(nil, fmt.Errorf("no adapter for entity type %s", entityType))
		return
	}

	intent := &MutationIntent{
		Id:         NewId(),
		EntityType: entityType,
		Op:         MutationOpDelete,
		TargetId:   id,
		snapshot:   self.cache.Snapshot(entityType),
	}

	self.cache.Remove(entityType, id)

	go self.confirmDelete(adapter, intent, callback)
}

func (self *MutationCoordinator) DeleteSync(entityType EntityType, id string) (*DeleteResult, error) {
	callback, c := NewBlockingApiCallback[*DeleteResult]()
	self.Delete(entityType, id, callback)
	result := <-c
	return result.Result, result.Error
}

func (self *MutationCoordinator) confirmDelete(adapter *EntityAdapter, intent *MutationIntent, callback DeleteCallback) {
	result, err := self.api.DeleteRecordSync(adapter.CollectionPath, intent.TargetId)
	if err != nil {
		if !IsNotFound(err) {
			self.rollback(intent, err)
			callback.Result(nil, err)
			return
		}
		// already gone
		glog.V(1).Infof("[mutate]%s delete %s: already gone\n", intent.EntityType, intent.TargetId)
		result = &DeleteResult{}
	}

	self.confirmed(intent)

	// a cascaded row can disappear from a dependent's fast tier late, so
	// dependents get the same staleness treatment
	for _, dependent := range adapter.CascadeTypes {
		self.cache.Invalidate(dependent)
		self.windows.Extend(dependent, self.settings.ConsistencyWindowDuration)
	}

	callback.Result(result, nil)
}

func (self *MutationCoordinator) confirmed(intent *MutationIntent) {
	self.windows.Extend(intent.EntityType, self.settings.ConsistencyWindowDuration)
	self.hydration.Run(intent.EntityType)
	self.safety.Schedule(intent.EntityType, self.settings.SafetyRefetchDelay)
	glog.V(1).Infof("[mutate]%s %s confirmed\n", intent.EntityType, intent.Op)
}

func (self *MutationCoordinator) rollback(intent *MutationIntent, err error) {
	self.cache.Restore(intent.snapshot)
	glog.V(1).Infof("[mutate]%s %s rolled back: %s\n", intent.EntityType, intent.Op, err)
}
