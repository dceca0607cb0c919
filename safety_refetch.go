package reconcile

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// SafetyRefetchScheduler arms one debounced authoritative refetch per entity
// type, shortly after a mutation. It guards the race where the hydration
// fetch resolves before the write is visible even on the authoritative path
// (replication lag upstream of that endpoint).
//
// A new schedule inside the pending delay restarts the timer: only the last
// mutation's safety check fires.
type SafetyRefetchScheduler struct {
	hydration *HydrationFetcher

	stateLock sync.Mutex
	timers    map[EntityType]*time.Timer
}

func NewSafetyRefetchScheduler(hydration *HydrationFetcher) *SafetyRefetchScheduler {
	return &SafetyRefetchScheduler{
		hydration: hydration,
		timers:    map[EntityType]*time.Timer{},
	}
}

func (self *SafetyRefetchScheduler) Schedule(entityType EntityType, delay time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if timer, ok := self.timers[entityType]; ok {
		timer.Stop()
	}
	self.timers[entityType] = time.AfterFunc(delay, func() {
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			delete(self.timers, entityType)
		}()
		glog.V(2).Infof("[safety]%s refetch\n", entityType)
		self.hydration.run(entityType)
	})
}

func (self *SafetyRefetchScheduler) Pending(entityType EntityType) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.timers[entityType]
	return ok
}

func (self *SafetyRefetchScheduler) Cancel(entityType EntityType) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if timer, ok := self.timers[entityType]; ok {
		timer.Stop()
		delete(self.timers, entityType)
	}
}

// teardown
func (self *SafetyRefetchScheduler) CancelAll() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for entityType, timer := range self.timers {
		timer.Stop()
		delete(self.timers, entityType)
	}
}
