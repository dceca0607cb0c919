package reconcile

import (
	"github.com/golang/glog"

	"golang.org/x/sync/singleflight"
)

// HydrationFetcher reissues every cached query of an entity type against the
// authoritative endpoint right after a mutation, correcting the optimistic
// cache sooner than the consistency window's passive expiry would.
//
// Failures are logged and dropped: the optimistic cache plus the active
// window are an acceptable fallback, and the mutation that triggered the
// hydration has already resolved.
type HydrationFetcher struct {
	api      *AurumApi
	cache    *LocalCache
	adapters map[EntityType]*EntityAdapter

	fetchGroup *singleflight.Group
}

func NewHydrationFetcher(
	api *AurumApi,
	cache *LocalCache,
	adapters map[EntityType]*EntityAdapter,
	fetchGroup *singleflight.Group,
) *HydrationFetcher {
	return &HydrationFetcher{
		api:        api,
		cache:      cache,
		adapters:   adapters,
		fetchGroup: fetchGroup,
	}
}

// fire-and-forget
func (self *HydrationFetcher) Run(entityType EntityType) {
	go self.run(entityType)
}

func (self *HydrationFetcher) run(entityType EntityType) {
	adapter, ok := self.adapters[entityType]
	if !ok {
		return
	}
	for _, filter := range self.cache.Filters(entityType) {
		// always authoritative, regardless of window state
		err := fetchList(self.api, self.cache, self.fetchGroup, adapter, filter, true)
		if err != nil {
			glog.Warningf("[hydrate]%s %s failed: %s\n", entityType, filter.Signature(), err)
		} else {
			glog.V(2).Infof("[hydrate]%s %s\n", entityType, filter.Signature())
		}
	}
}
