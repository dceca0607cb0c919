package reconcile

import (
	"fmt"

	"github.com/golang/glog"

	"golang.org/x/sync/singleflight"
)

// a non-fatal background read failure. The last good cache value stays in
// place; the UI decides whether to show anything.
type ReadErrorFunction = func(err error)

// ReadPathSelector serves every read cache-then-network: the current cache
// entry is returned synchronously, and a background fetch refreshes it. The
// background fetch goes to the authoritative endpoint while the entity's
// consistency window is active, the fast endpoint otherwise.
type ReadPathSelector struct {
	api      *AurumApi
	cache    *LocalCache
	windows  *ConsistencyWindowStore
	adapters map[EntityType]*EntityAdapter

	// dedupes concurrent fetches of the same (entityType, filter, path),
	// shared with the hydration fetcher
	fetchGroup *singleflight.Group
}

func NewReadPathSelector(
	api *AurumApi,
	cache *LocalCache,
	windows *ConsistencyWindowStore,
	adapters map[EntityType]*EntityAdapter,
	fetchGroup *singleflight.Group,
) *ReadPathSelector {
	return &ReadPathSelector{
		api:        api,
		cache:      cache,
		windows:    windows,
		adapters:   adapters,
		fetchGroup: fetchGroup,
	}
}

// Read never blocks on the network for a warm cache. The background fetch
// outcome arrives via cache subscription, or via `errorCallback` on failure.
func (self *ReadPathSelector) Read(entityType EntityType, filter Filter, errorCallback ReadErrorFunction) (*QueryCacheEntry, bool) {
	entry, ok := self.cache.Get(entityType, filter)
	go self.refresh(entityType, filter, errorCallback)
	return entry, ok
}

func (self *ReadPathSelector) refresh(entityType EntityType, filter Filter, errorCallback ReadErrorFunction) {
	adapter, ok := self.adapters[entityType]
	if !ok {
		return
	}
	authoritative := self.windows.IsActive(entityType)
	err := fetchList(self.api, self.cache, self.fetchGroup, adapter, filter, authoritative)
	if err != nil {
		glog.V(1).Infof("[read]%s %s failed: %s\n", entityType, filter.Signature(), err)
		if errorCallback != nil {
			func() {
				defer recover()
				errorCallback(err)
			}()
		}
	}
}

// fetchList resolves one list query and overwrites the cache entry with the
// server's ground truth. Concurrent identical fetches collapse to one call.
func fetchList(
	api *AurumApi,
	cache *LocalCache,
	fetchGroup *singleflight.Group,
	adapter *EntityAdapter,
	filter Filter,
	authoritative bool,
) error {
	path := "fast"
	if authoritative {
		path = "strong"
	}
	key := fmt.Sprintf("%s/%s/%s", adapter.EntityType, filter.Signature(), path)
	_, err, _ := fetchGroup.Do(key, func() (any, error) {
		records, err := api.ListRecordsSync(adapter.CollectionPath, adapter.ListQuery(filter), authoritative)
		if err != nil {
			return nil, err
		}
		cache.Set(adapter.EntityType, filter, records)
		return nil, nil
	})
	return err
}
