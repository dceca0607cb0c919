package reconcile

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"golang.org/x/sync/singleflight"
)

func newTestHydration(fix *fixtureServer) (*HydrationFetcher, *LocalCache) {
	api := NewAurumApi(fix.Url())
	api.SetByJwt("test-jwt")
	cache := NewLocalCache()
	adapters := map[EntityType]*EntityAdapter{}
	for _, adapter := range DefaultAdapters() {
		adapters[adapter.EntityType] = adapter
	}
	return NewHydrationFetcher(api, cache, adapters, &singleflight.Group{}), cache
}

func TestHydrationReplacesCachedEntries(t *testing.T) {
	fix := newFixtureServer()
	defer fix.Close()
	hydration, cache := newTestHydration(fix)

	fix.Seed("areas", Record{"id": "a1", "archived": false})
	cache.Set(EntityTypeArea, activeFilter(), []Record{{"id": "optimistic"}})
	cache.Set(EntityTypeArea, archivedFilter(), []Record{{"id": "optimistic"}})

	hydration.Run(EntityTypeArea)

	// every cached filter of the type is refetched authoritatively
	waitFor(t, time.Second, func() bool {
		entry, ok := cache.Get(EntityTypeArea, activeFilter())
		if !ok || len(entry.Records) != 1 || entry.Records[0].Id() != "a1" {
			return false
		}
		entry, ok = cache.Get(EntityTypeArea, archivedFilter())
		return ok && len(entry.Records) == 1 && entry.Records[0].Id() == "a1"
	})
	assert.Equal(t, 2, strongRequests(fix, "GET", "areas"))
	assert.Equal(t, 0, fastRequests(fix, "GET", "areas"))
}

func TestHydrationFailureIsSilent(t *testing.T) {
	fix := newFixtureServer()
	defer fix.Close()
	hydration, cache := newTestHydration(fix)

	cache.Set(EntityTypeArea, activeFilter(), []Record{{"id": "a1"}})

	fix.FailNext("GET", "areas", 500)
	hydration.Run(EntityTypeArea)

	waitFor(t, time.Second, func() bool {
		return strongRequests(fix, "GET", "areas") == 1
	})
	// the optimistic value stays; nothing surfaces
	entry, ok := cache.Get(EntityTypeArea, activeFilter())
	assert.Equal(t, true, ok)
	assert.Equal(t, "a1", entry.Records[0].Id())
}

func TestSafetyRefetchDebounce(t *testing.T) {
	fix := newFixtureServer()
	defer fix.Close()
	hydration, cache := newTestHydration(fix)
	scheduler := NewSafetyRefetchScheduler(hydration)
	defer scheduler.CancelAll()

	fix.Seed("areas", Record{"id": "a1"})
	cache.Set(EntityTypeArea, activeFilter(), []Record{})

	// a reschedule within the delay restarts the timer: one fetch fires
	scheduler.Schedule(EntityTypeArea, 60*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	scheduler.Schedule(EntityTypeArea, 60*time.Millisecond)
	assert.Equal(t, true, scheduler.Pending(EntityTypeArea))

	waitFor(t, time.Second, func() bool {
		return !scheduler.Pending(EntityTypeArea)
	})
	waitFor(t, time.Second, func() bool {
		return strongRequests(fix, "GET", "areas") == 1
	})
	// settle, then confirm no second fetch arrives
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, strongRequests(fix, "GET", "areas"))
}

func TestSafetyRefetchCancel(t *testing.T) {
	fix := newFixtureServer()
	defer fix.Close()
	hydration, cache := newTestHydration(fix)
	scheduler := NewSafetyRefetchScheduler(hydration)

	cache.Set(EntityTypeArea, activeFilter(), []Record{})

	scheduler.Schedule(EntityTypeArea, 50*time.Millisecond)
	scheduler.Cancel(EntityTypeArea)
	assert.Equal(t, false, scheduler.Pending(EntityTypeArea))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, strongRequests(fix, "GET", "areas"))

	// debounce is per entity type
	cache.Set(EntityTypeTask, activeFilter(), []Record{})
	scheduler.Schedule(EntityTypeArea, 30*time.Millisecond)
	scheduler.Schedule(EntityTypeTask, 30*time.Millisecond)
	waitFor(t, time.Second, func() bool {
		return strongRequests(fix, "GET", "areas") == 1 && strongRequests(fix, "GET", "tasks") == 1
	})
}
