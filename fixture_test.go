package reconcile

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// in-process stand-in for the backend: an authoritative store plus a fast
// tier copy that only advances when the test says so, which is exactly the
// bounded-staleness behavior the engine exists to paper over.
type fixtureServer struct {
	server *httptest.Server

	stateLock sync.Mutex
	nextId    int

	// per collection, newest first
	records     map[string][]Record
	fastRecords map[string][]Record

	// method+path -> status code to force on the next matching request
	failNext map[string]int

	// applied to every write before it resolves
	writeLatency time.Duration

	requests    []string
	authHeaders []string
}

var fixtureCollections = []string{"pillars", "areas", "projects", "tasks", "journal/entries"}

func newFixtureServer() *fixtureServer {
	self := &fixtureServer{
		nextId:      1,
		records:     map[string][]Record{},
		fastRecords: map[string][]Record{},
		failNext:    map[string]int{},
	}

	router := chi.NewRouter()
	for _, collection := range fixtureCollections {
		collection := collection
		router.Get("/"+collection, func(w http.ResponseWriter, r *http.Request) {
			self.list(w, r, collection)
		})
		router.Post("/"+collection, func(w http.ResponseWriter, r *http.Request) {
			self.create(w, r, collection)
		})
		router.Put("/"+collection+"/{id}", func(w http.ResponseWriter, r *http.Request) {
			self.update(w, r, collection)
		})
		router.Delete("/"+collection+"/{id}", func(w http.ResponseWriter, r *http.Request) {
			self.delete(w, r, collection)
		})
	}

	self.server = httptest.NewServer(router)
	return self
}

func (self *fixtureServer) Close() {
	self.server.Close()
}

func (self *fixtureServer) Url() string {
	return self.server.URL
}

// advance the fast tier to the authoritative state
func (self *fixtureServer) SyncFast() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for collection, records := range self.records {
		self.fastRecords[collection] = cloneRecords(records)
	}
}

func (self *fixtureServer) FailNext(method string, collection string, statusCode int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.failNext[method+" /"+collection] = statusCode
}

func (self *fixtureServer) SetWriteLatency(latency time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.writeLatency = latency
}

func (self *fixtureServer) Requests() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return append([]string{}, self.requests...)
}

func (self *fixtureServer) Seed(collection string, record Record) Record {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	record = record.Clone()
	if record.Id() == "" {
		record["id"] = self.assignId()
	}
	self.records[collection] = append([]Record{record}, self.records[collection]...)
	self.fastRecords[collection] = cloneRecords(self.records[collection])
	return record.Clone()
}

// must be called with stateLock
func (self *fixtureServer) assignId() string {
	id := fmt.Sprintf("srv-%04d", self.nextId)
	self.nextId += 1
	return id
}

// must be called with stateLock
func (self *fixtureServer) failStatus(method string, collection string) int {
	key := method + " /" + collection
	if statusCode, ok := self.failNext[key]; ok {
		delete(self.failNext, key)
		return statusCode
	}
	return 0
}

func (self *fixtureServer) record(r *http.Request) {
	self.requests = append(self.requests, r.Method+" "+r.URL.RequestURI())
	self.authHeaders = append(self.authHeaders, r.Header.Get("Authorization"))
}

func writeJson(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func writeDetail(w http.ResponseWriter, statusCode int, detail string) {
	writeJson(w, statusCode, map[string]string{"detail": detail})
}

func cloneRecords(records []Record) []Record {
	out := make([]Record, len(records))
	for i, record := range records {
		out[i] = record.Clone()
	}
	return out
}

func (self *fixtureServer) list(w http.ResponseWriter, r *http.Request, collection string) {
	self.stateLock.Lock()
	self.record(r)
	if statusCode := self.failStatus("GET", collection); statusCode != 0 {
		self.stateLock.Unlock()
		writeDetail(w, statusCode, "forced failure")
		return
	}

	authoritative := r.URL.Query().Get("consistency") == "strong"
	var records []Record
	if authoritative {
		records = cloneRecords(self.records[collection])
	} else {
		records = cloneRecords(self.fastRecords[collection])
	}
	self.stateLock.Unlock()

	includeArchived := r.URL.Query().Get("include_archived") == "true"
	filtered := []Record{}
	for _, record := range records {
		if !includeArchived && record.Archived() {
			continue
		}
		filtered = append(filtered, record)
	}
	writeJson(w, http.StatusOK, filtered)
}

func (self *fixtureServer) create(w http.ResponseWriter, r *http.Request, collection string) {
	var payload Record
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid json")
		return
	}

	self.stateLock.Lock()
	self.record(r)
	latency := self.writeLatency
	statusCode := self.failStatus("POST", collection)
	self.stateLock.Unlock()

	if 0 < latency {
		time.Sleep(latency)
	}
	if statusCode != 0 {
		writeDetail(w, statusCode, "forced failure")
		return
	}
	if name, ok := payload["name"].(string); ok && name == "" {
		writeDetail(w, http.StatusBadRequest, "name must not be empty")
		return
	}

	self.stateLock.Lock()
	record := payload.Clone()
	record["id"] = self.assignId()
	record["created_at"] = time.Now().UTC().Format(time.RFC3339)
	self.records[collection] = append([]Record{record}, self.records[collection]...)
	self.stateLock.Unlock()

	writeJson(w, http.StatusOK, record)
}

func (self *fixtureServer) update(w http.ResponseWriter, r *http.Request, collection string) {
	id := chi.URLParam(r, "id")

	var patch Record
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid json")
		return
	}

	self.stateLock.Lock()
	self.record(r)
	latency := self.writeLatency
	statusCode := self.failStatus("PUT", collection)
	self.stateLock.Unlock()

	if 0 < latency {
		time.Sleep(latency)
	}
	if statusCode != 0 {
		writeDetail(w, statusCode, "forced failure")
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for i, record := range self.records[collection] {
		if record.Id() == id {
			updated := record.Clone()
			for field, value := range patch {
				updated[field] = value
			}
			updated["updated_at"] = time.Now().UTC().Format(time.RFC3339)
			self.records[collection][i] = updated
			writeJson(w, http.StatusOK, updated)
			return
		}
	}
	writeDetail(w, http.StatusNotFound, "not found")
}

func (self *fixtureServer) delete(w http.ResponseWriter, r *http.Request, collection string) {
	id := chi.URLParam(r, "id")

	self.stateLock.Lock()
	self.record(r)
	latency := self.writeLatency
	statusCode := self.failStatus("DELETE", collection)
	self.stateLock.Unlock()

	if 0 < latency {
		time.Sleep(latency)
	}
	if statusCode != 0 {
		writeDetail(w, statusCode, "forced failure")
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for i, record := range self.records[collection] {
		if record.Id() == id {
			self.records[collection] = append(
				cloneRecords(self.records[collection][:i]),
				self.records[collection][i+1:]...,
			)
			writeJson(w, http.StatusOK, map[string]string{"message": "deleted"})
			return
		}
	}
	writeDetail(w, http.StatusNotFound, "not found")
}

func newTestSettings() *CoordinatorSettings {
	return &CoordinatorSettings{
		ConsistencyWindowDuration: 400 * time.Millisecond,
		SafetyRefetchDelay:        100 * time.Millisecond,
	}
}

func newTestEngine(fix *fixtureServer, settings *CoordinatorSettings) (*MutationCoordinator, *LocalCache, *ConsistencyWindowStore, func()) {
	api := NewAurumApi(fix.Url())
	api.SetByJwt("test-jwt")
	cache := NewLocalCache()
	windows := NewConsistencyWindowStore(NewMemoryWindowStorage())
	coordinator := NewMutationCoordinator(api, cache, windows, DefaultAdapters(), settings)
	closeFn := func() {
		coordinator.Close()
		api.Close()
		fix.Close()
	}
	return coordinator, cache, windows, closeFn
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	endTime := time.Now().Add(timeout)
	for time.Now().Before(endTime) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Timeout waiting for condition")
}
