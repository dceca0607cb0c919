package reconcile

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// WindowStorage is the durable backing for consistency window expiries, so a
// page-reload-equivalent (process restart) during an active window still
// forces the authoritative read path.
type WindowStorage interface {
	Load() (map[EntityType]time.Time, error)
	Store(expiries map[EntityType]time.Time) error
}

type MemoryWindowStorage struct {
	mutex    sync.Mutex
	expiries map[EntityType]time.Time
}

func NewMemoryWindowStorage() *MemoryWindowStorage {
	return &MemoryWindowStorage{
		expiries: map[EntityType]time.Time{},
	}
}

func (self *MemoryWindowStorage) Load() (map[EntityType]time.Time, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Clone(self.expiries), nil
}

func (self *MemoryWindowStorage) Store(expiries map[EntityType]time.Time) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.expiries = maps.Clone(expiries)
	return nil
}

// FileWindowStorage persists one `<ENTITY>_FORCE_STANDARD_UNTIL=<epoch ms>`
// line per entity type. The file is scoped per user by the caller.
type FileWindowStorage struct {
	path string
}

func NewFileWindowStorage(path string) *FileWindowStorage {
	return &FileWindowStorage{
		path: path,
	}
}

func (self *FileWindowStorage) Load() (map[EntityType]time.Time, error) {
	expiries := map[EntityType]time.Time{}

	file, err := os.Open(self.path)
	if err != nil {
		if os.IsNotExist(err) {
			return expiries, nil
		}
		return nil, fmt.Errorf("open: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		entityType, ok := entityTypeForStorageKey(key)
		if !ok {
			continue
		}
		millis, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		expiries[entityType] = time.UnixMilli(millis)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return expiries, nil
}

func (self *FileWindowStorage) Store(expiries map[EntityType]time.Time) error {
	lines := []string{}
	for entityType, expiry := range expiries {
		lines = append(lines, fmt.Sprintf("%s=%d", entityType.StorageKey(), expiry.UnixMilli()))
	}
	data := []byte(strings.Join(lines, "\n") + "\n")
	if err := os.WriteFile(self.path, data, 0600); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func entityTypeForStorageKey(key string) (EntityType, bool) {
	suffix := "_FORCE_STANDARD_UNTIL"
	if !strings.HasSuffix(key, suffix) {
		return "", false
	}
	return EntityType(strings.ToLower(strings.TrimSuffix(key, suffix))), true
}

// ConsistencyWindowStore marks, per entity type, "distrust the fast read
// path until T". Setting a window only ever extends T (monotonic max): a
// later, shorter write must not re-expose the staleness gap opened by an
// earlier one.
type ConsistencyWindowStore struct {
	storage WindowStorage

	stateLock sync.Mutex
	expiries  map[EntityType]time.Time
}

func NewConsistencyWindowStore(storage WindowStorage) *ConsistencyWindowStore {
	expiries, err := storage.Load()
	if err != nil {
		// start with no active windows rather than refusing to run
		glog.Warningf("[window]load failed: %s\n", err)
		expiries = map[EntityType]time.Time{}
	}
	return &ConsistencyWindowStore{
		storage:  storage,
		expiries: expiries,
	}
}

// Extend returns the effective expiry after the monotonic-max merge
func (self *ConsistencyWindowStore) Extend(entityType EntityType, duration time.Duration) time.Time {
	var expiry time.Time
	var persistErr error
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		expiry = time.Now().Add(duration)
		if current, ok := self.expiries[entityType]; ok && expiry.Before(current) {
			expiry = current
		}
		self.expiries[entityType] = expiry

		// the in-memory window is already extended; a persistence failure
		// only weakens reload behavior
		persistErr = self.storage.Store(maps.Clone(self.expiries))
	}()
	if persistErr != nil {
		glog.Warningf("[window]persist failed: %s\n", persistErr)
	}
	glog.V(2).Infof("[window]%s until %d\n", entityType, expiry.UnixMilli())
	return expiry
}

func (self *ConsistencyWindowStore) IsActive(entityType EntityType) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	expiry, ok := self.expiries[entityType]
	return ok && time.Now().Before(expiry)
}

func (self *ConsistencyWindowStore) ExpiresAt(entityType EntityType) (time.Time, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	expiry, ok := self.expiries[entityType]
	return expiry, ok
}
