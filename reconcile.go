package reconcile

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/oklog/ulid/v2"
)

// Keeps a client-side query cache correct against a backend whose fast read
// tier can serve stale results for a bounded time after a write:
// optimistic applies, a per-entity-type consistency window that forces the
// authoritative read path, a hydration fetch after every mutation, and one
// debounced safety refetch to catch replication races.

type EntityType string

const (
	EntityTypePillar  EntityType = "pillar"
	EntityTypeArea    EntityType = "area"
	EntityTypeProject EntityType = "project"
	EntityTypeTask    EntityType = "task"
	EntityTypeJournal EntityType = "journal"
)

// durable key for the consistency window expiry, e.g. AREA_FORCE_STANDARD_UNTIL
func (self EntityType) StorageKey() string {
	return fmt.Sprintf("%s_FORCE_STANDARD_UNTIL", strings.ToUpper(string(self)))
}

// opaque entity payload. The backend returns plain json objects, so the
// engine never interprets fields beyond "id" and "archived".
type Record map[string]any

func (self Record) Id() string {
	if id, ok := self["id"].(string); ok {
		return id
	}
	return ""
}

func (self Record) Archived() bool {
	if archived, ok := self["archived"].(bool); ok {
		return archived
	}
	return false
}

// deep copy, so a snapshot can restore the exact pre-mutation state even
// when a record carries nested objects
func (self Record) Clone() Record {
	if self == nil {
		return nil
	}
	clone := Record(maps.Clone(self))
	for field, value := range clone {
		clone[field] = cloneValue(value)
	}
	return clone
}

func cloneValue(value any) any {
	switch value := value.(type) {
	case map[string]any:
		clone := maps.Clone(value)
		for field, nested := range clone {
			clone[field] = cloneValue(nested)
		}
		return clone
	case []any:
		clone := make([]any, len(value))
		for i, nested := range value {
			clone[i] = cloneValue(nested)
		}
		return clone
	default:
		return value
	}
}

const tempIdPrefix = "temp-"

// a synthesized id carried by an optimistic record until the server assigns
// the real one. The ulid keeps it time-ordered and collision free across
// rapid creates.
func NewTempId() string {
	return tempIdPrefix + ulid.Make().String()
}

func IsTempId(id string) bool {
	return strings.HasPrefix(id, tempIdPrefix)
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// Filter is the normalized tuple of list query parameters. One cache entry
// exists per (entityType, filter).
// comparable
type Filter struct {
	IncludeArchived bool
	// include_projects / include_tasks / include_areas depending on the entity
	IncludeChildren bool
}

func (self Filter) Signature() string {
	return fmt.Sprintf("archived=%t,children=%t", self.IncludeArchived, self.IncludeChildren)
}

// EntityAdapter binds the generic engine to one entity type: endpoint shape,
// list filter parameters, and the invalidation rules that differ per type.
type EntityAdapter struct {
	EntityType     EntityType
	CollectionPath string

	// query parameter for expanding linked children, "" if the list
	// endpoint has none
	ChildrenParam string

	// whether list filters split this type into active and archived views.
	// An archive toggle is only meaningful when true.
	PartitionsOnArchived bool

	// entity types whose caches must be invalidated when a record of this
	// type is deleted
	CascadeTypes []EntityType
}

func (self *EntityAdapter) ListQuery(filter Filter) url.Values {
	query := url.Values{}
	if self.PartitionsOnArchived {
		query.Set("include_archived", fmt.Sprintf("%t", filter.IncludeArchived))
	}
	if self.ChildrenParam != "" && filter.IncludeChildren {
		query.Set(self.ChildrenParam, "true")
	}
	return query
}

// whether a record logically belongs in the view selected by `filter`
func (self *EntityAdapter) Matches(record Record, filter Filter) bool {
	if self.PartitionsOnArchived && !filter.IncludeArchived && record.Archived() {
		return false
	}
	return true
}

func PillarAdapter() *EntityAdapter {
	return &EntityAdapter{
		EntityType:           EntityTypePillar,
		CollectionPath:       "pillars",
		ChildrenParam:        "include_areas",
		PartitionsOnArchived: true,
		CascadeTypes:         []EntityType{EntityTypeArea, EntityTypeProject, EntityTypeTask},
	}
}

func AreaAdapter() *EntityAdapter {
	return &EntityAdapter{
		EntityType:           EntityTypeArea,
		CollectionPath:       "areas",
		ChildrenParam:        "include_projects",
		PartitionsOnArchived: true,
		CascadeTypes:         []EntityType{EntityTypeProject, EntityTypeTask},
	}
}

func ProjectAdapter() *EntityAdapter {
	return &EntityAdapter{
		EntityType:           EntityTypeProject,
		CollectionPath:       "projects",
		ChildrenParam:        "include_tasks",
		PartitionsOnArchived: true,
		CascadeTypes:         []EntityType{EntityTypeTask},
	}
}

func TaskAdapter() *EntityAdapter {
	return &EntityAdapter{
		EntityType:           EntityTypeTask,
		CollectionPath:       "tasks",
		PartitionsOnArchived: true,
	}
}

func JournalAdapter() *EntityAdapter {
	return &EntityAdapter{
		EntityType:     EntityTypeJournal,
		CollectionPath: "journal/entries",
	}
}

func DefaultAdapters() []*EntityAdapter {
	return []*EntityAdapter{
		PillarAdapter(),
		AreaAdapter(),
		ProjectAdapter(),
		TaskAdapter(),
		JournalAdapter(),
	}
}
