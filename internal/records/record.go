package records

import (
	"strconv"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/store"
	"github.com/goccy/go-json"
	"github.com/tiendc/go-deepcopy"
)

// Record is the cached copy of one backend row plus the optimistic-write flags views render from.
type Record struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entityType"`
	ServiceID  string         `json:"serviceId"`
	Fields     map[string]any `json:"fields"`
	// LocalOnly marks a record the backend has not acknowledged yet.
	LocalOnly bool `json:"_localOnly,omitempty"`
	// Syncing marks a record with a queued CREATE.
	Syncing bool `json:"_syncing,omitempty"`
	// LocalUpdate marks local edits whose UPDATE has not synced; refreshes must not overwrite them.
	LocalUpdate bool  `json:"_localUpdate,omitempty"`
	UpdatedAt   int64 `json:"updatedAt"`
}

// Field returns one payload field.
func (r *Record) Field(name string) any {
	if r == nil || r.Fields == nil {
		return nil
	}
	return r.Fields[name]
}

// Clone returns a deep copy, so callers never share maps with the cache.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := &Record{}
	if err := deepcopy.Copy(clone, r); err != nil {
		clone = &Record{
			ID:          r.ID,
			EntityType:  r.EntityType,
			ServiceID:   r.ServiceID,
			Fields:      make(map[string]any, len(r.Fields)),
			LocalOnly:   r.LocalOnly,
			Syncing:     r.Syncing,
			LocalUpdate: r.LocalUpdate,
			UpdatedAt:   r.UpdatedAt,
		}
		for name, value := range r.Fields {
			clone.Fields[name] = value
		}
	}
	return clone
}

func (r *Record) indexes() store.IndexValues {
	return store.IndexValues{ServiceID: r.ServiceID, EntityType: r.EntityType}
}

func (r *Record) merge(patch map[string]any) {
	if r.Fields == nil {
		r.Fields = make(map[string]any, len(patch))
	}
	for name, value := range patch {
		r.Fields[name] = value
	}
}

// recordFromRow builds a synced record from a backend row.
func recordFromRow(family Family, row map[string]any, fallbackServiceID string) (*Record, bool) {
	id := IDString(row[family.IDField])
	if id == "" {
		id = IDString(row["PK_ID"])
	}
	if id == "" {
		return nil, false
	}
	serviceID := IDString(row[ServiceIDField])
	if serviceID == "" {
		serviceID = fallbackServiceID
	}
	fields := make(map[string]any, len(row))
	for name, value := range row {
		fields[name] = value
	}
	return &Record{
		ID:         id,
		EntityType: family.Name,
		ServiceID:  serviceID,
		Fields:     fields,
	}, true
}

// idValue is how an id is written into a payload field: numeric ids stay numeric.
func idValue(id string) any {
	if _, err := strconv.ParseInt(id, 10, 64); err == nil {
		return json.Number(id)
	}
	return id
}
