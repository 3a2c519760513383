package models

import (
	"bytes"
	"encoding/json"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ModelWithVars gives a record a free-form key/value scratch space ("vars")
// persisted as JSON next to the record's own columns.
//
// A snapshot of the vars is taken whenever the record is loaded or saved.
// Saving a record whose vars differ from the snapshot always writes the vars
// column, including partial updates that would otherwise skip it.
type ModelWithVars struct {
	Vars datatypes.JSONMap `gorm:"type:jsonb" json:"vars"`

	oldVars []byte
}

// VarsChanged reports whether Vars differs by value from the last snapshot.
func (m *ModelWithVars) VarsChanged() bool {
	if m.oldVars == nil {
		return len(m.Vars) > 0
	}
	return !bytes.Equal(m.varsJSON(), m.oldVars)
}

// SetVar stores a value under key, allocating the map on first use.
func (m *ModelWithVars) SetVar(key string, value any) {
	if m.Vars == nil {
		m.Vars = datatypes.JSONMap{}
	}
	m.Vars[key] = value
}

func (m *ModelWithVars) snapshotVars() {
	m.oldVars = m.varsJSON()
}

// json.Marshal sorts map keys, so equal maps always encode to equal bytes.
func (m *ModelWithVars) varsJSON() []byte {
	if len(m.Vars) == 0 {
		return []byte("{}")
	}
	b, err := json.Marshal(map[string]any(m.Vars))
	if err != nil {
		// unencodable values can never match a snapshot
		return nil
	}
	return b
}

func (m *ModelWithVars) BeforeSave(tx *gorm.DB) error {
	if m.VarsChanged() {
		tx.Statement.SetColumn("vars", m.Vars)
	}
	return nil
}

func (m *ModelWithVars) AfterSave(tx *gorm.DB) error {
	m.snapshotVars()
	return nil
}

func (m *ModelWithVars) AfterFind(tx *gorm.DB) error {
	m.snapshotVars()
	return nil
}
