// Package model defines the spatial entities shared by the matrix builder,
// the demand resolver and the indicator engine.
package model

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
)

// AreaLevel is a named layer of administrative or statistical areas.
// At most one level per purpose flag may be the default.
type AreaLevel struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	Order             int    `json:"order"`
	IsActive          bool   `json:"is_active"`
	IsPreset          bool   `json:"is_preset"`
	IsDefaultPopLevel bool   `json:"is_default_pop_level"`
	IsPopEntryLevel   bool   `json:"is_pop_entry_level"`
	IsStatisticLevel  bool   `json:"is_statistic_level"`
}

// Area is a polygon on one AreaLevel. Geometries are stored in EPSG:3857.
type Area struct {
	ID          int64                `json:"id"`
	AreaLevelID int64                `json:"area_level_id"`
	Geom        *geom.MultiPolygon   `json:"-"`
	Label       string               `json:"label,omitempty"`
	Attributes  map[string]AttrValue `json:"-"`
}

// AreaField is a typed attribute column of an AreaLevel.
type AreaField struct {
	ID          int64     `json:"id"`
	AreaLevelID int64     `json:"area_level_id"`
	Name        string    `json:"name"`
	FieldType   FieldType `json:"field_type"`
	IsLabel     bool      `json:"is_label"`
	IsKey       bool      `json:"is_key"`
}

// ValidateFields checks that a level has at most one label field and at most
// one key field, and that field names are unique.
func ValidateFields(fields []AreaField) error {
	var labels, keys int
	names := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return eris.New("model: area field without name")
		}
		if names[f.Name] {
			return eris.Errorf("model: duplicate area field %q", f.Name)
		}
		names[f.Name] = true
		if f.IsLabel {
			labels++
		}
		if f.IsKey {
			keys++
		}
	}
	if labels > 1 {
		return eris.Errorf("model: %d label fields, at most one allowed", labels)
	}
	if keys > 1 {
		return eris.Errorf("model: %d key fields, at most one allowed", keys)
	}
	return nil
}

// KeyField returns the key field of a level, if any.
func KeyField(fields []AreaField) (AreaField, bool) {
	for _, f := range fields {
		if f.IsKey {
			return f, true
		}
	}
	return AreaField{}, false
}

// LabelField returns the label field of a level, if any.
func LabelField(fields []AreaField) (AreaField, bool) {
	for _, f := range fields {
		if f.IsLabel {
			return f, true
		}
	}
	return AreaField{}, false
}

// ValidateKeyUniqueness checks that key values are unique within a level.
// keys maps area id to its key value.
func ValidateKeyUniqueness(keys map[int64]AttrValue) error {
	seen := make(map[string]int64, len(keys))
	for areaID, v := range keys {
		if v == nil {
			return eris.Errorf("model: area %d has no key value", areaID)
		}
		k := string(v.Kind()) + ":" + v.String()
		if other, ok := seen[k]; ok {
			return eris.Errorf("model: key %q shared by areas %d and %d", v.String(), min(other, areaID), max(other, areaID))
		}
		seen[k] = areaID
	}
	return nil
}
