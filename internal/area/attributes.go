package area

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/db"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/model"
)

// Fields returns the fields of a level with their types and classes.
func Fields(ctx context.Context, q db.Querier, levelID int64) ([]model.AreaField, error) {
	rows, err := q.Query(ctx,
		`SELECT f.id, f.name, f.is_label, f.is_key, ft.id, ft.name, ft.ftype
		 FROM area_fields f
		 JOIN field_types ft ON ft.id = f.field_type_id
		 WHERE f.area_level_id = $1
		 ORDER BY f.id`,
		levelID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "area: fields of level %d", levelID)
	}
	defer rows.Close()

	var (
		fields  []model.AreaField
		typeIDs []int64
	)
	for rows.Next() {
		f := model.AreaField{AreaLevelID: levelID}
		if err := rows.Scan(&f.ID, &f.Name, &f.IsLabel, &f.IsKey, &f.FieldType.ID, &f.FieldType.Name, &f.FieldType.Kind); err != nil {
			return nil, eris.Wrap(err, "area: scan field")
		}
		fields = append(fields, f)
		if f.FieldType.Kind == model.FieldClassification {
			typeIDs = append(typeIDs, f.FieldType.ID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "area: read fields")
	}
	if len(typeIDs) == 0 {
		return fields, nil
	}

	classes, err := loadClasses(ctx, q, typeIDs)
	if err != nil {
		return nil, err
	}
	for i := range fields {
		fields[i].FieldType.Classes = classes[fields[i].FieldType.ID]
	}
	return fields, nil
}

func loadClasses(ctx context.Context, q db.Querier, typeIDs []int64) (map[int64][]model.FieldClass, error) {
	rows, err := q.Query(ctx,
		`SELECT id, field_type_id, value, order_idx FROM field_classes
		 WHERE field_type_id = ANY($1)
		 ORDER BY field_type_id, order_idx`,
		typeIDs,
	)
	if err != nil {
		return nil, eris.Wrap(err, "area: field classes")
	}
	defer rows.Close()

	out := make(map[int64][]model.FieldClass)
	for rows.Next() {
		var c model.FieldClass
		if err := rows.Scan(&c.ID, &c.FieldTypeID, &c.Value, &c.Order); err != nil {
			return nil, eris.Wrap(err, "area: scan field class")
		}
		out[c.FieldTypeID] = append(out[c.FieldTypeID], c)
	}
	return out, rows.Err()
}

// writeAttributes validates attrs against the level's fields and upserts
// them. A key value must not be used by another area of the level.
func writeAttributes(ctx context.Context, q db.Querier, levelID, areaID int64, attrs map[string]model.AttrValue) error {
	if len(attrs) == 0 {
		return nil
	}
	fields, err := Fields(ctx, q, levelID)
	if err != nil {
		return err
	}
	byName := make(map[string]model.AreaField, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f, ok := byName[name]
		if !ok {
			return eris.Errorf("area: level %d has no field %q", levelID, name)
		}
		v := attrs[name]
		if err := model.ValidateAttr(f.FieldType, v); err != nil {
			return eris.Wrapf(err, "area: field %q", name)
		}
		str, num, classID := model.AttrToColumns(v)

		if f.IsKey {
			var taken bool
			if err := q.QueryRow(ctx,
				`SELECT EXISTS (
				   SELECT 1 FROM area_attributes
				   WHERE field_id = $1 AND area_id <> $2
				     AND str_value IS NOT DISTINCT FROM $3
				     AND num_value IS NOT DISTINCT FROM $4
				     AND class_id IS NOT DISTINCT FROM $5)`,
				f.ID, areaID, str, num, classID,
			).Scan(&taken); err != nil {
				return eris.Wrapf(err, "area: check key %q", name)
			}
			if taken {
				return eris.Errorf("area: key %q = %s already used in level %d", name, v.String(), levelID)
			}
		}

		if _, err := q.Exec(ctx,
			`INSERT INTO area_attributes (area_id, field_id, str_value, num_value, class_id)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (area_id, field_id) DO UPDATE
			 SET str_value = EXCLUDED.str_value, num_value = EXCLUDED.num_value, class_id = EXCLUDED.class_id`,
			areaID, f.ID, str, num, classID,
		); err != nil {
			return eris.Wrapf(err, "area: write field %q", name)
		}
	}
	return nil
}

// Attributes reads the attribute values of an area keyed by field name.
func Attributes(ctx context.Context, q db.Querier, areaID int64) (map[string]model.AttrValue, error) {
	rows, err := q.Query(ctx,
		`SELECT f.name, aa.str_value, aa.num_value, aa.class_id, fc.value
		 FROM area_attributes aa
		 JOIN area_fields f ON f.id = aa.field_id
		 LEFT JOIN field_classes fc ON fc.id = aa.class_id
		 WHERE aa.area_id = $1`,
		areaID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "area: attributes of %d", areaID)
	}
	defer rows.Close()

	out := make(map[string]model.AttrValue)
	for rows.Next() {
		var (
			name       string
			str        *string
			num        *float64
			classID    *int64
			classLabel *string
		)
		if err := rows.Scan(&name, &str, &num, &classID, &classLabel); err != nil {
			return nil, eris.Wrap(err, "area: scan attribute")
		}
		v, err := model.AttrFromColumns(str, num, classID, classLabel)
		if err != nil {
			return nil, eris.Wrapf(err, "area: field %q of area %d", name, areaID)
		}
		out[name] = v
	}
	return out, rows.Err()
}
