package model

import (
	"strconv"

	"github.com/rotisserie/eris"
)

// FieldKind is the storage kind of an area field.
type FieldKind string

// Field kinds.
const (
	FieldString         FieldKind = "STR"
	FieldNumber         FieldKind = "NUM"
	FieldClassification FieldKind = "CLA"
)

// FieldType describes the values an AreaField may hold. Classes is only
// populated for classification fields.
type FieldType struct {
	ID      int64        `json:"id"`
	Name    string       `json:"name"`
	Kind    FieldKind    `json:"ftype"`
	Classes []FieldClass `json:"classes,omitempty"`
}

// FieldClass is one allowed value of a classification field type.
type FieldClass struct {
	ID          int64  `json:"id"`
	FieldTypeID int64  `json:"field_type_id"`
	Value       string `json:"value"`
	Order       int    `json:"order"`
}

// AttrValue is a typed area attribute value. Exactly one of StringValue,
// NumberValue or ClassValue implements it.
type AttrValue interface {
	Kind() FieldKind
	String() string
	isAttr()
}

// StringValue is a free-text attribute.
type StringValue string

// NumberValue is a numeric attribute.
type NumberValue float64

// ClassValue references a FieldClass by id. Label is filled when read from
// the database.
type ClassValue struct {
	ClassID int64
	Label   string
}

func (StringValue) Kind() FieldKind { return FieldString }
func (NumberValue) Kind() FieldKind { return FieldNumber }
func (ClassValue) Kind() FieldKind  { return FieldClassification }

func (v StringValue) String() string { return string(v) }
func (v NumberValue) String() string { return strconv.FormatFloat(float64(v), 'f', -1, 64) }
func (v ClassValue) String() string {
	if v.Label != "" {
		return v.Label
	}
	return strconv.FormatInt(v.ClassID, 10)
}

func (StringValue) isAttr() {}
func (NumberValue) isAttr() {}
func (ClassValue) isAttr()  {}

// ValidateAttr checks that v can be stored in a field of type ft.
func ValidateAttr(ft FieldType, v AttrValue) error {
	if v == nil {
		return eris.Errorf("model: nil value for field type %q", ft.Name)
	}
	if v.Kind() != ft.Kind {
		return eris.Errorf("model: field type %q expects %s, got %s", ft.Name, ft.Kind, v.Kind())
	}
	cv, ok := v.(ClassValue)
	if !ok {
		return nil
	}
	for _, c := range ft.Classes {
		if c.ID == cv.ClassID {
			return nil
		}
	}
	return eris.Errorf("model: class %d is not a value of field type %q", cv.ClassID, ft.Name)
}

// AttrFromColumns builds a value from the three nullable storage columns.
// Exactly one column must be set.
func AttrFromColumns(str *string, num *float64, classID *int64, classLabel *string) (AttrValue, error) {
	set := 0
	var v AttrValue
	if str != nil {
		set++
		v = StringValue(*str)
	}
	if num != nil {
		set++
		v = NumberValue(*num)
	}
	if classID != nil {
		set++
		cv := ClassValue{ClassID: *classID}
		if classLabel != nil {
			cv.Label = *classLabel
		}
		v = cv
	}
	if set != 1 {
		return nil, eris.Errorf("model: attribute must have exactly one value column, has %d", set)
	}
	return v, nil
}

// AttrToColumns splits a value into the storage columns
// (str_value, num_value, class_id).
func AttrToColumns(v AttrValue) (str *string, num *float64, classID *int64) {
	switch t := v.(type) {
	case StringValue:
		s := string(t)
		str = &s
	case NumberValue:
		n := float64(t)
		num = &n
	case ClassValue:
		id := t.ClassID
		classID = &id
	}
	return str, num, classID
}

// AttrToAny returns the plain value used in key/value views: string,
// float64, or the class label.
func AttrToAny(v AttrValue) any {
	switch t := v.(type) {
	case StringValue:
		return string(t)
	case NumberValue:
		return float64(t)
	case ClassValue:
		return t.String()
	}
	return nil
}
