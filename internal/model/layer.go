package model

import "strings"

// FieldType is an Esri field type name as reported by the service.
type FieldType string

const (
	FieldTypeOID      FieldType = "esriFieldTypeOID"
	FieldTypeString   FieldType = "esriFieldTypeString"
	FieldTypeDouble   FieldType = "esriFieldTypeDouble"
	FieldTypeSingle   FieldType = "esriFieldTypeSingle"
	FieldTypeInteger  FieldType = "esriFieldTypeInteger"
	FieldTypeSmallInt FieldType = "esriFieldTypeSmallInteger"
	FieldTypeDate     FieldType = "esriFieldTypeDate"
	FieldTypeGUID     FieldType = "esriFieldTypeGUID"
	FieldTypeGlobalID FieldType = "esriFieldTypeGlobalID"
	FieldTypeGeometry FieldType = "esriFieldTypeGeometry"
)

// Field describes one attribute column of the service layer.
type Field struct {
	Name   string    `json:"name" yaml:"name"`
	Type   FieldType `json:"type" yaml:"type"`
	Alias  string    `json:"alias,omitempty" yaml:"alias,omitempty"`
	Length int       `json:"length,omitempty" yaml:"length,omitempty"`
}

// IsNumeric reports whether the field holds integer or floating point values.
func (f Field) IsNumeric() bool {
	switch f.Type {
	case FieldTypeDouble, FieldTypeSingle, FieldTypeInteger, FieldTypeSmallInt:
		return true
	}
	return false
}

// IsInteger reports whether the field holds whole numbers.
func (f Field) IsInteger() bool {
	return f.Type == FieldTypeInteger || f.Type == FieldTypeSmallInt
}

// Layer is the metadata of a feature service layer.
type Layer struct {
	Name               string  `json:"name"`
	MaxRecordCount     int     `json:"maxRecordCount"`
	SRID               int     `json:"srid"`
	ObjectIDField      string  `json:"objectIdField"`
	Fields             []Field `json:"fields"`
	SupportsPagination bool    `json:"supportsPagination"`
}

// OutputFields returns the fields carried into the output feature class.
// The object id, geometry and service-maintained SHAPE_ST* fields are dropped.
func (l *Layer) OutputFields() []Field {
	out := make([]Field, 0, len(l.Fields))
	for _, f := range l.Fields {
		switch f.Type {
		case FieldTypeOID, FieldTypeGeometry:
			continue
		}
		if strings.EqualFold(f.Name, l.ObjectIDField) {
			continue
		}
		if strings.Contains(strings.ToUpper(f.Name), "SHAPE_ST") || strings.EqualFold(f.Name, "shape") {
			continue
		}
		out = append(out, f)
	}
	return out
}

// DateFields returns the names of all date-typed fields.
func (l *Layer) DateFields() map[string]bool {
	out := make(map[string]bool)
	for _, f := range l.Fields {
		if f.Type == FieldTypeDate {
			out[f.Name] = true
		}
	}
	return out
}
