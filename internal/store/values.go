package store

import (
	"fmt"
	"strconv"
	"time"

	"github.com/sells-group/clu-extract/internal/model"
)

// normalize converts an attribute value to the Go type that matches the
// field's declared type. The service client decodes whole-number doubles as
// int64 and dates as time.Time; writers need one type per column. Values
// that cannot be converted become nil.
func normalize(f model.Field, v any) any {
	if v == nil {
		return nil
	}
	switch {
	case f.Type == model.FieldTypeDate:
		switch t := v.(type) {
		case time.Time:
			return t.UTC()
		case float64:
			return model.EpochMillis(t)
		case int64:
			return model.EpochMillis(float64(t))
		}
		return nil
	case f.IsInteger():
		switch n := v.(type) {
		case int64:
			return n
		case int:
			return int64(n)
		case float64:
			return int64(n)
		case string:
			if i, err := strconv.ParseInt(n, 10, 64); err == nil {
				return i
			}
		}
		return nil
	case f.IsNumeric():
		switch n := v.(type) {
		case float64:
			return n
		case int64:
			return float64(n)
		case int:
			return float64(n)
		case string:
			if x, err := strconv.ParseFloat(n, 64); err == nil {
				return x
			}
		}
		return nil
	default:
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
}

// row returns the normalized attribute values of feat in field order.
func row(fields []model.Field, feat model.Feature) []any {
	out := make([]any, len(fields))
	for i, f := range fields {
		out[i] = normalize(f, feat.Attributes[f.Name])
	}
	return out
}
