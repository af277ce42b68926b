package model

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"
)

// Feature is a single CLU record returned by the feature service.
// Geometry is in the spatial reference requested via outSR.
type Feature struct {
	ObjectID   int64            `json:"objectid"`
	Attributes map[string]any   `json:"attributes"`
	Geometry   orb.MultiPolygon `json:"-"`
}

// Key returns the deduplication key for the feature. The value of idField is
// used when present and non-empty; otherwise the object id.
func (f Feature) Key(idField string) string {
	if idField != "" {
		if v, ok := f.Attributes[idField]; ok && v != nil {
			if s := fmt.Sprint(v); s != "" {
				return "id:" + s
			}
		}
	}
	return fmt.Sprintf("oid:%d", f.ObjectID)
}

// FeatureClass is the persisted output of a run.
type FeatureClass struct {
	Name     string
	SRID     int
	Fields   []Field
	Features []Feature
}

// Bound returns the combined extent of all features. The zero bound is
// returned for an empty feature class.
func (fc *FeatureClass) Bound() orb.Bound {
	var b orb.Bound
	first := true
	for _, f := range fc.Features {
		if len(f.Geometry) == 0 {
			continue
		}
		fb := f.Geometry.Bound()
		if first {
			b = fb
			first = false
			continue
		}
		b = b.Union(fb)
	}
	return b
}

// RunStatus describes the outcome of an extraction run.
type RunStatus string

const (
	RunStatusComplete RunStatus = "complete"
	RunStatusEmpty    RunStatus = "empty"
	RunStatusFailed   RunStatus = "failed"
)

// EpochMillis converts an Esri date value (milliseconds since the Unix epoch)
// to UTC time.
func EpochMillis(ms float64) time.Time {
	return time.UnixMilli(int64(ms)).UTC()
}
