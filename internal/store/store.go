// Package store persists the output feature class of a run. A destination
// is a GeoPackage file, a directory of shapefiles, or a PostGIS database.
package store

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/sells-group/clu-extract/internal/db"
	"github.com/sells-group/clu-extract/internal/model"
)

// Writer persists one feature class. Write replaces any existing feature
// class of the same name and is all-or-nothing.
type Writer interface {
	Write(ctx context.Context, fc *model.FeatureClass) error
	// Location describes where a feature class called name is stored.
	Location(name string) string
	Close() error
}

// Kind identifies the output format.
type Kind string

const (
	KindGeoPackage Kind = "gpkg"
	KindShapefile  Kind = "shapefile"
	KindPostGIS    Kind = "postgis"
)

// Options configures the writers.
type Options struct {
	// Schema is the PostGIS schema for the output table. Default: public.
	Schema string
	// BatchSize is the PostGIS COPY batch size.
	BatchSize int
}

// KindOf picks the output format for dest: postgres URLs are PostGIS, a
// .gpkg path is a GeoPackage, anything else is a shapefile directory.
func KindOf(dest string) Kind {
	lower := strings.ToLower(dest)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return KindPostGIS
	case filepath.Ext(lower) == ".gpkg":
		return KindGeoPackage
	default:
		return KindShapefile
	}
}

// Open returns the writer for dest.
func Open(ctx context.Context, dest string, opts Options) (Writer, error) {
	switch KindOf(dest) {
	case KindPostGIS:
		pool, err := db.Connect(ctx, dest)
		if err != nil {
			return nil, err
		}
		return NewPostGIS(pool, opts), nil
	case KindGeoPackage:
		return NewGeoPackage(dest)
	default:
		return NewShapefile(dest)
	}
}
