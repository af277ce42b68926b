package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clu-extract/internal/geo"
	"github.com/sells-group/clu-extract/internal/model"
)

// dBASE limits.
const (
	dbfNameLen   = 10
	dbfMaxString = 254
)

var shapefileParts = []string{".shp", ".shx", ".dbf"}

// rename is replaced in tests to fail part way through publishing.
var rename = os.Rename

// Shapefile writes each feature class as <dir>/<name>.shp with its .shx and
// .dbf sidecars.
type Shapefile struct {
	dir string
}

// NewShapefile returns a writer for dir, creating it if needed.
func NewShapefile(dir string) (*Shapefile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "shapefile: create directory %s", dir)
	}
	return &Shapefile{dir: dir}, nil
}

// Location implements Writer.
func (s *Shapefile) Location(name string) string {
	return filepath.Join(s.dir, name+".shp")
}

// Close implements Writer.
func (s *Shapefile) Close() error { return nil }

// Write writes fc under a temporary name and renames the files into place.
// A failed write leaves the directory as it was, previous output included.
func (s *Shapefile) Write(ctx context.Context, fc *model.FeatureClass) error {
	tmpBase := filepath.Join(s.dir, fmt.Sprintf(".%s-%s", fc.Name, uuid.NewString()[:8]))
	staged := stagedParts(tmpBase)
	defer func() {
		for _, path := range staged {
			_ = os.Remove(path)
		}
	}()

	if err := writeShapefile(ctx, tmpBase+".shp", fc); err != nil {
		return err
	}
	for _, ext := range shapefileParts {
		if _, err := os.Stat(staged[ext]); err != nil {
			return eris.Wrapf(err, "shapefile: stage %s", ext)
		}
	}

	final := filepath.Join(s.dir, fc.Name)
	if err := publish(staged, final, tmpBase+".old"); err != nil {
		return err
	}

	zap.L().Info("shapefile: feature class written",
		zap.String("path", final+".shp"),
		zap.Int("features", len(fc.Features)),
	)
	return nil
}

// stagedParts maps each extension to the temporary file go-shp writes for
// base. go-shp appends "dbf" to the base without a dot.
func stagedParts(base string) map[string]string {
	return map[string]string{
		".shp": base + ".shp",
		".shx": base + ".shx",
		".dbf": base + "dbf",
	}
}

// publish moves the staged parts to final. Existing parts are first moved
// aside to backup; on failure the new parts are removed and the backups
// restored.
func publish(staged map[string]string, final, backup string) error {
	var saved, placed []string
	rollback := func() {
		for _, ext := range placed {
			_ = os.Remove(final + ext)
		}
		for _, ext := range saved {
			_ = rename(backup+ext, final+ext)
		}
	}

	for _, ext := range shapefileParts {
		if _, err := os.Stat(final + ext); err != nil {
			continue
		}
		if err := rename(final+ext, backup+ext); err != nil {
			rollback()
			return eris.Wrapf(err, "shapefile: move aside %s", final+ext)
		}
		saved = append(saved, ext)
	}

	for _, ext := range shapefileParts {
		if err := rename(staged[ext], final+ext); err != nil {
			rollback()
			return eris.Wrapf(err, "shapefile: rename %s", final+ext)
		}
		placed = append(placed, ext)
	}

	for _, ext := range saved {
		_ = os.Remove(backup + ext)
	}
	return nil
}

func writeShapefile(ctx context.Context, path string, fc *model.FeatureClass) error {
	w, err := shp.Create(path, shp.POLYGON)
	if err != nil {
		return eris.Wrapf(err, "shapefile: create %s", path)
	}
	defer w.Close()

	// SetFields creates the .dbf, so call it even without attributes.
	fields, names := dbfFields(fc.Fields)
	if err := w.SetFields(fields); err != nil {
		return eris.Wrap(err, "shapefile: set fields")
	}
	for i, f := range fc.Fields {
		if names[i] != f.Name {
			zap.L().Debug("shapefile: field renamed",
				zap.String("field", f.Name),
				zap.String("dbf_name", names[i]),
			)
		}
	}

	for i, feat := range fc.Features {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return eris.Wrap(err, "shapefile: cancelled")
			}
		}

		var shape shp.Shape = &shp.Null{}
		if p := geo.ToShape(feat.Geometry); p != nil {
			shape = p
		}
		idx := int(w.Write(shape))

		if len(fields) == 0 {
			continue
		}
		for j, v := range row(fc.Fields, feat) {
			if err := w.WriteAttribute(idx, j, dbfValue(v)); err != nil {
				return eris.Wrapf(err, "shapefile: write attribute %s of feature %d", fc.Fields[j].Name, feat.ObjectID)
			}
		}
	}
	return nil
}

// dbfFields maps layer fields to dBASE fields. Names are truncated to ten
// characters and made unique with a numeric suffix. The returned names are
// in field order.
func dbfFields(fields []model.Field) ([]shp.Field, []string) {
	out := make([]shp.Field, 0, len(fields))
	names := make([]string, 0, len(fields))
	used := make(map[string]bool, len(fields))

	for _, f := range fields {
		name := dbfName(f.Name, used)
		used[strings.ToUpper(name)] = true
		names = append(names, name)

		switch {
		case f.Type == model.FieldTypeDate:
			out = append(out, shp.DateField(name))
		case f.IsInteger():
			size := uint8(10)
			if f.Type == model.FieldTypeSmallInt {
				size = 6
			}
			out = append(out, shp.NumberField(name, size))
		case f.IsNumeric():
			out = append(out, shp.FloatField(name, 19, 8))
		default:
			size := f.Length
			if size <= 0 || size > dbfMaxString {
				size = dbfMaxString
			}
			out = append(out, shp.StringField(name, uint8(size)))
		}
	}
	return out, names
}

func dbfName(name string, used map[string]bool) string {
	base := name
	if len(base) > dbfNameLen {
		base = base[:dbfNameLen]
	}
	if !used[strings.ToUpper(base)] {
		return base
	}
	for i := 1; ; i++ {
		suffix := fmt.Sprintf("_%d", i)
		cand := base
		if len(cand)+len(suffix) > dbfNameLen {
			cand = cand[:dbfNameLen-len(suffix)]
		}
		cand += suffix
		if !used[strings.ToUpper(cand)] {
			return cand
		}
	}
}

// dbfValue converts a normalized value to the types go-shp accepts.
func dbfValue(v any) any {
	switch x := v.(type) {
	case nil:
		return ""
	case time.Time:
		return x.Format("20060102")
	case int64:
		return int(x)
	case float64, string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
