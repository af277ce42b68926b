// Package aoi loads the area of interest that bounds an extraction.
package aoi

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clu-extract/internal/geo"
)

// AOI is the merged area of interest.
type AOI struct {
	// Name is the base file name without extension; it names the output.
	Name     string
	SRID     int
	Geometry orb.MultiPolygon
}

// Load reads every polygon from a shapefile or GeoJSON file and merges them
// into one MultiPolygon. Shapefile SRIDs come from the sidecar .prj when it
// names a known system; otherwise defaultSRID is used. GeoJSON is always
// EPSG:4326.
func Load(path string, defaultSRID int) (*AOI, error) {
	ext := strings.ToLower(filepath.Ext(path))
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	var (
		mp   orb.MultiPolygon
		srid int
		err  error
	)
	switch ext {
	case ".shp":
		mp, err = loadShapefile(path)
		srid = shapefileSRID(path, defaultSRID)
	case ".geojson", ".json":
		mp, err = loadGeoJSON(path)
		srid = 4326
	default:
		return nil, eris.Errorf("aoi: unsupported file type %q (want .shp, .geojson or .json)", ext)
	}
	if err != nil {
		return nil, err
	}
	if len(mp) == 0 {
		return nil, eris.Errorf("aoi: %s contains no polygons", path)
	}
	if geo.Area(mp) == 0 {
		return nil, eris.Errorf("aoi: %s has zero area", path)
	}

	zap.L().Info("aoi: loaded",
		zap.String("name", name),
		zap.Int("srid", srid),
		zap.Int("polygons", len(mp)),
	)

	return &AOI{Name: name, SRID: srid, Geometry: mp}, nil
}

func loadShapefile(path string) (orb.MultiPolygon, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "aoi: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	var mp orb.MultiPolygon
	skipped := 0
	for reader.Next() {
		_, shape := reader.Shape()
		poly := geo.FromShape(shape)
		if len(poly) == 0 {
			skipped++
			continue
		}
		mp = append(mp, poly...)
	}

	if skipped > 0 {
		zap.L().Debug("aoi: skipped non-polygon records", zap.Int("skipped", skipped))
	}
	return mp, nil
}

func shapefileSRID(path string, defaultSRID int) int {
	prj := strings.TrimSuffix(path, filepath.Ext(path)) + ".prj"
	data, err := os.ReadFile(prj)
	if err != nil {
		zap.L().Warn("aoi: no .prj beside shapefile, using default SRID",
			zap.String("path", prj),
			zap.Int("srid", defaultSRID),
		)
		return defaultSRID
	}
	return DetectSRID(string(data), defaultSRID)
}

func loadGeoJSON(path string) (orb.MultiPolygon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "aoi: read %s", path)
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, eris.Wrapf(err, "aoi: parse %s", path)
	}

	var geoms []orb.Geometry
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, eris.Wrapf(err, "aoi: parse feature collection %s", path)
		}
		for _, f := range fc.Features {
			geoms = append(geoms, f.Geometry)
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, eris.Wrapf(err, "aoi: parse feature %s", path)
		}
		geoms = append(geoms, f.Geometry)
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, eris.Wrapf(err, "aoi: parse geometry %s", path)
		}
		geoms = append(geoms, g.Geometry())
	}

	return polygons(geoms), nil
}

// polygons collects the polygonal parts of geoms, descending into
// collections. Other geometry types are ignored.
func polygons(geoms []orb.Geometry) orb.MultiPolygon {
	var mp orb.MultiPolygon
	for _, g := range geoms {
		switch v := g.(type) {
		case orb.Polygon:
			if len(v) > 0 {
				mp = append(mp, v)
			}
		case orb.MultiPolygon:
			mp = append(mp, v...)
		case orb.Collection:
			mp = append(mp, polygons(v)...)
		case nil:
		default:
			zap.L().Debug("aoi: ignoring non-polygon geometry", zap.String("type", g.GeoJSONType()))
		}
	}
	return mp
}
