package geo

import (
	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"go.uber.org/zap"
)

// FromShape converts a shapefile polygon shape into a MultiPolygon. Shapes
// that are not polygons, and nil shapes, yield nil.
func FromShape(shape shp.Shape) orb.MultiPolygon {
	var parts []int32
	var points []shp.Point

	switch s := shape.(type) {
	case *shp.Polygon:
		if s == nil {
			return nil
		}
		parts, points = s.Parts, s.Points
	case *shp.PolygonZ:
		if s == nil {
			return nil
		}
		parts, points = s.Parts, s.Points
	case *shp.PolygonM:
		if s == nil {
			return nil
		}
		parts, points = s.Parts, s.Points
	default:
		if shape != nil {
			zap.L().Debug("geo: skipping non-polygon shape")
		}
		return nil
	}

	if len(parts) == 0 || len(points) == 0 {
		return nil
	}

	rings := make([]orb.Ring, 0, len(parts))
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || start >= end || int(end) > len(points) {
			zap.L().Debug("geo: skipping malformed polygon part", zap.Int("part", i))
			continue
		}
		ring := make(orb.Ring, 0, end-start)
		for _, p := range points[start:end] {
			ring = append(ring, orb.Point{p.X, p.Y})
		}
		rings = append(rings, ring)
	}

	return AssemblePolygons(rings)
}

// ToShape converts a MultiPolygon into a shapefile polygon with shells
// clockwise and holes counter-clockwise. Returns nil for empty input.
func ToShape(mp orb.MultiPolygon) *shp.Polygon {
	rings := EsriRings(mp)
	if len(rings) == 0 {
		return nil
	}

	parts := make([]int32, 0, len(rings))
	var points []shp.Point
	for _, r := range rings {
		parts = append(parts, int32(len(points)))
		for _, p := range r {
			points = append(points, shp.Point{X: p[0], Y: p[1]})
		}
	}

	return &shp.Polygon{
		Box:       shp.BBoxFromPoints(points),
		NumParts:  int32(len(parts)),
		NumPoints: int32(len(points)),
		Parts:     parts,
		Points:    points,
	}
}
