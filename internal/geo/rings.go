// Package geo holds the polygon plumbing shared by the AOI loader, the
// feature service codec and the output writers: ring assembly, orientation,
// and conversion between orb, go-geom and go-shp geometries.
package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// AssemblePolygons groups a flat list of rings into a MultiPolygon using the
// Esri/shapefile convention: clockwise rings are shells, counter-clockwise
// rings are holes. A hole is attached to the first shell that contains it; a
// hole with no containing shell becomes a shell of its own.
func AssemblePolygons(rings []orb.Ring) orb.MultiPolygon {
	var mp orb.MultiPolygon
	var holes []orb.Ring

	for _, r := range rings {
		r = closeRing(r)
		if len(r) < 4 {
			continue
		}
		if r.Orientation() == orb.CCW {
			holes = append(holes, r)
			continue
		}
		mp = append(mp, orb.Polygon{r})
	}

	for _, h := range holes {
		placed := false
		for i := range mp {
			if planar.RingContains(mp[i][0], h[0]) {
				mp[i] = append(mp[i], h)
				placed = true
				break
			}
		}
		if !placed {
			mp = append(mp, orb.Polygon{h})
		}
	}

	return mp
}

// EsriRings flattens a MultiPolygon into rings oriented the way Esri JSON and
// shapefiles expect: shells clockwise, holes counter-clockwise. The input is
// not modified.
func EsriRings(mp orb.MultiPolygon) []orb.Ring {
	var out []orb.Ring
	for _, poly := range mp {
		for i, r := range poly {
			r = closeRing(r)
			if len(r) < 4 {
				continue
			}
			want := orb.CW
			if i > 0 {
				want = orb.CCW
			}
			if r.Orientation() != want {
				r.Reverse()
			}
			out = append(out, r)
		}
	}
	return out
}

// Area returns the planar area of the MultiPolygon, holes subtracted.
func Area(mp orb.MultiPolygon) float64 {
	var total float64
	for _, poly := range mp {
		for i, r := range poly {
			a := math.Abs(planar.Area(r))
			if i == 0 {
				total += a
			} else {
				total -= a
			}
		}
	}
	return total
}

// closeRing returns a copy of r with the first point repeated at the end when
// the ring is open.
func closeRing(r orb.Ring) orb.Ring {
	out := make(orb.Ring, len(r), len(r)+1)
	copy(out, r)
	if len(out) > 0 && !out.Closed() {
		out = append(out, out[0])
	}
	return out
}
