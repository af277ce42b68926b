package extract

import (
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"

	"github.com/sells-group/clu-extract/internal/geo"
)

// Region is one node of the subdivision tree. The root is the AOI itself with
// path "0"; children append their quadrant index (0.2, 0.2.1, ...).
type Region struct {
	Geom  orb.MultiPolygon
	Depth int
	Path  string
}

// Quadrants returns the four quadrants of the bounding box of b, ordered
// south-west, south-east, north-west, north-east.
func Quadrants(b orb.Bound) [4]orb.Bound {
	c := b.Center()
	return [4]orb.Bound{
		{Min: b.Min, Max: c},
		{Min: orb.Point{c[0], b.Min[1]}, Max: orb.Point{b.Max[0], c[1]}},
		{Min: orb.Point{b.Min[0], c[1]}, Max: orb.Point{c[0], b.Max[1]}},
		{Min: c, Max: b.Max},
	}
}

// Split clips the region to each quadrant of its bounding box. Quadrants
// where the clipped geometry has no area are dropped; skipped is their count.
func (r Region) Split() (children []Region, skipped int) {
	for i, q := range Quadrants(r.Geom.Bound()) {
		g := clip.MultiPolygon(q, r.Geom.Clone())
		if len(g) == 0 || geo.Area(g) == 0 {
			skipped++
			continue
		}
		children = append(children, Region{
			Geom:  g,
			Depth: r.Depth + 1,
			Path:  r.Path + "." + strconv.Itoa(i),
		})
	}
	return children, skipped
}

// extent is the longer side of the region's bounding box.
func (r Region) extent() float64 {
	b := r.Geom.Bound()
	return max(b.Max[0]-b.Min[0], b.Max[1]-b.Min[1])
}
