package extract

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/clu-extract/internal/geo"
)

func TestQuadrants(t *testing.T) {
	q := Quadrants(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{4, 2}})

	assert.Equal(t, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{2, 1}}, q[0])
	assert.Equal(t, orb.Bound{Min: orb.Point{2, 0}, Max: orb.Point{4, 1}}, q[1])
	assert.Equal(t, orb.Bound{Min: orb.Point{0, 1}, Max: orb.Point{2, 2}}, q[2])
	assert.Equal(t, orb.Bound{Min: orb.Point{2, 1}, Max: orb.Point{4, 2}}, q[3])
}

func TestRegionSplit_Square(t *testing.T) {
	r := Region{Geom: rect(0, 0, 8, 8), Path: "0"}

	children, skipped := r.Split()
	require.Len(t, children, 4)
	assert.Zero(t, skipped)

	var total float64
	for i, c := range children {
		assert.Equal(t, 1, c.Depth)
		assert.Equal(t, "0."+string(rune('0'+i)), c.Path)
		assert.InDelta(t, 16, geo.Area(c.Geom), 1e-9)
		total += geo.Area(c.Geom)
	}
	assert.InDelta(t, geo.Area(r.Geom), total, 1e-9, "children partition the parent")
}

func TestRegionSplit_SkipsEmptyQuadrant(t *testing.T) {
	l := orb.MultiPolygon{{orb.Ring{
		{0, 0}, {0, 10}, {4, 10}, {4, 4}, {10, 4}, {10, 0}, {0, 0},
	}}}
	r := Region{Geom: l, Depth: 2, Path: "0.1.3"}

	children, skipped := r.Split()
	require.Len(t, children, 3)
	assert.Equal(t, 1, skipped)

	var total float64
	for _, c := range children {
		assert.Equal(t, 3, c.Depth)
		total += geo.Area(c.Geom)
	}
	assert.InDelta(t, 64, total, 1e-9)
	assert.Equal(t, "0.1.3.0", children[0].Path)
}

func TestRegionSplit_DoesNotModifyParent(t *testing.T) {
	parent := rect(0, 0, 2, 2)
	r := Region{Geom: parent.Clone(), Path: "0"}

	_, _ = r.Split()
	assert.Equal(t, parent, r.Geom)
}

func TestRegionExtent(t *testing.T) {
	assert.InDelta(t, 6.0, Region{Geom: rect(0, 0, 6, 2)}.extent(), 1e-9)
}
