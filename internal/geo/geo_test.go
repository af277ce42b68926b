package geo

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
)

// cw returns a clockwise square ring with the lower-left corner at (x, y).
func cw(x, y, size float64) orb.Ring {
	return orb.Ring{{x, y}, {x, y + size}, {x + size, y + size}, {x + size, y}, {x, y}}
}

// ccw returns a counter-clockwise square ring.
func ccw(x, y, size float64) orb.Ring {
	return orb.Ring{{x, y}, {x + size, y}, {x + size, y + size}, {x, y + size}, {x, y}}
}

func TestAssemblePolygons_ShellWithHole(t *testing.T) {
	mp := AssemblePolygons([]orb.Ring{cw(0, 0, 10), ccw(2, 2, 2)})

	require.Len(t, mp, 1)
	require.Len(t, mp[0], 2)
	assert.InDelta(t, 96.0, Area(mp), 1e-9)
}

func TestAssemblePolygons_TwoShells(t *testing.T) {
	mp := AssemblePolygons([]orb.Ring{cw(0, 0, 1), cw(5, 5, 1)})

	require.Len(t, mp, 2)
	assert.InDelta(t, 2.0, Area(mp), 1e-9)
}

func TestAssemblePolygons_OrphanHoleBecomesShell(t *testing.T) {
	mp := AssemblePolygons([]orb.Ring{ccw(0, 0, 3)})

	require.Len(t, mp, 1)
	assert.InDelta(t, 9.0, Area(mp), 1e-9)
}

func TestAssemblePolygons_ClosesOpenRings(t *testing.T) {
	open := orb.Ring{{0, 0}, {0, 1}, {1, 1}, {1, 0}}
	mp := AssemblePolygons([]orb.Ring{open})

	require.Len(t, mp, 1)
	assert.True(t, mp[0][0].Closed())
	assert.Len(t, open, 4, "input ring must not be modified")
}

func TestAssemblePolygons_DropsDegenerateRings(t *testing.T) {
	mp := AssemblePolygons([]orb.Ring{{{0, 0}, {1, 1}}})
	assert.Empty(t, mp)
}

func TestEsriRings_Orientation(t *testing.T) {
	mp := orb.MultiPolygon{{ccw(0, 0, 10), cw(2, 2, 2)}}

	rings := EsriRings(mp)
	require.Len(t, rings, 2)
	assert.Equal(t, orb.CW, rings[0].Orientation())
	assert.Equal(t, orb.CCW, rings[1].Orientation())

	// Input untouched.
	assert.Equal(t, orb.CCW, mp[0][0].Orientation())

	// Round trip through the Esri convention preserves the shape.
	back := AssemblePolygons(rings)
	assert.InDelta(t, Area(mp), Area(back), 1e-9)
}

func TestToGeom(t *testing.T) {
	g := ToGeom(orb.MultiPolygon{{cw(0, 0, 1)}, {cw(3, 3, 1)}}, 4326)

	assert.Equal(t, 2, g.NumPolygons())
	assert.Equal(t, 4326, g.SRID())
	assert.Equal(t, geom.XY, g.Layout())
}

func TestEncodeWKB_RoundTrip(t *testing.T) {
	data, err := EncodeWKB(orb.MultiPolygon{{cw(0, 0, 2)}})
	require.NoError(t, err)

	g, err := wkb.Unmarshal(data)
	require.NoError(t, err)
	mp, ok := g.(*geom.MultiPolygon)
	require.True(t, ok)
	assert.InDelta(t, 4.0, math.Abs(mp.Area()), 1e-9)
}

func TestEncodeEWKB(t *testing.T) {
	data, err := EncodeEWKB(orb.MultiPolygon{{cw(0, 0, 1)}}, 4269)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	assert.Equal(t, byte(1), data[0], "little endian marker")
}

func TestEncodeGPKG_Header(t *testing.T) {
	mp := orb.MultiPolygon{{cw(-90, 40, 1)}}
	data, err := EncodeGPKG(mp, 4326)
	require.NoError(t, err)

	require.Greater(t, len(data), 40)
	assert.Equal(t, []byte("GP"), data[0:2])
	assert.Equal(t, byte(0), data[2])
	assert.Equal(t, byte(gpkgLittleEndian|gpkgEnvelopeXY), data[3])
	assert.Equal(t, uint32(4326), binary.LittleEndian.Uint32(data[4:8]))

	minX := math.Float64frombits(binary.LittleEndian.Uint64(data[8:16]))
	maxX := math.Float64frombits(binary.LittleEndian.Uint64(data[16:24]))
	minY := math.Float64frombits(binary.LittleEndian.Uint64(data[24:32]))
	maxY := math.Float64frombits(binary.LittleEndian.Uint64(data[32:40]))
	assert.Equal(t, []float64{-90, -89, 40, 41}, []float64{minX, maxX, minY, maxY})

	g, err := wkb.Unmarshal(data[40:])
	require.NoError(t, err)
	assert.IsType(t, &geom.MultiPolygon{}, g)
}

func TestEncodeGPKG_Empty(t *testing.T) {
	data, err := EncodeGPKG(nil, 4326)
	require.NoError(t, err)
	assert.Equal(t, byte(gpkgLittleEndian|gpkgEmpty), data[3])
}

func TestFromShape_Polygon(t *testing.T) {
	poly := &shp.Polygon{
		NumParts: 2,
		Parts:    []int32{0, 5},
		Points: []shp.Point{
			{X: 0, Y: 0}, {X: 0, Y: 10}, {X: 10, Y: 10}, {X: 10, Y: 0}, {X: 0, Y: 0},
			{X: 2, Y: 2}, {X: 4, Y: 2}, {X: 4, Y: 4}, {X: 2, Y: 4}, {X: 2, Y: 2},
		},
	}

	mp := FromShape(poly)
	require.Len(t, mp, 1)
	assert.Len(t, mp[0], 2)
	assert.InDelta(t, 96.0, Area(mp), 1e-9)
}

func TestFromShape_Unsupported(t *testing.T) {
	assert.Nil(t, FromShape(&shp.Point{X: 1, Y: 2}))
	assert.Nil(t, FromShape(nil))
	assert.Nil(t, FromShape(&shp.Polygon{}))
}

func TestToShape(t *testing.T) {
	mp := orb.MultiPolygon{{ccw(0, 0, 10), cw(2, 2, 2)}, {ccw(20, 20, 1)}}

	s := ToShape(mp)
	require.NotNil(t, s)
	assert.Equal(t, int32(3), s.NumParts)
	assert.Equal(t, []int32{0, 5, 10}, s.Parts)
	assert.Equal(t, int32(15), s.NumPoints)
	assert.Equal(t, 0.0, s.Box.MinX)
	assert.Equal(t, 21.0, s.Box.MaxX)

	back := FromShape(s)
	assert.InDelta(t, Area(mp), Area(back), 1e-9)

	assert.Nil(t, ToShape(nil))
}
