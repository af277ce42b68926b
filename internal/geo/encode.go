package geo

import (
	"bytes"
	"encoding/binary"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"github.com/twpayne/go-geom/encoding/wkb"
)

// ToGeom converts an orb MultiPolygon to a go-geom MultiPolygon with the
// given SRID. Rings shorter than four points are dropped.
func ToGeom(mp orb.MultiPolygon, srid int) *geom.MultiPolygon {
	coords := make([][][]geom.Coord, 0, len(mp))
	for _, poly := range mp {
		rings := make([][]geom.Coord, 0, len(poly))
		for _, r := range poly {
			r = closeRing(r)
			if len(r) < 4 {
				continue
			}
			ring := make([]geom.Coord, 0, len(r))
			for _, p := range r {
				ring = append(ring, geom.Coord{p[0], p[1]})
			}
			rings = append(rings, ring)
		}
		if len(rings) == 0 {
			continue
		}
		coords = append(coords, rings)
	}
	return geom.NewMultiPolygon(geom.XY).MustSetCoords(coords).SetSRID(srid)
}

// EncodeEWKB encodes the geometry as little-endian EWKB carrying the SRID,
// the format PostGIS accepts for geometry columns.
func EncodeEWKB(mp orb.MultiPolygon, srid int) ([]byte, error) {
	data, err := ewkb.Marshal(ToGeom(mp, srid), ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "geo: encode EWKB")
	}
	return data, nil
}

// EncodeWKB encodes the geometry as little-endian ISO WKB.
func EncodeWKB(mp orb.MultiPolygon) ([]byte, error) {
	data, err := wkb.Marshal(ToGeom(mp, 0), wkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "geo: encode WKB")
	}
	return data, nil
}

// GeoPackage binary header flags.
const (
	gpkgLittleEndian = 0x01
	gpkgEnvelopeXY   = 0x02
	gpkgEmpty        = 0x10
)

// EncodeGPKG encodes the geometry as a GeoPackage geometry blob: the "GP"
// header with SRS id and XY envelope followed by standard WKB.
func EncodeGPKG(mp orb.MultiPolygon, srid int) ([]byte, error) {
	body, err := EncodeWKB(mp)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(40 + len(body))
	buf.Write([]byte{'G', 'P', 0})

	empty := len(mp) == 0
	flags := byte(gpkgLittleEndian)
	if empty {
		flags |= gpkgEmpty
	} else {
		flags |= gpkgEnvelopeXY
	}
	buf.WriteByte(flags)

	if err := binary.Write(&buf, binary.LittleEndian, int32(srid)); err != nil {
		return nil, eris.Wrap(err, "geo: write gpkg srs id")
	}
	if !empty {
		b := mp.Bound()
		env := [4]float64{b.Min[0], b.Max[0], b.Min[1], b.Max[1]}
		if err := binary.Write(&buf, binary.LittleEndian, env); err != nil {
			return nil, eris.Wrap(err, "geo: write gpkg envelope")
		}
	}
	buf.Write(body)

	return buf.Bytes(), nil
}
