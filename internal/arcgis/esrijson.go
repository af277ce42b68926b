package arcgis

import (
	"encoding/json"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"

	"github.com/sells-group/clu-extract/internal/geo"
)

type spatialReference struct {
	WKID       int `json:"wkid,omitempty"`
	LatestWKID int `json:"latestWkid,omitempty"`
}

// SRID prefers the latest well-known id, as the service reports the legacy
// Esri id (e.g. 102100) in wkid.
func (sr spatialReference) SRID() int {
	if sr.LatestWKID != 0 {
		return sr.LatestWKID
	}
	return sr.WKID
}

// esriPolygon is the Esri JSON polygon geometry.
type esriPolygon struct {
	Rings            [][][]float64     `json:"rings"`
	SpatialReference *spatialReference `json:"spatialReference,omitempty"`
}

// EncodePolygon renders mp as an Esri JSON polygon with shells clockwise and
// holes counter-clockwise. srid is attached as the spatial reference when
// non-zero.
func EncodePolygon(mp orb.MultiPolygon, srid int) ([]byte, error) {
	p := esriPolygon{}
	for _, r := range geo.EsriRings(mp) {
		ring := make([][]float64, 0, len(r))
		for _, pt := range r {
			ring = append(ring, []float64{pt[0], pt[1]})
		}
		p.Rings = append(p.Rings, ring)
	}
	if len(p.Rings) == 0 {
		return nil, eris.New("arcgis: encode polygon: no rings")
	}
	if srid != 0 {
		p.SpatialReference = &spatialReference{WKID: srid}
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, eris.Wrap(err, "arcgis: encode polygon")
	}
	return data, nil
}

// DecodePolygon parses an Esri JSON polygon into a MultiPolygon.
func DecodePolygon(data []byte) (orb.MultiPolygon, error) {
	var p esriPolygon
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, eris.Wrap(err, "arcgis: decode polygon")
	}
	return p.multiPolygon(), nil
}

func (p *esriPolygon) multiPolygon() orb.MultiPolygon {
	if p == nil || len(p.Rings) == 0 {
		return nil
	}
	rings := make([]orb.Ring, 0, len(p.Rings))
	for _, raw := range p.Rings {
		ring := make(orb.Ring, 0, len(raw))
		for _, c := range raw {
			if len(c) < 2 {
				continue
			}
			ring = append(ring, orb.Point{c[0], c[1]})
		}
		rings = append(rings, ring)
	}
	return geo.AssemblePolygons(rings)
}
