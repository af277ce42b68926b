package aoi

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// trailing AUTHORITY of the outermost WKT node
	authorityRe = regexp.MustCompile(`AUTHORITY\[\s*"EPSG"\s*,\s*"?(\d+)"?\s*\]\s*\]\s*$`)
	utmRe       = regexp.MustCompile(`(?i)(NAD_?1983|NAD83|WGS_?1984|WGS 84)[ _/]*UTM[ _]zone[ _](\d{1,2})([NS])`)
)

// Well-known coordinate system names written by ArcGIS and QGIS.
var knownSystems = map[string]int{
	"GCS_WGS_1984":            4326,
	"WGS 84":                  4326,
	"GCS_North_American_1983": 4269,
	"NAD83":                   4269,

	"WGS_1984_Web_Mercator_Auxiliary_Sphere": 3857,
	"WGS 84 / Pseudo-Mercator":               3857,

	"NAD_1983_Contiguous_USA_Albers":                      5070,
	"USA_Contiguous_Albers_Equal_Area_Conic_USGS_version": 5070,
	"NAD83 / Conus Albers":                                5070,
}

// DetectSRID returns the EPSG code for the coordinate system described by
// the WKT of a .prj file. An explicit EPSG authority wins; then UTM zone
// names; then the outermost PROJCS or GEOGCS name. Unknown systems return
// defaultSRID.
func DetectSRID(prj string, defaultSRID int) int {
	prj = strings.TrimSpace(prj)
	if prj == "" {
		return defaultSRID
	}

	if m := authorityRe.FindStringSubmatch(prj); m != nil {
		if code, err := strconv.Atoi(m[1]); err == nil {
			return code
		}
	}

	name := outerName(prj)
	if m := utmRe.FindStringSubmatch(name); m != nil {
		zone, _ := strconv.Atoi(m[2])
		if zone >= 1 && zone <= 60 {
			nad := strings.HasPrefix(strings.ToUpper(m[1]), "NAD")
			switch {
			case nad && strings.EqualFold(m[3], "N"):
				return 26900 + zone
			case !nad && strings.EqualFold(m[3], "N"):
				return 32600 + zone
			case !nad:
				return 32700 + zone
			}
		}
	}

	if code, ok := knownSystems[name]; ok {
		return code
	}
	return defaultSRID
}

// outerName returns the quoted name of the outermost WKT node, e.g.
// PROJCS["NAD_1983_UTM_Zone_15N",...] yields NAD_1983_UTM_Zone_15N.
func outerName(wkt string) string {
	start := strings.Index(wkt, `["`)
	if start < 0 {
		return ""
	}
	rest := wkt[start+2:]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return ""
	}
	return rest[:end]
}
