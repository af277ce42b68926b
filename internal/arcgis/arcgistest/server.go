// Package arcgistest provides an in-memory feature service for tests.
package arcgistest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"github.com/sells-group/clu-extract/internal/arcgis"
	"github.com/sells-group/clu-extract/internal/model"
)

// LayerPath is the path of the fake layer below the server root.
const LayerPath = "/arcgis/rest/services/clu/FeatureServer/0"

// Server answers layer metadata and query requests from a fixed feature set.
// Spatial filtering uses bounding-box intersection.
type Server struct {
	*httptest.Server

	mu                 sync.Mutex
	features           []model.Feature
	fields             []model.Field
	maxRecordCount     int
	supportsPagination bool
	srid               int
	token              string
	failNext           int
	errorCode          int
	requests           []url.Values
}

// Option configures a Server.
type Option func(*Server)

// WithMaxRecordCount sets the per-request record cap.
func WithMaxRecordCount(n int) Option { return func(s *Server) { s.maxRecordCount = n } }

// WithPagination advertises resultOffset support.
func WithPagination() Option { return func(s *Server) { s.supportsPagination = true } }

// WithToken requires token on every request.
func WithToken(token string) Option { return func(s *Server) { s.token = token } }

// WithFields sets the layer fields.
func WithFields(fields []model.Field) Option { return func(s *Server) { s.fields = fields } }

// WithSRID sets the layer spatial reference.
func WithSRID(srid int) Option { return func(s *Server) { s.srid = srid } }

// New starts a server holding features. Close it when done.
func New(features []model.Feature, opts ...Option) *Server {
	s := &Server{
		features:       features,
		fields:         DefaultFields(),
		maxRecordCount: 1000,
		srid:           4326,
	}
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(LayerPath, s.handleLayer)
	mux.HandleFunc(LayerPath+"/query", s.handleQuery)
	s.Server = httptest.NewServer(mux)
	return s
}

// LayerURL is the URL to hand to arcgis.NewClient.
func (s *Server) LayerURL() string { return s.URL + LayerPath }

// FailNext makes the next n requests answer HTTP 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// FailWith makes every query answer with an Esri error payload of code.
// Zero clears it.
func (s *Server) FailWith(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCode = code
}

// SetToken changes the token the server accepts.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// Requests returns the form values of every query request received.
func (s *Server) Requests() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]url.Values, len(s.requests))
	copy(out, s.requests)
	return out
}

// QueryCount returns the number of query requests that were not count-only.
func (s *Server) QueryCount() int {
	n := 0
	for _, r := range s.Requests() {
		if r.Get("returnCountOnly") != "true" {
			n++
		}
	}
	return n
}

// DefaultFields mirrors the main CLU layer attributes.
func DefaultFields() []model.Field {
	return []model.Field{
		{Name: "objectid", Type: model.FieldTypeOID},
		{Name: "clu_identifier", Type: model.FieldTypeString, Length: 36},
		{Name: "admin_state", Type: model.FieldTypeString, Length: 2},
		{Name: "admin_county", Type: model.FieldTypeString, Length: 3},
		{Name: "tract_number", Type: model.FieldTypeString, Length: 7},
		{Name: "clu_number", Type: model.FieldTypeString, Length: 7},
		{Name: "calcacres", Type: model.FieldTypeDouble},
		{Name: "data_source_date", Type: model.FieldTypeDate},
		{Name: "shape", Type: model.FieldTypeGeometry},
	}
}

func (s *Server) handleLayer(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}
	s.mu.Lock()
	body := map[string]any{
		"name":           "common_land_units",
		"maxRecordCount": s.maxRecordCount,
		"objectIdField":  "objectid",
		"fields":         s.fields,
		"extent": map[string]any{
			"spatialReference": map[string]int{"wkid": s.srid, "latestWkid": s.srid},
		},
		"advancedQueryCapabilities": map[string]bool{
			"supportsPagination": s.supportsPagination,
		},
	}
	s.mu.Unlock()
	writeJSON(w, body)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, r.Form)
	s.mu.Unlock()

	if !s.admit(w, r) {
		return
	}

	s.mu.Lock()
	code := s.errorCode
	s.mu.Unlock()
	if code != 0 {
		writeError(w, code, "query failed")
		return
	}

	matched, err := s.match(r.Form)
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}

	if r.Form.Get("returnCountOnly") == "true" {
		writeJSON(w, map[string]int{"count": len(matched)})
		return
	}

	offset, _ := strconv.Atoi(r.Form.Get("resultOffset"))
	limit, _ := strconv.Atoi(r.Form.Get("resultRecordCount"))
	s.mu.Lock()
	maxRecords := s.maxRecordCount
	fields := s.fields
	s.mu.Unlock()
	if limit <= 0 || limit > maxRecords {
		limit = maxRecords
	}

	if offset > len(matched) {
		offset = len(matched)
	}
	page := matched[offset:]
	exceeded := false
	if len(page) > limit {
		page = page[:limit]
		exceeded = true
	}

	dates := make(map[string]bool)
	for _, f := range fields {
		if f.Type == model.FieldTypeDate {
			dates[f.Name] = true
		}
	}

	withGeometry := r.Form.Get("returnGeometry") != "false"
	out := make([]map[string]any, 0, len(page))
	for _, f := range page {
		attrs := map[string]any{"objectid": f.ObjectID}
		for k, v := range f.Attributes {
			if t, ok := v.(time.Time); ok && dates[k] {
				v = t.UnixMilli()
			}
			attrs[k] = v
		}
		item := map[string]any{"attributes": attrs}
		if withGeometry && len(f.Geometry) > 0 {
			g, err := arcgis.EncodePolygon(f.Geometry, 0)
			if err == nil {
				item["geometry"] = json.RawMessage(g)
			}
		}
		out = append(out, item)
	}

	writeJSON(w, map[string]any{
		"objectIdFieldName":     "objectid",
		"fields":                fields,
		"exceededTransferLimit": exceeded,
		"features":              out,
	})
}

// admit applies failure injection and token checks. It reports whether the
// request may proceed.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return false
	}
	if s.token == "" {
		return true
	}
	switch r.FormValue("token") {
	case "":
		writeError(w, 499, "Token Required")
		return false
	case s.token:
		return true
	default:
		writeError(w, 498, "Invalid Token")
		return false
	}
}

func (s *Server) match(form url.Values) ([]model.Feature, error) {
	var filter orb.Bound
	spatial := false
	if g := form.Get("geometry"); g != "" {
		mp, err := arcgis.DecodePolygon([]byte(g))
		if err != nil {
			return nil, err
		}
		filter = mp.Bound()
		spatial = true
	}

	where, err := parseWhere(form.Get("where"))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Feature
	for _, f := range s.features {
		if spatial && !f.Geometry.Bound().Intersects(filter) {
			continue
		}
		if !where.matches(f) {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID < out[j].ObjectID })
	return out, nil
}

// clause is a single "FIELD = 'v'" or "FIELD IN ('a','b')" predicate.
type clause struct {
	field  string
	values []string
}

type whereExpr []clause

func (w whereExpr) matches(f model.Feature) bool {
	for _, c := range w {
		ok := false
		for k, v := range f.Attributes {
			if !strings.EqualFold(k, c.field) {
				continue
			}
			s, isString := v.(string)
			if !isString {
				break
			}
			for _, want := range c.values {
				if s == want {
					ok = true
					break
				}
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// parseWhere understands the conjunctions of equality and IN predicates the
// extractor generates. "1=1" and "" match everything.
func parseWhere(where string) (whereExpr, error) {
	where = strings.TrimSpace(where)
	if where == "" || where == "1=1" {
		return nil, nil
	}

	var expr whereExpr
	for _, part := range strings.Split(where, " AND ") {
		part = strings.TrimSpace(part)
		if i := strings.Index(strings.ToUpper(part), " IN "); i > 0 {
			list := strings.TrimSpace(part[i+4:])
			list = strings.TrimSuffix(strings.TrimPrefix(list, "("), ")")
			c := clause{field: strings.TrimSpace(part[:i])}
			for _, v := range strings.Split(list, ",") {
				c.values = append(c.values, unquote(v))
			}
			expr = append(expr, c)
			continue
		}
		field, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, &unsupportedWhere{where}
		}
		expr = append(expr, clause{field: strings.TrimSpace(field), values: []string{unquote(value)}})
	}
	return expr, nil
}

func unquote(v string) string {
	return strings.Trim(strings.TrimSpace(v), "'")
}

type unsupportedWhere struct{ where string }

func (e *unsupportedWhere) Error() string { return "unsupported where clause: " + e.where }

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, map[string]any{
		"error": map[string]any{"code": code, "message": msg, "details": []string{}},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
