// Package arcgis is a client for the query endpoint of an ArcGIS REST
// feature service layer.
package arcgis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/clu-extract/internal/model"
	"github.com/sells-group/clu-extract/internal/resilience"
)

// DefaultLayerURL is the USDA NRCS Common Land Units feature layer.
const DefaultLayerURL = "https://gis.sc.egov.usda.gov/appserver/rest/services/common_land_units/common_land_units/FeatureServer/0"

// Options configures the client.
type Options struct {
	Timeout           time.Duration
	UserAgent         string
	RequestsPerSecond float64
	Retry             resilience.RetryConfig
	HTTPClient        *http.Client
}

// Client queries one feature service layer.
type Client struct {
	layerURL  string
	session   *Session
	http      *http.Client
	limiter   *rate.Limiter
	retry     resilience.RetryConfig
	userAgent string
	requests  int
}

// NewClient creates a client for the layer at layerURL (the URL ending in
// FeatureServer/<id>, without /query).
func NewClient(layerURL string, session *Session, opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "clu-extract/1.0"
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 5
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	logRetry := opts.Retry.OnRetry
	if logRetry == nil {
		logRetry = resilience.RetryLogger("arcgis.query")
	}
	opts.Retry.OnRetry = func(attempt int, err error) {
		retriesTotal.Inc()
		logRetry(attempt, err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	if session == nil {
		session = Anonymous()
	}

	burst := int(opts.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		layerURL:  strings.TrimRight(layerURL, "/"),
		session:   session,
		http:      hc,
		limiter:   rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst),
		retry:     opts.Retry,
		userAgent: opts.UserAgent,
	}
}

// Requests returns the number of HTTP requests sent so far, retries included.
func (c *Client) Requests() int { return c.requests }

// Query describes one request to the layer's query endpoint.
type Query struct {
	// Geometry is the spatial filter; nil queries by Where alone.
	Geometry orb.MultiPolygon
	// SRID is used for inSR and outSR; 0 leaves both to the service.
	SRID      int
	Where     string
	OutFields string
	OrderBy   string
	CountOnly bool
	// Offset and Limit map to resultOffset and resultRecordCount when set.
	Offset     int
	Limit      int
	NoGeometry bool
}

// Result is the decoded response of a query.
type Result struct {
	Features              []model.Feature
	Count                 int
	ExceededTransferLimit bool
}

type layerResponse struct {
	Name           string        `json:"name"`
	MaxRecordCount int           `json:"maxRecordCount"`
	ObjectIDField  string        `json:"objectIdField"`
	Fields         []model.Field `json:"fields"`
	Extent         struct {
		SpatialReference spatialReference `json:"spatialReference"`
	} `json:"extent"`
	AdvancedQueryCapabilities struct {
		SupportsPagination bool `json:"supportsPagination"`
	} `json:"advancedQueryCapabilities"`
}

type queryResponse struct {
	Count                 *int          `json:"count"`
	ObjectIDFieldName     string        `json:"objectIdFieldName"`
	Fields                []model.Field `json:"fields"`
	ExceededTransferLimit bool          `json:"exceededTransferLimit"`
	Features              []struct {
		Attributes map[string]any `json:"attributes"`
		Geometry   *esriPolygon   `json:"geometry"`
	} `json:"features"`
}

type errorEnvelope struct {
	Error *struct {
		Code    int      `json:"code"`
		Message string   `json:"message"`
		Details []string `json:"details"`
	} `json:"error"`
}

// Layer fetches the layer definition: record cap, spatial reference, fields.
func (c *Client) Layer(ctx context.Context) (*model.Layer, error) {
	body, err := c.post(ctx, c.layerURL, url.Values{"f": {"json"}})
	if err != nil {
		return nil, err
	}

	var lr layerResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, &ServiceError{Message: "decode layer definition", Err: err}
	}

	return &model.Layer{
		Name:               lr.Name,
		MaxRecordCount:     lr.MaxRecordCount,
		SRID:               lr.Extent.SpatialReference.SRID(),
		ObjectIDField:      lr.ObjectIDField,
		Fields:             lr.Fields,
		SupportsPagination: lr.AdvancedQueryCapabilities.SupportsPagination,
	}, nil
}

// Query runs q against the layer's query endpoint.
func (c *Client) Query(ctx context.Context, q Query) (*Result, error) {
	form, err := q.values()
	if err != nil {
		return nil, err
	}

	body, err := c.post(ctx, c.layerURL+"/query", form)
	if err != nil {
		return nil, err
	}

	var qr queryResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, &ServiceError{Message: "decode query response", Err: err}
	}

	if q.CountOnly {
		if qr.Count == nil {
			return nil, &ServiceError{Message: "count query returned no count"}
		}
		return &Result{Count: *qr.Count}, nil
	}

	res := &Result{
		Features:              make([]model.Feature, 0, len(qr.Features)),
		ExceededTransferLimit: qr.ExceededTransferLimit,
	}
	dates := make(map[string]bool)
	for _, f := range qr.Fields {
		if f.Type == model.FieldTypeDate {
			dates[f.Name] = true
		}
	}
	for _, raw := range qr.Features {
		res.Features = append(res.Features, model.Feature{
			ObjectID:   objectID(raw.Attributes, qr.ObjectIDFieldName),
			Attributes: decodeAttributes(raw.Attributes, dates),
			Geometry:   raw.Geometry.multiPolygon(),
		})
	}
	res.Count = len(res.Features)
	return res, nil
}

func (q Query) values() (url.Values, error) {
	where := q.Where
	if where == "" {
		where = "1=1"
	}
	outFields := q.OutFields
	if outFields == "" {
		outFields = "*"
	}

	v := url.Values{
		"f":         {"json"},
		"where":     {where},
		"outFields": {outFields},
	}

	if len(q.Geometry) > 0 {
		g, err := EncodePolygon(q.Geometry, q.SRID)
		if err != nil {
			return nil, err
		}
		v.Set("geometry", string(g))
		v.Set("geometryType", "esriGeometryPolygon")
		v.Set("spatialRel", "esriSpatialRelIntersects")
	}
	if q.SRID != 0 {
		v.Set("inSR", strconv.Itoa(q.SRID))
		v.Set("outSR", strconv.Itoa(q.SRID))
	}
	if q.CountOnly {
		v.Set("returnCountOnly", "true")
	} else {
		v.Set("returnGeometry", strconv.FormatBool(!q.NoGeometry))
	}
	if q.OrderBy != "" {
		v.Set("orderByFields", q.OrderBy)
	}
	if q.Offset > 0 {
		v.Set("resultOffset", strconv.Itoa(q.Offset))
	}
	if q.Limit > 0 {
		v.Set("resultRecordCount", strconv.Itoa(q.Limit))
	}
	return v, nil
}

// post sends form to endpoint with retries. A rejected token is refreshed
// through the session once before the request fails with an AuthError.
func (c *Client) post(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	refreshed := false
	for {
		body, err := resilience.Do(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
			return c.send(ctx, endpoint, form)
		})
		if err == nil {
			return body, nil
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			if authErr.tokenRejected() && !refreshed {
				zap.L().Warn("arcgis: token rejected, refreshing", zap.Int("code", authErr.Code))
				if rerr := c.session.Refresh(ctx); rerr != nil {
					return nil, rerr
				}
				tokenRefreshesTotal.Inc()
				refreshed = true
				continue
			}
			return nil, authErr
		}

		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "arcgis: request cancelled")
		}

		var svcErr *ServiceError
		if errors.As(err, &svcErr) {
			return nil, svcErr
		}
		return nil, &ServiceError{Err: err}
	}
}

// send performs one HTTP round trip. Errors worth retrying are wrapped as
// resilience.TransientError.
func (c *Client) send(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "arcgis: rate limiter wait")
	}

	payload := url.Values{}
	for k, v := range form {
		payload[k] = v
	}
	if tok := c.session.Token(); tok != "" {
		payload.Set("token", tok)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload.Encode()))
	if err != nil {
		return nil, &ServiceError{Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	label := endpointLabel(endpoint)
	start := time.Now()
	c.requests++
	resp, err := c.http.Do(req)
	requestDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues(label, statusLabel(0)).Inc()
		return nil, eris.Wrapf(err, "arcgis: post %s", endpoint)
	}
	defer resp.Body.Close() //nolint:errcheck
	requestsTotal.WithLabelValues(label, statusLabel(resp.StatusCode)).Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "arcgis: read body"), resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(
			&ServiceError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)},
			resp.StatusCode,
		)
	case resp.StatusCode != http.StatusOK:
		return nil, &ServiceError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	// The service reports most failures as HTTP 200 with an error object.
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ServiceError{StatusCode: resp.StatusCode, Message: "malformed JSON response", Err: err}
	}
	if env.Error != nil {
		e := env.Error
		switch {
		case e.Code == codeInvalidToken || e.Code == codeTokenRequired ||
			e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden:
			return nil, &AuthError{Code: e.Code, Message: e.Message}
		case resilience.IsTransientHTTPStatus(e.Code):
			return nil, resilience.NewTransientError(
				&ServiceError{Code: e.Code, Message: e.Message, Details: e.Details}, e.Code)
		default:
			return nil, &ServiceError{Code: e.Code, Message: e.Message, Details: e.Details}
		}
	}

	return body, nil
}

// objectID finds the object id among the attributes. Services differ in the
// case they use for the field name.
func objectID(attrs map[string]any, field string) int64 {
	candidates := []string{field, "OBJECTID", "objectid", "ObjectID", "FID"}
	for _, name := range candidates {
		if name == "" {
			continue
		}
		for k, v := range attrs {
			if !strings.EqualFold(k, name) {
				continue
			}
			if n, ok := v.(float64); ok {
				return int64(n)
			}
		}
	}
	return 0
}

// decodeAttributes converts date fields from epoch milliseconds to time.Time
// and whole-number floats to int64.
func decodeAttributes(attrs map[string]any, dates map[string]bool) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		n, ok := v.(float64)
		switch {
		case !ok:
			out[k] = v
		case dates[k]:
			out[k] = model.EpochMillis(n)
		case n == float64(int64(n)):
			out[k] = int64(n)
		default:
			out[k] = n
		}
	}
	return out
}
