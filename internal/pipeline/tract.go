package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clu-extract/internal/arcgis"
	"github.com/sells-group/clu-extract/internal/extract"
	"github.com/sells-group/clu-extract/internal/model"
)

// alaska administers CLUs by county ANSI code instead of FSA county code.
const alaska = "02"

// TractQuery selects CLUs by FSA administrative state, county and tract
// numbers.
type TractQuery struct {
	State  string
	County string
	Tracts []string
	// SRID is the output spatial reference; 0 keeps the layer's.
	SRID int
}

// Name is the feature class suffix for the query, e.g. "19153_1207_1208".
func (q TractQuery) Name() string {
	return q.State + q.County + "_" + strings.Join(q.Tracts, "_")
}

// Validate rejects codes that are not plain digits. Every value ends up in
// a where clause.
func (q TractQuery) Validate() error {
	if !isDigits(q.State) {
		return eris.Errorf("pipeline: admin state %q must be numeric", q.State)
	}
	if !isDigits(q.County) {
		return eris.Errorf("pipeline: admin county %q must be numeric", q.County)
	}
	if len(q.Tracts) == 0 {
		return eris.New("pipeline: at least one tract number is required")
	}
	for _, t := range q.Tracts {
		if !isDigits(t) {
			return eris.Errorf("pipeline: tract number %q must be numeric", t)
		}
	}
	return nil
}

// Where builds the attribute filter for the query.
func (q TractQuery) Where() string {
	county := "ADMIN_COUNTY"
	if q.State == alaska {
		county = "COUNTY_ANSI_CODE"
	}

	var tract string
	if len(q.Tracts) == 1 {
		tract = fmt.Sprintf("TRACT_NUMBER = '%s'", q.Tracts[0])
	} else {
		quoted := make([]string, len(q.Tracts))
		for i, t := range q.Tracts {
			quoted[i] = "'" + t + "'"
		}
		tract = fmt.Sprintf("TRACT_NUMBER IN (%s)", strings.Join(quoted, ", "))
	}

	return fmt.Sprintf("ADMIN_STATE = '%s' AND %s = '%s' AND %s", q.State, county, q.County, tract)
}

// ExtractTracts downloads the CLUs of the given tracts with an attribute
// query and writes them as CLU_<state><county>_<tracts>. Nothing is written
// when no CLU matches; an *extract.EmptyResultError is returned instead.
func (r *Runner) ExtractTracts(ctx context.Context, q TractQuery) (*Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	layer, err := r.svc.Layer(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: read layer definition")
	}

	srid := q.SRID
	if srid == 0 {
		srid = layer.SRID
	}
	res := r.newResult(q.Name(), srid)
	res.Where = q.Where()
	res.Threshold = r.threshold(layer)

	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("run_id", res.RunID),
		zap.String("tracts", strings.Join(q.Tracts, ",")),
	)
	log.Info("pipeline: querying CLUs by tract", zap.String("where", res.Where))

	features, stats, err := r.pageAll(ctx, layer, arcgis.Query{
		Where:   res.Where,
		SRID:    srid,
		OrderBy: layer.ObjectIDField,
	}, res.Threshold)
	res.Stats = stats
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: tract query %s", q.Name())
	}

	res.Records = len(features)
	if len(features) == 0 {
		res.Status = model.RunStatusEmpty
		res.Duration = time.Since(res.StartedAt)
		log.Warn("pipeline: no CLU records match; review admin state, county and tract numbers")
		return res, &extract.EmptyResultError{Name: "tract " + strings.Join(q.Tracts, ", ")}
	}

	fc := &model.FeatureClass{
		Name:     r.featureClassName(q.Name()),
		SRID:     srid,
		Fields:   layer.OutputFields(),
		Features: features,
	}
	if err := r.out.Write(ctx, fc); err != nil {
		return nil, eris.Wrapf(err, "pipeline: write %s", fc.Name)
	}
	res.Output = r.out.Location(fc.Name)
	res.Status = model.RunStatusComplete
	res.Duration = time.Since(res.StartedAt)

	log.Info("pipeline: tract extract complete",
		zap.String("output", res.Output),
		zap.Int("records", res.Records),
	)
	return res, nil
}

// pageAll runs an attribute query to completion, paging by resultOffset when
// the layer allows it.
func (r *Runner) pageAll(ctx context.Context, layer *model.Layer, q arcgis.Query, pageSize int) ([]model.Feature, extract.Stats, error) {
	start := time.Now()
	var stats extract.Stats
	seen := make(map[string]struct{})
	idField := r.cfg.Service.IDField
	if idField == "" {
		idField = extract.DefaultIDField
	}

	var out []model.Feature
	for {
		if layer.SupportsPagination {
			q.Limit = pageSize
		}
		res, err := r.svc.Query(ctx, q)
		stats.Queries++
		if err != nil {
			return nil, stats, err
		}
		for _, f := range res.Features {
			k := f.Key(idField)
			if _, ok := seen[k]; ok {
				stats.Duplicates++
				continue
			}
			seen[k] = struct{}{}
			out = append(out, f)
		}

		if !res.ExceededTransferLimit && len(res.Features) < pageSize {
			break
		}
		if !layer.SupportsPagination {
			return nil, stats, eris.Wrapf(extract.ErrSubdivisionExhausted,
				"attribute query returned %d records and the layer cannot paginate", len(res.Features))
		}
		if len(res.Features) == 0 {
			break
		}
		q.Offset += len(res.Features)
		stats.Paginated++
	}

	stats.Leaves = 1
	stats.Regions = 1
	stats.Records = len(out)
	stats.Elapsed = time.Since(start)
	return out, stats, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
