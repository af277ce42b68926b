package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clu-extract/internal/aoi"
	"github.com/sells-group/clu-extract/internal/arcgis"
	"github.com/sells-group/clu-extract/internal/config"
	"github.com/sells-group/clu-extract/internal/extract"
	"github.com/sells-group/clu-extract/internal/model"
	"github.com/sells-group/clu-extract/internal/store"
)

// Service is the part of the feature service client a run needs.
type Service interface {
	extract.Source
	Layer(ctx context.Context) (*model.Layer, error)
}

// Result describes one completed run.
type Result struct {
	RunID     string          `yaml:"run_id"`
	Name      string          `yaml:"name"`
	Output    string          `yaml:"output,omitempty"`
	Status    model.RunStatus `yaml:"status"`
	Records   int             `yaml:"records"`
	SRID      int             `yaml:"srid"`
	Threshold int             `yaml:"threshold"`
	Where     string          `yaml:"where,omitempty"`
	Stats     extract.Stats   `yaml:"stats"`
	StartedAt time.Time       `yaml:"started_at"`
	Duration  time.Duration   `yaml:"duration"`
}

// Runner orchestrates a run: layer metadata, threshold, extraction and
// the single write of the output feature class.
type Runner struct {
	cfg *config.Config
	svc Service
	out store.Writer
}

// New creates a Runner. out receives exactly one feature class per run.
func New(cfg *config.Config, svc Service, out store.Writer) *Runner {
	return &Runner{cfg: cfg, svc: svc, out: out}
}

// ExtractAOI downloads every CLU intersecting a and writes them as
// CLU_<name>. When nothing intersects, the empty feature class is still
// written and an *extract.EmptyResultError is returned with the result.
func (r *Runner) ExtractAOI(ctx context.Context, a *aoi.AOI) (*Result, error) {
	res := r.newResult(a.Name, a.SRID)
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("run_id", res.RunID),
		zap.String("aoi", a.Name),
	)
	log.Info("pipeline: starting AOI extract", zap.Int("srid", a.SRID))

	layer, err := r.svc.Layer(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: read layer definition")
	}
	res.Threshold = r.threshold(layer)

	paginate := r.cfg.Subdivide.Paginate && layer.SupportsPagination
	if r.cfg.Subdivide.Paginate && !layer.SupportsPagination {
		log.Debug("pipeline: layer does not support pagination")
	}

	ex := extract.NewExtractor(r.svc, extract.Options{
		Threshold: res.Threshold,
		MaxDepth:  r.cfg.Subdivide.MaxDepth,
		MinExtent: r.cfg.Subdivide.MinExtent,
		Strategy:  extract.Strategy(r.cfg.Subdivide.Strategy),
		Paginate:  paginate,
		PageSize:  r.cfg.Subdivide.PageSize,
		OrderBy:   layer.ObjectIDField,
		SRID:      a.SRID,
		IDField:   r.cfg.Service.IDField,
	})

	features, stats, err := ex.Fetch(ctx, a.Geometry)
	res.Stats = stats
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: extract %s", a.Name)
	}

	fc := &model.FeatureClass{
		Name:     r.featureClassName(a.Name),
		SRID:     a.SRID,
		Fields:   layer.OutputFields(),
		Features: features,
	}
	if err := r.out.Write(ctx, fc); err != nil {
		return nil, eris.Wrapf(err, "pipeline: write %s", fc.Name)
	}
	res.Output = r.out.Location(fc.Name)
	res.Records = len(features)
	res.Duration = time.Since(res.StartedAt)

	if len(features) == 0 {
		res.Status = model.RunStatusEmpty
		log.Warn("pipeline: no CLU records intersect the AOI",
			zap.String("output", res.Output),
		)
		return res, &extract.EmptyResultError{Name: a.Name}
	}

	res.Status = model.RunStatusComplete
	log.Info("pipeline: AOI extract complete",
		zap.String("output", res.Output),
		zap.Int("records", res.Records),
		zap.Int("threshold", res.Threshold),
		zap.Int("leaves", stats.Leaves),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// threshold resolves the subdivision cap: config override, then the layer's
// maxRecordCount, then the extractor default.
func (r *Runner) threshold(layer *model.Layer) int {
	if r.cfg.Subdivide.Threshold > 0 {
		return r.cfg.Subdivide.Threshold
	}
	if layer.MaxRecordCount > 0 {
		return layer.MaxRecordCount
	}
	zap.L().Warn("pipeline: layer reports no maxRecordCount, using default threshold",
		zap.Int("threshold", extract.DefaultThreshold),
	)
	return extract.DefaultThreshold
}

func (r *Runner) newResult(name string, srid int) *Result {
	return &Result{
		RunID:     uuid.New().String(),
		Name:      name,
		SRID:      srid,
		StartedAt: time.Now().UTC(),
	}
}

// featureClassName prefixes name and replaces characters that are not
// valid in a table name.
func (r *Runner) featureClassName(name string) string {
	clean := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			return c
		}
		return '_'
	}, name)
	return r.cfg.Output.Prefix + clean
}

// Ensure the client satisfies Service.
var _ Service = (*arcgis.Client)(nil)
