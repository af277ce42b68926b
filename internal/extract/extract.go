package extract

import (
	"context"
	"time"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clu-extract/internal/arcgis"
	"github.com/sells-group/clu-extract/internal/model"
)

// Defaults applied by NewExtractor when an option is unset.
const (
	DefaultThreshold = 1000
	DefaultMaxDepth  = 16
	DefaultIDField   = "clu_identifier"
)

// Strategy selects how a region is sized before its records are fetched.
type Strategy string

const (
	// StrategyProbe issues one feature query per region and discards it
	// when the region turns out to be at the cap.
	StrategyProbe Strategy = "probe"
	// StrategyCount issues a count-only query per region and fetches
	// features only for leaves.
	StrategyCount Strategy = "count"
)

// Source is the query side of the feature service client.
type Source interface {
	Query(ctx context.Context, q arcgis.Query) (*arcgis.Result, error)
}

// Options configures an Extractor.
type Options struct {
	// Threshold is the record count at which a region is subdivided.
	Threshold int
	MaxDepth  int
	// MinExtent stops subdivision of regions whose longer bounding-box side
	// is below it, in AOI units. Zero disables the check.
	MinExtent float64
	Strategy  Strategy
	// Paginate allows resultOffset paging for regions still at the cap at
	// max depth. Set it only when the layer supports pagination.
	Paginate bool
	PageSize int
	// OrderBy is the field used to keep pages stable, normally the
	// object id field.
	OrderBy string
	SRID    int
	IDField string
	// Where is an extra attribute filter applied to every query.
	Where string
}

// Stats summarizes one Fetch.
type Stats struct {
	Queries      int           `yaml:"queries" json:"queries"`
	CountQueries int           `yaml:"count_queries" json:"count_queries"`
	Regions      int           `yaml:"regions" json:"regions"`
	Leaves       int           `yaml:"leaves" json:"leaves"`
	Subdivisions int           `yaml:"subdivisions" json:"subdivisions"`
	MaxDepth     int           `yaml:"max_depth" json:"max_depth"`
	Paginated    int           `yaml:"paginated" json:"paginated"`
	Skipped      int           `yaml:"skipped" json:"skipped"`
	Duplicates   int           `yaml:"duplicates" json:"duplicates"`
	Records      int           `yaml:"records" json:"records"`
	Elapsed      time.Duration `yaml:"elapsed" json:"elapsed"`
}

// Extractor runs the subdivision over a Source.
type Extractor struct {
	src  Source
	opts Options
	log  *zap.Logger
}

// NewExtractor creates an Extractor, filling unset options with defaults.
func NewExtractor(src Source, opts Options) *Extractor {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyProbe
	}
	if opts.PageSize <= 0 || opts.PageSize > opts.Threshold {
		opts.PageSize = opts.Threshold
	}
	if opts.IDField == "" {
		opts.IDField = DefaultIDField
	}
	return &Extractor{
		src:  src,
		opts: opts,
		log:  zap.L().With(zap.String("component", "extract")),
	}
}

// Options returns the effective options.
func (e *Extractor) Options() Options { return e.opts }

// Fetch returns the deduplicated records intersecting aoi. Regions are
// processed depth-first from an explicit stack, one request at a time. Any
// query error aborts the fetch; no partial result is returned.
func (e *Extractor) Fetch(ctx context.Context, aoi orb.MultiPolygon) ([]model.Feature, Stats, error) {
	start := time.Now()
	var stats Stats

	if len(aoi) == 0 {
		return nil, stats, eris.New("extract: empty area of interest")
	}

	acc := newCollector(e.opts.IDField)
	stack := []Region{{Geom: aoi, Path: "0"}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, stats, eris.Wrap(err, "extract: cancelled")
		}

		r := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		stats.Regions++
		stats.MaxDepth = max(stats.MaxDepth, r.Depth)

		features, over, err := e.probe(ctx, r, &stats)
		if err != nil {
			return nil, stats, err
		}

		if !over {
			stats.Leaves++
			regionsTotal.WithLabelValues("leaf").Inc()
			acc.add(features)
			e.log.Debug("leaf region",
				zap.String("path", r.Path),
				zap.Int("depth", r.Depth),
				zap.Int("records", len(features)),
			)
			continue
		}

		if !e.atLimit(r) {
			children, skipped := r.Split()
			stats.Skipped += skipped
			if len(children) > 0 {
				stats.Subdivisions++
				regionsTotal.WithLabelValues("split").Inc()
				e.log.Debug("subdividing region",
					zap.String("path", r.Path),
					zap.Int("depth", r.Depth),
					zap.Int("children", len(children)),
				)

				// Push in reverse so quadrant 0 is processed first.
				for i := len(children) - 1; i >= 0; i-- {
					stack = append(stack, children[i])
				}
				continue
			}
			// A region at the cap with no area left to split still has
			// records; they must be paged, not dropped.
			e.log.Warn("region at cap has no area to subdivide",
				zap.String("path", r.Path),
				zap.Int("depth", r.Depth),
			)
		}

		features, err = e.paginate(ctx, r, &stats)
		if err != nil {
			return nil, stats, err
		}
		stats.Leaves++
		regionsTotal.WithLabelValues("paginated").Inc()
		acc.add(features)
	}

	stats.Duplicates = acc.duplicates
	stats.Records = len(acc.features)
	stats.Elapsed = time.Since(start)
	recordsTotal.Add(float64(stats.Records))
	duplicatesTotal.Add(float64(stats.Duplicates))

	e.log.Info("fetch complete",
		zap.Int("records", stats.Records),
		zap.Int("queries", stats.Queries+stats.CountQueries),
		zap.Int("leaves", stats.Leaves),
		zap.Int("max_depth", stats.MaxDepth),
		zap.Int("duplicates", stats.Duplicates),
	)

	return acc.features, stats, nil
}

// probe sizes a region. It reports over=true when the region is at or above
// the threshold; otherwise features holds the region's records.
func (e *Extractor) probe(ctx context.Context, r Region, stats *Stats) (features []model.Feature, over bool, err error) {
	if e.opts.Strategy == StrategyCount {
		res, err := e.query(ctx, r, arcgis.Query{CountOnly: true})
		stats.CountQueries++
		if err != nil {
			return nil, false, err
		}
		if res.Count == 0 {
			return nil, false, nil
		}
		if res.Count >= e.opts.Threshold {
			return nil, true, nil
		}
	}

	res, err := e.query(ctx, r, arcgis.Query{})
	stats.Queries++
	if err != nil {
		return nil, false, err
	}
	if len(res.Features) >= e.opts.Threshold || res.ExceededTransferLimit {
		return nil, true, nil
	}
	return res.Features, false, nil
}

func (e *Extractor) atLimit(r Region) bool {
	if r.Depth >= e.opts.MaxDepth {
		return true
	}
	return e.opts.MinExtent > 0 && r.extent() < e.opts.MinExtent
}

// paginate pages through a region that cannot be subdivided further.
func (e *Extractor) paginate(ctx context.Context, r Region, stats *Stats) ([]model.Feature, error) {
	if !e.opts.Paginate {
		return nil, eris.Wrapf(ErrSubdivisionExhausted,
			"region %s at depth %d still has %d or more records", r.Path, r.Depth, e.opts.Threshold)
	}

	e.log.Warn("region at subdivision limit, paging",
		zap.String("path", r.Path),
		zap.Int("depth", r.Depth),
	)
	stats.Paginated++

	var out []model.Feature
	offset := 0
	for {
		res, err := e.query(ctx, r, arcgis.Query{
			OrderBy: e.opts.OrderBy,
			Offset:  offset,
			Limit:   e.opts.PageSize,
		})
		stats.Queries++
		if err != nil {
			return nil, err
		}
		out = append(out, res.Features...)
		offset += len(res.Features)

		if len(res.Features) == 0 || (!res.ExceededTransferLimit && len(res.Features) < e.opts.PageSize) {
			return out, nil
		}
	}
}

func (e *Extractor) query(ctx context.Context, r Region, q arcgis.Query) (*arcgis.Result, error) {
	q.Geometry = r.Geom
	q.SRID = e.opts.SRID
	q.Where = e.opts.Where
	res, err := e.src.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// collector accumulates features, dropping records already seen in another
// leaf. Records on a quadrant edge are returned by both neighbours.
type collector struct {
	idField    string
	seen       map[string]struct{}
	features   []model.Feature
	duplicates int
}

func newCollector(idField string) *collector {
	return &collector{idField: idField, seen: make(map[string]struct{})}
}

func (c *collector) add(features []model.Feature) {
	for _, f := range features {
		k := f.Key(c.idField)
		if _, ok := c.seen[k]; ok {
			c.duplicates++
			continue
		}
		c.seen[k] = struct{}{}
		c.features = append(c.features, f)
	}
}
