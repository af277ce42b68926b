package extract

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/clu-extract/internal/arcgis"
	"github.com/sells-group/clu-extract/internal/model"
)

// fakeSource behaves like a feature service with a record cap. A feature
// matches a region when one of their vertices lies inside the other.
type fakeSource struct {
	features []model.Feature
	cap      int
	calls    []arcgis.Query
	sizes    []int
	failAt   int
	failWith error
}

func (s *fakeSource) Query(_ context.Context, q arcgis.Query) (*arcgis.Result, error) {
	s.calls = append(s.calls, q)
	if s.failAt > 0 && len(s.calls) == s.failAt {
		return nil, s.failWith
	}

	var matched []model.Feature
	for _, f := range s.features {
		if q.Geometry == nil || intersects(f.Geometry, q.Geometry) {
			matched = append(matched, f)
		}
	}

	if q.CountOnly {
		return &arcgis.Result{Count: len(matched)}, nil
	}

	limit := s.cap
	if q.Limit > 0 && q.Limit < limit {
		limit = q.Limit
	}
	if q.Offset >= len(matched) {
		matched = nil
	} else {
		matched = matched[q.Offset:]
	}
	exceeded := false
	if len(matched) > limit {
		matched = matched[:limit]
		exceeded = true
	}
	s.sizes = append(s.sizes, len(matched))
	return &arcgis.Result{Features: matched, Count: len(matched), ExceededTransferLimit: exceeded}, nil
}

func (s *fakeSource) featureQueries() int {
	n := 0
	for _, q := range s.calls {
		if !q.CountOnly {
			n++
		}
	}
	return n
}

func intersects(a, b orb.MultiPolygon) bool {
	for _, p := range a {
		for _, pt := range p[0] {
			if planar.MultiPolygonContains(b, pt) {
				return true
			}
		}
	}
	for _, p := range b {
		for _, pt := range p[0] {
			if planar.MultiPolygonContains(a, pt) {
				return true
			}
		}
	}
	return false
}

func rect(x0, y0, x1, y1 float64) orb.MultiPolygon {
	return orb.MultiPolygon{{orb.Ring{{x0, y0}, {x0, y1}, {x1, y1}, {x1, y0}, {x0, y0}}}}
}

// grid lays out cols*rows small squares on a 0.2 pitch starting at (0.05, 0.05).
func grid(cols, rows int) []model.Feature {
	out := make([]model.Feature, 0, cols*rows)
	for i := 0; i < cols; i++ {
		for j := 0; j < rows; j++ {
			x := 0.05 + 0.2*float64(i)
			y := 0.05 + 0.2*float64(j)
			oid := int64(len(out) + 1)
			out = append(out, model.Feature{
				ObjectID:   oid,
				Geometry:   rect(x, y, x+0.1, y+0.1),
				Attributes: map[string]any{"clu_identifier": fmt.Sprintf("clu-%d", oid)},
			})
		}
	}
	return out
}

func stacked(n int, x, y float64) []model.Feature {
	out := make([]model.Feature, n)
	for i := range out {
		out[i] = model.Feature{
			ObjectID:   int64(i + 1),
			Geometry:   rect(x, y, x+0.001, y+0.001),
			Attributes: map[string]any{"clu_identifier": fmt.Sprintf("stack-%d", i)},
		}
	}
	return out
}

func keys(features []model.Feature) map[string]bool {
	out := make(map[string]bool, len(features))
	for _, f := range features {
		out[f.Key(DefaultIDField)] = true
	}
	return out
}

func TestFetch_BelowThreshold(t *testing.T) {
	src := &fakeSource{features: grid(10, 10), cap: 1000}
	e := NewExtractor(src, Options{})

	got, stats, err := e.Fetch(context.Background(), rect(0, 0, 10, 10))
	require.NoError(t, err)

	assert.Len(t, src.calls, 1)
	assert.Equal(t, src.features, got, "records are returned unmodified")
	assert.Equal(t, 1, stats.Leaves)
	assert.Equal(t, 0, stats.Subdivisions)
	assert.Equal(t, 100, stats.Records)
}

func TestFetch_SubdividesLargeAOI(t *testing.T) {
	src := &fakeSource{features: grid(50, 30), cap: 1000}
	e := NewExtractor(src, Options{Threshold: 1000})

	got, stats, err := e.Fetch(context.Background(), rect(0, 0, 10, 6))
	require.NoError(t, err)

	assert.Len(t, got, 1500)
	assert.Len(t, keys(got), 1500)
	assert.GreaterOrEqual(t, stats.Leaves, 2)
	assert.GreaterOrEqual(t, stats.Subdivisions, 1)

	accepted := 0
	for _, n := range src.sizes {
		if n < 1000 {
			accepted += n
		}
	}
	assert.Equal(t, 1500, accepted, "every accepted leaf is under the threshold")
}

func TestFetch_MatchesUncappedGroundTruth(t *testing.T) {
	// L-shaped AOI: the north-east quadrant has no area and is skipped.
	aoi := orb.MultiPolygon{{orb.Ring{
		{0, 0}, {0, 10}, {4, 10}, {4, 4}, {10, 4}, {10, 0}, {0, 0},
	}}}
	all := grid(50, 50)

	truth := &fakeSource{features: all, cap: len(all) + 1}
	want, _, err := NewExtractor(truth, Options{Threshold: len(all) + 1}).Fetch(context.Background(), aoi)
	require.NoError(t, err)
	require.Len(t, truth.calls, 1)

	src := &fakeSource{features: all, cap: 300}
	got, stats, err := NewExtractor(src, Options{Threshold: 300}).Fetch(context.Background(), aoi)
	require.NoError(t, err)

	assert.Equal(t, keys(want), keys(got))
	assert.Greater(t, stats.Skipped, 0)
	assert.Greater(t, stats.Subdivisions, 1)
}

func TestFetch_ZeroRecords(t *testing.T) {
	src := &fakeSource{cap: 1000}
	got, stats, err := NewExtractor(src, Options{}).Fetch(context.Background(), rect(0, 0, 1, 1))
	require.NoError(t, err)

	assert.Empty(t, got)
	assert.Len(t, src.calls, 1)
	assert.Equal(t, 1, stats.Leaves)
	assert.Equal(t, 0, stats.Records)
}

func TestFetch_DeduplicatesEdgeRecords(t *testing.T) {
	// Ten records straddle the vertical split line at x=5.
	features := grid(50, 30)
	for i := 0; i < 10; i++ {
		y := 0.05 + 0.2*float64(i)
		features = append(features, model.Feature{
			ObjectID:   int64(5000 + i),
			Geometry:   rect(4.97, y, 5.03, y+0.1),
			Attributes: map[string]any{"clu_identifier": fmt.Sprintf("edge-%d", i)},
		})
	}
	src := &fakeSource{features: features, cap: 1000}

	got, stats, err := NewExtractor(src, Options{}).Fetch(context.Background(), rect(0, 0, 10, 6))
	require.NoError(t, err)

	assert.Len(t, got, 1510)
	assert.Len(t, keys(got), 1510)
	assert.GreaterOrEqual(t, stats.Duplicates, 10)
}

func TestFetch_DepthBounded(t *testing.T) {
	src := &fakeSource{features: stacked(1200, 1.3, 1.7), cap: 1000}
	_, stats, err := NewExtractor(src, Options{MaxDepth: 3}).Fetch(context.Background(), rect(0, 0, 10, 10))

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSubdivisionExhausted))
	assert.LessOrEqual(t, stats.MaxDepth, 3)
}

func TestFetch_PaginatesAtMaxDepth(t *testing.T) {
	src := &fakeSource{features: stacked(1200, 1.3, 1.7), cap: 1000}
	e := NewExtractor(src, Options{MaxDepth: 3, Paginate: true, PageSize: 500, OrderBy: "objectid"})

	got, stats, err := e.Fetch(context.Background(), rect(0, 0, 10, 10))
	require.NoError(t, err)

	assert.Len(t, got, 1200)
	assert.Equal(t, 1, stats.Paginated)
	assert.Equal(t, 3, stats.MaxDepth)

	var pages []arcgis.Query
	for _, q := range src.calls {
		if q.Limit > 0 {
			pages = append(pages, q)
		}
	}
	require.Len(t, pages, 3)
	for i, q := range pages {
		assert.Equal(t, "objectid", q.OrderBy)
		assert.Equal(t, 500, q.Limit)
		assert.Equal(t, i*500, q.Offset)
	}
}

// sliverSource ignores the spatial filter and always holds more records
// than the cap, like a service answering for a region with no area.
type sliverSource struct {
	features []model.Feature
	cap      int
}

func (s *sliverSource) Query(_ context.Context, q arcgis.Query) (*arcgis.Result, error) {
	limit := s.cap
	if q.Limit > 0 && q.Limit < limit {
		limit = q.Limit
	}
	rest := []model.Feature{}
	if q.Offset < len(s.features) {
		rest = s.features[q.Offset:]
	}
	exceeded := len(rest) > limit
	if exceeded {
		rest = rest[:limit]
	}
	return &arcgis.Result{Features: rest, ExceededTransferLimit: exceeded}, nil
}

func TestFetch_ZeroAreaRegionAtCapFails(t *testing.T) {
	src := &sliverSource{features: stacked(30, 0, 1), cap: 10}
	_, stats, err := NewExtractor(src, Options{Threshold: 10}).Fetch(context.Background(), rect(0, 0, 0, 5))

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSubdivisionExhausted))
	assert.Equal(t, 4, stats.Skipped)
	assert.Equal(t, 0, stats.Leaves)
	assert.Equal(t, 0, stats.Subdivisions)
}

func TestFetch_ZeroAreaRegionAtCapPaginates(t *testing.T) {
	src := &sliverSource{features: stacked(30, 0, 1), cap: 10}
	e := NewExtractor(src, Options{Threshold: 10, Paginate: true, OrderBy: "objectid"})

	got, stats, err := e.Fetch(context.Background(), rect(0, 0, 0, 5))
	require.NoError(t, err)
	assert.Len(t, got, 30)
	assert.Equal(t, 1, stats.Paginated)
	assert.Equal(t, 1, stats.Leaves)
}

func TestFetch_MinExtentStopsSubdivision(t *testing.T) {
	src := &fakeSource{features: stacked(1200, 1.3, 1.7), cap: 1000}
	e := NewExtractor(src, Options{MinExtent: 6, Paginate: true})

	got, stats, err := e.Fetch(context.Background(), rect(0, 0, 10, 10))
	require.NoError(t, err)

	assert.Len(t, got, 1200)
	assert.Equal(t, 1, stats.MaxDepth, "5x5 quadrants are below the minimum extent")
}

func TestFetch_CountStrategy(t *testing.T) {
	src := &fakeSource{features: grid(50, 30), cap: 1000}
	e := NewExtractor(src, Options{Strategy: StrategyCount})

	got, stats, err := e.Fetch(context.Background(), rect(0, 0, 10, 6))
	require.NoError(t, err)

	assert.Len(t, got, 1500)
	assert.Equal(t, stats.Regions, stats.CountQueries)
	assert.Equal(t, stats.Queries, src.featureQueries())
	for _, n := range src.sizes {
		assert.Less(t, n, 1000, "features are only fetched for leaves")
	}
}

func TestFetch_ErrorAborts(t *testing.T) {
	svcErr := &arcgis.ServiceError{StatusCode: 500, Message: "boom"}
	src := &fakeSource{features: grid(50, 30), cap: 1000, failAt: 3, failWith: svcErr}

	got, _, err := NewExtractor(src, Options{}).Fetch(context.Background(), rect(0, 0, 10, 6))
	require.Error(t, err)
	assert.Nil(t, got)

	var target *arcgis.ServiceError
	assert.True(t, errors.As(err, &target))
	assert.Len(t, src.calls, 3, "no queries after the failure")
}

func TestFetch_AuthErrorAborts(t *testing.T) {
	src := &fakeSource{cap: 1000, failAt: 1, failWith: &arcgis.AuthError{Code: 499}}

	_, _, err := NewExtractor(src, Options{}).Fetch(context.Background(), rect(0, 0, 1, 1))
	var target *arcgis.AuthError
	assert.True(t, errors.As(err, &target))
}

func TestFetch_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &fakeSource{cap: 1000}
	_, _, err := NewExtractor(src, Options{}).Fetch(ctx, rect(0, 0, 1, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, src.calls)
}

func TestFetch_PassesQueryOptions(t *testing.T) {
	src := &fakeSource{features: grid(2, 2), cap: 1000}
	e := NewExtractor(src, Options{SRID: 5070, Where: "admin_state = '19'"})

	_, _, err := e.Fetch(context.Background(), rect(0, 0, 1, 1))
	require.NoError(t, err)
	require.Len(t, src.calls, 1)
	assert.Equal(t, 5070, src.calls[0].SRID)
	assert.Equal(t, "admin_state = '19'", src.calls[0].Where)
}

func TestFetch_EmptyAOI(t *testing.T) {
	_, _, err := NewExtractor(&fakeSource{}, Options{}).Fetch(context.Background(), nil)
	assert.Error(t, err)
}

func TestNewExtractor_Defaults(t *testing.T) {
	opts := NewExtractor(&fakeSource{}, Options{}).Options()
	assert.Equal(t, DefaultThreshold, opts.Threshold)
	assert.Equal(t, DefaultMaxDepth, opts.MaxDepth)
	assert.Equal(t, StrategyProbe, opts.Strategy)
	assert.Equal(t, DefaultThreshold, opts.PageSize)
	assert.Equal(t, DefaultIDField, opts.IDField)
}
