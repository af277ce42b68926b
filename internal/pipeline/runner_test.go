package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/clu-extract/internal/aoi"
	"github.com/sells-group/clu-extract/internal/arcgis"
	"github.com/sells-group/clu-extract/internal/arcgis/arcgistest"
	"github.com/sells-group/clu-extract/internal/config"
	"github.com/sells-group/clu-extract/internal/extract"
	"github.com/sells-group/clu-extract/internal/model"
	"github.com/sells-group/clu-extract/internal/resilience"
	"github.com/sells-group/clu-extract/internal/store"
)

// memWriter records every feature class it is asked to write.
type memWriter struct {
	written []*model.FeatureClass
	err     error
}

func (m *memWriter) Write(_ context.Context, fc *model.FeatureClass) error {
	if m.err != nil {
		return m.err
	}
	m.written = append(m.written, fc)
	return nil
}

func (m *memWriter) Location(name string) string { return "mem:" + name }

func (m *memWriter) Close() error { return nil }

var _ store.Writer = (*memWriter)(nil)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Service.IDField = "clu_identifier"
	cfg.Subdivide.MaxDepth = 16
	cfg.Subdivide.Strategy = "probe"
	cfg.Subdivide.Paginate = true
	cfg.Output.Prefix = "CLU_"
	return cfg
}

func testClient(srv *arcgistest.Server) *arcgis.Client {
	return arcgis.NewClient(srv.LayerURL(), nil, arcgis.Options{
		RequestsPerSecond: 1000,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			Multiplier:     1,
		},
	})
}

func rect(x0, y0, x1, y1 float64) orb.MultiPolygon {
	return orb.MultiPolygon{{orb.Ring{{x0, y0}, {x0, y1}, {x1, y1}, {x1, y0}, {x0, y0}}}}
}

// farm lays out cols x rows CLUs of 0.1 units on a 0.2 pitch, so a
// 10 x 6 AOI holds 50 x 30 = 1500 fields.
func farm(cols, rows int) []model.Feature {
	surveyed := time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.Feature, 0, cols*rows)
	for i := 0; i < cols; i++ {
		for j := 0; j < rows; j++ {
			x := 0.05 + 0.2*float64(i)
			y := 0.05 + 0.2*float64(j)
			n := len(out) + 1
			out = append(out, model.Feature{
				ObjectID: int64(n),
				Geometry: rect(x, y, x+0.1, y+0.1),
				Attributes: map[string]any{
					"clu_identifier":   fmt.Sprintf("clu-%04d", n),
					"admin_state":      "19",
					"admin_county":     "153",
					"tract_number":     "1207",
					"clu_number":       fmt.Sprint(n),
					"calcacres":        12.5,
					"data_source_date": surveyed,
				},
			})
		}
	}
	return out
}

func storyAOI() *aoi.AOI {
	return &aoi.AOI{Name: "story", SRID: 4326, Geometry: rect(0, 0, 10, 6)}
}

func TestExtractAOI_Subdivides1500Records(t *testing.T) {
	srv := arcgistest.New(farm(50, 30))
	defer srv.Close()

	out := &memWriter{}
	res, err := New(testConfig(), testClient(srv), out).ExtractAOI(context.Background(), storyAOI())
	require.NoError(t, err)

	assert.Equal(t, 1500, res.Records)
	assert.Equal(t, model.RunStatusComplete, res.Status)
	assert.Equal(t, 1000, res.Threshold)
	assert.Equal(t, "mem:CLU_story", res.Output)
	assert.NotEmpty(t, res.RunID)
	assert.GreaterOrEqual(t, res.Stats.Leaves, 2)
	assert.Equal(t, 1, res.Stats.Subdivisions)

	require.Len(t, out.written, 1)
	fc := out.written[0]
	assert.Equal(t, "CLU_story", fc.Name)
	assert.Equal(t, 4326, fc.SRID)
	require.Len(t, fc.Features, 1500)

	ids := make(map[string]bool)
	for _, f := range fc.Features {
		ids[f.Attributes["clu_identifier"].(string)] = true
		// Every feature is a CLU, never a query region.
		assert.InDelta(t, 0.1, f.Geometry.Bound().Right()-f.Geometry.Bound().Left(), 1e-9)
	}
	assert.Len(t, ids, 1500)

	for _, f := range fc.Fields {
		assert.NotEqual(t, model.FieldTypeOID, f.Type)
		assert.NotEqual(t, model.FieldTypeGeometry, f.Type)
	}
}

func TestExtractAOI_ZeroRecords(t *testing.T) {
	srv := arcgistest.New(nil)
	defer srv.Close()

	out := &memWriter{}
	res, err := New(testConfig(), testClient(srv), out).ExtractAOI(context.Background(), storyAOI())

	var empty *extract.EmptyResultError
	require.True(t, errors.As(err, &empty))
	assert.Equal(t, "story", empty.Name)

	require.NotNil(t, res)
	assert.Equal(t, model.RunStatusEmpty, res.Status)
	assert.Zero(t, res.Records)
	assert.Equal(t, 1, res.Stats.Queries)

	// The empty feature class is still created.
	require.Len(t, out.written, 1)
	assert.Empty(t, out.written[0].Features)
	assert.NotEmpty(t, out.written[0].Fields)
}

func TestExtractAOI_ConfigThresholdOverridesLayer(t *testing.T) {
	srv := arcgistest.New(farm(50, 30))
	defer srv.Close()

	cfg := testConfig()
	cfg.Subdivide.Threshold = 500

	res, err := New(cfg, testClient(srv), &memWriter{}).ExtractAOI(context.Background(), storyAOI())
	require.NoError(t, err)
	assert.Equal(t, 500, res.Threshold)
	assert.Equal(t, 1500, res.Records)
}

func TestExtractAOI_ServiceFailureWritesNothing(t *testing.T) {
	srv := arcgistest.New(farm(2, 2))
	defer srv.Close()
	srv.FailWith(400)

	out := &memWriter{}
	res, err := New(testConfig(), testClient(srv), out).ExtractAOI(context.Background(), storyAOI())
	require.Error(t, err)
	assert.Nil(t, res)

	var svcErr *arcgis.ServiceError
	assert.True(t, errors.As(err, &svcErr))
	assert.Empty(t, out.written)
}

func TestExtractAOI_WriteFailure(t *testing.T) {
	srv := arcgistest.New(farm(2, 2))
	defer srv.Close()

	out := &memWriter{err: errors.New("disk full")}
	_, err := New(testConfig(), testClient(srv), out).ExtractAOI(context.Background(), storyAOI())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline: write CLU_story")
}

func TestExtractAOI_GeoPackage(t *testing.T) {
	srv := arcgistest.New(farm(50, 30))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "clu.gpkg")
	gpkg, err := store.NewGeoPackage(path)
	require.NoError(t, err)

	res, err := New(testConfig(), testClient(srv), gpkg).ExtractAOI(context.Background(), storyAOI())
	require.NoError(t, err)
	require.NoError(t, gpkg.Close())
	assert.Equal(t, path+"#CLU_story", res.Output)

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM "CLU_story"`).Scan(&count))
	assert.Equal(t, 1500, count)
}

func TestFeatureClassName(t *testing.T) {
	r := New(testConfig(), nil, nil)
	assert.Equal(t, "CLU_story", r.featureClassName("story"))
	assert.Equal(t, "CLU_North_40_acres", r.featureClassName("North 40-acres"))
}

func TestThreshold(t *testing.T) {
	r := New(testConfig(), nil, nil)
	assert.Equal(t, 2000, r.threshold(&model.Layer{MaxRecordCount: 2000}))
	assert.Equal(t, extract.DefaultThreshold, r.threshold(&model.Layer{}))

	cfg := testConfig()
	cfg.Subdivide.Threshold = 250
	assert.Equal(t, 250, New(cfg, nil, nil).threshold(&model.Layer{MaxRecordCount: 2000}))
}
