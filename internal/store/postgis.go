package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clu-extract/internal/db"
	"github.com/sells-group/clu-extract/internal/geo"
	"github.com/sells-group/clu-extract/internal/model"
)

const postgisGeomColumn = "geom"

// PostGIS writes feature classes as tables in a PostGIS database.
type PostGIS struct {
	pool      db.Pool
	schema    string
	batchSize int
}

// NewPostGIS returns a writer that owns pool and closes it on Close.
func NewPostGIS(pool db.Pool, opts Options) *PostGIS {
	schema := opts.Schema
	if schema == "" {
		schema = "public"
	}
	return &PostGIS{pool: pool, schema: schema, batchSize: opts.BatchSize}
}

// Location implements Writer.
func (p *PostGIS) Location(name string) string {
	return "postgis:" + pgx.Identifier{p.schema, name}.Sanitize()
}

// Close implements Writer.
func (p *PostGIS) Close() error {
	p.pool.Close()
	return nil
}

// Write drops and recreates the table, then loads it with COPY, all in one
// transaction.
func (p *PostGIS) Write(ctx context.Context, fc *model.FeatureClass) error {
	ident := pgx.Identifier{p.schema, fc.Name}
	log := zap.L().With(
		zap.String("component", "store.postgis"),
		zap.String("table", ident.Sanitize()),
	)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgis: begin transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+ident.Sanitize()); err != nil {
		return eris.Wrapf(err, "postgis: drop %s", ident.Sanitize())
	}
	if _, err := tx.Exec(ctx, createPostGISTable(ident, fc)); err != nil {
		return eris.Wrapf(err, "postgis: create %s", ident.Sanitize())
	}

	columns := []string{"objectid"}
	for _, f := range fc.Fields {
		columns = append(columns, f.Name)
	}
	columns = append(columns, postgisGeomColumn)

	rows := make([][]any, 0, len(fc.Features))
	for _, feat := range fc.Features {
		ewkb, err := geo.EncodeEWKB(feat.Geometry, fc.SRID)
		if err != nil {
			return eris.Wrapf(err, "postgis: encode feature %d", feat.ObjectID)
		}
		r := make([]any, 0, len(columns))
		r = append(r, feat.ObjectID)
		r = append(r, row(fc.Fields, feat)...)
		r = append(r, ewkb)
		rows = append(rows, r)
	}

	n, err := db.CopyFromSchema(ctx, tx, p.schema, fc.Name, columns, rows, p.batchSize)
	if err != nil {
		return eris.Wrapf(err, "postgis: load %s", ident.Sanitize())
	}

	index := pgx.Identifier{fc.Name + "_geom_idx"}.Sanitize()
	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE INDEX %s ON %s USING GIST (%s)",
		index, ident.Sanitize(), postgisGeomColumn)); err != nil {
		return eris.Wrapf(err, "postgis: index %s", ident.Sanitize())
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgis: commit")
	}

	log.Info("feature class written", zap.Int64("rows", n))
	return nil
}

func createPostGISTable(ident pgx.Identifier, fc *model.FeatureClass) string {
	cols := []string{"objectid bigint"}
	for _, f := range fc.Fields {
		cols = append(cols, pgx.Identifier{f.Name}.Sanitize()+" "+postgisColumnType(f))
	}
	cols = append(cols, fmt.Sprintf("%s geometry(MultiPolygon, %d)", postgisGeomColumn, fc.SRID))
	return fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", ident.Sanitize(), strings.Join(cols, ",\n\t"))
}

func postgisColumnType(f model.Field) string {
	switch f.Type {
	case model.FieldTypeDouble:
		return "double precision"
	case model.FieldTypeSingle:
		return "real"
	case model.FieldTypeInteger:
		return "integer"
	case model.FieldTypeSmallInt:
		return "smallint"
	case model.FieldTypeDate:
		return "timestamptz"
	default:
		return "text"
	}
}
