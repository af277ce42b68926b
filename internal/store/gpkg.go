package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/clu-extract/internal/geo"
	"github.com/sells-group/clu-extract/internal/model"
)

const (
	gpkgApplicationID = 0x47504B47 // "GPKG"
	gpkgUserVersion   = 10300
	gpkgGeomColumn    = "geom"
	gpkgDateFormat    = "2006-01-02T15:04:05.000Z"
)

const gpkgCoreTables = `
CREATE TABLE IF NOT EXISTS gpkg_spatial_ref_sys (
	srs_name                 TEXT NOT NULL,
	srs_id                   INTEGER NOT NULL PRIMARY KEY,
	organization             TEXT NOT NULL,
	organization_coordsys_id INTEGER NOT NULL,
	definition               TEXT NOT NULL,
	description              TEXT
);

CREATE TABLE IF NOT EXISTS gpkg_contents (
	table_name  TEXT NOT NULL PRIMARY KEY,
	data_type   TEXT NOT NULL,
	identifier  TEXT UNIQUE,
	description TEXT DEFAULT '',
	last_change DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	min_x       DOUBLE,
	min_y       DOUBLE,
	max_x       DOUBLE,
	max_y       DOUBLE,
	srs_id      INTEGER,
	CONSTRAINT fk_gc_r_srs_id FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
);

CREATE TABLE IF NOT EXISTS gpkg_geometry_columns (
	table_name         TEXT NOT NULL,
	column_name        TEXT NOT NULL,
	geometry_type_name TEXT NOT NULL,
	srs_id             INTEGER NOT NULL,
	z                  TINYINT NOT NULL,
	m                  TINYINT NOT NULL,
	CONSTRAINT pk_geom_cols PRIMARY KEY (table_name, column_name),
	CONSTRAINT uk_gc_table_name UNIQUE (table_name),
	CONSTRAINT fk_gc_tn FOREIGN KEY (table_name) REFERENCES gpkg_contents(table_name),
	CONSTRAINT fk_gc_srs FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
);

INSERT OR IGNORE INTO gpkg_spatial_ref_sys VALUES
	('Undefined cartesian SRS', -1, 'NONE', -1, 'undefined', 'undefined cartesian coordinate reference system'),
	('Undefined geographic SRS', 0, 'NONE', 0, 'undefined', 'undefined geographic coordinate reference system'),
	('WGS 84 geodetic', 4326, 'EPSG', 4326, 'GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0,AUTHORITY["EPSG","8901"]],UNIT["degree",0.0174532925199433,AUTHORITY["EPSG","9122"]],AUTHORITY["EPSG","4326"]]', 'longitude/latitude coordinates in decimal degrees on the WGS 84 spheroid');
`

// GeoPackage writes feature classes into a GeoPackage (SQLite) file.
type GeoPackage struct {
	path string
	db   *sql.DB
}

// NewGeoPackage opens or creates the GeoPackage at path.
func NewGeoPackage(path string) (*GeoPackage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "gpkg: open")
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	// A GeoPackage is a single file: keep the rollback journal, not WAL.
	for _, pragma := range []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA application_id=%d", gpkgApplicationID),
		fmt.Sprintf("PRAGMA user_version=%d", gpkgUserVersion),
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "gpkg: exec %s", pragma)
		}
	}
	return &GeoPackage{path: path, db: db}, nil
}

// Location implements Writer.
func (g *GeoPackage) Location(name string) string {
	return g.path + "#" + name
}

// Close implements Writer.
func (g *GeoPackage) Close() error {
	return g.db.Close()
}

// Write replaces the feature table fc.Name in one transaction.
func (g *GeoPackage) Write(ctx context.Context, fc *model.FeatureClass) error {
	log := zap.L().With(
		zap.String("component", "store.gpkg"),
		zap.String("table", fc.Name),
	)

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "gpkg: begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, gpkgCoreTables); err != nil {
		return eris.Wrap(err, "gpkg: create core tables")
	}
	if err := registerSRS(ctx, tx, fc.SRID); err != nil {
		return err
	}

	table := quoteIdent(fc.Name)
	for _, stmt := range []string{
		`DELETE FROM gpkg_geometry_columns WHERE table_name = ?`,
		`DELETE FROM gpkg_contents WHERE table_name = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, fc.Name); err != nil {
			return eris.Wrapf(err, "gpkg: unregister %s", fc.Name)
		}
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return eris.Wrapf(err, "gpkg: drop %s", fc.Name)
	}
	if _, err := tx.ExecContext(ctx, createFeatureTable(fc)); err != nil {
		return eris.Wrapf(err, "gpkg: create %s", fc.Name)
	}

	// The extent stays NULL for an empty feature class.
	extent := []any{nil, nil, nil, nil}
	if len(fc.Features) > 0 {
		b := fc.Bound()
		extent = []any{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
	}
	args := append([]any{fc.Name, fc.Name, time.Now().UTC().Format(gpkgDateFormat)}, extent...)
	args = append(args, fc.SRID)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gpkg_contents (table_name, data_type, identifier, last_change, min_x, min_y, max_x, max_y, srs_id)
		 VALUES (?, 'features', ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	); err != nil {
		return eris.Wrapf(err, "gpkg: register contents %s", fc.Name)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gpkg_geometry_columns (table_name, column_name, geometry_type_name, srs_id, z, m)
		 VALUES (?, ?, 'MULTIPOLYGON', ?, 0, 0)`,
		fc.Name, gpkgGeomColumn, fc.SRID,
	); err != nil {
		return eris.Wrapf(err, "gpkg: register geometry column %s", fc.Name)
	}

	if err := insertFeatures(ctx, tx, fc); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "gpkg: commit")
	}

	log.Info("feature class written",
		zap.String("path", g.path),
		zap.Int("features", len(fc.Features)),
	)
	return nil
}

// registerSRS makes sure srid has a row in gpkg_spatial_ref_sys. Systems
// other than the seeded ones are recorded with an undefined definition;
// readers resolve them by EPSG code.
func registerSRS(ctx context.Context, tx *sql.Tx, srid int) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO gpkg_spatial_ref_sys (srs_name, srs_id, organization, organization_coordsys_id, definition)
		 VALUES (?, ?, 'EPSG', ?, 'undefined')`,
		fmt.Sprintf("EPSG:%d", srid), srid, srid,
	)
	return eris.Wrapf(err, "gpkg: register srs %d", srid)
}

func createFeatureTable(fc *model.FeatureClass) string {
	cols := []string{
		"fid INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL",
		quoteIdent(gpkgGeomColumn) + " MULTIPOLYGON",
	}
	for _, f := range fc.Fields {
		cols = append(cols, quoteIdent(f.Name)+" "+gpkgColumnType(f))
	}
	return fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", quoteIdent(fc.Name), strings.Join(cols, ",\n\t"))
}

func insertFeatures(ctx context.Context, tx *sql.Tx, fc *model.FeatureClass) error {
	cols := []string{quoteIdent(gpkgGeomColumn)}
	marks := []string{"?"}
	for _, f := range fc.Fields {
		cols = append(cols, quoteIdent(f.Name))
		marks = append(marks, "?")
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(fc.Name), strings.Join(cols, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return eris.Wrap(err, "gpkg: prepare insert")
	}
	defer stmt.Close() //nolint:errcheck

	for i, feat := range fc.Features {
		blob, err := geo.EncodeGPKG(feat.Geometry, fc.SRID)
		if err != nil {
			return eris.Wrapf(err, "gpkg: encode feature %d", feat.ObjectID)
		}
		args := make([]any, 0, len(fc.Fields)+1)
		args = append(args, blob)
		for _, v := range row(fc.Fields, feat) {
			if t, ok := v.(time.Time); ok {
				v = t.Format(gpkgDateFormat)
			}
			args = append(args, v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return eris.Wrapf(err, "gpkg: insert feature %d of %d", i+1, len(fc.Features))
		}
	}
	return nil
}

func gpkgColumnType(f model.Field) string {
	switch f.Type {
	case model.FieldTypeDouble:
		return "DOUBLE"
	case model.FieldTypeSingle:
		return "FLOAT"
	case model.FieldTypeInteger:
		return "INTEGER"
	case model.FieldTypeSmallInt:
		return "SMALLINT"
	case model.FieldTypeDate:
		return "DATETIME"
	default:
		if f.Length > 0 {
			return fmt.Sprintf("TEXT(%d)", f.Length)
		}
		return "TEXT"
	}
}

// quoteIdent quotes an SQLite identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
