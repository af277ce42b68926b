package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/clu-extract/internal/aoi"
	"github.com/sells-group/clu-extract/internal/extract"
	"github.com/sells-group/clu-extract/internal/metrics"
	"github.com/sells-group/clu-extract/internal/pipeline"
	"github.com/sells-group/clu-extract/internal/store"
)

var (
	aoiSRID   int
	aoiReport string
)

var aoiCmd = &cobra.Command{
	Use:   "aoi <aoi> <output>",
	Short: "Extract every CLU intersecting an area of interest",
	Long: "Reads the AOI from a shapefile or GeoJSON file and writes CLU_<aoi name> to output: " +
		"a .gpkg file, a postgres:// URL, or a directory of shapefiles.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if aoiSRID > 0 {
			cfg.AOI.DefaultSRID = aoiSRID
		}
		if aoiReport != "" {
			cfg.Output.ReportPath = aoiReport
		}
		if err := cfg.Validate("aoi"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		area, err := aoi.Load(args[0], cfg.AOI.DefaultSRID)
		if err != nil {
			return err
		}

		client, err := newClient(ctx)
		if err != nil {
			return err
		}

		out, err := store.Open(ctx, args[1], store.Options{
			Schema:    cfg.Output.Schema,
			BatchSize: cfg.Output.BatchSize,
		})
		if err != nil {
			return eris.Wrapf(err, "open output %s", args[1])
		}
		defer out.Close() //nolint:errcheck

		res, err := pipeline.New(cfg, client, out).ExtractAOI(ctx, area)
		return finish(cmd, res, err)
	},
}

func init() {
	aoiCmd.Flags().IntVar(&aoiSRID, "srid", 0, "EPSG code of the AOI when it has no .prj (default from config)")
	aoiCmd.Flags().StringVar(&aoiReport, "report", "", "write a YAML run report to this path")
	rootCmd.AddCommand(aoiCmd)
}

// finish reports the outcome of a run. An empty result is a warning, not a
// failure.
func finish(cmd *cobra.Command, res *pipeline.Result, err error) error {
	var empty *extract.EmptyResultError
	if err != nil && !errors.As(err, &empty) {
		return err
	}

	if rerr := pipeline.WriteReport(cfg.Output.ReportPath, res); rerr != nil {
		zap.L().Warn("failed to write run report", zap.Error(rerr))
	}
	if merr := metrics.WriteTextfile(cfg.Output.MetricsPath); merr != nil {
		zap.L().Warn("failed to write metrics", zap.Error(merr))
	}

	if empty != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", empty.Error())
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%d CLU records written to %s\n", res.Records, res.Output)
	return nil
}
