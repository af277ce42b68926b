package main

import (
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/clu-extract/internal/pipeline"
	"github.com/sells-group/clu-extract/internal/store"
)

var (
	tractState  string
	tractCounty string
	tractList   []string
	tractSRID   int
	tractReport string
)

var tractCmd = &cobra.Command{
	Use:   "tract <output>",
	Short: "Extract the CLUs of one or more FSA tracts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if tractReport != "" {
			cfg.Output.ReportPath = tractReport
		}
		if err := cfg.Validate("tract"); err != nil {
			return err
		}

		q := pipeline.TractQuery{
			State:  strings.TrimSpace(tractState),
			County: strings.TrimSpace(tractCounty),
			Tracts: splitTracts(tractList),
			SRID:   tractSRID,
		}
		if err := q.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client, err := newClient(ctx)
		if err != nil {
			return err
		}

		out, err := store.Open(ctx, args[0], store.Options{
			Schema:    cfg.Output.Schema,
			BatchSize: cfg.Output.BatchSize,
		})
		if err != nil {
			return eris.Wrapf(err, "open output %s", args[0])
		}
		defer out.Close() //nolint:errcheck

		res, err := pipeline.New(cfg, client, out).ExtractTracts(ctx, q)
		return finish(cmd, res, err)
	},
}

func init() {
	tractCmd.Flags().StringVar(&tractState, "state", "", "FSA admin state code, e.g. 19 (required)")
	tractCmd.Flags().StringVar(&tractCounty, "county", "", "FSA admin county code, e.g. 169 (required)")
	tractCmd.Flags().StringSliceVar(&tractList, "tract", nil, "tract number; repeat or separate with commas or semicolons (required)")
	tractCmd.Flags().IntVar(&tractSRID, "srid", 0, "output EPSG code (default: the layer's)")
	tractCmd.Flags().StringVar(&tractReport, "report", "", "write a YAML run report to this path")
	_ = tractCmd.MarkFlagRequired("state")
	_ = tractCmd.MarkFlagRequired("county")
	_ = tractCmd.MarkFlagRequired("tract")
	rootCmd.AddCommand(tractCmd)
}

// splitTracts accepts "1207;1208" as well as repeated flags.
func splitTracts(in []string) []string {
	var out []string
	for _, v := range in {
		for _, t := range strings.Split(v, ";") {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}
