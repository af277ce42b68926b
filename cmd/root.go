package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/clu-extract/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "clu-extract",
	Short: "Download USDA Common Land Units for an area of interest",
	Long: "Queries the USDA CLU feature service for every field intersecting an area of interest, " +
		"subdividing the area until each query is under the service record limit, " +
		"and writes the merged result as a CLU_<name> feature class.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
