package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/clu-extract/internal/arcgis"
	"github.com/sells-group/clu-extract/internal/resilience"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Print the feature service layer definition",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("service"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client, err := newClient(ctx)
		if err != nil {
			return err
		}

		layer, err := client.Layer(ctx)
		if err != nil {
			return eris.Wrap(err, "read layer definition")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(layer)
	},
}

func init() {
	rootCmd.AddCommand(serviceCmd)
}

// newSession builds the run's session from config. A token file doubles as
// the refresh source: the host rewrites it when the token rotates.
func newSession(ctx context.Context) (*arcgis.Session, error) {
	token := cfg.Service.Token
	var refresh arcgis.RefreshFunc
	if cfg.Service.TokenFile != "" {
		refresh = arcgis.TokenFile(cfg.Service.TokenFile)
		if token == "" {
			t, err := refresh(ctx)
			if err != nil {
				return nil, err
			}
			token = t
		}
	}
	if token == "" && refresh == nil {
		return arcgis.Anonymous(), nil
	}
	return arcgis.NewSession(token, refresh), nil
}

func newClient(ctx context.Context) (*arcgis.Client, error) {
	session, err := newSession(ctx)
	if err != nil {
		return nil, err
	}
	return arcgis.NewClient(cfg.Service.URL, session, arcgis.Options{
		Timeout:           time.Duration(cfg.Service.TimeoutSecs) * time.Second,
		UserAgent:         cfg.Service.UserAgent,
		RequestsPerSecond: cfg.Service.RequestsPerSecond,
		Retry:             resilience.FromConfig(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs),
	}), nil
}
