package cli

import (
	"github.com/spf13/cobra"

	"github.com/attia12/stage-mouna/cmd/internal/app"
	"github.com/attia12/stage-mouna/cmd/internal/devserver"
	"github.com/attia12/stage-mouna/cmd/internal/metrics"
)

func newDevserverCmd(o *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run an in-memory backend for local development",
		Long: `Run an in-memory dashboard backend: the auth and notification REST API
under /api/v1, the notification websocket at /ws and Prometheus metrics at
/metrics.

With devserver.seed_demo enabled it starts with two accounts:

  admin@dash.local     Admin#2024     (ADMIN, USER)
  operator@dash.local  Operator#2024  (USER)

All state is lost on exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.loadConfig()
			if err != nil {
				return err
			}
			log := app.NewLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)

			dc := devserverConfig(cfg.Devserver)
			if addr != "" {
				dc.Addr = addr
			}
			srv, err := devserver.New(dc,
				devserver.WithLogger(log),
				devserver.WithMetrics(metrics.New()),
			)
			if err != nil {
				return err
			}
			return srv.ListenAndServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to devserver.addr)")
	return cmd
}

func devserverConfig(c app.DevserverConfig) devserver.Config {
	dc := devserver.DefaultConfig()
	if c.Addr != "" {
		dc.Addr = c.Addr
	}
	if len(c.AllowedOrigins) > 0 {
		dc.AllowedOrigins = c.AllowedOrigins
	}
	if c.AccessTTL > 0 {
		dc.AccessTTL = c.AccessTTL
	}
	if c.RefreshTTL > 0 {
		dc.RefreshTTL = c.RefreshTTL
	}
	if c.SigningKey != "" {
		dc.SigningKey = []byte(c.SigningKey)
	}
	if c.RefreshHMACKey != "" {
		dc.RefreshHMACKey = []byte(c.RefreshHMACKey)
	}
	dc.SeedDemo = c.SeedDemo
	return dc
}
