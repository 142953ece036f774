// Package cli implements the dashctl command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/attia12/stage-mouna/cmd/internal/api"
	"github.com/attia12/stage-mouna/cmd/internal/app"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCmd builds the dashctl command tree.
func NewRootCmd() *cobra.Command {
	o := &rootOptions{}

	root := &cobra.Command{
		Use:   "dashctl",
		Short: "Dashboard session and notification client",
		Long: `dashctl signs in to the dashboard backend, keeps the session alive
and follows the signed-in user's notifications in real time.

Configuration is read from ~/.dashctl/config.yml and DASH_* environment
variables (DASH_API_BASE_URL overrides api.base_url).`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&o.configPath, "config", app.DefaultConfigPath(), "config file path")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&o.logFormat, "log-format", "", "log format override (json, pretty, text)")

	root.AddCommand(
		newLoginCmd(o),
		newRegisterCmd(o),
		newLogoutCmd(o),
		newWhoamiCmd(o),
		newRefreshCmd(o),
		newWatchCmd(o),
		newNotificationsCmd(o),
		newConfigCmd(o),
		newDevserverCmd(o),
	)
	return root
}

// Execute runs dashctl with os.Args and cancels on SIGINT/SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

func (o *rootOptions) loadConfig() (*app.Config, error) {
	cfg, err := app.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	return cfg, nil
}

// openApp loads the configuration and wires an App. Logs go to errOut so
// command output stays clean.
func (o *rootOptions) openApp(cmd *cobra.Command, opts ...app.Option) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	log := app.NewLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	return app.New(cmd.Context(), cfg, log, opts...)
}

// withApp runs fn with a wired App and closes it afterwards.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(*app.App) error, opts ...app.Option) error {
	a, err := o.openApp(cmd, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			a.Log.Warn("app.close.fail", "err", cerr)
		}
	}()
	return explain(fn(a))
}

var errNotSignedIn = errors.New("not signed in; run `dashctl login`")

// explain turns a bare 401 into a hint.
func explain(err error) error {
	var se *api.StatusError
	if errors.As(err, &se) && se.Status == http.StatusUnauthorized {
		return fmt.Errorf("%w (%v)", errNotSignedIn, err)
	}
	return err
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
