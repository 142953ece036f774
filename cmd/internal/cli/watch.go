package cli

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/attia12/stage-mouna/cmd/internal/app"
	"github.com/attia12/stage-mouna/cmd/internal/notify"
	"github.com/attia12/stage-mouna/cmd/internal/realtime"
)

var errChannelClosed = errors.New("notification channel closed")

func newWatchCmd(o *rootOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow notifications in real time",
		Long: `Open the notification channel for the signed-in user and print every
notification and stats update as it arrives.

The command exits on Ctrl-C or when the server closes the channel. It does
not reconnect on its own; run it again after signing in.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := &lockedWriter{w: cmd.OutOrStdout()}
			p := notify.PresenterFunc(func(n notify.Notification, pr notify.Presentation) {
				writeToast(out, n, pr)
			})

			return o.withApp(cmd, func(a *app.App) error {
				return watch(cmd.Context(), cmd, a, out, metricsAddr)
			}, app.WithPresenter(p))
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while watching")
	return cmd
}

func watch(ctx context.Context, cmd *cobra.Command, a *app.App, out io.Writer, metricsAddr string) error {
	s, err := currentSession(cmd, a)
	if err != nil {
		return err
	}
	if metricsAddr == "" {
		metricsAddr = a.Config.Metrics.Addr
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	a.Channel.OnStateChange(func(st realtime.ConnectionState) {
		if st == realtime.Disconnected {
			cancel(errChannelClosed)
		}
	})
	stopStats := a.Notify.OnStats(func(st notify.Stats) {
		printf(out, "stats: %d unread (%d urgent), %d total\n", st.UnreadCount, st.UrgentUnreadCount, st.TotalNotifications)
	})
	defer stopStats()

	if err := a.Notify.EnsureConnected(ctx); err != nil {
		return err
	}
	printf(out, "Watching notifications for %s (session %s)\n", s.DisplayName(), a.Channel.SessionID())
	if _, err := a.Notify.ReloadStats(ctx); err != nil {
		a.Log.Warn("watch.stats.fail", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if metricsAddr != "" {
		g.Go(func() error { return a.ServeMetrics(gctx, metricsAddr) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if errors.Is(context.Cause(ctx), errChannelClosed) {
		return errChannelClosed
	}
	printf(out, "Stopped\n")
	return nil
}

func writeToast(w io.Writer, n notify.Notification, p notify.Presentation) {
	from := n.CreatorName
	if n.SentBySystem {
		from = notify.SystemSource(n.Message)
	}
	sticky := ""
	if !p.AutoDismiss {
		sticky = " [sticky]"
	}
	printf(w, "%s %-7s %s: %s (from %s, %s)%s\n",
		notify.Icon(n), p.Level, p.Title, p.Message, from, humanize.Time(orNow(n.CreatedAt)), sticky)
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// lockedWriter serializes writes from channel callbacks and the command.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
