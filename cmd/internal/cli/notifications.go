package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/attia12/stage-mouna/cmd/internal/app"
	"github.com/attia12/stage-mouna/cmd/internal/notify"
)

func newNotificationsCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"notif", "n"},
		Short:   "List, create and acknowledge notifications",
	}
	cmd.AddCommand(
		newNotifListCmd(o),
		newNotifCreateCmd(o),
		newNotifReadCmd(o),
		newNotifReadAllCmd(o),
		newNotifStatsCmd(o),
	)
	return cmd
}

func newNotifListCmd(o *rootOptions) *cobra.Command {
	var (
		f           notify.Filter
		status      string
		typ         string
		priority    string
		since, till string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the signed-in user's notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if f.Status, err = parseStatus(status); err != nil {
				return err
			}
			if f.Type, err = parseType(typ); err != nil {
				return err
			}
			if f.Priority, err = parsePriority(priority); err != nil {
				return err
			}
			if f.StartDate, err = parseDate("since", since); err != nil {
				return err
			}
			if f.EndDate, err = parseDate("until", till); err != nil {
				return err
			}
			f.SortDirection = strings.ToUpper(f.SortDirection)

			return o.withApp(cmd, func(a *app.App) error {
				page, err := a.Notify.List(cmd.Context(), f)
				if err != nil {
					return err
				}
				writePage(cmd.OutOrStdout(), page, time.Now())
				return nil
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&status, "status", "", "READ or UNREAD")
	fl.StringVar(&typ, "type", "", "ALERT, TASK or INFO")
	fl.StringVar(&priority, "priority", "", "URGENT, NORMAL or LOW")
	fl.StringVar(&since, "since", "", "only notifications created at or after this RFC 3339 time")
	fl.StringVar(&till, "until", "", "only notifications created at or before this RFC 3339 time")
	fl.IntVar(&f.Page, "page", 0, "zero-based page number")
	fl.IntVar(&f.Size, "size", 10, "page size")
	fl.StringVar(&f.SortBy, "sort-by", "createdAt", "createdAt, priority, type or status")
	fl.StringVar(&f.SortDirection, "sort-dir", "DESC", "ASC or DESC")
	return cmd
}

func newNotifCreateCmd(o *rootOptions) *cobra.Command {
	var (
		in       notify.CreateRequest
		typ      string
		priority string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Send a notification to one or more users",
		Example: `  dashctl notifications create --to 2 --type TASK --priority URGENT \
    --message "Check line 3"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in.Type = notify.Type(strings.ToUpper(typ))
			in.Priority = notify.Priority(strings.ToUpper(priority))
			if err := in.Validate(); err != nil {
				return err
			}
			return o.withApp(cmd, func(a *app.App) error {
				n, err := a.Notify.Create(cmd.Context(), in)
				if err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), "Sent %s %s notification %s to %s\n",
					n.Priority, n.Type, n.ID, strings.Join(in.RecipientIDs, ", "))
				return nil
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&typ, "type", string(notify.TypeInfo), "ALERT, TASK or INFO")
	fl.StringVar(&priority, "priority", string(notify.PriorityNormal), "URGENT, NORMAL or LOW")
	fl.StringVarP(&in.Message, "message", "m", "", "notification text")
	fl.StringSliceVar(&in.RecipientIDs, "to", nil, "recipient user ids (repeatable or comma-separated)")
	fl.BoolVar(&in.SentBySystem, "system", false, "mark as sent by the system")
	_ = cmd.MarkFlagRequired("message")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newNotifReadCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "read <id>",
		Short: "Mark one notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(a *app.App) error {
				n, err := a.Notify.MarkRead(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), "Marked %s read\n", n.ID)
				return nil
			})
		},
	}
}

func newNotifReadAllCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "read-all",
		Short: "Mark every notification read",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withApp(cmd, func(a *app.App) error {
				if err := a.Notify.MarkAllRead(cmd.Context()); err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), "All notifications marked read\n")
				return nil
			})
		},
	}
}

func newNotifStatsCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show notification counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withApp(cmd, func(a *app.App) error {
				st, err := a.Notify.ReloadStats(cmd.Context())
				if err != nil {
					return err
				}
				writeStats(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
}

// ---- output ----

func writePage(w io.Writer, p notify.Page, now time.Time) {
	if p.Empty || len(p.Content) == 0 {
		printf(w, "No notifications\n")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	printf(tw, "ID\tSTATUS\tPRIORITY\tTYPE\tFROM\tCREATED\tMESSAGE\n")
	for _, n := range p.Content {
		from := n.CreatorName
		if n.SentBySystem {
			from = notify.SystemSource(n.Message)
		}
		printf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			n.ID, n.Status, n.Priority, n.Type, from,
			humanize.RelTime(n.CreatedAt, now, "ago", "from now"), truncate(n.Message, 60))
	}
	_ = tw.Flush()
	printf(w, "Page %d of %d, %s total\n", p.Number+1, max(p.TotalPages, 1), humanize.Comma(p.TotalElements))
}

func writeStats(w io.Writer, st notify.Stats) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	printf(tw, "Total\t%s\n", humanize.Comma(st.TotalNotifications))
	printf(tw, "Unread\t%s\n", humanize.Comma(st.UnreadCount))
	printf(tw, "Read\t%s\n", humanize.Comma(st.ReadCount))
	printf(tw, "Urgent unread\t%s\n", humanize.Comma(st.UrgentUnreadCount))
	_ = tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(strings.Join(strings.Fields(s), " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}

// ---- flag parsing ----

func parseStatus(s string) (notify.Status, error) {
	v := notify.Status(strings.ToUpper(s))
	if s == "" || v.Valid() {
		return v, nil
	}
	return "", fmt.Errorf("invalid --status %q: must be READ or UNREAD", s)
}

func parseType(s string) (notify.Type, error) {
	v := notify.Type(strings.ToUpper(s))
	if s == "" || v.Valid() {
		return v, nil
	}
	return "", fmt.Errorf("invalid --type %q: must be ALERT, TASK or INFO", s)
}

func parsePriority(s string) (notify.Priority, error) {
	v := notify.Priority(strings.ToUpper(s))
	if s == "" || v.Valid() {
		return v, nil
	}
	return "", fmt.Errorf("invalid --priority %q: must be URGENT, NORMAL or LOW", s)
}

func parseDate(flag, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		if d, derr := time.Parse(time.DateOnly, s); derr == nil {
			return d, nil
		}
		return time.Time{}, fmt.Errorf("invalid --%s %q: want RFC 3339 or YYYY-MM-DD", flag, s)
	}
	return t, nil
}
