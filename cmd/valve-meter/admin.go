package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweeney/valve-meter/internal/config"
	"github.com/sweeney/valve-meter/internal/logic"
	"github.com/sweeney/valve-meter/internal/status"
	"github.com/sweeney/valve-meter/internal/store"
)

// openDB opens the configured database directly, without the daemon's
// memory fallback: offline commands should fail loudly.
func openDB(cfg *config.Config) (store.Store, error) {
	return store.NewSQLiteStore(cfg.Store.DBPath)
}

func withStore(load func() (*config.Config, error), fn func(ctx context.Context, cfg *config.Config, st store.Store) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	st, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Store.Timeout)
	defer cancel()
	return fn(ctx, cfg, st)
}

func newTotalsCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "totals",
		Short: "Print stored totals for each configured valve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(load, func(ctx context.Context, cfg *config.Config, st store.Store) error {
				now := time.Now()
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VALVE\tLIFETIME\tRUNS\tSINCE RESET\tLAST 24H\tLAST 7D\tRESET AT")
				for _, v := range cfg.Valves {
					t, err := st.LoadTotals(ctx, v.ID)
					if err != nil {
						return fmt.Errorf("valve %s: %w", v.ID, err)
					}
					day, err := st.QueryWindow(ctx, v.ID, now.Add(-24*time.Hour))
					if err != nil {
						return fmt.Errorf("valve %s: %w", v.ID, err)
					}
					week, err := st.QueryWindow(ctx, v.ID, now.Add(-7*24*time.Hour))
					if err != nil {
						return fmt.Errorf("valve %s: %w", v.ID, err)
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
						v.ID,
						liters(t.LifetimeVolume),
						t.LifetimeSessions,
						liters(t.ResettableVolume),
						liters(day.Volume),
						liters(week.Volume),
						formatTime(t.LastReset))
				}
				return tw.Flush()
			})
		},
	}
}

func newSessionsCmd(load func() (*config.Config, error)) *cobra.Command {
	var valveID string
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Print the session log, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return errors.New("--limit must be positive")
			}
			return withStore(load, func(ctx context.Context, _ *config.Config, st store.Store) error {
				sessions, err := st.ListSessions(ctx, store.Filter{ValveID: valveID, Limit: limit})
				if err != nil {
					return err
				}
				return printSessions(cmd.OutOrStdout(), sessions)
			})
		},
	}
	cmd.Flags().StringVar(&valveID, "valve", "", "only this valve")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions to print")
	return cmd
}

func printSessions(w io.Writer, sessions []logic.Session) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tVALVE\tTRIGGER\tDURATION\tVOLUME\tREASON\tID")
	for _, s := range sessions {
		reason := string(s.EndReason)
		if !s.Ended() {
			reason = "open"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			formatTime(s.StartedAt),
			s.ValveID,
			s.Trigger,
			s.Duration.Truncate(time.Second),
			liters(s.Volume),
			reason,
			s.ID)
	}
	return tw.Flush()
}

func newResetCmd(load func() (*config.Config, error)) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reset [valve-id]",
		Short: "Reset resettable totals in the store",
		Long: `Reset zeroes the resettable volume, run time and session count of one
valve, or of every configured valve with --all. Lifetime totals are kept.

This writes the database directly. While the daemon runs, use
POST /api/valves/{id}/reset instead so its in-memory totals follow.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return errors.New("give a valve id or --all, not both")
			}
			if !all && len(args) != 1 {
				return errors.New("give exactly one valve id, or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(load, func(ctx context.Context, cfg *config.Config, st store.Store) error {
				ids := args
				if all {
					ids = nil
					for _, v := range cfg.Valves {
						ids = append(ids, v.ID)
					}
				}
				now := time.Now()
				for _, id := range ids {
					if _, err := st.ResetResettable(ctx, id, now); err != nil {
						return fmt.Errorf("valve %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reset every configured valve")
	return cmd
}

func newConfigCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func liters(v float64) string {
	return fmt.Sprintf("%.1f L", status.Liters(v))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
