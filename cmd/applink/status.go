package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/applinkdev/applink/internal/project"
	"github.com/applinkdev/applink/internal/state"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show recent builds and the last link session",
	Long: `Show the builds recorded by previous link sessions, newest first.

Run inside a project to also see how its last session ended. A session that
ended "partial" was interrupted and the builder may not have every change.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		db, err := state.Open(cfg.State.Path)
		if err != nil {
			return err
		}
		defer db.Close()

		if m, err := project.ReadManifest("."); err == nil {
			last, err := db.LastSession(ctx, m.Locator().String())
			switch {
			case errors.Is(err, state.ErrSessionNotFound):
				fmt.Fprintf(out, "%s has never been linked\n\n", m.Locator())
			case err != nil:
				return err
			default:
				fmt.Fprintf(out, "%s: last session %s, started %s\n\n",
					last.Locator, last.Status, last.StartedAt.Local().Format(time.DateTime))
			}
		}

		builds, err := db.RecentBuilds(ctx, limit)
		if err != nil {
			return err
		}
		if len(builds) == 0 {
			fmt.Fprintln(out, "No builds recorded yet")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tKIND\tFILES\tRESULT\tBUILD\tDETAIL")
		for _, b := range builds {
			detail := b.Message
			if b.Code != "" {
				detail = b.Code + " " + detail
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
				b.CreatedAt.Local().Format(time.DateTime), b.Kind, b.Files, b.Result, b.BuildID, detail)
		}
		return w.Flush()
	},
}

func init() {
	statusCmd.Flags().IntP("limit", "n", 20, "Number of builds to show")
	rootCmd.AddCommand(statusCmd)
}
