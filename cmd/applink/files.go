package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/applinkdev/applink/internal/link/session"
	"github.com/applinkdev/applink/internal/project"
)

var filesCmd = &cobra.Command{
	Use:     "files [dir]",
	GroupID: "inspect",
	Short:   "List the files a link would upload",
	Long: `List the files in dir (default: the current directory) that pass the
default ignores and .linkignore, with their sizes. This is exactly the set a
full upload sends.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		root, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		matcher, err := project.NewMatcher(root)
		if err != nil {
			return err
		}

		files, err := session.Snapshot(root, matcher)(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		var total int64
		for _, f := range files {
			fmt.Fprintf(out, "%10d  %s\n", f.Size, f.Path)
			total += f.Size
		}
		fmt.Fprintf(out, "%d files, %d bytes\n", len(files), total)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(filesCmd)
}
