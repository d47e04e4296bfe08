package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/appfs/appfsd/internal/catalog"
)

// newSQLite3Cmd is the typed replacement for the original's raw `--sqlite3`
// pass-through: it opens the catalog DB directly and runs one statement,
// printing SELECT/PRAGMA result sets as tab-separated rows.
func newSQLite3Cmd() *cobra.Command {
	var cacheDir string

	cmd := &cobra.Command{
		Use:   "sqlite3 <sql>",
		Short: "Run one SQL statement against the catalog database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cacheDir == "" {
				return fmt.Errorf("--cachedir is required")
			}

			db, err := catalog.Open(filepath.Join(cacheDir, "cache.db"))
			if err != nil {
				return err
			}
			defer db.Close()

			columns, rows, affected, err := db.RunSQL(args[0])
			if err != nil {
				return err
			}
			if columns == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%d row(s) affected\n", affected)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(columns, "\t"))
			for _, row := range rows {
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(row, "\t"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cacheDir, "cachedir", "", "cache directory containing cache.db")
	return cmd
}
