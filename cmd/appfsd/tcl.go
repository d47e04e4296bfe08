package main

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/appfs/appfsd/internal/config"
	"github.com/appfs/appfsd/internal/daemon"
)

// newTCLCmd is the typed, narrowed replacement for the original's embedded
// Tcl maintenance scripts: since no embedded scripting engine is carried
// forward here, its handful of real maintenance operations (listing
// provisioned sites, forcing a site re-fetch, compacting the catalog) are
// exposed directly as subcommand verbs instead.
func newTCLCmd() *cobra.Command {
	var cacheDir, configPath string

	cmd := &cobra.Command{
		Use:   "tcl <list-sites|refresh <hostname>|vacuum>",
		Short: "Run a catalog maintenance operation",
	}
	cmd.PersistentFlags().StringVar(&cacheDir, "cachedir", "", "cache directory containing cache.db")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file (site trust anchors)")

	open := func() (*daemon.Daemon, error) {
		if cacheDir == "" {
			return nil, fmt.Errorf("--cachedir is required")
		}
		cfg := config.NewDefault()
		if configPath != "" {
			if err := cfg.LoadFromFile(configPath); err != nil {
				return nil, err
			}
		}
		cfg.Mount.CacheDir = cacheDir
		return daemon.New(cfg, nil)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list-sites",
		Short: "List every site the catalog has trust metadata for",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := open()
			if err != nil {
				return err
			}
			defer d.Close()

			sites, err := d.DB.ListSites()
			if err != nil {
				return err
			}
			for _, s := range sites {
				fetched := "never"
				if s.FetchedAt > 0 {
					fetched = time.Unix(s.FetchedAt, 0).UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tindex=%s\tfetched=%s\n", s.Hostname, s.IndexHash, fetched)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "refresh <hostname>",
		Short: "Force-fetch and re-ingest one site's index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := open()
			if err != nil {
				return err
			}
			defer d.Close()

			hostname := args[0]
			raw, err := d.Fetcher.FetchIndex(cmd.Context(), hostname)
			if err != nil {
				return fmt.Errorf("fetch index for %s: %w", hostname, err)
			}
			n, err := d.DB.IngestIndex(hostname, raw)
			if err != nil {
				return fmt.Errorf("ingest index for %s: %w", hostname, err)
			}
			sum := sha1.Sum(raw)
			if err := d.DB.UpsertSite(hostname, "", hex.EncodeToString(sum[:]), time.Now().Unix()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested %d package record(s) for %s\n", n, hostname)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "vacuum",
		Short: "Run VACUUM against the catalog database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := open()
			if err != nil {
				return err
			}
			defer d.Close()

			_, _, _, err = d.DB.RunSQL("VACUUM")
			return err
		},
	})

	return cmd
}
