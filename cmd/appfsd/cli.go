package main

import (
	"strings"

	"github.com/spf13/cobra"
)

// mountFlags holds the root command's own flags (the mount path); the two
// maintenance subcommands take their own flags (--cachedir for both, plus
// --config for tcl).
type mountFlags struct {
	debug        bool
	foreground   bool
	singleThread bool
	options      []string
	configPath   string
}

func newRootCmd() *cobra.Command {
	var flags mountFlags

	cmd := &cobra.Command{
		Use:   "appfsd [-d|-f|-s] [-o opt,opt] <cachedir> <mountpoint>",
		Short: "Mount a remote software distribution as a FUSE filesystem",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMount(cmd, flags, args[0], args[1])
		},
	}

	cmd.Flags().BoolVarP(&flags.debug, "debug", "d", false, "debug mode: implies -f, enables FUSE debug logging")
	cmd.Flags().BoolVarP(&flags.foreground, "foreground", "f", false, "run in the foreground instead of daemonizing")
	cmd.Flags().BoolVarP(&flags.singleThread, "single-thread", "s", false, "limit the FUSE worker pool to one goroutine")
	cmd.Flags().StringSliceVarP(&flags.options, "option", "o", nil, "mount option (nothreads, allow_other, rw), comma-separated or repeated")
	cmd.Flags().StringVar(&flags.configPath, "config", "", "path to a YAML configuration file")

	cmd.AddCommand(newSQLite3Cmd(), newTCLCmd())
	return cmd
}

// hasOption reports whether name appears among the -o values, case-insensitively.
func hasOption(options []string, name string) bool {
	for _, o := range options {
		if strings.EqualFold(strings.TrimSpace(o), name) {
			return true
		}
	}
	return false
}
