package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/cobra"

	"github.com/appfs/appfsd/internal/config"
	"github.com/appfs/appfsd/internal/daemon"
	"github.com/appfs/appfsd/pkg/utils"
)

// runMount builds the configuration (file, then environment, then these
// flags, each overriding the last) and runs the daemon in the foreground.
// appfsd never forks itself into the background; -f/-d are accepted for
// compatibility with the original invocation but the process always stays
// attached so it can be supervised externally.
func runMount(cmd *cobra.Command, flags mountFlags, cacheDir, mountPoint string) error {
	cfg := config.NewDefault()
	if flags.configPath != "" {
		if err := cfg.LoadFromFile(flags.configPath); err != nil {
			return err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}

	cfg.Mount.CacheDir = cacheDir
	cfg.Mount.MountPoint = mountPoint
	if flags.debug {
		cfg.Mount.Debug = true
		cfg.Mount.Foreground = true
		cfg.Global.LogLevel = "DEBUG"
	}
	if flags.foreground {
		cfg.Mount.Foreground = true
	}
	if flags.singleThread || hasOption(flags.options, "nothreads") {
		cfg.Mount.Concurrency = 1
	}
	if hasOption(flags.options, "allow_other") {
		cfg.Mount.AllowOther = true
	}
	if hasOption(flags.options, "rw") {
		cfg.Mount.ReadOnly = false
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := utils.ParseLogLevel(cfg.Global.LogLevel)
	if err != nil {
		level = utils.INFO
	}
	format := utils.FormatText
	if cfg.Global.LogFormat == "json" {
		format = utils.FormatJSON
	}
	logCfg := utils.DefaultStructuredLoggerConfig()
	logCfg.Level = level
	logCfg.Format = format
	log, err := utils.NewStructuredLogger(logCfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	log = log.WithComponent("appfsd")

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize daemon: %w", err)
	}
	defer d.Close()

	if _, err := os.Stat(mountPoint); err != nil {
		return fmt.Errorf("mount point: %w", err)
	}

	server, err := fs.Mount(mountPoint, d.Adapter.Root(), buildFUSEOptions(cfg))
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	log.Info("mounted", map[string]interface{}{"mountpoint": mountPoint, "cachedir": cacheDir})

	d.StartObservability(context.Background())
	log.Info("observability endpoints started", map[string]interface{}{
		"health_port":  cfg.Global.HealthPort,
		"metrics_port": cfg.Global.MetricsPort,
	})

	done := d.InstallSignalHandlers()
	go func() {
		<-done
		log.Info("unmounting", map[string]interface{}{"mountpoint": mountPoint})
		if err := server.Unmount(); err != nil {
			log.Warn("unmount failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	server.Wait()
	return nil
}

// buildFUSEOptions mirrors the original mount manager's option assembly:
// one fuse.MountOptions plus the attribute/entry timeout pointers go-fuse
// requires, with read-only/fsname/subtype folded into the raw options list.
// A Concurrency of 1 (-s or -o nothreads) selects go-fuse's single-threaded
// request serving.
func buildFUSEOptions(cfg *config.Configuration) *fs.Options {
	m := cfg.Mount
	attrTimeout := m.AttrTimeout
	entryTimeout := m.EntryTimeout

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:        "appfs",
			FsName:      "appfs",
			DirectMount: true,
			Debug:       m.Debug,
			AllowOther:  m.AllowOther,
			MaxWrite:    m.MaxWrite,

			SingleThreaded: m.Concurrency == 1,
		},
		AttrTimeout:     &attrTimeout,
		EntryTimeout:    &entryTimeout,
		NullPermissions: true,
	}

	if m.ReadOnly {
		opts.Options = append(opts.Options, "ro")
	}
	opts.Options = append(opts.Options, "fsname=appfs", "subtype=appfs")

	return opts
}
