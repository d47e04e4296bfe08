// Package daemon wires the blob store (C1), fetcher (C2), catalog (C3),
// overlay (C5), resolver (C6), attribute cache (C7), and FUSE adapter (C8)
// into one running process, and owns the concurrency and lifecycle concerns
// (C9): the hot-restart generation counter and the signal handling that
// drives it.
package daemon

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/appfs/appfsd/internal/attrcache"
	"github.com/appfs/appfsd/internal/blobstore"
	"github.com/appfs/appfsd/internal/catalog"
	"github.com/appfs/appfsd/internal/circuit"
	"github.com/appfs/appfsd/internal/config"
	"github.com/appfs/appfsd/internal/fetcher"
	"github.com/appfs/appfsd/internal/fuseadapter"
	"github.com/appfs/appfsd/internal/metrics"
	"github.com/appfs/appfsd/internal/overlay"
	"github.com/appfs/appfsd/internal/resolver"
	"github.com/appfs/appfsd/pkg/api"
	"github.com/appfs/appfsd/pkg/errors"
	"github.com/appfs/appfsd/pkg/health"
	"github.com/appfs/appfsd/pkg/retry"
	"github.com/appfs/appfsd/pkg/status"
	"github.com/appfs/appfsd/pkg/utils"
)

// componentNames lists the daemon's long-lived collaborators in dependency
// order, registered with Health on startup.
var componentNames = []string{"catalog", "blobstore", "fetcher", "overlay", "attrcache", "resolver", "fuseadapter"}

// Daemon holds every long-lived component for one appfsd process.
type Daemon struct {
	cfg *config.Configuration

	DB       *catalog.DB
	Blobs    *blobstore.Store
	Fetcher  *fetcher.Fetcher
	Overlay  *overlay.Overlay
	Attrs    *attrcache.Cache
	Resolver *resolver.Resolver
	Adapter  *fuseadapter.Adapter

	Health  *health.Tracker
	Status  *status.Tracker
	Metrics *metrics.Collector
	API     *api.Server

	Generation *Generation

	log *utils.StructuredLogger

	// debugSession is the debug-mode trace session ID (-d flag), empty when
	// debug mode is off.
	debugSession string
}

// debugSessionID is the fixed session name used for -d/--debug tracing; one
// appfsd process runs at most one debug session.
const debugSessionID = "daemon"

// fetchObserver implements resolver.Observer, fanning each background fetch
// out to the health tracker (so a broken site degrades its component state),
// the metrics collector (so fetch latency and error rate are visible on
// /metrics), and, when debug mode is on, the event trace recorded for
// `appfsd -d`. kind is one of "index", "manifest", "blob".
type fetchObserver struct {
	health  *health.Tracker
	metrics *metrics.Collector
	debug   bool
}

func (o *fetchObserver) RecordFetch(kind string, duration time.Duration, err error) {
	component := "fetcher:" + kind
	if err != nil {
		o.health.RecordError(component, err)
		o.metrics.RecordError(component, err)
	} else {
		o.health.RecordSuccess(component)
	}
	o.metrics.RecordOperation(component, duration, 0, err == nil)

	if o.debug {
		fields := map[string]interface{}{"duration": duration.String()}
		if err != nil {
			fields["error"] = err.Error()
		}
		utils.GetDebugManager().RecordEvent("fetcher", kind, "fetch completed", fields)
	}
}

// New opens the catalog DB and builds every component from cfg. Callers are
// responsible for mounting cfg.Mount.MountPoint with d.Adapter.Root() and
// calling InstallSignalHandlers only once the mount is live.
func New(cfg *config.Configuration, log *utils.StructuredLogger) (*Daemon, error) {
	if log == nil {
		var err error
		log, err = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		if err != nil {
			return nil, fmt.Errorf("build default logger: %w", err)
		}
	}
	log = log.WithComponent("daemon")

	dbPath := filepath.Join(cfg.Mount.CacheDir, "cache.db")
	db, err := catalog.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	blobs, err := blobstore.Open(cfg.Mount.CacheDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	publicKeys, transportOf, s3Sites, err := siteTrustAnchors(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	var s3t *fetcher.S3Transport
	if len(s3Sites) > 0 {
		s3t = fetcher.NewS3Transport(s3Sites)
	}
	transport := fetcher.NewSiteTransport(fetcher.NewHTTPTransport(), s3t, transportOf)

	retryer := retry.New(retry.Config{
		MaxAttempts:  cfg.Network.Retry.MaxAttempts,
		InitialDelay: cfg.Network.Retry.BaseDelay,
		MaxDelay:     cfg.Network.Retry.MaxDelay,
		Multiplier:   2,
		Jitter:       true,
	})

	failureThreshold := uint32(cfg.Network.CircuitBreaker.FailureThreshold)
	breakers := circuit.NewManager(circuit.Config{
		Timeout: cfg.Network.CircuitBreaker.Timeout,
		ReadyToTrip: func(counts circuit.Counts) bool {
			return cfg.Network.CircuitBreaker.Enabled && counts.ConsecutiveFailures >= failureThreshold
		},
	})

	f := fetcher.New(transport, blobs, retryer, breakers, publicKeys)

	attrs := attrcache.New(cfg.Cache.AttrCacheCapacity)

	overlayDir := cfg.Cache.OverlayDir
	if overlayDir == "" {
		overlayDir = filepath.Join(cfg.Mount.CacheDir, "overlay")
	}
	ov := overlay.New(overlayDir, blobs, attrs)

	sites := make([]string, 0, len(cfg.Sites))
	for _, s := range cfg.Sites {
		sites = append(sites, s.Hostname)
	}

	healthTracker := health.NewTracker(health.DefaultConfig())
	for _, name := range componentNames {
		healthTracker.RegisterComponent(name)
	}
	for _, kind := range []string{"index", "manifest", "blob"} {
		healthTracker.RegisterComponent("fetcher:" + kind)
	}
	statusTracker := status.NewTracker(status.DefaultTrackerConfig())

	metricsCollector, err := metrics.NewCollector(&metrics.Config{
		Enabled:        cfg.Monitoring.Metrics.Enabled,
		Port:           cfg.Global.MetricsPort,
		Path:           "/metrics",
		Namespace:      "appfs",
		Labels:         cfg.Monitoring.Metrics.CustomLabels,
		UpdateInterval: 30 * time.Second,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build metrics collector: %w", err)
	}

	var debugSession string
	if cfg.Mount.Debug {
		dm := utils.GetDebugManager()
		dm.SetLogger(log)
		dm.StartSession(debugSessionID, []string{"fetcher"}, 0)
		debugSession = debugSessionID
	}

	res := resolver.New(db, f, blobs, ov, attrs, resolver.Config{
		ProvisionedSites: sites,
		IndexTTL:         cfg.Cache.IndexTTL,
		BootTime:         time.Now(),
		Observer:         &fetchObserver{health: healthTracker, metrics: metricsCollector, debug: debugSession != ""},
	})

	adapter := fuseadapter.New(res, ov, blobs, attrs, cfg.Mount.ReadOnly)

	apiConfig := api.DefaultServerConfig()
	apiConfig.Address = fmt.Sprintf("localhost:%d", cfg.Global.HealthPort)
	apiServer := api.NewServer(apiConfig, statusTracker, healthTracker)

	return &Daemon{
		cfg:          cfg,
		DB:           db,
		Blobs:        blobs,
		Fetcher:      f,
		Overlay:      ov,
		Attrs:        attrs,
		Resolver:     res,
		Adapter:      adapter,
		Health:       healthTracker,
		Status:       statusTracker,
		Metrics:      metricsCollector,
		API:          apiServer,
		Generation:   NewGeneration(),
		log:          log,
		debugSession: debugSession,
	}, nil
}

// siteTrustAnchors loads each configured site's public key and records its
// transport, returning an error (so New fails) for any key it cannot load.
func siteTrustAnchors(cfg *config.Configuration) (map[string]*rsa.PublicKey, map[string]string, []fetcher.S3SiteConfig, error) {
	keys := make(map[string]*rsa.PublicKey, len(cfg.Sites))
	transportOf := make(map[string]string, len(cfg.Sites))
	var s3Sites []fetcher.S3SiteConfig

	for _, site := range cfg.Sites {
		pemBytes, err := os.ReadFile(site.PublicKeyPath)
		if err != nil {
			return nil, nil, nil, errors.NewError(errors.ErrCodeInvalidConfig,
				fmt.Sprintf("site %s: read public key", site.Hostname)).
				WithCause(err).WithComponent("daemon").WithOperation("siteTrustAnchors")
		}
		pub, err := fetcher.ParsePublicKeyPEM(pemBytes)
		if err != nil {
			return nil, nil, nil, err
		}
		keys[site.Hostname] = pub
		transportOf[site.Hostname] = site.Transport

		if site.Transport == "s3" {
			s3Sites = append(s3Sites, fetcher.S3SiteConfig{
				Hostname: site.Hostname,
				Bucket:   site.S3Bucket,
				Prefix:   site.S3Prefix,
				Region:   site.S3Region,
			})
		}
	}
	return keys, transportOf, s3Sites, nil
}

// StartObservability starts the metrics collector's own HTTP server (if
// cfg.Monitoring.Metrics.Enabled) and the health/status API server, both in
// the background. Call once the FUSE mount is live; callers are not
// required to wait on the returned error beyond logging it.
func (d *Daemon) StartObservability(ctx context.Context) {
	if err := d.Metrics.Start(ctx); err != nil {
		d.log.Warn("metrics server failed to start", map[string]interface{}{"error": err.Error()})
	}
	d.API.StartBackground()
}

// stopObservability shuts down the metrics and API servers. Best-effort:
// errors are logged, not propagated, since Close must still release the DB.
func (d *Daemon) stopObservability(ctx context.Context) {
	if err := d.Metrics.Stop(ctx); err != nil {
		d.log.Warn("metrics server shutdown error", map[string]interface{}{"error": err.Error()})
	}
	if err := d.API.Shutdown(ctx); err != nil {
		d.log.Warn("api server shutdown error", map[string]interface{}{"error": err.Error()})
	}
}

// Close stops the observability servers and releases the catalog DB handle.
// The blob store and overlay hold no open resources of their own.
func (d *Daemon) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.stopObservability(ctx)

	if d.debugSession != "" {
		if session := utils.GetDebugManager().StopSession(d.debugSession); session != nil {
			d.log.Info("debug session summary", session.GetStats())
		}
	}

	return d.DB.Close()
}

// InstallSignalHandlers starts the goroutine that turns SIGHUP into a
// hot-restart (generation bump plus a synchronous full attribute-cache
// flush) and SIGINT/SIGTERM into an orderly shutdown. It must be called
// only after the FUSE mount is live: a SIGHUP delivered before the mount
// exists has nothing to invalidate. The returned channel is closed once a
// shutdown signal has been received; callers select on it to trigger
// unmount.
func (d *Daemon) InstallSignalHandlers() <-chan struct{} {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				gen := d.Generation.Bump()
				d.Attrs.FlushAll()
				d.log.Info("hot-restart", map[string]interface{}{"generation": gen})
			case syscall.SIGINT, syscall.SIGTERM:
				d.Generation.ShutdownNow()
				d.log.Info("shutdown signal received", map[string]interface{}{"signal": sig.String()})
				signal.Stop(sigCh)
				close(done)
				return
			}
		}
	}()
	return done
}

