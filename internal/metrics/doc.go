/*
Package metrics provides Prometheus-based metrics collection for the daemon:
fetch/resolve operation counts and latency, attribute-cache hit rates, and
error classification, alongside a small debug HTTP surface for inspecting
the same counters without a Prometheus server.

# Architecture

	┌─────────────┐
	│  Collector  │  ← registers Prometheus metrics, tracks per-operation stats
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌─────────▼──────┐
	│  Prometheus  │         │  HTTP Endpoints │
	│   Registry   │         │  /metrics       │
	│              │         │  /health        │
	│ - Counters   │         │  /debug/metrics │
	│ - Histograms │         └─────────────────┘
	│ - Gauges     │
	└──────────────┘

# Core Components

Collector: the main metrics collector, constructed once in internal/daemon
and handed a fetchObserver that forwards per-kind ("fetcher:index",
"fetcher:manifest", "fetcher:blob") outcomes into it alongside the health
tracker.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      8080,
		Path:      "/metrics",
		Namespace: "appfs",
	})
	if err != nil {
		log.Fatal(err)
	}

	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer collector.Stop(ctx)

# Recording Operations

The collector tracks operations with timing, size, and success/failure status:

	startTime := time.Now()
	data, err := fetchBlob(hash)
	duration := time.Since(startTime)

	collector.RecordOperation("fetcher:blob", duration, int64(len(data)), err == nil)

# Cache Metrics

Cache hits, misses and size are recorded with these calls; internal/attrcache
does not call them (it keeps its own counters):

	collector.RecordCacheHit("attrcache", 1)
	collector.RecordCacheMiss("attrcache", 1)
	collector.UpdateCacheSize("attrcache", currentEntryCount)

# Error Tracking

Record and classify errors for monitoring and alerting:

	if err != nil {
		collector.RecordError("fetcher:blob", err)
		return err
	}

# Prometheus Metrics

The collector exports:

Counters:
  - appfs_operations_total{operation,status}: total operations by type and status
  - appfs_cache_requests_total{type,source}: hits/misses passed to RecordCacheHit/RecordCacheMiss
  - appfs_errors_total{operation,type}: errors by operation and classification

Histograms:
  - appfs_operation_duration_seconds{operation}: operation latency distribution
  - appfs_operation_size_bytes{operation}: operation size distribution

Gauges:
  - appfs_cache_size_bytes{level}: last value passed to UpdateCacheSize
  - appfs_active_connections: last value passed to UpdateActiveConnections
    (appfsd itself does not call it)

# HTTP Endpoints

/metrics - Prometheus-formatted metrics (for scraping)

	curl http://localhost:8080/metrics

/health - Health check endpoint

	curl http://localhost:8080/health
	{"status":"healthy","service":"appfs-metrics"}

/debug/metrics - Human-readable metrics summary

	curl http://localhost:8080/debug/metrics
	{
	  "uptime": "2h15m30s",
	  "last_reset": "2024-01-15 08:00:00.000123 +0000 UTC m=+0.000123456",
	  "operations": {
	    "fetcher:blob": {
	      "count": 15234,
	      "errors": 12,
	      "avg_duration": "45ms",
	      "avg_size": 524288.00
	    }
	  }
	}

/debug/operations - Tabular operations summary

	curl http://localhost:8080/debug/operations
	AppFS Operations Summary
	==========================

	Uptime: 2h15m30s
	Last Reset: 2024-01-15 08:00:00.000123 +0000 UTC m=+0.000123456

	Operation                 Count     Errors Avg Duration     Avg Size    Last Op
	----------                -----     ------ ------------     --------    -------
	fetcher:blob              15234         12         45ms       524288   10:15:29
	fetcher:manifest           8901          3         89ms        65536   10:15:02

# Configuration

	config := &metrics.Config{
		Enabled:        true,              // Enable/disable metrics collection
		Port:           8080,              // HTTP server port
		Path:           "/metrics",        // Prometheus metrics endpoint path
		Namespace:      "appfs",           // Prometheus namespace
		Subsystem:      "",                // Optional subsystem prefix
		UpdateInterval: 30 * time.Second,  // Periodic update interval
		Labels:         map[string]string{ // Stored; not applied to the exported metrics
			"env":  "production",
			"site": "primary",
		},
	}

# Thread Safety

All Collector methods are thread-safe and can be called concurrently from
multiple goroutines. The collector uses RWMutex for efficient concurrent access.

# Integration with Monitoring Systems

Prometheus Setup:

	scrape_configs:
	  - job_name: 'appfs'
	    static_configs:
	      - targets: ['localhost:8080']
	    metrics_path: '/metrics'
	    scrape_interval: 15s

# See Also

  - pkg/health: component health tracking and status degradation
  - internal/circuit: per-site circuit breaker for reliability
  - pkg/errors: structured error handling

For more information on Prometheus metrics and best practices, see:
https://prometheus.io/docs/practices/naming/
*/
package metrics
