/*
Package config provides configuration management for appfsd with multi-source
support: YAML file, environment variables, then CLI flags, in that order of
precedence.

# Configuration Structure

Global Settings:
  - Logging configuration (level, file, format)
  - Service ports (metrics, health, profiling)

Cache Settings:
  - Blob store and overlay directory locations (C1, C5)
  - Attribute cache capacity (C7), default 8209 slots
  - Index/manifest freshness TTLs (C6)

Network Configuration:
  - Timeout settings
  - Retry policy (pkg/retry)
  - Circuit breaker parameters (internal/circuit)

Sites:
  - Pre-provisioned (hostname, public key, transport) entries. A site absent
    from this list has no trust anchor and its index is always rejected.

Security Configuration:
  - TLS settings for HTTPS site transports

Monitoring Configuration:
  - Metrics collection settings
  - Health check parameters
  - Logging format

Mount:
  - Mount point, cache directory, allow_other/read_only, FUSE attr/entry
    timeouts and read/write buffer sizes — maps onto the `-o opt,opt` CLI
    surface.

# Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/appfs/appfsd.yaml"); err != nil {
		log.Fatal(err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

Configuration file format:

	global:
	  log_level: INFO
	  metrics_port: 9100
	  health_port: 9101

	cache:
	  blob_store_dir: /var/cache/appfs/blobs
	  overlay_dir: /var/cache/appfs/overlay
	  attr_cache_capacity: 8209

	sites:
	  - hostname: pkgs.example.com
	    public_key_path: /etc/appfs/pkgs.pub

	mount:
	  mount_point: /mnt/appfs
	  read_only: false

Environment variable mapping:

	APPFS_LOG_LEVEL="DEBUG"
	APPFS_METRICS_PORT="9190"
	APPFS_BLOB_STORE_DIR="/srv/appfs/blobs"
	APPFS_MOUNT_POINT="/mnt/appfs"
	APPFS_READ_ONLY="true"

# Security Considerations

  - Config files are written with 0600 permissions.
  - A site with no public_key_path fails validation rather than silently
    trusting an unverifiable index.
*/
package config
