// Package config loads server configuration for both planes from
// environment variables (and optionally a config file), layered with
// functional-option overrides for tests.
//
// Grounded on the teacher's graph/options.go Option func(*engineConfig)
// error pattern: a plain struct populated by defaults, then mutated by a
// slice of Option values. Environment/file loading is delegated to
// github.com/spf13/viper with github.com/fsnotify/fsnotify watching for
// live reload, the same pair zjrosen/perles uses for its own config
// layer, rather than hand-rolling os.Getenv parsing across two servers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// IPConfig is the Instance Plane's server configuration.
type IPConfig struct {
	// DatabaseURL is the relational store DSN, or "sqlite://<path>" for the
	// embedded file backend.
	DatabaseURL string

	// ListenAddr is the binary-facing transport listen address, e.g. ":7443".
	ListenAddr string

	// MaxConcurrentInstances is loaded from ip.max_concurrent_instances
	// (default 32). The Instance Plane does not read it and does not cap
	// sessions; the enforced cap is EPConfig.MaxConcurrentContainers.
	MaxConcurrentInstances int

	// SleepThreshold is the durable-sleep cutoff (§4.4): requests below this
	// duration block in-process instead of suspending the instance.
	SleepThreshold time.Duration

	// TLSCertFile and TLSKeyFile configure the transport's server
	// certificate. Empty disables TLS (test-only).
	TLSCertFile string
	TLSKeyFile  string

	// MaxFrameBytes caps a single wire message (§6, default 64 MiB).
	MaxFrameBytes int
}

// EPConfig is the Environment Plane's server configuration.
type EPConfig struct {
	// DatabaseURL may equal the IP's, or point at a separate database when
	// the planes are split across hosts.
	DatabaseURL string

	// ManagementAddr is the client-facing HTTP management API's listen
	// address, e.g. ":8443".
	ManagementAddr string

	// IPAddr is the address workflow binaries are told to dial
	// (RUNTARA_SERVER_ADDR).
	IPAddr string

	// DataRoot is the filesystem root for per-instance I/O, image binaries,
	// and OCI bundles (§6).
	DataRoot string

	// TLSSkipVerify disables certificate verification for binaries dialing
	// IP — test/dev only, surfaced to the binary via
	// RUNTARA_SKIP_CERT_VERIFICATION.
	TLSSkipVerify bool

	// RunnerKind selects the container supervisor backend used for every
	// image: "oci" or "mock". An image's own RunnerKind does not change it.
	RunnerKind string

	// ContainerCLI is the low-level container CLI binary name (e.g. "crun",
	// "runc") the OCI runner execs.
	ContainerCLI string

	// BundleDir is where OCI bundles are derived (<bundle_dir>/<image_id>/).
	// It is used as given and is not joined with DataRoot.
	BundleDir string

	// ExecutionTimeout is the wall-clock budget per container (§4.5).
	ExecutionTimeout time.Duration

	// HeartbeatWindow is how long without a heartbeat before a container is
	// considered dead (§4.5).
	HeartbeatWindow time.Duration

	// CgroupDriver selects "systemd" or "cgroupfs".
	CgroupDriver string

	// NetworkMode is one of "host", "pasta", "none" (§6).
	NetworkMode string

	// MaxConcurrentContainers is the instance concurrency cap (§5, default 32).
	MaxConcurrentContainers int

	// WakeTickInterval is the wake scheduler's poll period (§4.4).
	WakeTickInterval time.Duration

	// WakeBatchLimit caps how many due instances one tick selects.
	WakeBatchLimit int
}

// IPOption overrides an IPConfig field after defaults and environment
// loading, primarily for tests.
type IPOption func(*IPConfig)

// EPOption overrides an EPConfig field after defaults and environment
// loading, primarily for tests.
type EPOption func(*EPConfig)

func WithIPListenAddr(addr string) IPOption { return func(c *IPConfig) { c.ListenAddr = addr } }
func WithIPDatabaseURL(url string) IPOption { return func(c *IPConfig) { c.DatabaseURL = url } }
func WithMaxConcurrentInstances(n int) IPOption {
	return func(c *IPConfig) { c.MaxConcurrentInstances = n }
}
func WithSleepThreshold(d time.Duration) IPOption {
	return func(c *IPConfig) { c.SleepThreshold = d }
}

func WithEPDatabaseURL(url string) EPOption { return func(c *EPConfig) { c.DatabaseURL = url } }
func WithManagementAddr(addr string) EPOption {
	return func(c *EPConfig) { c.ManagementAddr = addr }
}
func WithDataRoot(dir string) EPOption { return func(c *EPConfig) { c.DataRoot = dir } }
func WithRunnerKind(kind string) EPOption { return func(c *EPConfig) { c.RunnerKind = kind } }
func WithMaxConcurrentContainers(n int) EPOption {
	return func(c *EPConfig) { c.MaxConcurrentContainers = n }
}
func WithWakeTickInterval(d time.Duration) EPOption {
	return func(c *EPConfig) { c.WakeTickInterval = d }
}

// newViper builds a viper instance that reads RUNTARA_-prefixed environment
// variables (e.g. RUNTARA_IP_LISTEN_ADDR -> ip.listen_addr) and, if present,
// a config file named by RUNTARA_CONFIG_FILE, watched for live reload the
// same way zjrosen/perles watches its own config file via fsnotify.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("runtara")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile := v.GetString("config_file"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err == nil {
			v.WatchConfig()
			v.OnConfigChange(func(fsnotify.Event) {})
		}
	}
	return v
}

// LoadIPConfig builds an IPConfig from defaults, environment variables, and
// opts, in that precedence order (later wins).
func LoadIPConfig(opts ...IPOption) (IPConfig, error) {
	v := newViper()
	v.SetDefault("ip.database_url", "sqlite://./data/ip.db")
	v.SetDefault("ip.listen_addr", ":7443")
	v.SetDefault("ip.max_concurrent_instances", 32)
	v.SetDefault("ip.sleep_threshold", "30s")
	v.SetDefault("ip.max_frame_bytes", 64<<20)

	threshold, err := time.ParseDuration(v.GetString("ip.sleep_threshold"))
	if err != nil {
		return IPConfig{}, fmt.Errorf("parse ip.sleep_threshold: %w", err)
	}

	cfg := IPConfig{
		DatabaseURL:            v.GetString("ip.database_url"),
		ListenAddr:             v.GetString("ip.listen_addr"),
		MaxConcurrentInstances: v.GetInt("ip.max_concurrent_instances"),
		SleepThreshold:         threshold,
		TLSCertFile:            v.GetString("ip.tls_cert_file"),
		TLSKeyFile:             v.GetString("ip.tls_key_file"),
		MaxFrameBytes:          v.GetInt("ip.max_frame_bytes"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg, nil
}

// LoadEPConfig builds an EPConfig from defaults, environment variables, and
// opts, in that precedence order (later wins).
func LoadEPConfig(opts ...EPOption) (EPConfig, error) {
	v := newViper()
	v.SetDefault("ep.database_url", "sqlite://./data/ep.db")
	v.SetDefault("ep.management_addr", ":8443")
	v.SetDefault("ep.ip_addr", "127.0.0.1:7443")
	v.SetDefault("ep.data_root", "./data")
	v.SetDefault("ep.runner_kind", "mock")
	v.SetDefault("ep.container_cli", "crun")
	v.SetDefault("ep.bundle_dir", "bundles")
	v.SetDefault("ep.execution_timeout", "1h")
	v.SetDefault("ep.heartbeat_window", "60s")
	v.SetDefault("ep.cgroup_driver", "systemd")
	v.SetDefault("ep.network_mode", "pasta")
	v.SetDefault("ep.max_concurrent_containers", 32)
	v.SetDefault("ep.wake_tick_interval", "2s")
	v.SetDefault("ep.wake_batch_limit", 100)

	execTimeout, err := time.ParseDuration(v.GetString("ep.execution_timeout"))
	if err != nil {
		return EPConfig{}, fmt.Errorf("parse ep.execution_timeout: %w", err)
	}
	heartbeatWindow, err := time.ParseDuration(v.GetString("ep.heartbeat_window"))
	if err != nil {
		return EPConfig{}, fmt.Errorf("parse ep.heartbeat_window: %w", err)
	}
	wakeTick, err := time.ParseDuration(v.GetString("ep.wake_tick_interval"))
	if err != nil {
		return EPConfig{}, fmt.Errorf("parse ep.wake_tick_interval: %w", err)
	}

	cfg := EPConfig{
		DatabaseURL:             v.GetString("ep.database_url"),
		ManagementAddr:          v.GetString("ep.management_addr"),
		IPAddr:                  v.GetString("ep.ip_addr"),
		DataRoot:                v.GetString("ep.data_root"),
		TLSSkipVerify:           v.GetBool("ep.tls_skip_verify"),
		RunnerKind:              v.GetString("ep.runner_kind"),
		ContainerCLI:            v.GetString("ep.container_cli"),
		BundleDir:               v.GetString("ep.bundle_dir"),
		ExecutionTimeout:        execTimeout,
		HeartbeatWindow:         heartbeatWindow,
		CgroupDriver:            v.GetString("ep.cgroup_driver"),
		NetworkMode:             v.GetString("ep.network_mode"),
		MaxConcurrentContainers: v.GetInt("ep.max_concurrent_containers"),
		WakeTickInterval:        wakeTick,
		WakeBatchLimit:          v.GetInt("ep.wake_batch_limit"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg, nil
}
