package config_test

import (
	"testing"
	"time"

	"github.com/runtarahq/runtara/internal/config"
)

func TestLoadIPConfigDefaults(t *testing.T) {
	cfg, err := config.LoadIPConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":7443" {
		t.Errorf("ListenAddr = %q, want :7443", cfg.ListenAddr)
	}
	if cfg.MaxConcurrentInstances != 32 {
		t.Errorf("MaxConcurrentInstances = %d, want 32", cfg.MaxConcurrentInstances)
	}
	if cfg.SleepThreshold != 30*time.Second {
		t.Errorf("SleepThreshold = %v, want 30s", cfg.SleepThreshold)
	}
}

func TestLoadIPConfigOptionsOverrideDefaults(t *testing.T) {
	cfg, err := config.LoadIPConfig(
		config.WithIPListenAddr(":9999"),
		config.WithMaxConcurrentInstances(4),
		config.WithSleepThreshold(5*time.Second),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want :9999", cfg.ListenAddr)
	}
	if cfg.MaxConcurrentInstances != 4 {
		t.Errorf("MaxConcurrentInstances = %d, want 4", cfg.MaxConcurrentInstances)
	}
	if cfg.SleepThreshold != 5*time.Second {
		t.Errorf("SleepThreshold = %v, want 5s", cfg.SleepThreshold)
	}
}

func TestLoadEPConfigDefaults(t *testing.T) {
	cfg, err := config.LoadEPConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ManagementAddr != ":8443" {
		t.Errorf("ManagementAddr = %q, want :8443", cfg.ManagementAddr)
	}
	if cfg.MaxConcurrentContainers != 32 {
		t.Errorf("MaxConcurrentContainers = %d, want 32", cfg.MaxConcurrentContainers)
	}
	if cfg.WakeTickInterval != 2*time.Second {
		t.Errorf("WakeTickInterval = %v, want 2s", cfg.WakeTickInterval)
	}
}

func TestLoadEPConfigOptionsOverrideDefaults(t *testing.T) {
	cfg, err := config.LoadEPConfig(
		config.WithManagementAddr(":1111"),
		config.WithDataRoot("/tmp/runtara-test"),
		config.WithRunnerKind("mock"),
		config.WithMaxConcurrentContainers(2),
		config.WithWakeTickInterval(100*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ManagementAddr != ":1111" {
		t.Errorf("ManagementAddr = %q, want :1111", cfg.ManagementAddr)
	}
	if cfg.DataRoot != "/tmp/runtara-test" {
		t.Errorf("DataRoot = %q, want /tmp/runtara-test", cfg.DataRoot)
	}
	if cfg.MaxConcurrentContainers != 2 {
		t.Errorf("MaxConcurrentContainers = %d, want 2", cfg.MaxConcurrentContainers)
	}
	if cfg.WakeTickInterval != 100*time.Millisecond {
		t.Errorf("WakeTickInterval = %v, want 100ms", cfg.WakeTickInterval)
	}
}
