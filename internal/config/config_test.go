package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/runehost/runehost/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := config.Load()

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Storage.BackendType != "memory" {
		t.Errorf("BackendType = %q, want memory", cfg.Storage.BackendType)
	}
	if cfg.EventBus.MaxRate != 1000 || cfg.EventBus.BurstCapacity != 2000 {
		t.Errorf("EventBus = %+v", cfg.EventBus)
	}
	if !cfg.Session.AllowCrossSessionSharing {
		t.Error("cross-session sharing not on by default")
	}
	if cfg.Backup.CompressionType != "zstd" || cfg.Backup.MaxBackupAge != 30*24*time.Hour {
		t.Errorf("Backup = %+v", cfg.Backup)
	}
	if cfg.Kernel.LogLevel != "info" || cfg.Kernel.MaxConnections != 64 {
		t.Errorf("Kernel = %+v", cfg.Kernel)
	}
	if cfg.Telemetry.Enabled {
		t.Error("telemetry on by default")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RUNEHOST_PORT", "9090")
	t.Setenv("RUNEHOST_STORAGE_BACKEND", "postgres")
	t.Setenv("RUNEHOST_EVENT_MAX_RATE", "50.5")
	t.Setenv("RUNEHOST_EVENT_PERSIST", "true")
	t.Setenv("RUNEHOST_CROSS_SESSION_SHARING", "false")
	t.Setenv("RUNEHOST_MAX_BACKUP_AGE", "72h")
	t.Setenv("RUNEHOST_WORKER_THREADS", "8")

	cfg := config.Load()
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Storage.BackendType != "postgres" {
		t.Errorf("BackendType = %q, want postgres", cfg.Storage.BackendType)
	}
	if cfg.EventBus.MaxRate != 50.5 || !cfg.EventBus.PersistEvents {
		t.Errorf("EventBus = %+v", cfg.EventBus)
	}
	if cfg.Session.AllowCrossSessionSharing {
		t.Error("cross-session sharing override ignored")
	}
	if cfg.Backup.MaxBackupAge != 72*time.Hour {
		t.Errorf("MaxBackupAge = %s, want 72h", cfg.Backup.MaxBackupAge)
	}
	if cfg.Runtime.WorkerThreads != 8 {
		t.Errorf("WorkerThreads = %d, want 8", cfg.Runtime.WorkerThreads)
	}
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("RUNEHOST_PORT", "not-a-port")
	t.Setenv("RUNEHOST_EVENT_PERSIST", "maybe")
	t.Setenv("RUNEHOST_MAX_BACKUP_AGE", "soon")

	cfg := config.Load()
	if cfg.Port != 8080 {
		t.Errorf("malformed port: Port = %d, want default 8080", cfg.Port)
	}
	if cfg.EventBus.PersistEvents {
		t.Error("malformed bool did not fall back")
	}
	if cfg.Backup.MaxBackupAge != 30*24*time.Hour {
		t.Errorf("malformed duration: MaxBackupAge = %s", cfg.Backup.MaxBackupAge)
	}
}

func TestLoadKernelConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	yaml := "log_level: debug\nmax_connections: 32\ntimeout_secs: 15\nlisten_addr: 127.0.0.1:5555\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	kc, err := config.LoadKernelConfig(path)
	if err != nil {
		t.Fatalf("LoadKernelConfig() error: %v", err)
	}
	if kc.LogLevel != "debug" || kc.MaxConnections != 32 || kc.TimeoutSecs != 15 || kc.ListenAddr != "127.0.0.1:5555" {
		t.Errorf("LoadKernelConfig() = %+v", kc)
	}
}

func TestLoadKernelConfig_Errors(t *testing.T) {
	if _, err := config.LoadKernelConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadKernelConfig() of missing file should fail")
	}

	path := filepath.Join(t.TempDir(), "broken.yaml")
	os.WriteFile(path, []byte("log_level: [unterminated"), 0o644)
	if _, err := config.LoadKernelConfig(path); err == nil {
		t.Error("LoadKernelConfig() of invalid YAML should fail")
	}
}
