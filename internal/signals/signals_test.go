package signals_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/runehost/runehost/internal/config"
	"github.com/runehost/runehost/internal/signals"
)

func writeKernelConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runehost.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestReload_AppliesNonBreakingChanges(t *testing.T) {
	path := writeKernelConfig(t, "log_level: warn\nmax_connections: 128\ntimeout_secs: 60\n")

	h := signals.NewHandler(config.SignalsConfig{
		EnableConfigReload: true,
		ConfigPath:         path,
	}, config.KernelConfig{
		LogLevel:       "info",
		MaxConnections: 64,
		TimeoutSecs:    30,
	}, "test")

	changes := h.Reload()
	if len(changes) != 3 {
		t.Fatalf("Reload() changes = %v, want 3", changes)
	}
	if changes[0] != "log_level: info -> warn" {
		t.Errorf("changes[0] = %q", changes[0])
	}

	current := h.Current()
	if current.LogLevel != "warn" || current.MaxConnections != 128 || current.TimeoutSecs != 60 {
		t.Errorf("Current() = %+v", current)
	}

	c := h.Counters()
	if c.ConfigReloads != 1 || c.SuccessfulReloads != 1 {
		t.Errorf("counters = %+v", c)
	}
	if c.LastReloadAt == nil {
		t.Error("LastReloadAt not stamped")
	}
}

func TestReload_NoChanges(t *testing.T) {
	path := writeKernelConfig(t, "log_level: info\nmax_connections: 64\ntimeout_secs: 30\n")

	h := signals.NewHandler(config.SignalsConfig{
		EnableConfigReload: true,
		ConfigPath:         path,
	}, config.KernelConfig{
		LogLevel:       "info",
		MaxConnections: 64,
		TimeoutSecs:    30,
	}, "test")

	if changes := h.Reload(); len(changes) != 0 {
		t.Errorf("Reload() of identical config = %v, want no changes", changes)
	}
	if c := h.Counters(); c.SuccessfulReloads != 1 {
		t.Errorf("identical reload not counted as success: %+v", c)
	}
}

func TestReload_ListenAddrNotApplied(t *testing.T) {
	path := writeKernelConfig(t, "listen_addr: 0.0.0.0:9999\n")

	h := signals.NewHandler(config.SignalsConfig{
		EnableConfigReload: true,
		ConfigPath:         path,
	}, config.KernelConfig{ListenAddr: "127.0.0.1:5555", LogLevel: ""}, "test")

	h.Reload()
	if got := h.Current().ListenAddr; got != "127.0.0.1:5555" {
		t.Errorf("ListenAddr = %q, changed without restart", got)
	}
}

func TestReload_Disabled(t *testing.T) {
	h := signals.NewHandler(config.SignalsConfig{EnableConfigReload: false}, config.KernelConfig{}, "test")

	if changes := h.Reload(); changes != nil {
		t.Errorf("disabled Reload() = %v, want nil", changes)
	}
	if c := h.Counters(); c.ConfigReloads != 0 {
		t.Errorf("disabled reload still counted: %+v", c)
	}
}

func TestReload_MissingFile(t *testing.T) {
	h := signals.NewHandler(config.SignalsConfig{
		EnableConfigReload: true,
		ConfigPath:         filepath.Join(t.TempDir(), "absent.yaml"),
	}, config.KernelConfig{}, "test")

	if changes := h.Reload(); changes != nil {
		t.Errorf("Reload() of missing file = %v, want nil", changes)
	}
	c := h.Counters()
	if c.ConfigReloads != 1 || c.SuccessfulReloads != 0 {
		t.Errorf("counters = %+v, want attempted but not successful", c)
	}
}

func TestDump_WritesStateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	h := signals.NewHandler(config.SignalsConfig{
		EnableStateDump: true,
		DumpPath:        path,
	}, config.KernelConfig{LogLevel: "info"}, "0.4.0")
	h.SetProviders(func() interface{} {
		return map[string]interface{}{"published": 7}
	}, nil)

	h.Dump()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("dump file not written: %v", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("dump is not valid JSON: %v", err)
	}
	kernel, _ := doc["kernel"].(map[string]interface{})
	if kernel["version"] != "0.4.0" {
		t.Errorf("kernel section = %v", kernel)
	}
	metrics, _ := doc["metrics"].(map[string]interface{})
	if metrics["published"] != 7.0 {
		t.Errorf("metrics section = %v", metrics)
	}
	if _, ok := doc["system"]; !ok {
		t.Error("system section missing")
	}

	c := h.Counters()
	if c.StateDumps != 1 || c.SuccessfulDumps != 1 || c.LastDumpAt == nil {
		t.Errorf("counters = %+v", c)
	}
}

func TestDump_TruncatesToCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	h := signals.NewHandler(config.SignalsConfig{
		EnableStateDump: true,
		DumpPath:        path,
		MaxDumpBytes:    64,
	}, config.KernelConfig{}, "test")

	h.Dump()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("dump file not written: %v", err)
	}
	if len(data) > 64 {
		t.Errorf("dump is %d bytes, cap is 64", len(data))
	}
}

func TestDump_Disabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	h := signals.NewHandler(config.SignalsConfig{
		EnableStateDump: false,
		DumpPath:        path,
	}, config.KernelConfig{}, "test")

	h.Dump()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("disabled Dump() still wrote a file")
	}
	if c := h.Counters(); c.StateDumps != 0 {
		t.Errorf("disabled dump still counted: %+v", c)
	}
}
