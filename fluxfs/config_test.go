package fluxfs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.FSType != "fuse.vfs" {
		t.Errorf("fstype = %q", cfg.FSType)
	}
	if cfg.MaxReadahead != 131072 {
		t.Errorf("maxReadahead = %d", cfg.MaxReadahead)
	}
	if cfg.Umask != 0o022 {
		t.Errorf("umask = %o, want 022", cfg.Umask)
	}
	if cfg.EntryTimeoutS != 1.0 || cfg.AttrTimeoutS != 1.0 || cfg.NegativeTimeoutS != 0.0 {
		t.Errorf("timeouts = %v/%v/%v", cfg.EntryTimeoutS, cfg.AttrTimeoutS, cfg.NegativeTimeoutS)
	}
	if !cfg.AutoSync || !cfg.WatchChanges || cfg.SyncIntervalMS != 0 {
		t.Errorf("sync defaults = %v/%v/%d", cfg.AutoSync, cfg.WatchChanges, cfg.SyncIntervalMS)
	}
	if cfg.ValueExtension != ".fxval" {
		t.Errorf("valueExtension = %q", cfg.ValueExtension)
	}
	if cfg.AllowOther || cfg.AllowRoot {
		t.Error("allowOther/allowRoot should default off")
	}
	if !cfg.AutoUnmount || !cfg.BigWrites {
		t.Error("autoUnmount/bigWrites should default on")
	}
	if cfg.UID != uint32(os.Getuid()) || cfg.GID != uint32(os.Getgid()) {
		t.Errorf("uid/gid = %d/%d, want process owner", cfg.UID, cfg.GID)
	}

	found := false
	for _, ns := range cfg.ExcludedNamespaces {
		if ns == "system" {
			found = true
		}
	}
	if !found {
		t.Errorf("excludedNamespaces = %v, want system present", cfg.ExcludedNamespaces)
	}
}

func TestLoadConfig_JSONOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
  "mountPoint": "/mnt/flux",
  "syncIntervalMs": 250,
  "excludedNamespaces": ["scratch"]
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.MountPoint != "/mnt/flux" {
		t.Errorf("mountPoint = %q", cfg.MountPoint)
	}
	if cfg.SyncIntervalMS != 250 {
		t.Errorf("syncIntervalMs = %d", cfg.SyncIntervalMS)
	}
	if len(cfg.ExcludedNamespaces) != 1 || cfg.ExcludedNamespaces[0] != "scratch" {
		t.Errorf("excludedNamespaces = %v", cfg.ExcludedNamespaces)
	}
	// Untouched keys keep their defaults.
	if cfg.FSType != "fuse.vfs" || cfg.MaxReadahead != 131072 {
		t.Errorf("defaults lost: fstype=%q readahead=%d", cfg.FSType, cfg.MaxReadahead)
	}
}

func TestLoadConfig_YAMLOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "mountPoint: /mnt/yaml\numask: 0\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.MountPoint != "/mnt/yaml" {
		t.Errorf("mountPoint = %q", cfg.MountPoint)
	}
	if cfg.Umask != 0 {
		t.Errorf("umask = %o, want explicit 0 override", cfg.Umask)
	}
}

func TestLoadConfig_BadInputs(t *testing.T) {
	dir := t.TempDir()

	unsupported := filepath.Join(dir, "config.toml")
	os.WriteFile(unsupported, []byte(""), 0o644)
	if _, err := loadConfig(unsupported); err == nil {
		t.Error("unsupported extension should fail")
	}

	if _, err := loadConfig(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("missing file should fail")
	}

	malformed := filepath.Join(dir, "bad.json")
	os.WriteFile(malformed, []byte("{not json"), 0o644)
	if _, err := loadConfig(malformed); err == nil {
		t.Error("malformed file should fail")
	}
}

func TestNewConfigManager_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"mountPoint": "/mnt/env"}`), 0o644)
	t.Setenv(ConfigEnvVar, path)

	mgr, err := NewConfigManager()
	if err != nil {
		t.Fatalf("NewConfigManager failed: %v", err)
	}
	if got := mgr.GetConfig().MountPoint; got != "/mnt/env" {
		t.Errorf("mountPoint = %q, want /mnt/env", got)
	}
}

func TestNewConfigManager_NoEnv(t *testing.T) {
	t.Setenv(ConfigEnvVar, "")
	mgr, err := NewConfigManager()
	if err != nil {
		t.Fatalf("NewConfigManager failed: %v", err)
	}
	if mgr.GetConfig().FSType != "fuse.vfs" {
		t.Errorf("fstype = %q", mgr.GetConfig().FSType)
	}
}
