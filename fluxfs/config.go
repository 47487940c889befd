package fluxfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// ConfigEnvVar names the environment variable holding the path of an
// optional JSON or YAML config file layered over the defaults.
const ConfigEnvVar = "FLUXFS_CONFIG"

// MountConfig is immutable once a mount is created. Zero values are
// filled in from DefaultConfig before use.
type MountConfig struct {
	MountPoint string `key:"mountPoint" json:"mount_point"`
	FSType     string `key:"fstype" json:"fstype"`
	AllowOther bool   `key:"allowOther" json:"allow_other"`

	// AllowRoot, AutoUnmount, and BigWrites have no counterpart in the
	// bazil transport: its option set carries no allow_root,
	// auto-unmount is a fusermount concern, and large writes are
	// negotiated at init time without an option. Parsed for config-file
	// parity with other FUSE frontends, not applied.
	AllowRoot   bool `key:"allowRoot" json:"allow_root"`
	AutoUnmount bool `key:"autoUnmount" json:"auto_unmount"`
	BigWrites   bool `key:"bigWrites" json:"big_writes"`

	MaxReadahead  uint32  `key:"maxReadahead" json:"max_readahead"`
	Umask         uint32  `key:"umask" json:"umask"`
	UID           uint32  `key:"uid" json:"uid"`
	GID           uint32  `key:"gid" json:"gid"`
	EntryTimeoutS float64 `key:"entryTimeoutS" json:"entry_timeout_s"`
	AttrTimeoutS  float64 `key:"attrTimeoutS" json:"attr_timeout_s"`

	// NegativeTimeoutS is parsed but not applied: the serve loop
	// answers missing names with ENOENT and emits no cacheable
	// negative entries.
	NegativeTimeoutS float64 `key:"negativeTimeoutS" json:"negative_timeout_s"`
	AutoSync         bool    `key:"autoSync" json:"auto_sync"`
	WatchChanges     bool    `key:"watchChanges" json:"watch_changes"`
	SyncIntervalMS   int     `key:"syncIntervalMs" json:"sync_interval_ms"`
	MirrorDir        string  `key:"mirrorDir" json:"mirror_dir"`

	// ExcludedNamespaces are top-level names never mirrored to disk.
	// This is a coarse configuration-level valve on top of the
	// sync-origin tagging that actually prevents loops.
	ExcludedNamespaces []string `key:"excludedNamespaces" json:"excluded_namespaces"`

	ValueExtension string `key:"valueExtension" json:"value_extension"`
	DebugMode      bool   `key:"debugMode" json:"debug_mode"`
	PrettyLogs     bool   `key:"prettyLogs" json:"pretty_logs"`
}

var defaultConfigBytes = []byte(`{
  "fstype": "fuse.vfs",
  "allowOther": false,
  "allowRoot": false,
  "autoUnmount": true,
  "bigWrites": true,
  "maxReadahead": 131072,
  "umask": 18,
  "entryTimeoutS": 1.0,
  "attrTimeoutS": 1.0,
  "negativeTimeoutS": 0.0,
  "autoSync": true,
  "watchChanges": true,
  "syncIntervalMs": 0,
  "excludedNamespaces": ["system", "internal", "tmp"],
  "valueExtension": ".fxval"
}`)

// DefaultConfig returns the baked-in defaults with uid/gid taken from
// the running process.
func DefaultConfig() MountConfig {
	cfg, _ := loadConfig("")
	return cfg
}

// ConfigManager loads MountConfig from defaults plus an optional
// config file named by FLUXFS_CONFIG.
type ConfigManager struct {
	cfg MountConfig
}

// NewConfigManager builds a manager, failing if a named config file
// exists but cannot be parsed.
func NewConfigManager() (*ConfigManager, error) {
	cfg, err := loadConfig(os.Getenv(ConfigEnvVar))
	if err != nil {
		return nil, err
	}
	return &ConfigManager{cfg: cfg}, nil
}

// GetConfig returns the loaded configuration.
func (m *ConfigManager) GetConfig() MountConfig {
	return m.cfg
}

func loadConfig(path string) (MountConfig, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultConfigBytes), json.Parser()); err != nil {
		return MountConfig{}, fmt.Errorf("failed to load default config: %w", err)
	}

	if path != "" {
		parser, err := parserFor(path)
		if err != nil {
			return MountConfig{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return MountConfig{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	var cfg MountConfig
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "key"}); err != nil {
		return MountConfig{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.UID == 0 {
		cfg.UID = uint32(os.Getuid())
	}
	if cfg.GID == 0 {
		cfg.GID = uint32(os.Getgid())
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.Parser(), nil
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	}
	return nil, fmt.Errorf("unsupported config extension on %s", path)
}
