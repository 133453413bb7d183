package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/openmined/treesync/internal/fingerprint"
	"github.com/openmined/treesync/internal/remote"
	"github.com/openmined/treesync/internal/treesync"
	"github.com/openmined/treesync/internal/utils"
	"gopkg.in/yaml.v3"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".config", "treesync", "config.yaml")
	DefaultLogLevel   = "info"
	DefaultSessions   = int64(8)
)

var ErrConfigExists = errors.New("config file already exists")

type SSHConfig struct {
	Port    int    `mapstructure:"port" yaml:"port"`
	Options string `mapstructure:"options" yaml:"options"`
	SSHBin  string `mapstructure:"ssh_bin" yaml:"ssh_bin"`
	SCPBin  string `mapstructure:"scp_bin" yaml:"scp_bin"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

type Config struct {
	Source           remote.Endpoint `mapstructure:"source" yaml:"source"`
	Destination      remote.Endpoint `mapstructure:"destination" yaml:"destination"`
	Compress         bool            `mapstructure:"compress" yaml:"compress"`
	DeleteExtraFiles bool            `mapstructure:"delete_extra_files" yaml:"delete_extra_files"`
	Owner            remote.Owner    `mapstructure:"owner" yaml:"owner"`
	EscalateUser     string          `mapstructure:"escalate_user" yaml:"escalate_user"`
	Digest           string          `mapstructure:"digest" yaml:"digest"`
	Workers          int             `mapstructure:"workers" yaml:"workers"`
	MaxSessions      int64           `mapstructure:"max_sessions" yaml:"max_sessions"`
	SSH              SSHConfig       `mapstructure:"ssh" yaml:"ssh"`
	PruneOrphanDirs  bool            `mapstructure:"prune_orphan_dirs" yaml:"prune_orphan_dirs"`
	Exclude          []string        `mapstructure:"exclude" yaml:"exclude"`
	DryRun           bool            `mapstructure:"dry_run" yaml:"dry_run"`
	Manifest         string          `mapstructure:"manifest" yaml:"manifest"`
	TrustManifest    bool            `mapstructure:"trust_manifest" yaml:"trust_manifest"`
	ScratchDir       string          `mapstructure:"scratch_dir" yaml:"scratch_dir"`
	Log              LogConfig       `mapstructure:"log" yaml:"log"`

	// Path is the config file the values were read from, if any.
	Path string `mapstructure:"-" yaml:"-"`
}

// Default returns a config with every optional value filled in.
func Default() *Config {
	return &Config{
		Digest:      string(fingerprint.Default),
		Workers:     treesync.DefaultWorkers,
		MaxSessions: DefaultSessions,
		SSH: SSHConfig{
			Options: "-o BatchMode=yes",
			SSHBin:  "ssh",
			SCPBin:  "scp",
		},
		Log: LogConfig{Level: DefaultLogLevel},
	}
}

func (c *Config) Validate() error {
	if c.Source.Root == "" {
		return fmt.Errorf("`source.root` is required")
	}
	if c.Destination.Root == "" {
		return fmt.Errorf("`destination.root` is required")
	}
	if !c.Destination.IsLocal() && !path.IsAbs(c.Destination.Root) {
		return fmt.Errorf("`destination.root` must be absolute on a remote host, got %q", c.Destination.Root)
	}
	if c.Source.Host == c.Destination.Host && path.Clean(c.Source.Root) == path.Clean(c.Destination.Root) {
		return fmt.Errorf("source and destination are the same tree: %s", c.Source)
	}

	if _, err := fingerprint.ParseAlgorithm(c.Digest); err != nil {
		return fmt.Errorf("`digest`: %w", err)
	}
	if c.Workers < 1 {
		return fmt.Errorf("`workers` must be at least 1, got %d", c.Workers)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("`max_sessions` must be at least 1, got %d", c.MaxSessions)
	}
	if c.SSH.Port < 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("`ssh.port` out of range: %d", c.SSH.Port)
	}
	if _, err := remote.ParseExtraArgs(c.SSH.Options); err != nil {
		return fmt.Errorf("`ssh.options`: %w", err)
	}
	if c.TrustManifest && c.Manifest == "" {
		return fmt.Errorf("`trust_manifest` needs `manifest`")
	}
	if c.Owner.User == "" && c.Owner.Group != "" {
		return fmt.Errorf("`owner.group` needs `owner.user`")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("`log.level`: %w", err)
	}
	return level, nil
}

// Resolve expands `~` and relative paths in the local paths of the config.
func (c *Config) Resolve() error {
	var err error
	if c.Source.IsLocal() {
		if c.Source.Root, err = utils.ResolvePath(c.Source.Root); err != nil {
			return fmt.Errorf("source root: %w", err)
		}
	}
	if c.Destination.IsLocal() {
		if c.Destination.Root, err = utils.ResolvePath(c.Destination.Root); err != nil {
			return fmt.Errorf("destination root: %w", err)
		}
	}
	if c.Manifest != "" {
		if c.Manifest, err = utils.ResolvePath(c.Manifest); err != nil {
			return fmt.Errorf("manifest: %w", err)
		}
	}
	if c.Log.File != "" {
		if c.Log.File, err = utils.ResolvePath(c.Log.File); err != nil {
			return fmt.Errorf("log file: %w", err)
		}
	}
	return nil
}

// Template is the config written by `config init`.
func Template() *Config {
	cfg := Default()
	cfg.Source = remote.Endpoint{User: "deploy", Host: "src.example.com", Root: "/srv/data"}
	cfg.Destination = remote.Endpoint{User: "deploy", Host: "dst.example.com", Root: "/srv/data"}
	cfg.Exclude = []string{"*.tmp", ".git/"}
	return cfg
}

// WriteTemplate writes cfg as yaml to path. An existing file is only
// replaced when force is set.
func WriteTemplate(cfg *Config, path string, force bool) error {
	if !force && utils.FileExists(path) {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := utils.EnsureParent(path); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
