package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/openmined/treesync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Source = remote.Endpoint{Root: "/srv/src"}
	cfg.Destination = remote.Endpoint{User: "deploy", Host: "dst", Root: "/srv/dst"}
	return cfg
}

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "md5", cfg.Digest)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, int64(8), cfg.MaxSessions)
	assert.Equal(t, "ssh", cfg.SSH.SSHBin)
	assert.Equal(t, "scp", cfg.SSH.SCPBin)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.DeleteExtraFiles)
	assert.False(t, cfg.PruneOrphanDirs)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing source", mutate: func(c *Config) { c.Source.Root = "" }, wantErr: "source.root"},
		{name: "missing destination", mutate: func(c *Config) { c.Destination.Root = "" }, wantErr: "destination.root"},
		{name: "relative remote root", mutate: func(c *Config) { c.Destination.Root = "srv" }, wantErr: "absolute"},
		{name: "same tree", mutate: func(c *Config) { c.Destination = remote.Endpoint{Root: "/srv/src/"} }, wantErr: "same tree"},
		{name: "bad digest", mutate: func(c *Config) { c.Digest = "crc32" }, wantErr: "digest"},
		{name: "no workers", mutate: func(c *Config) { c.Workers = 0 }, wantErr: "workers"},
		{name: "no sessions", mutate: func(c *Config) { c.MaxSessions = 0 }, wantErr: "max_sessions"},
		{name: "bad port", mutate: func(c *Config) { c.SSH.Port = 70000 }, wantErr: "ssh.port"},
		{name: "bad ssh options", mutate: func(c *Config) { c.SSH.Options = `-o "unterminated` }, wantErr: "ssh.options"},
		{name: "trust without manifest", mutate: func(c *Config) { c.TrustManifest = true }, wantErr: "trust_manifest"},
		{name: "group without user", mutate: func(c *Config) { c.Owner.Group = "svc" }, wantErr: "owner.group"},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: "log.level"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "debug"
	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	cfg.Log.Level = ""
	level, err = cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestResolveLocalPaths(t *testing.T) {
	dir, err := os.Getwd()
	require.NoError(t, err)

	cfg := validConfig()
	cfg.Source.Root = "site"
	cfg.Manifest = "state/manifest.db"
	require.NoError(t, cfg.Resolve())

	assert.Equal(t, filepath.Join(dir, "site"), cfg.Source.Root)
	assert.Equal(t, filepath.Join(dir, "state", "manifest.db"), cfg.Manifest)
	assert.Equal(t, "/srv/dst", cfg.Destination.Root)
}

func TestWriteTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	require.NoError(t, WriteTemplate(Template(), path, false))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded Config
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Equal(t, "src.example.com", decoded.Source.Host)
	assert.Equal(t, "/srv/data", decoded.Destination.Root)
	assert.Equal(t, 4, decoded.Workers)
	assert.Equal(t, []string{"*.tmp", ".git/"}, decoded.Exclude)
	assert.NoError(t, decoded.Validate())

	err = WriteTemplate(Template(), path, false)
	assert.ErrorIs(t, err, ErrConfigExists)

	assert.NoError(t, WriteTemplate(Template(), path, true))
}
