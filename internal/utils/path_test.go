package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	wd, err := os.Getwd()
	require.NoError(t, err)

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "empty path", input: "", wantErr: true},
		{name: "relative path", input: "./test", want: filepath.Join(wd, "test")},
		{name: "absolute path", input: "/tmp/a/../test", want: "/tmp/test"},
		{name: "home", input: "~", want: home},
		{name: "under home", input: "~/sync/manifest.db", want: filepath.Join(home, "sync", "manifest.db")},
		{name: "tilde in name", input: "/tmp/~backup", want: "/tmp/~backup"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolvePath(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrEmptyPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEnsureParent(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a", "b", "c.db")

	require.NoError(t, EnsureParent(file))
	assert.True(t, DirExists(filepath.Join(dir, "a", "b")))
	assert.False(t, FileExists(file))

	require.NoError(t, os.WriteFile(file, nil, 0o644))
	assert.True(t, FileExists(file))
	assert.False(t, DirExists(file))

	// existing directories are fine
	require.NoError(t, EnsureDir(dir))
}
