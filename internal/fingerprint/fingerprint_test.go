package fingerprint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/openmined/treesync/internal/remote"
	"github.com/openmined/treesync/internal/remote/remotetest"
	"github.com/openmined/treesync/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, MD5, a)

	a, err = ParseAlgorithm("SHA256")
	require.NoError(t, err)
	assert.Equal(t, SHA256, a)
	assert.Equal(t, "sha256sum", a.Tool())

	_, err = ParseAlgorithm("crc32")
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestLocal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello\n"), 0o644))

	fp, err := Local(MD5, path)
	require.NoError(t, err)
	assert.Equal(t, Fingerprint("b1946ac92492d2347c6235b4d2611184"), fp)

	fp, err = Local(SHA256, path)
	require.NoError(t, err)
	assert.Equal(t, Fingerprint("5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03"), fp)
}

func TestLocalMissing(t *testing.T) {
	_, err := Local(MD5, filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, syncerr.KindLocalIO, syncerr.KindOf(err))
}

func TestParse(t *testing.T) {
	fp, err := Parse(MD5, "B1946AC92492D2347C6235B4D2611184  /srv/a.txt\n")
	require.NoError(t, err)
	assert.Equal(t, Fingerprint("b1946ac92492d2347c6235b4d2611184"), fp)

	fp, err = Parse(MD5, `\b1946ac92492d2347c6235b4d2611184  /srv/a\nb`)
	require.NoError(t, err)
	assert.Equal(t, "b1946ac9", fp.Short())

	_, err = Parse(MD5, "deadbeef  /srv/a.txt")
	assert.Error(t, err)
	_, err = Parse(SHA1, "b1946ac92492d2347c6235b4d2611184  /srv/a.txt")
	assert.Error(t, err)
}

func TestRemote(t *testing.T) {
	hosts := remotetest.New()
	hosts.Add("dst", t.TempDir())
	dst := remote.Endpoint{Host: "dst", Root: "/srv"}

	local := hosts.Resolve(dst, "/srv/a.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(local), 0o755))
	require.NoError(t, os.WriteFile(local, []byte("hello\n"), 0o644))

	fp, ok, err := Remote(context.Background(), hosts, dst, MD5, "/srv/a.txt")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Fingerprint("b1946ac92492d2347c6235b4d2611184"), fp)

	localFp, err := Local(MD5, local)
	require.NoError(t, err)
	assert.Equal(t, localFp, fp)
}

func TestRemoteAbsent(t *testing.T) {
	hosts := remotetest.New()
	hosts.Add("dst", t.TempDir())
	dst := remote.Endpoint{Host: "dst", Root: "/srv"}

	fp, ok, err := Remote(context.Background(), hosts, dst, MD5, "/srv/missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, fp)
}

func failDigest(stderr string) remotetest.FailFunc {
	return func(_ remote.Endpoint, cmd remote.Command) (*remote.Result, error) {
		if cmd.Name == MD5.Tool() {
			return remotetest.CommandFailure(stderr), nil
		}
		return nil, nil
	}
}

func TestRemoteCommandFailure(t *testing.T) {
	hosts := remotetest.New()
	hosts.Add("dst", t.TempDir())
	dst := remote.Endpoint{Host: "dst", Root: "/srv"}
	local := hosts.Resolve(dst, "/srv/a")
	require.NoError(t, os.MkdirAll(filepath.Dir(local), 0o755))
	require.NoError(t, os.WriteFile(local, []byte("a"), 0o600))

	tests := []struct {
		name   string
		stderr string
	}{
		{name: "english", stderr: "md5sum: /srv/a: Permission denied"},
		{name: "localized", stderr: "md5sum: /srv/a: Keine Berechtigung"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			hosts.FailCommand = failDigest(tc.stderr)

			_, ok, err := Remote(context.Background(), hosts, dst, MD5, "/srv/a")
			require.Error(t, err)
			assert.False(t, ok)
			assert.Equal(t, syncerr.KindCommand, syncerr.KindOf(err))
		})
	}
}

func TestRemoteAbsentLocalizedMessage(t *testing.T) {
	hosts := remotetest.New()
	hosts.Add("dst", t.TempDir())
	hosts.FailCommand = failDigest("md5sum: /srv/new.txt: Datei oder Verzeichnis nicht gefunden")
	dst := remote.Endpoint{Host: "dst", Root: "/srv"}

	fp, ok, err := Remote(context.Background(), hosts, dst, MD5, "/srv/new.txt")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, fp)
	assert.Equal(t, 1, hosts.Count("test"))
}

func TestRemoteAbsentSkipsExistenceTest(t *testing.T) {
	hosts := remotetest.New()
	hosts.Add("dst", t.TempDir())

	_, ok, err := Remote(context.Background(), hosts, remote.Endpoint{Host: "dst", Root: "/srv"}, MD5, "/srv/missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, hosts.Count("test"))
}

func TestRemoteConnectionFailure(t *testing.T) {
	hosts := remotetest.New()
	hosts.FailCommand = func(h remote.Endpoint, _ remote.Command) (*remote.Result, error) {
		return nil, syncerr.Connection("ssh", h.Host, assert.AnError)
	}

	_, _, err := Remote(context.Background(), hosts, remote.Endpoint{Host: "dst"}, MD5, "/srv/a")
	assert.True(t, syncerr.IsConnection(err))
}
