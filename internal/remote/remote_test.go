package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openmined/treesync/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRun struct {
	program string
	args    []string
}

func fakeRun(res *Result, err error, calls *[]recordedRun) runFunc {
	return func(_ context.Context, program string, args ...string) (*Result, error) {
		*calls = append(*calls, recordedRun{program: program, args: args})
		return res, err
	}
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "mkdir -p -- '/srv/a b'", MakeDir("/srv/a b").String())
	assert.Equal(t, "chown svc:web -- /srv/x", Chown(Owner{User: "svc", Group: "web"}, "/srv/x").String())
	assert.Equal(t, `find /srv -mindepth 1 -maxdepth 1 -printf '%y\t%s\t%T@\t%f\0'`, ListDir("/srv").String())
}

func TestWalkTreeFollowsLinks(t *testing.T) {
	assert.Equal(t, []string{
		"find", "-L", "/srv", "-mindepth", "1",
		"(", "-type", "d", "-xtype", "l", "-printf", `l\t%s\t%T@\t%P\0`, "-prune", ")",
		"-o", "-printf", `%y\t%s\t%T@\t%P\0`,
	}, WalkTree("/srv").Argv())
}

func TestCommandEscalated(t *testing.T) {
	cmd := Remove("/srv/x")
	assert.Equal(t, []string{"sudo", "-n", "-u", "svc", "--", "rm", "-f", "--", "/srv/x"}, cmd.escalated("svc"))
	assert.Equal(t, []string{"rm", "-f", "--", "/srv/x"}, cmd.escalated(""))
	assert.Equal(t, []string{"sudo", "-n", "-u", "svc", "--", "env", "LC_ALL=C", "rm", "-f", "--", "/srv/x"}, cmd.remoteArgv("svc"))

	digest := Digest("md5sum", "/srv/x")
	assert.Equal(t, []string{"md5sum", "--", "/srv/x"}, digest.escalated("svc"))
	assert.Equal(t, []string{"env", "LC_ALL=C", "md5sum", "--", "/srv/x"}, digest.remoteArgv("svc"))
}

func TestMutatingCommandsEscalate(t *testing.T) {
	for _, cmd := range []Command{
		MakeDir("/srv/a"),
		Chown(Owner{User: "svc"}, "/srv/a"),
		Remove("/srv/a"),
		RemoveTree("/srv/a"),
		Decompress("/srv/a.gz"),
	} {
		assert.True(t, cmd.Escalate, cmd.String())
	}
	for _, cmd := range []Command{Digest("md5sum", "/srv/a"), ListDir("/srv"), WalkTree("/srv"), Exists("/srv/a")} {
		assert.False(t, cmd.Escalate, cmd.String())
	}
}

func TestSSHExecutorArgs(t *testing.T) {
	var calls []recordedRun
	ex := NewSSHExecutor(
		WithPort(2222),
		WithExtraArgs("-i", "/keys/id"),
		WithEscalateUser("svc"),
	)
	ex.run = fakeRun(&Result{}, nil, &calls)

	host := Endpoint{User: "alice", Host: "dst.example.com", Root: "/srv"}
	_, err := ex.Execute(context.Background(), host, MakeDir("/srv/a b"))
	require.NoError(t, err)
	require.Len(t, calls, 1)

	assert.Equal(t, "ssh", calls[0].program)
	assert.Equal(t, []string{
		"-o", "BatchMode=yes",
		"-p", "2222",
		"-i", "/keys/id",
		"alice@dst.example.com", "--",
		"sudo -n -u svc -- env LC_ALL=C mkdir -p -- '/srv/a b'",
	}, calls[0].args)
}

func TestSSHExecutorConnectionFailure(t *testing.T) {
	var calls []recordedRun
	ex := NewSSHExecutor()
	ex.run = fakeRun(&Result{ExitCode: 255, Stderr: "ssh: connect to host dst port 22: Connection refused\n"}, nil, &calls)

	_, err := ex.Execute(context.Background(), Endpoint{Host: "dst"}, ListDir("/srv"))
	require.Error(t, err)
	assert.True(t, syncerr.IsConnection(err))
}

func TestSSHExecutorRejectsLocal(t *testing.T) {
	_, err := NewSSHExecutor().Execute(context.Background(), Endpoint{Root: "/srv"}, ListDir("/srv"))
	assert.Error(t, err)
}

func TestRunNonZeroExit(t *testing.T) {
	var calls []recordedRun
	ex := NewSSHExecutor()
	ex.run = fakeRun(&Result{ExitCode: 1, Stderr: "mkdir: cannot create directory: Permission denied\n"}, nil, &calls)

	_, err := Run(context.Background(), ex, Endpoint{Host: "dst"}, MakeDir("/srv/x"))
	require.Error(t, err)
	assert.Equal(t, syncerr.KindCommand, syncerr.KindOf(err))

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 1, cmdErr.ExitCode)
	assert.Contains(t, cmdErr.Stderr, "Permission denied")
}

func TestLocalExecutor(t *testing.T) {
	ex := NewLocalExecutor()
	local := Endpoint{Root: t.TempDir()}

	res, err := ex.Execute(context.Background(), local, Command{Name: "echo", Args: []string{"hello"}})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)

	res, err = ex.Execute(context.Background(), local, Command{Name: "false"})
	require.NoError(t, err)
	assert.NotEqual(t, 0, res.ExitCode)

	res, err = ex.Execute(context.Background(), local, Command{Name: "printenv", Args: []string{"LC_ALL"}})
	require.NoError(t, err)
	assert.Equal(t, "C\n", res.Stdout)

	_, err = ex.Execute(context.Background(), local, Command{Name: "treesync-no-such-binary"})
	assert.True(t, syncerr.IsConnection(err))
}

func TestRunProcess(t *testing.T) {
	res, err := runProcess(context.Background(), "sh", "-c", "echo out; echo err >&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 3, res.ExitCode)

	res, err = runProcess(context.Background(), "printenv", "LC_ALL")
	require.NoError(t, err)
	assert.Equal(t, "C\n", res.Stdout)

	res, err = runProcess(context.Background(), "treesync-no-such-binary")
	assert.Error(t, err)
	assert.Equal(t, -1, res.ExitCode)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = runProcess(ctx, "sleep", "5")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatcherRoutes(t *testing.T) {
	var localCalls, remoteCalls []recordedRun
	local := NewLocalExecutor()
	local.run = fakeRun(&Result{}, nil, &localCalls)
	ssh := NewSSHExecutor()
	ssh.run = fakeRun(&Result{}, nil, &remoteCalls)

	d := &Dispatcher{Local: local, Remote: ssh}
	_, err := d.Execute(context.Background(), Endpoint{Root: "/a"}, MakeDir("/a"))
	require.NoError(t, err)
	_, err = d.Execute(context.Background(), Endpoint{Host: "b", Root: "/b"}, MakeDir("/b"))
	require.NoError(t, err)

	assert.Len(t, localCalls, 1)
	assert.Len(t, remoteCalls, 1)
	assert.Equal(t, "mkdir", localCalls[0].program)
}

func TestParseEntries(t *testing.T) {
	out := "d\t4096\t1700000000.0\tsub\x00" +
		"f\t12\t1700000000.2500000000\tsub/a.txt\x00" +
		"f\t0\t1700000001\tname with\ttab\x00" +
		"garbage\x00" +
		"f\tx\t1700000000.0\tbad-size\x00" +
		"l\t7\t1700000000.0\tlink\x00"
	entries := ParseEntries(out)
	require.Len(t, entries, 4)

	assert.True(t, entries[0].IsDir())
	assert.Equal(t, "sub", entries[0].Name)
	assert.True(t, entries[1].IsRegular())
	assert.Equal(t, int64(12), entries[1].Size)
	assert.Equal(t, time.Unix(1700000000, 250000000), entries[1].ModTime)
	assert.Equal(t, time.Unix(1700000001, 0), entries[2].ModTime)
	assert.Equal(t, "name with\ttab", entries[2].Name)
	assert.Equal(t, byte('l'), entries[3].Type)
}

func TestParseExtraArgs(t *testing.T) {
	args, err := ParseExtraArgs(`-o StrictHostKeyChecking=no -i "/home/a b/id"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"-o", "StrictHostKeyChecking=no", "-i", "/home/a b/id"}, args)

	args, err = ParseExtraArgs("  ")
	require.NoError(t, err)
	assert.Nil(t, args)
}

func TestSCPCopierArgs(t *testing.T) {
	c := NewSCPCopier(WithPort(2200))
	src := Location{Endpoint: Endpoint{User: "a", Host: "src"}, Path: "/srv/x"}
	dst := Location{Endpoint: Endpoint{User: "b", Host: "dst"}, Path: "/srv/x"}

	assert.Equal(t, []string{"-q", "-B", "-P", "2200", "-3", "a@src:/srv/x", "b@dst:/srv/x"}, c.args(src, dst))

	local := Location{Endpoint: Endpoint{}, Path: "/tmp/x"}
	assert.Equal(t, []string{"-q", "-B", "-P", "2200", "/tmp/x", "b@dst:/srv/x"}, c.args(local, dst))
}

func TestSCPCopierFailure(t *testing.T) {
	var calls []recordedRun
	c := NewSCPCopier()
	c.run = fakeRun(&Result{ExitCode: 1, Stderr: "scp: /srv/x: Permission denied"}, nil, &calls)

	err := c.Copy(context.Background(),
		Location{Endpoint: Endpoint{}, Path: "/tmp/x"},
		Location{Endpoint: Endpoint{Host: "dst"}, Path: "/srv/x"})
	require.Error(t, err)
	assert.Equal(t, syncerr.KindTransfer, syncerr.KindOf(err))
}

func TestSessionLimiterSameHost(t *testing.T) {
	l := NewSessionLimiter(1)
	ep := Endpoint{Host: "h"}

	release, err := l.acquire(context.Background(), ep, ep)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.acquire(ctx, ep)
	assert.Error(t, err)

	release()
	release, err = l.acquire(context.Background(), ep)
	require.NoError(t, err)
	release()
}

func TestSharedSessionLimiter(t *testing.T) {
	shared := NewSessionLimiter(1)
	var calls []recordedRun
	ex := NewSSHExecutor(WithSessionLimiter(shared))
	ex.run = fakeRun(&Result{}, nil, &calls)
	c := NewSCPCopier(WithSessionLimiter(shared))
	c.run = fakeRun(&Result{}, nil, &calls)
	require.Same(t, ex.sessions, c.sessions)

	dst := Endpoint{Host: "dst"}
	release, err := shared.acquire(context.Background(), dst)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = c.Copy(ctx, Location{Path: "/tmp/x"}, Location{Endpoint: dst, Path: "/srv/x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, err = ex.Execute(ctx, dst, ListDir("/srv"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, calls)

	release()
	_, err = ex.Execute(context.Background(), dst, ListDir("/srv"))
	require.NoError(t, err)
	assert.Len(t, calls, 1)
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    Endpoint
		wantErr bool
	}{
		{in: "alice@src.example.com:/srv/data", want: Endpoint{User: "alice", Host: "src.example.com", Root: "/srv/data"}},
		{in: "dst:/srv", want: Endpoint{Host: "dst", Root: "/srv"}},
		{in: "/var/www", want: Endpoint{Root: "/var/www"}},
		{in: "./site", want: Endpoint{Root: "./site"}},
		{in: "relative", want: Endpoint{Root: "relative"}},
		{in: "host:", wantErr: true},
		{in: "alice@:/srv", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseEndpoint(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
