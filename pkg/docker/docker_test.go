package docker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	container string
	opts      container.ExecOptions
}

// fakeAPI отвечает на exec заранее заданным выводом.
type fakeAPI struct {
	stdout, stderr string
	exitCode       int

	execs      []execCall
	createErrs []error
	pulled     bool
	host       *container.HostConfig
	started    []string
	removed    []string
}

func (f *fakeAPI) Close() error { return nil }

func (f *fakeAPI) ImagePull(context.Context, string, image.PullOptions) (io.ReadCloser, error) {
	f.pulled = true
	return io.NopCloser(strings.NewReader("{}")), nil
}

func (f *fakeAPI) ContainerCreate(_ context.Context, _ *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.host = host
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return container.CreateResponse{}, err
		}
	}
	return container.CreateResponse{ID: "cid"}, nil
}

func (f *fakeAPI) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeAPI) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeAPI) ContainerExecCreate(_ context.Context, id string, opts container.ExecOptions) (container.ExecCreateResponse, error) {
	f.execs = append(f.execs, execCall{container: id, opts: opts})
	return container.ExecCreateResponse{ID: "exec1"}, nil
}

func (f *fakeAPI) ContainerExecAttach(context.Context, string, container.ExecAttachOptions) (types.HijackedResponse, error) {
	var buf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	conn, peer := net.Pipe()
	_ = peer.Close()
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(&buf)}, nil
}

func (f *fakeAPI) ContainerExecInspect(context.Context, string) (container.ExecInspect, error) {
	return container.ExecInspect{ExitCode: f.exitCode}, nil
}

func newTestManager(f *fakeAPI) *Manager {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return newManager(f, Config{Image: "runner:latest", User: "app"}, log)
}

func TestExecDemuxesOutput(t *testing.T) {
	f := &fakeAPI{stdout: "hello\n", stderr: "warn\n", exitCode: 3}
	res, err := newTestManager(f).Exec(context.Background(), "cid", []string{"echo"}, nil)
	require.NoError(t, err)
	require.Equal(t, "hello\n", res.Stdout)
	require.Equal(t, "warn\n", res.Stderr)
	require.Equal(t, 3, res.ExitCode)
	require.Equal(t, "app", f.execs[0].opts.User)
}

func TestSpawnPassesScriptThroughEnv(t *testing.T) {
	f := &fakeAPI{stdout: "1234\n"}
	script := `print("'; rm -rf / #")`
	pid, err := newTestManager(f).Spawn(context.Background(), "cid", script, []string{"A=1"}, "/tmp/t.log")
	require.NoError(t, err)
	require.Equal(t, "1234", pid)

	call := f.execs[0]
	require.Equal(t, []string{"sh", "-c", spawnCmd}, call.opts.Cmd)
	require.NotContains(t, strings.Join(call.opts.Cmd, " "), "rm -rf", "скрипт не должен попадать в командную строку")
	require.Contains(t, call.opts.Env, "IB_SCRIPT="+script)
	require.Contains(t, call.opts.Env, "IB_LOG=/tmp/t.log")
	require.Contains(t, call.opts.Env, "A=1")
}

func TestSpawnBadOutput(t *testing.T) {
	f := &fakeAPI{stdout: "oops"}
	_, err := newTestManager(f).Spawn(context.Background(), "cid", "x", nil, "/tmp/l")
	require.Error(t, err)
}

func TestSignal(t *testing.T) {
	f := &fakeAPI{}
	m := newTestManager(f)
	require.NoError(t, m.Signal(context.Background(), "cid", "42", "TSTP"))
	require.Equal(t, []string{"kill", "-TSTP", "42"}, f.execs[0].opts.Cmd)

	f.exitCode = 1
	require.ErrorIs(t, m.Signal(context.Background(), "cid", "42", "TERM"), ErrNoProcess)
	require.Error(t, m.Signal(context.Background(), "cid", "1; reboot", "TERM"))
}

func TestCreateGroupContainerPullsMissingImage(t *testing.T) {
	f := &fakeAPI{createErrs: []error{errdefs.NotFound(errors.New("no such image"))}}
	id, err := newTestManager(f).CreateGroupContainer(context.Background(), "grp", nil)
	require.NoError(t, err)
	require.Equal(t, "cid", id)
	require.True(t, f.pulled)
	require.Equal(t, []string{"cid"}, f.started)
	require.NotNil(t, f.host.Init)
	require.True(t, *f.host.Init, "PID 1 должен подбирать завершившиеся скрипты")
}

func TestEnsureRunning(t *testing.T) {
	f := &fakeAPI{}
	require.NoError(t, newTestManager(f).EnsureRunning(context.Background(), "cid"))
	require.Equal(t, []string{"cid"}, f.started)
}

func TestParseProcesses(t *testing.T) {
	out := "    1 sleep infinity\n   57 python3 -u -c # task:abc\nimport x\n  80 ps -eo pid=,args=\n"
	procs := ParseProcesses(out)
	require.Len(t, procs, 3)

	pid, ok := FindPID(procs, "task:abc")
	require.True(t, ok)
	require.Equal(t, "57", pid)

	_, ok = FindPID(procs, "pid=")
	require.False(t, ok, "сам ps не должен находиться")

	require.True(t, HasPID(procs, "1"))
	require.False(t, HasPID(procs, "2"))
}

func TestParseProcessesSkipsZombies(t *testing.T) {
	out := "    1 Ss   /sbin/docker-init -- sleep infinity
" +
		"   57 Z    [python3] <defunct>
" +
		"   58 Sl   python3 -u -c # task:live
" +
		"   80 R    ps -eo pid=,stat=,args=
"
	procs := ParseProcesses(out)
	require.Len(t, procs, 4)
	require.Equal(t, Process{PID: "58", Stat: "Sl", Args: "python3 -u -c # task:live"}, procs[2])

	require.False(t, HasPID(procs, "57"), "зомби не считается живым процессом")
	require.True(t, HasPID(procs, "58"))
	require.True(t, Owns(procs, "58", "task:live"))
	require.False(t, Owns(procs, "58", "task:other"))
	require.False(t, Owns(procs, "57", "python3"))

	_, ok := FindPID(procs, "ps -eo")
	require.False(t, ok)

	// старый формат без STAT
	legacy := ParseProcesses("    1 sleep infinity
   57 [python3] <defunct>
   80 ps -eo pid=,args=
")
	require.Equal(t, "sleep infinity", legacy[0].Args)
	require.False(t, HasPID(legacy, "57"))
}

func TestSignalOwned(t *testing.T) {
	f := &fakeAPI{stdout: "   57 S python3 -u -c # task:abc
"}
	m := newTestManager(f)

	require.NoError(t, SignalOwned(context.Background(), m, "cid", "57", "task:abc", "TERM"))
	require.Equal(t, []string{"ps", "-eo", "pid=,stat=,args="}, f.execs[0].opts.Cmd)
	require.Equal(t, []string{"kill", "-TERM", "57"}, f.execs[1].opts.Cmd)

	f.execs = nil
	err := SignalOwned(context.Background(), m, "cid", "57", "auto_reply:c1", "TERM")
	require.ErrorIs(t, err, ErrNoProcess)
	require.Len(t, f.execs, 1, "чужому процессу сигнал не отправляется")
}

func TestRunScriptKeepsEnvOutOfArgs(t *testing.T) {
	f := &fakeAPI{stdout: "{}\n"}
	_, err := newTestManager(f).RunScript(context.Background(), "cid", "print(1)", []string{"IB_PASSWORD=s3cret"})
	require.NoError(t, err)
	call := f.execs[0]
	require.Equal(t, []string{"sh", "-c", runCmd}, call.opts.Cmd)
	require.Contains(t, call.opts.Env, "IB_PASSWORD=s3cret")
	require.Contains(t, call.opts.Env, "IB_SCRIPT=print(1)")
}
