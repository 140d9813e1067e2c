// Package docker управляет контейнерами групп: создание, exec, сигналы процессам.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
)

// ErrNoProcess — процесс с указанным PID в контейнере не найден.
var ErrNoProcess = errors.New("process not found")

const (
	scriptEnv = "IB_SCRIPT"
	logEnv    = "IB_LOG"

	// spawnCmd запускает скрипт в фоне и печатает его PID.
	// Текст скрипта передаётся только через окружение.
	spawnCmd = `python3 -u -c "$` + scriptEnv + `" > "$` + logEnv + `" 2>&1 & echo $!`
	runCmd   = `exec python3 -u -c "$` + scriptEnv + `"`
)

// Config описывает образ и параметры контейнеров групп.
type Config struct {
	Image   string
	Network string
	Workdir string
	User    string
	Command []string
}

type dockerAPI interface {
	Close() error
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(
		ctx context.Context,
		config *container.Config,
		hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig,
		platform *ocispec.Platform,
		containerName string,
	) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// Signaler — процессы контейнера, которым можно отправлять сигналы.
type Signaler interface {
	ListProcesses(ctx context.Context, id string) ([]Process, error)
	Signal(ctx context.Context, id, pid, sig string) error
}

type Manager struct {
	api dockerAPI
	cfg Config
	log logrus.FieldLogger
}

// ExecResult — вывод и код завершения команды в контейнере.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// NewManager подключается к Docker по переменным окружения DOCKER_*.
func NewManager(cfg Config, log logrus.FieldLogger) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return newManager(cli, cfg, log), nil
}

func newManager(api dockerAPI, cfg Config, log logrus.FieldLogger) *Manager {
	return &Manager{api: api, cfg: cfg, log: log.WithField("component", "docker")}
}

func (m *Manager) Close() error {
	return m.api.Close()
}

// CreateGroupContainer создаёт и запускает долгоживущий контейнер группы.
// Если образа нет локально, он скачивается и создание повторяется.
func (m *Manager) CreateGroupContainer(ctx context.Context, name string, labels map[string]string) (string, error) {
	cfg := &container.Config{
		Image:      m.cfg.Image,
		Cmd:        m.cfg.Command,
		WorkingDir: m.cfg.Workdir,
		Labels:     labels,
	}
	// docker-init в роли PID 1 подбирает осиротевшие скрипты, иначе они остаются зомби.
	withInit := true
	host := &container.HostConfig{
		Init:          &withInit,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if m.cfg.Network != "" {
		host.NetworkMode = container.NetworkMode(m.cfg.Network)
	}

	resp, err := m.api.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if errdefs.IsNotFound(err) {
		m.log.WithField("image", m.cfg.Image).Info("[DOCKER] pulling image")
		if err := m.pull(ctx); err != nil {
			return "", err
		}
		resp, err = m.api.ContainerCreate(ctx, cfg, host, nil, nil, name)
	}
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	if err := m.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = m.RemoveContainer(context.WithoutCancel(ctx), resp.ID)
		return "", fmt.Errorf("starting container: %w", err)
	}
	m.log.WithFields(logrus.Fields{"container": resp.ID, "name": name}).Info("[DOCKER] group container started")
	return resp.ID, nil
}

func (m *Manager) pull(ctx context.Context) error {
	reader, err := m.api.ImagePull(ctx, m.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image: %w", err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// RemoveContainer принудительно удаляет контейнер. Отсутствие контейнера не ошибка.
func (m *Manager) RemoveContainer(ctx context.Context, id string) error {
	err := m.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

// EnsureRunning запускает контейнер, если он остановлен.
func (m *Manager) EnsureRunning(ctx context.Context, id string) error {
	if err := m.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	return nil
}

// Exec выполняет команду в контейнере и ждёт её завершения.
func (m *Manager) Exec(ctx context.Context, id string, cmd []string, env []string) (ExecResult, error) {
	created, err := m.api.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		User:         m.cfg.User,
		WorkingDir:   m.cfg.Workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec create: %w", err)
	}
	att, err := m.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec attach: %w", err)
	}
	defer att.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, att.Reader)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return ExecResult{}, fmt.Errorf("reading exec output: %w", err)
		}
	case <-ctx.Done():
		return ExecResult{}, ctx.Err()
	}

	ins, err := m.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec inspect: %w", err)
	}
	return ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: ins.ExitCode}, nil
}

// Spawn запускает python-скрипт в фоне и возвращает его PID внутри контейнера.
// Вывод скрипта пишется в logPath.
func (m *Manager) Spawn(ctx context.Context, id, script string, env []string, logPath string) (string, error) {
	env = append(append([]string{}, env...), scriptEnv+"="+script, logEnv+"="+logPath)
	res, err := m.Exec(ctx, id, []string{"sh", "-c", spawnCmd}, env)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("spawn exited with %d: %s", res.ExitCode, res.Stderr)
	}
	pid, err := parsePID(res.Stdout)
	if err != nil {
		return "", err
	}
	m.log.WithFields(logrus.Fields{"container": id, "pid": pid}).Debug("[DOCKER] script spawned")
	return pid, nil
}

// RunScript выполняет python-скрипт синхронно и возвращает его вывод.
// env передаётся процессу как есть и в командную строку не попадает.
func (m *Manager) RunScript(ctx context.Context, id, script string, env []string) (ExecResult, error) {
	env = append(append([]string{}, env...), scriptEnv+"="+script)
	return m.Exec(ctx, id, []string{"sh", "-c", runCmd}, env)
}

// Signal отправляет сигнал процессу. sig передаётся без префикса SIG, например TSTP.
func (m *Manager) Signal(ctx context.Context, id, pid, sig string) error {
	if _, err := strconv.Atoi(pid); err != nil {
		return fmt.Errorf("invalid pid %q", pid)
	}
	res, err := m.Exec(ctx, id, []string{"kill", "-" + sig, pid}, nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: pid %s", ErrNoProcess, pid)
	}
	return nil
}

// SignalOwned отправляет сигнал, только если pid всё ещё принадлежит живому процессу
// с маркером marker. Иначе возвращает ErrNoProcess: процесс завершился, а PID мог
// достаться другому скрипту.
func SignalOwned(ctx context.Context, p Signaler, id, pid, marker, sig string) error {
	procs, err := p.ListProcesses(ctx, id)
	if err != nil {
		return err
	}
	if !Owns(procs, pid, marker) {
		return fmt.Errorf("%w: pid %s", ErrNoProcess, pid)
	}
	return p.Signal(ctx, id, pid, sig)
}

// ListProcesses возвращает процессы контейнера вместе с их состоянием.
func (m *Manager) ListProcesses(ctx context.Context, id string) ([]Process, error) {
	res, err := m.Exec(ctx, id, []string{"ps", "-eo", "pid=,stat=,args="}, nil)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("ps exited with %d: %s", res.ExitCode, res.Stderr)
	}
	return ParseProcesses(res.Stdout), nil
}

// Tail возвращает последние строки файла из контейнера.
func (m *Manager) Tail(ctx context.Context, id, path string, lines int) (string, error) {
	res, err := m.Exec(ctx, id, []string{"tail", "-n", strconv.Itoa(lines), path}, nil)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("tail exited with %d: %s", res.ExitCode, res.Stderr)
	}
	return res.Stdout, nil
}
