// Package instagram выполняет синхронные операции с аккаунтом: вход и проверку прокси.
package instagram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"instabot_go/models"
	"instabot_go/pkg/docker"
	"instabot_go/pkg/script"
)

var (
	// ErrLoginFailed — instagrapi не смог войти в аккаунт.
	ErrLoginFailed = errors.New("instagram login failed")
	// ErrProxyUnavailable — через прокси не удалось установить соединение.
	ErrProxyUnavailable = errors.New("proxy unavailable")
)

// до этого адреса проверяется доступность прокси
const checkAddr = "i.instagram.com:443"

type scriptRunner interface {
	RunScript(ctx context.Context, id, script string, env []string) (docker.ExecResult, error)
}

// Profile содержит сессию и публичные данные аккаунта после входа.
type Profile struct {
	Settings  string
	Username  string
	Photo     string
	Biography string
}

type Service struct {
	runner  scriptRunner
	gen     *script.Generator
	timeout time.Duration
	log     logrus.FieldLogger
}

func NewService(runner scriptRunner, gen *script.Generator, log logrus.FieldLogger) *Service {
	return &Service{runner: runner, gen: gen, timeout: 10 * time.Second, log: log}
}

// Login входит в аккаунт внутри контейнера группы. settings может быть пустой строкой;
// для повторного входа передаются сохранённые настройки, чтобы сохранить идентификаторы устройства.
func (s *Service) Login(ctx context.Context, containerID, username, password, settings string, p *models.Proxy) (*Profile, error) {
	env := script.LoginEnv{Username: username, Settings: settings}
	if p != nil {
		env.Proxy = p.URL()
	}
	src, err := s.gen.RenderLogin(env)
	if err != nil {
		return nil, err
	}
	res, err := s.runner.RunScript(ctx, containerID, src, []string{script.PasswordEnv + "=" + password})
	if err != nil {
		return nil, fmt.Errorf("run login script: %w", err)
	}
	return parseLoginOutput(res)
}

type loginOutput struct {
	Settings  json.RawMessage `json:"settings"`
	Username  string          `json:"username"`
	Photo     string          `json:"photo"`
	Biography string          `json:"biography"`
	Error     string          `json:"error"`
}

func parseLoginOutput(res docker.ExecResult) (*Profile, error) {
	line := lastLine(res.Stdout)
	var out loginOutput
	if err := json.Unmarshal([]byte(line), &out); err != nil {
		msg := strings.TrimSpace(lastLine(res.Stderr))
		if msg == "" {
			msg = "no output"
		}
		return nil, fmt.Errorf("%w: %s", ErrLoginFailed, msg)
	}
	if out.Error != "" || res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: %s", ErrLoginFailed, out.Error)
	}
	if len(out.Settings) == 0 {
		return nil, fmt.Errorf("%w: empty settings", ErrLoginFailed)
	}
	return &Profile{
		Settings:  string(out.Settings),
		Username:  out.Username,
		Photo:     out.Photo,
		Biography: out.Biography,
	}, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}

// CheckProxy открывает соединение через SOCKS5-прокси и сразу закрывает его.
func (s *Service) CheckProxy(ctx context.Context, p *models.Proxy) error {
	var auth *proxy.Auth
	if p.Login != "" || p.Password != "" {
		auth = &proxy.Auth{User: p.Login, Password: p.Password}
	}
	d, err := proxy.SOCKS5("tcp", p.Addr(), auth, &net.Dialer{Timeout: s.timeout})
	if err != nil {
		return fmt.Errorf("proxy dialer: %w", err)
	}
	dc, ok := d.(proxy.ContextDialer)
	if !ok {
		return fmt.Errorf("proxy dialer missing context")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	conn, err := dc.DialContext(ctx, "tcp", checkAddr)
	if err != nil {
		s.log.WithField("proxy", p.Addr()).Warnf("[PROXY] check failed: %v", err)
		return fmt.Errorf("%w: %v", ErrProxyUnavailable, err)
	}
	return conn.Close()
}
