package tasks

import (
	"context"
	"encoding/json"
	"strings"

	"instabot_go/models"
	"instabot_go/pkg/docker"
	"instabot_go/pkg/script"
)

// CallResult — итог синхронного вызова метода instagrapi для одного клиента.
type CallResult struct {
	ClientID      string          `json:"client_id"`
	Username      string          `json:"username"`
	Errors        json.RawMessage `json:"errors,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	LoginRequired bool            `json:"login_required,omitempty"`
}

type callOutput struct {
	Errors        json.RawMessage `json:"errors"`
	Output        json.RawMessage `json:"output"`
	LoginRequired bool            `json:"login_required"`
}

// Call выполняет скрипт call в контейнере группы и ждёт его завершения.
// Задача в базе не создаётся.
func (s *Service) Call(ctx context.Context, c *models.Client, g *models.Group, p script.CallParams) (*CallResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.docker.EnsureRunning(ctx, g.DockerID); err != nil {
		return nil, wrapContainer(err)
	}
	src, err := s.gen.Render(models.ActionCall, script.Env{
		Marker:   "call:" + c.ID,
		Settings: c.Settings,
		Proxy:    ProxyURL(c),
	}, p)
	if err != nil {
		return nil, err
	}
	res, err := s.docker.RunScript(ctx, g.DockerID, src, nil)
	if err != nil {
		return nil, wrapContainer(err)
	}

	out := parseCallOutput(res)
	if out.LoginRequired {
		if err := s.state.SetClientStatus(ctx, c.ID, models.ClientStatusLoginRequired); err != nil {
			s.log.WithField("client", c.ID).Warnf("[TASK] failed to set client status: %v", err)
		}
	}
	return &CallResult{
		ClientID:      c.ID,
		Username:      c.Username,
		Errors:        nonEmpty(out.Errors),
		Output:        nonEmpty(out.Output),
		LoginRequired: out.LoginRequired,
	}, nil
}

// parseCallOutput читает последнюю строку stdout. Если скрипт упал до вывода JSON,
// в errors попадает последняя строка stderr.
func parseCallOutput(res docker.ExecResult) callOutput {
	var out callOutput
	if err := json.Unmarshal([]byte(lastLine(res.Stdout)), &out); err == nil {
		return out
	}
	msg := lastLine(res.Stderr)
	if msg == "" {
		msg = "no output"
	}
	out.Errors = errorsJSON(nil, "script", msg)
	return out
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
