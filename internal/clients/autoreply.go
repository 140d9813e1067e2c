package clients

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"path"
	"time"

	"instabot_go/internal/tasks"
	"instabot_go/models"
	"instabot_go/pkg/docker"
	"instabot_go/pkg/script"
)

var (
	ErrAutoReplyRunning    = errors.New("auto-reply is already running")
	ErrAutoReplyNotRunning = errors.New("auto-reply is not running")
)

// StartAutoReply запускает цикл автоответчика в контейнере группы.
func (s *Service) StartAutoReply(ctx context.Context, userID, id string, p script.AutoReplyParams) (*models.ClientView, error) {
	return s.autoReply(ctx, userID, id, p, false)
}

// EditAutoReply перезапускает работающий автоответчик с новыми параметрами.
func (s *Service) EditAutoReply(ctx context.Context, userID, id string, p script.AutoReplyParams) (*models.ClientView, error) {
	return s.autoReply(ctx, userID, id, p, true)
}

func (s *Service) autoReply(ctx context.Context, userID, id string, p script.AutoReplyParams, restart bool) (*models.ClientView, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	c, g, err := s.runner.OwnedClient(userID, id)
	if err != nil {
		return nil, err
	}
	unlock, err := s.runner.Locks().Lock(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	running, err := s.alive(ctx, g.DockerID, c)
	if err != nil {
		return nil, err
	}
	switch {
	case running && !restart:
		return nil, ErrAutoReplyRunning
	case !running && restart:
		return nil, ErrAutoReplyNotRunning
	case running:
		if err := s.kill(ctx, g.DockerID, c); err != nil {
			return nil, err
		}
	}

	src, err := s.gen.RenderAutoReply(script.Env{
		Marker:   autoReplyMarker(c.ID),
		Settings: c.Settings,
		Proxy:    tasks.ProxyURL(c),
	}, p)
	if err != nil {
		return nil, err
	}
	pid, err := s.procs.Spawn(ctx, g.DockerID, src, nil, path.Join(s.logDir, "auto-reply-"+c.ID+".log"))
	if err != nil {
		s.log.WithField("client", c.ID).Errorf("[CLIENT] auto-reply spawn failed: %v", err)
		_ = s.store.SetAutoReply(c.ID, nil, "")
		return nil, wrapContainer(err)
	}
	config, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetAutoReply(c.ID, config, pid); err != nil {
		return nil, err
	}
	s.log.WithField("client", c.ID).Infof("[CLIENT] auto-reply started, pid %s", pid)
	return s.Get(ctx, userID, id)
}

// StopAutoReply завершает автоответчик и очищает его настройки.
func (s *Service) StopAutoReply(ctx context.Context, userID, id string) error {
	c, g, err := s.runner.OwnedClient(userID, id)
	if err != nil {
		return err
	}
	unlock, err := s.runner.Locks().Lock(ctx, c.ID)
	if err != nil {
		return err
	}
	defer unlock()

	if !c.AutoReplyID.Valid {
		return ErrAutoReplyNotRunning
	}
	if err := s.kill(ctx, g.DockerID, c); err != nil {
		return err
	}
	if err := s.store.SetAutoReply(c.ID, nil, ""); err != nil {
		return err
	}
	s.log.WithField("client", c.ID).Info("[CLIENT] auto-reply stopped")
	return nil
}

func autoReplyMarker(clientID string) string { return script.KindAutoReply + ":" + clientID }

// alive проверяет по ps, что сохранённый PID всё ещё принадлежит автоответчику клиента.
func (s *Service) alive(ctx context.Context, containerID string, c *models.Client) (bool, error) {
	if !c.AutoReplyID.Valid {
		return false, nil
	}
	procs, err := s.procs.ListProcesses(ctx, containerID)
	if err != nil {
		return false, wrapContainer(err)
	}
	return docker.Owns(procs, c.AutoReplyID.String, autoReplyMarker(c.ID)), nil
}

// Preview проверяет шаблон и возвращает сообщения, которые получил бы подписчик.
func Preview(text string) ([]string, error) {
	if err := script.ValidateText(text); err != nil {
		return nil, err
	}
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	return script.Randomize(text, rnd), nil
}
