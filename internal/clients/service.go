// Package clients управляет Instagram-аккаунтами: вход, настройки, статус и автоответчик.
package clients

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"instabot_go/internal/tasks"
	"instabot_go/models"
	"instabot_go/pkg/docker"
	"instabot_go/pkg/instagram"
	"instabot_go/pkg/script"
	"instabot_go/pkg/storage"
)

var (
	ErrGroupNotFound = errors.New("group not found")
	ErrConflict      = errors.New("client already exists")
	ErrBusy          = errors.New("client is busy")
	ErrInvalidProxy  = errors.New("invalid proxy")
)

type Store interface {
	GetGroupByName(userID, name string) (*models.Group, error)
	CreateClient(c models.Client) (*models.Client, error)
	GetClientByUsername(username string) (*models.Client, error)
	ListClients(userID string, page int) ([]models.Client, error)
	UpdateClient(id string, u storage.ClientUpdate) error
	SetAutoReply(id string, config json.RawMessage, pid string) error
	DeleteClient(id string) error
}

type Instagram interface {
	Login(ctx context.Context, containerID, username, password, settings string, p *models.Proxy) (*instagram.Profile, error)
	CheckProxy(ctx context.Context, p *models.Proxy) error
}

type Processes interface {
	Spawn(ctx context.Context, id, script string, env []string, logPath string) (string, error)
	Signal(ctx context.Context, id, pid, sig string) error
	ListProcesses(ctx context.Context, id string) ([]docker.Process, error)
}

type StateStore interface {
	ClientStatus(ctx context.Context, clientID string) (string, error)
	SetClientStatus(ctx context.Context, clientID, status string) error
	DeleteClientStatus(ctx context.Context, clientID string) error
}

// Runner запускает и останавливает задачи клиента.
type Runner interface {
	OwnedClient(userID, clientID string) (*models.Client, *models.Group, error)
	Start(ctx context.Context, userID, clientID string, action models.ActionType, p script.Params) (*models.Task, error)
	Launch(ctx context.Context, c *models.Client, g *models.Group, action models.ActionType, p script.Params) (*models.Task, error)
	Call(ctx context.Context, c *models.Client, g *models.Group, p script.CallParams) (*tasks.CallResult, error)
	StopClient(ctx context.Context, userID, clientID string) (int, error)
	ClearProgress(ctx context.Context, clientID string) error
	Locks() *tasks.ClientLocks
}

type Service struct {
	store  Store
	ig     Instagram
	procs  Processes
	state  StateStore
	runner Runner
	gen    *script.Generator
	logDir string
	log    logrus.FieldLogger
}

func NewService(store Store, ig Instagram, procs Processes, state StateStore, runner Runner,
	gen *script.Generator, logDir string, log logrus.FieldLogger) *Service {
	return &Service{
		store:  store,
		ig:     ig,
		procs:  procs,
		state:  state,
		runner: runner,
		gen:    gen,
		logDir: logDir,
		log:    log.WithField("component", "clients"),
	}
}

// LoginRequest — вход в новый аккаунт и привязка его к группе.
type LoginRequest struct {
	Username    string  `json:"username" binding:"required"`
	Password    string  `json:"password" binding:"required"`
	Group       string  `json:"group" binding:"required"`
	Proxy       *string `json:"proxy"`
	Description *string `json:"description"`
}

func parseProxy(raw *string) (*models.Proxy, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	p, err := models.ParseProxy(*raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProxy, err)
	}
	return p, nil
}

func (s *Service) checkProxy(ctx context.Context, p *models.Proxy) error {
	if p == nil {
		return nil
	}
	return s.ig.CheckProxy(ctx, p)
}

// Login проверяет прокси, входит в аккаунт внутри контейнера группы и сохраняет клиента.
func (s *Service) Login(ctx context.Context, userID string, req LoginRequest) (*models.ClientView, error) {
	g, err := s.store.GetGroupByName(userID, req.Group)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	if _, err := s.store.GetClientByUsername(req.Username); err == nil {
		return nil, ErrConflict
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	p, err := parseProxy(req.Proxy)
	if err != nil {
		return nil, err
	}
	if err := s.checkProxy(ctx, p); err != nil {
		return nil, err
	}

	profile, err := s.ig.Login(ctx, g.DockerID, req.Username, req.Password, "", p)
	if err != nil {
		s.log.Warnf("[CLIENT] login %s failed: %v", req.Username, err)
		return nil, err
	}

	c := models.Client{
		ID:       uuid.NewString(),
		Username: profile.Username,
		Photo:    profile.Photo,
		Settings: profile.Settings,
		UserID:   userID,
		GroupID:  g.ID,
	}
	if c.Username == "" {
		c.Username = req.Username
	}
	switch {
	case req.Description != nil:
		c.Description = sql.NullString{String: *req.Description, Valid: true}
	case profile.Biography != "":
		c.Description = sql.NullString{String: profile.Biography, Valid: true}
	}
	if p != nil {
		c.Proxy = sql.NullString{String: *req.Proxy, Valid: true}
	}
	created, err := s.store.CreateClient(c)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrConflict
		}
		return nil, err
	}
	s.setStatus(ctx, created.ID, models.ClientStatusActive)
	s.log.WithField("client", created.ID).Infof("[CLIENT] logged in as %s", created.Username)
	view := created.View(models.ClientStatusActive)
	return &view, nil
}

// ReloginRequest — повторный вход в существующий аккаунт.
type ReloginRequest struct {
	ClientID string `json:"client_id" binding:"required"`
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Relogin обновляет сессию клиента. Сохранённые настройки передаются в instagrapi,
// чтобы сохранить идентификаторы устройства.
func (s *Service) Relogin(ctx context.Context, userID string, req ReloginRequest) (*models.ClientView, error) {
	c, g, err := s.runner.OwnedClient(userID, req.ClientID)
	if err != nil {
		return nil, err
	}
	unlock, ok := s.runner.Locks().TryLock(c.ID)
	if !ok {
		return nil, ErrBusy
	}
	defer unlock()

	var raw *string
	if c.Proxy.Valid {
		raw = &c.Proxy.String
	}
	p, err := parseProxy(raw)
	if err != nil {
		return nil, err
	}
	if err := s.checkProxy(ctx, p); err != nil {
		return nil, err
	}
	profile, err := s.ig.Login(ctx, g.DockerID, req.Username, req.Password, c.Settings, p)
	if err != nil {
		s.log.WithField("client", c.ID).Warnf("[CLIENT] relogin failed: %v", err)
		return nil, err
	}
	if err := s.store.UpdateClient(c.ID, storage.ClientUpdate{Settings: &profile.Settings}); err != nil {
		return nil, err
	}
	c.Settings = profile.Settings
	s.setStatus(ctx, c.ID, models.ClientStatusActive)
	s.log.WithField("client", c.ID).Info("[CLIENT] relogged in")
	view := c.View(models.ClientStatusActive)
	return &view, nil
}

func (s *Service) List(ctx context.Context, userID string, page int) ([]models.ClientView, error) {
	list, err := s.store.ListClients(userID, page)
	if err != nil {
		return nil, err
	}
	views := make([]models.ClientView, 0, len(list))
	for _, c := range list {
		views = append(views, c.View(s.status(ctx, c.ID)))
	}
	return views, nil
}

func (s *Service) Get(ctx context.Context, userID, id string) (*models.ClientView, error) {
	c, _, err := s.runner.OwnedClient(userID, id)
	if err != nil {
		return nil, err
	}
	view := c.View(s.status(ctx, c.ID))
	return &view, nil
}

// UpdateRequest: отсутствующие поля не меняются.
type UpdateRequest struct {
	Settings    *string         `json:"settings"`
	Description *string         `json:"description"`
	Proxy       *string         `json:"proxy"`
	Config      json.RawMessage `json:"config"`
}

func (s *Service) Update(ctx context.Context, userID, id string, req UpdateRequest) (*models.ClientView, error) {
	c, _, err := s.runner.OwnedClient(userID, id)
	if err != nil {
		return nil, err
	}
	if req.Settings != nil && !json.Valid([]byte(*req.Settings)) {
		return nil, fmt.Errorf("%w: settings must be JSON", script.ErrInvalidParams)
	}
	if req.Proxy != nil {
		if _, err := parseProxy(req.Proxy); err != nil {
			return nil, err
		}
	}
	if err := s.store.UpdateClient(c.ID, storage.ClientUpdate{
		Settings:    req.Settings,
		Description: req.Description,
		Proxy:       req.Proxy,
		Config:      req.Config,
	}); err != nil {
		return nil, err
	}
	return s.Get(ctx, userID, id)
}

// Delete останавливает задачи и автоответчик клиента, затем удаляет его.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	c, g, err := s.runner.OwnedClient(userID, id)
	if err != nil {
		return err
	}
	if _, err := s.runner.StopClient(ctx, userID, c.ID); err != nil {
		return err
	}
	if c.AutoReplyID.Valid {
		if err := s.kill(ctx, g.DockerID, c); err != nil {
			return err
		}
	}
	if err := s.runner.ClearProgress(ctx, c.ID); err != nil {
		s.log.WithField("client", c.ID).Warnf("[CLIENT] failed to clear progress: %v", err)
	}
	if err := s.store.DeleteClient(c.ID); err != nil {
		return err
	}
	if err := s.state.DeleteClientStatus(ctx, c.ID); err != nil {
		s.log.WithField("client", c.ID).Warnf("[CLIENT] failed to clear status: %v", err)
	}
	s.log.WithField("client", c.ID).Info("[CLIENT] deleted")
	return nil
}

// Status читает статус клиента из Redis; unknown, если он не выставлялся.
func (s *Service) Status(ctx context.Context, userID, id string) (string, error) {
	c, _, err := s.runner.OwnedClient(userID, id)
	if err != nil {
		return "", err
	}
	return s.status(ctx, c.ID), nil
}

func (s *Service) status(ctx context.Context, clientID string) string {
	st, err := s.state.ClientStatus(ctx, clientID)
	if err != nil {
		s.log.WithField("client", clientID).Warnf("[CLIENT] failed to read status: %v", err)
	}
	if st == "" {
		return models.ClientStatusUnknown
	}
	return st
}

func (s *Service) setStatus(ctx context.Context, clientID, status string) {
	if err := s.state.SetClientStatus(ctx, clientID, status); err != nil {
		s.log.WithField("client", clientID).Warnf("[CLIENT] failed to set status: %v", err)
	}
}

// kill завершает автоответчик клиента. Отсутствие процесса ошибкой не считается,
// PID, занятый чужим процессом, не трогается.
func (s *Service) kill(ctx context.Context, containerID string, c *models.Client) error {
	err := docker.SignalOwned(ctx, s.procs, containerID, c.AutoReplyID.String, autoReplyMarker(c.ID), "TERM")
	if err == nil || errors.Is(err, docker.ErrNoProcess) {
		return nil
	}
	return wrapContainer(err)
}

func wrapContainer(err error) error {
	return fmt.Errorf("%w: %v", tasks.ErrContainer, err)
}
