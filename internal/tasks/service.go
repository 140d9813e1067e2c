// Package tasks запускает действия в контейнере группы и ведёт их жизненный цикл:
// пауза, продолжение, остановка, отчёты скрипта и сверка с процессами.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"instabot_go/models"
	"instabot_go/pkg/docker"
	"instabot_go/pkg/script"
	"instabot_go/pkg/storage"
	"instabot_go/pkg/telegram"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidStatus     = errors.New("unknown status")
	ErrInvalidToken      = errors.New("invalid task token")
	ErrNoProcess         = errors.New("task has no process")
	// ErrContainer — ошибка Docker при работе с контейнером группы.
	ErrContainer = errors.New("container error")
)

type Store interface {
	GetClientByID(id string) (*models.Client, error)
	GetGroupByID(id string) (*models.Group, error)

	CreateTask(t models.Task) (*models.Task, error)
	GetTask(id string) (*models.Task, error)
	ListClientTasks(clientID string, page int) ([]models.Task, error)
	ListUserTasks(userID string, page int) ([]models.Task, error)
	ListActiveTasks() ([]models.Task, error)
	SetTaskPID(id, pid string) error
	TransitionTask(id string, tr storage.TaskTransition) (*models.Task, error)
	UpdateTaskReport(id string, errs, output json.RawMessage) error
}

type Containers interface {
	EnsureRunning(ctx context.Context, id string) error
	Spawn(ctx context.Context, id, script string, env []string, logPath string) (string, error)
	RunScript(ctx context.Context, id, script string, env []string) (docker.ExecResult, error)
	Signal(ctx context.Context, id, pid, sig string) error
	ListProcesses(ctx context.Context, id string) ([]docker.Process, error)
	Tail(ctx context.Context, id, path string, lines int) (string, error)
}

type StateStore interface {
	SetProgress(ctx context.Context, taskID, section string, p models.SectionProgress) error
	Progress(ctx context.Context, taskID string) (map[string]models.SectionProgress, error)
	ClientStatus(ctx context.Context, clientID string) (string, error)
	SetClientStatus(ctx context.Context, clientID, status string) error
	DeleteTask(ctx context.Context, taskID string) error
}

type Config struct {
	// адрес API, доступный из контейнера, без завершающего слэша
	CallbackBase string
	LogDir       string
	TailLines    int
}

type Service struct {
	store    Store
	docker   Containers
	state    StateStore
	gen      *script.Generator
	notifier telegram.Notifier
	locks    *ClientLocks
	cfg      Config
	log      logrus.FieldLogger
}

func NewService(store Store, containers Containers, state StateStore, gen *script.Generator,
	notifier telegram.Notifier, locks *ClientLocks, cfg Config, log logrus.FieldLogger) *Service {
	if notifier == nil {
		notifier = telegram.Nop{}
	}
	return &Service{
		store:    store,
		docker:   containers,
		state:    state,
		gen:      gen,
		notifier: notifier,
		locks:    locks,
		cfg:      cfg,
		log:      log.WithField("component", "tasks"),
	}
}

// Locks отдаёт блокировки клиентов другим сервисам.
func (s *Service) Locks() *ClientLocks { return s.locks }

// OwnedClient возвращает клиента пользователя вместе с его группой.
func (s *Service) OwnedClient(userID, clientID string) (*models.Client, *models.Group, error) {
	c, err := s.store.GetClientByID(clientID)
	if err != nil {
		return nil, nil, notFound(err)
	}
	if c.UserID != userID {
		return nil, nil, ErrForbidden
	}
	g, err := s.store.GetGroupByID(c.GroupID)
	if err != nil {
		return nil, nil, notFound(err)
	}
	return c, g, nil
}

func (s *Service) ownedTask(userID, taskID string) (*models.Task, *models.Client, *models.Group, error) {
	t, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, nil, nil, notFound(err)
	}
	c, g, err := s.OwnedClient(userID, t.ClientID)
	if err != nil {
		return nil, nil, nil, err
	}
	return t, c, g, nil
}

// Start проверяет владельца и запускает действие для клиента.
func (s *Service) Start(ctx context.Context, userID, clientID string, action models.ActionType, p script.Params) (*models.Task, error) {
	c, g, err := s.OwnedClient(userID, clientID)
	if err != nil {
		return nil, err
	}
	return s.Launch(ctx, c, g, action, p)
}

// Launch создаёт задачу в статусе working и запускает скрипт в контейнере группы.
// Если процесс не стартовал, задача сразу переводится в stopped с описанием ошибки.
func (s *Service) Launch(ctx context.Context, c *models.Client, g *models.Group, action models.ActionType, p script.Params) (*models.Task, error) {
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
	task, err := s.store.CreateTask(models.Task{
		ID:            uuid.NewString(),
		Status:        models.TaskWorking,
		ActionType:    action,
		CallbackToken: uuid.NewString(),
		ClientID:      c.ID,
	})
	if err != nil {
		return nil, err
	}
	log := s.log.WithFields(logrus.Fields{"task": task.ID, "client": c.ID, "action": action})

	src, err := s.gen.Render(action, s.scriptEnv(task, c), p)
	if err != nil {
		s.abort(task.ID, "render", err)
		return nil, err
	}
	for section, total := range p.Total() {
		if err := s.state.SetProgress(ctx, task.ID, section, models.SectionProgress{Total: total}); err != nil {
			log.Warnf("[TASK] failed to init progress: %v", err)
		}
	}

	pid, err := s.docker.Spawn(ctx, g.DockerID, src, nil, s.logPath(task.ID))
	if err != nil {
		log.Errorf("[TASK] spawn failed: %v", err)
		s.abort(task.ID, "spawn", err)
		return nil, wrapContainer(err)
	}
	if err := s.store.SetTaskPID(task.ID, pid); err != nil {
		return nil, err
	}
	task.PID = &pid
	if err := s.state.SetClientStatus(ctx, c.ID, models.ClientStatusBusy); err != nil {
		log.Warnf("[TASK] failed to set client status: %v", err)
	}
	log.WithField("pid", pid).Info("[TASK] started")
	return task, nil
}

func (s *Service) scriptEnv(t *models.Task, c *models.Client) script.Env {
	return script.Env{
		Marker:      processMarker(t.ID),
		TaskID:      t.ID,
		CallbackURL: s.callbackURL(t.ID),
		Token:       t.CallbackToken,
		Settings:    c.Settings,
		Proxy:       ProxyURL(c),
	}
}

func (s *Service) callbackURL(taskID string) string {
	return s.cfg.CallbackBase + "/tasks/" + taskID + "/progress"
}

func (s *Service) logPath(taskID string) string {
	return path.Join(s.cfg.LogDir, "task-"+taskID+".log")
}

// abort переводит только что созданную задачу в stopped.
func (s *Service) abort(taskID, stage string, cause error) {
	_, err := s.store.TransitionTask(taskID, storage.TaskTransition{
		To:     models.TaskStopped,
		From:   models.AllowedFrom(models.TaskStopped),
		Errors: errorsJSON(nil, stage, cause.Error()),
	})
	if err != nil {
		s.log.WithField("task", taskID).Errorf("[TASK] failed to stop aborted task: %v", err)
	}
}

// ProxyURL возвращает прокси клиента в формате instagrapi или пустую строку.
func ProxyURL(c *models.Client) string {
	if !c.Proxy.Valid || c.Proxy.String == "" {
		return ""
	}
	p, err := models.ParseProxy(c.Proxy.String)
	if err != nil {
		return ""
	}
	return p.URL()
}

func wrapContainer(err error) error {
	return fmt.Errorf("%w: %v", ErrContainer, err)
}

func notFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// errorsJSON добавляет key: msg к существующему JSON-объекту ошибок.
func errorsJSON(existing json.RawMessage, key, msg string) json.RawMessage {
	m := map[string]any{}
	if len(existing) > 0 {
		_ = json.Unmarshal(existing, &m)
	}
	m[key] = msg
	out, _ := json.Marshal(m)
	return out
}
