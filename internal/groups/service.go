// Package groups управляет группами клиентов и их контейнерами.
package groups

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"instabot_go/internal/tasks"
	"instabot_go/models"
	"instabot_go/pkg/script"
	"instabot_go/pkg/storage"
)

var (
	ErrNotFound    = errors.New("group not found")
	ErrForbidden   = errors.New("forbidden")
	ErrConflict    = errors.New("group already exists")
	ErrInvalidName = errors.New("invalid group name")
	ErrContainer   = errors.New("container error")
)

const maxNameLen = 128

type Store interface {
	CreateGroup(g models.Group) (*models.Group, error)
	GetGroupByID(id string) (*models.Group, error)
	GetGroupByName(userID, name string) (*models.Group, error)
	ListGroups(userID string, page int) ([]models.Group, error)
	RenameGroup(id, name string) error
	DeleteGroup(id string) error
	ListGroupClients(groupID string) ([]models.Client, error)
}

type Containers interface {
	CreateGroupContainer(ctx context.Context, name string, labels map[string]string) (string, error)
	RemoveContainer(ctx context.Context, id string) error
}

// Runner запускает вызовы instagrapi для клиентов группы.
type Runner interface {
	Call(ctx context.Context, c *models.Client, g *models.Group, p script.CallParams) (*tasks.CallResult, error)
	Launch(ctx context.Context, c *models.Client, g *models.Group, action models.ActionType, p script.Params) (*models.Task, error)
	ClearProgress(ctx context.Context, clientID string) error
}

type Service struct {
	store      Store
	containers Containers
	runner     Runner
	dispatch   *dispatcher
	delay      [2]int
	log        logrus.FieldLogger
}

// NewService создаёт сервис групп. delay задаёт диапазон в секундах между фоновыми запусками.
func NewService(store Store, containers Containers, runner Runner, delay [2]int, log logrus.FieldLogger) *Service {
	log = log.WithField("component", "groups")
	return &Service{
		store:      store,
		containers: containers,
		runner:     runner,
		dispatch:   newDispatcher(log),
		delay:      delay,
		log:        log,
	}
}

func checkName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len([]rune(name)) > maxNameLen {
		return "", fmt.Errorf("%w: length must be 1..%d", ErrInvalidName, maxNameLen)
	}
	return name, nil
}

// Create создаёт контейнер, затем строку группы. Если строку записать не удалось,
// контейнер удаляется.
func (s *Service) Create(ctx context.Context, userID, name string) (*models.Group, error) {
	name, err := checkName(name)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetGroupByName(userID, name); err == nil {
		return nil, ErrConflict
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	id := uuid.NewString()
	dockerID, err := s.containers.CreateGroupContainer(ctx, "instabot-group-"+id, map[string]string{
		"instabot.group": id,
		"instabot.user":  userID,
	})
	if err != nil {
		s.log.Errorf("[DOCKER] create container for group %s: %v", id, err)
		return nil, fmt.Errorf("%w: %v", ErrContainer, err)
	}

	g, err := s.store.CreateGroup(models.Group{ID: id, Name: name, DockerID: dockerID, UserID: userID})
	if err != nil {
		if rmErr := s.containers.RemoveContainer(context.WithoutCancel(ctx), dockerID); rmErr != nil {
			s.log.Errorf("[DOCKER] remove orphan container %s: %v", dockerID, rmErr)
		}
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrConflict
		}
		return nil, err
	}
	s.log.WithField("group", g.ID).Infof("[GROUP] created %q in %s", g.Name, dockerID)
	return g, nil
}

func (s *Service) List(userID string, page int) ([]models.Group, error) {
	return s.store.ListGroups(userID, page)
}

func (s *Service) Get(userID, id string) (*models.Group, error) {
	g, err := s.store.GetGroupByID(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if g.UserID != userID {
		return nil, ErrForbidden
	}
	return g, nil
}

func (s *Service) Rename(userID, id, name string) (*models.Group, error) {
	name, err := checkName(name)
	if err != nil {
		return nil, err
	}
	g, err := s.Get(userID, id)
	if err != nil {
		return nil, err
	}
	if err := s.store.RenameGroup(g.ID, name); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrConflict
		}
		return nil, err
	}
	g.Name = name
	return g, nil
}

// Delete удаляет контейнер группы, затем строку; клиенты и задачи уходят каскадом.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	g, err := s.Get(userID, id)
	if err != nil {
		return err
	}
	if err := s.containers.RemoveContainer(ctx, g.DockerID); err != nil {
		s.log.Errorf("[DOCKER] remove container %s: %v", g.DockerID, err)
		return fmt.Errorf("%w: %v", ErrContainer, err)
	}
	clients, err := s.store.ListGroupClients(g.ID)
	if err != nil {
		return err
	}
	for _, c := range clients {
		if err := s.runner.ClearProgress(ctx, c.ID); err != nil {
			s.log.WithField("client", c.ID).Warnf("[GROUP] failed to clear progress: %v", err)
		}
	}
	if err := s.store.DeleteGroup(g.ID); err != nil {
		return err
	}
	s.log.WithField("group", g.ID).Info("[GROUP] deleted")
	return nil
}

// GroupByName находит группу пользователя по имени.
func (s *Service) GroupByName(userID, name string) (*models.Group, error) {
	g, err := s.store.GetGroupByName(userID, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return g, nil
}

// Shutdown отменяет отложенные фоновые запуски и ждёт их завершения.
func (s *Service) Shutdown() {
	s.dispatch.cancelAll()
	s.dispatch.wait()
}
