package tasks

import (
	"context"

	"instabot_go/models"
)

// Get возвращает задачу пользователя вместе с прогрессом секций.
func (s *Service) Get(ctx context.Context, userID, taskID string) (*models.TaskView, error) {
	t, _, _, err := s.ownedTask(userID, taskID)
	if err != nil {
		return nil, err
	}
	progress, err := s.state.Progress(ctx, t.ID)
	if err != nil {
		s.log.WithField("task", t.ID).Warnf("[TASK] failed to read progress: %v", err)
	}
	return &models.TaskView{Task: *t, Progress: progress}, nil
}

// List возвращает задачи клиента, если clientID задан, иначе все задачи пользователя.
func (s *Service) List(userID, clientID string, page int) ([]models.Task, error) {
	if clientID == "" {
		return s.store.ListUserTasks(userID, page)
	}
	if _, _, err := s.OwnedClient(userID, clientID); err != nil {
		return nil, err
	}
	return s.store.ListClientTasks(clientID, page)
}

// Log возвращает хвост лога задачи из контейнера.
func (s *Service) Log(ctx context.Context, userID, taskID string) (string, error) {
	t, _, g, err := s.ownedTask(userID, taskID)
	if err != nil {
		return "", err
	}
	out, err := s.docker.Tail(ctx, g.DockerID, s.logPath(t.ID), s.cfg.TailLines)
	if err != nil {
		return "", wrapContainer(err)
	}
	return out, nil
}

// ClearProgress удаляет прогресс всех задач клиента из Redis.
// Вызывается перед удалением клиента, строки задач уходят каскадом.
func (s *Service) ClearProgress(ctx context.Context, clientID string) error {
	for page := 1; ; page++ {
		list, err := s.store.ListClientTasks(clientID, page)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			return nil
		}
		for _, t := range list {
			if err := s.state.DeleteTask(ctx, t.ID); err != nil {
				return err
			}
		}
	}
}
