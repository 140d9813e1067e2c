package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"instabot_go/models"
	"instabot_go/pkg/docker"
	"instabot_go/pkg/storage"
	"instabot_go/pkg/telegram"
)

const (
	sigPause  = "TSTP"
	sigResume = "CONT"
	sigStop   = "TERM"
)

// exitedWithoutReport записывается в errors, когда процесс задачи пропал.
const exitedWithoutReport = "exited without report"

// processMarker — строка из первой строки скрипта задачи, по которой её процесс виден в ps.
func processMarker(taskID string) string { return "task:" + taskID }

func (s *Service) Pause(ctx context.Context, userID, taskID string) (*models.Task, error) {
	return s.command(ctx, userID, taskID, models.TaskPaused, sigPause)
}

func (s *Service) Resume(ctx context.Context, userID, taskID string) (*models.Task, error) {
	return s.command(ctx, userID, taskID, models.TaskWorking, sigResume)
}

// Stop завершает задачу. Приостановленный процесс дополнительно получает SIGCONT,
// иначе он не обработает SIGTERM.
func (s *Service) Stop(ctx context.Context, userID, taskID string) (*models.Task, error) {
	return s.command(ctx, userID, taskID, models.TaskStopped, sigStop)
}

func (s *Service) command(ctx context.Context, userID, taskID string, to models.TaskStatus, sig string) (*models.Task, error) {
	t, c, g, err := s.ownedTask(userID, taskID)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Статус мог измениться, пока ждали блокировку.
	if t, err = s.store.GetTask(taskID); err != nil {
		return nil, notFound(err)
	}
	if !models.CanTransition(t.Status, to) || t.Status == to {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	if t.PID == nil && to != models.TaskStopped {
		return nil, ErrNoProcess
	}
	from := t.Status
	log := s.log.WithFields(logrus.Fields{"task": t.ID, "client": c.ID})

	updated, err := s.store.TransitionTask(t.ID, storage.TaskTransition{To: to, From: []models.TaskStatus{from}})
	if err != nil {
		if errors.Is(err, storage.ErrStaleStatus) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		return nil, notFound(err)
	}
	if t.PID == nil {
		log.Info("[TASK] stopped task without process")
		s.finalize(ctx, updated, c)
		return updated, nil
	}

	// PID мог освободиться и достаться чужому процессу, поэтому сигнал идёт только своему скрипту.
	err = docker.SignalOwned(ctx, s.docker, g.DockerID, *t.PID, processMarker(t.ID), sig)
	if err == nil && to == models.TaskStopped && from == models.TaskPaused {
		err = s.docker.Signal(ctx, g.DockerID, *t.PID, sigResume)
	}
	switch {
	case err == nil:
	case errors.Is(err, docker.ErrNoProcess):
		// Процесс уже завершился, не отчитавшись.
		if to != models.TaskStopped {
			return s.markExited(ctx, updated, c)
		}
	default:
		log.Errorf("[TASK] signal %s failed: %v", sig, err)
		if to != models.TaskStopped {
			s.revert(updated.ID, to, from)
		}
		return nil, wrapContainer(err)
	}

	log.Infof("[TASK] %s -> %s", from, to)
	if to.IsTerminal() {
		s.finalize(ctx, updated, c)
	}
	return updated, nil
}

// revert возвращает статус, если сигнал не дошёл до процесса.
func (s *Service) revert(taskID string, to, from models.TaskStatus) {
	_, err := s.store.TransitionTask(taskID, storage.TaskTransition{To: from, From: []models.TaskStatus{to}})
	if err != nil {
		s.log.WithField("task", taskID).Errorf("[TASK] failed to revert %s -> %s: %v", to, from, err)
	}
}

// markExited останавливает задачу, чей процесс исчез из контейнера.
func (s *Service) markExited(ctx context.Context, t *models.Task, c *models.Client) (*models.Task, error) {
	updated, err := s.store.TransitionTask(t.ID, storage.TaskTransition{
		To:     models.TaskStopped,
		From:   models.AllowedFrom(models.TaskStopped),
		Errors: errorsJSON(t.Errors, "process", exitedWithoutReport),
	})
	if err != nil {
		if errors.Is(err, storage.ErrStaleStatus) {
			return nil, fmt.Errorf("%w: task already %s", ErrInvalidTransition, t.Status)
		}
		return nil, err
	}
	s.log.WithField("task", t.ID).Warn("[TASK] process exited without report")
	s.finalize(ctx, updated, c)
	return updated, nil
}

// finalize выполняется после перехода в терминальный статус.
func (s *Service) finalize(ctx context.Context, t *models.Task, c *models.Client) {
	s.releaseClient(ctx, c.ID)
	s.notifier.Notify(telegram.TaskMessage(*t, c.Username))
}

// releaseClient возвращает клиенту статус active, если он не требует входа
// и у него не осталось других working/paused задач.
func (s *Service) releaseClient(ctx context.Context, clientID string) {
	active, err := s.store.ListActiveTasks()
	if err != nil {
		s.log.WithField("client", clientID).Warnf("[TASK] failed to list active tasks: %v", err)
		return
	}
	for _, t := range active {
		if t.ClientID == clientID {
			return
		}
	}
	status, err := s.state.ClientStatus(ctx, clientID)
	if err != nil {
		s.log.WithField("client", clientID).Warnf("[TASK] failed to read client status: %v", err)
		return
	}
	if status == models.ClientStatusLoginRequired {
		return
	}
	if err := s.state.SetClientStatus(ctx, clientID, models.ClientStatusActive); err != nil {
		s.log.WithField("client", clientID).Warnf("[TASK] failed to set client status: %v", err)
	}
}

// StopClient останавливает все активные задачи клиента. Возвращает число остановленных.
func (s *Service) StopClient(ctx context.Context, userID, clientID string) (int, error) {
	active, err := s.store.ListActiveTasks()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range active {
		if t.ClientID != clientID {
			continue
		}
		if _, err := s.Stop(ctx, userID, t.ID); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}
