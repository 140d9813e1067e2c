package tasks

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"instabot_go/models"
	"instabot_go/pkg/storage"
)

// Report — тело PUT /tasks/:id/progress, которое присылает скрипт.
type Report struct {
	Status       *models.TaskStatus                `json:"status"`
	Errors       json.RawMessage                   `json:"errors"`
	Output       json.RawMessage                   `json:"output"`
	Progress     map[string]models.SectionProgress `json:"progress"`
	ClientStatus string                            `json:"client_status"`
}

// Report принимает отчёт скрипта. Токен сверяется с выданным при запуске.
// Повтор текущего статуса только сохраняет errors/output; смена статуса
// проходит через ту же проверку переходов, что и команды API. Терминальный
// отчёт по уже завершённой задаче (скрипт успел доработать после stop)
// статус не меняет, но его errors/output сохраняются.
func (s *Service) Report(ctx context.Context, taskID, token string, r Report) (*models.Task, error) {
	t, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, notFound(err)
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(t.CallbackToken)) != 1 {
		return nil, ErrInvalidToken
	}
	if r.Status != nil && !r.Status.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *r.Status)
	}
	log := s.log.WithFields(logrus.Fields{"task": t.ID, "client": t.ClientID})

	for section, p := range r.Progress {
		if err := s.state.SetProgress(ctx, t.ID, section, p); err != nil {
			log.Warnf("[TASK] failed to save progress: %v", err)
		}
	}
	if r.ClientStatus == models.ClientStatusLoginRequired {
		if err := s.state.SetClientStatus(ctx, t.ClientID, models.ClientStatusLoginRequired); err != nil {
			log.Warnf("[TASK] failed to set client status: %v", err)
		}
	}

	errs, output := nonEmpty(r.Errors), nonEmpty(r.Output)
	if r.Status == nil || *r.Status == t.Status {
		return s.saveReport(t, errs, output)
	}

	to := *r.Status
	if t.Status.IsTerminal() && to.IsTerminal() {
		log.Infof("[TASK] late %s report for %s task", to, t.Status)
		return s.saveReport(t, errs, output)
	}
	if !models.CanTransition(t.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	updated, err := s.store.TransitionTask(t.ID, storage.TaskTransition{
		To:     to,
		From:   models.AllowedFrom(to),
		Errors: errs,
		Output: output,
	})
	if err != nil {
		if errors.Is(err, storage.ErrStaleStatus) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
		}
		return nil, notFound(err)
	}
	log.Infof("[TASK] reported %s -> %s", t.Status, to)

	if to.IsTerminal() {
		c, err := s.store.GetClientByID(t.ClientID)
		if err != nil {
			log.Warnf("[TASK] client lookup failed: %v", err)
			return updated, nil
		}
		s.finalize(ctx, updated, c)
	}
	return updated, nil
}

// saveReport сохраняет errors/output без смены статуса.
func (s *Service) saveReport(t *models.Task, errs, output json.RawMessage) (*models.Task, error) {
	if errs == nil && output == nil {
		return t, nil
	}
	if err := s.store.UpdateTaskReport(t.ID, errs, output); err != nil {
		return nil, notFound(err)
	}
	return s.store.GetTask(t.ID)
}

// nonEmpty отбрасывает отсутствующие и null-значения.
func nonEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
