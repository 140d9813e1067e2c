package groups

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"instabot_go/internal/common"
	"instabot_go/internal/tasks"
	"instabot_go/models"
	"instabot_go/pkg/script"
)

// TaskRequest — набор вызовов instagrapi для всех клиентов группы.
type TaskRequest struct {
	Group string              `json:"group" binding:"required"`
	Tasks []script.CallParams `json:"tasks" binding:"required,min=1,dive"`
}

// Dispatch описывает фоновый запуск.
type Dispatch struct {
	ID        int `json:"dispatch_id"`
	Scheduled int `json:"scheduled"`
}

func (s *Service) prepare(userID string, req TaskRequest) (*models.Group, []models.Client, error) {
	for _, p := range req.Tasks {
		if err := p.Validate(); err != nil {
			return nil, nil, err
		}
	}
	g, err := s.GroupByName(userID, req.Group)
	if err != nil {
		return nil, nil, err
	}
	clients, err := s.store.ListGroupClients(g.ID)
	if err != nil {
		return nil, nil, err
	}
	return g, clients, nil
}

// CallAll выполняет вызовы для каждого клиента группы по очереди и возвращает их вывод.
// Ошибка контейнера на одном клиенте не прерывает остальные.
func (s *Service) CallAll(ctx context.Context, userID string, req TaskRequest) ([]tasks.CallResult, error) {
	g, clients, err := s.prepare(userID, req)
	if err != nil {
		return nil, err
	}
	results := make([]tasks.CallResult, 0, len(clients)*len(req.Tasks))
	for i := range clients {
		c := &clients[i]
		for _, p := range req.Tasks {
			res, err := s.runner.Call(ctx, c, g, p)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if !errors.Is(err, tasks.ErrContainer) {
					return nil, err
				}
				s.log.WithField("client", c.ID).Warnf("[GROUP] call %s: %v", p.FunctionName, err)
				res = &tasks.CallResult{ClientID: c.ID, Username: c.Username, Errors: errorJSON(err)}
			}
			results = append(results, *res)
		}
	}
	return results, nil
}

// Schedule запускает вызовы фоновыми задачами. Между запусками выдерживается
// случайная пауза из диапазона delay; отмена прекращает оставшиеся запуски.
func (s *Service) Schedule(userID string, req TaskRequest) (*Dispatch, error) {
	g, clients, err := s.prepare(userID, req)
	if err != nil {
		return nil, err
	}
	total := len(clients) * len(req.Tasks)
	if total == 0 {
		return &Dispatch{}, nil
	}

	id := s.dispatch.start(userID, func(ctx context.Context) {
		log := s.log.WithFields(logrus.Fields{"group": g.ID, "user": userID})
		launched := 0
		for i := range clients {
			c := &clients[i]
			for _, p := range req.Tasks {
				if launched > 0 {
					if err := common.WaitWithCancellation(ctx, s.delay); err != nil {
						log.Infof("[GROUP] dispatch cancelled after %d/%d launches", launched, total)
						return
					}
				}
				launched++
				t, err := s.runner.Launch(ctx, c, g, models.ActionCall, p)
				if err != nil {
					log.WithField("client", c.ID).Errorf("[GROUP] launch %s: %v", p.FunctionName, err)
					continue
				}
				log.WithField("client", c.ID).Debugf("[GROUP] launched task %s", t.ID)
			}
		}
		log.Infof("[GROUP] dispatch finished, %d launches", launched)
	})
	return &Dispatch{ID: id, Scheduled: total}, nil
}

// CancelScheduled отменяет ещё не выполненные фоновые запуски пользователя.
func (s *Service) CancelScheduled(userID string) int {
	return s.dispatch.cancelUser(userID)
}

func errorJSON(err error) []byte {
	b, _ := json.Marshal(map[string]string{"container": err.Error()})
	return b
}
