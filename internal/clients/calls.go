package clients

import (
	"context"

	"instabot_go/internal/tasks"
	"instabot_go/models"
	"instabot_go/pkg/script"
)

// Follow запускает задачу подписки на пользователей.
func (s *Service) Follow(ctx context.Context, userID, id string, p script.FollowParams) (*models.Task, error) {
	return s.runner.Start(ctx, userID, id, models.ActionFollow, p)
}

// TaskRequest — вызовы instagrapi для одного клиента.
type TaskRequest struct {
	ClientID string              `json:"client_id" binding:"required"`
	Tasks    []script.CallParams `json:"tasks" binding:"required,min=1,dive"`
}

// Call выполняет вызовы синхронно и возвращает вывод каждого.
func (s *Service) Call(ctx context.Context, userID string, req TaskRequest) ([]tasks.CallResult, error) {
	c, g, err := s.prepare(userID, req)
	if err != nil {
		return nil, err
	}
	results := make([]tasks.CallResult, 0, len(req.Tasks))
	for _, p := range req.Tasks {
		res, err := s.runner.Call(ctx, c, g, p)
		if err != nil {
			return nil, err
		}
		results = append(results, *res)
	}
	return results, nil
}

// Launch запускает вызовы фоновыми задачами и возвращает их.
func (s *Service) Launch(ctx context.Context, userID string, req TaskRequest) ([]models.Task, error) {
	c, g, err := s.prepare(userID, req)
	if err != nil {
		return nil, err
	}
	out := make([]models.Task, 0, len(req.Tasks))
	for _, p := range req.Tasks {
		t, err := s.runner.Launch(ctx, c, g, models.ActionCall, p)
		if err != nil {
			return out, err
		}
		out = append(out, *t)
	}
	return out, nil
}

func (s *Service) prepare(userID string, req TaskRequest) (*models.Client, *models.Group, error) {
	for _, p := range req.Tasks {
		if err := p.Validate(); err != nil {
			return nil, nil, err
		}
	}
	return s.runner.OwnedClient(userID, req.ClientID)
}
