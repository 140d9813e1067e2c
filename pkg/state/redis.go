// Package state хранит быстро меняющееся состояние в Redis:
// статусы клиентов и прогресс задач по секциям.
package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"instabot_go/models"
)

const (
	progressPrefix = "progress_"
	statusPrefix   = "status_"

	sectionOK    = "ok"
	sectionError = "error"
)

type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func clientKey(id string) string { return "client:" + id + ":status" }
func taskKey(id string) string   { return "task:" + id }

// ClientStatus возвращает статус клиента; пустая строка, если статус не выставлялся.
func (s *Store) ClientStatus(ctx context.Context, clientID string) (string, error) {
	v, err := s.client.Get(ctx, clientKey(clientID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("redis get: %w", err)
	}
	return v, nil
}

func (s *Store) SetClientStatus(ctx context.Context, clientID, status string) error {
	if err := s.client.Set(ctx, clientKey(clientID), status, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *Store) DeleteClientStatus(ctx context.Context, clientID string) error {
	return s.client.Del(ctx, clientKey(clientID)).Err()
}

// SetProgress записывает прогресс секции задачи.
func (s *Store) SetProgress(ctx context.Context, taskID, section string, p models.SectionProgress) error {
	if err := s.client.HSet(ctx, taskKey(taskID), progressFields(section, p)).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

// Progress читает прогресс всех секций задачи.
func (s *Store) Progress(ctx context.Context, taskID string) (map[string]models.SectionProgress, error) {
	fields, err := s.client.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	return parseProgress(fields), nil
}

func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	return s.client.Del(ctx, taskKey(taskID)).Err()
}

func progressFields(section string, p models.SectionProgress) map[string]any {
	status := sectionOK
	if p.IsError {
		status = sectionError
	}
	return map[string]any{
		progressPrefix + section: fmt.Sprintf("%d/%d", p.Done, p.Total),
		statusPrefix + section:   status,
	}
}

// parseProgress собирает секции из полей хеша. Битые значения пропускаются.
func parseProgress(fields map[string]string) map[string]models.SectionProgress {
	out := make(map[string]models.SectionProgress)
	for k, v := range fields {
		section, ok := strings.CutPrefix(k, progressPrefix)
		if !ok {
			continue
		}
		doneStr, totalStr, ok := strings.Cut(v, "/")
		if !ok {
			continue
		}
		done, err1 := strconv.Atoi(doneStr)
		total, err2 := strconv.Atoi(totalStr)
		if err1 != nil || err2 != nil {
			continue
		}
		out[section] = models.SectionProgress{
			Done:    done,
			Total:   total,
			IsError: fields[statusPrefix+section] == sectionError,
		}
	}
	return out
}
