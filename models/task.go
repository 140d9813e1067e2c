package models

import (
	"encoding/json"
	"time"
)

// TaskStatus — состояние фоновой задачи.
type TaskStatus string

const (
	TaskWorking  TaskStatus = "working"
	TaskPaused   TaskStatus = "paused"
	TaskStopped  TaskStatus = "stopped"
	TaskFinished TaskStatus = "finished"
)

// ActionType — тип автоматизированного действия.
type ActionType string

const (
	ActionFollow            ActionType = "follow"
	ActionPeople            ActionType = "people"
	ActionHashtags          ActionType = "hashtags"
	ActionParsing           ActionType = "parsing"
	ActionMixed             ActionType = "mixed"
	ActionStoryLike         ActionType = "story_like"
	ActionReelsLike         ActionType = "reels_like"
	ActionFirstPostLike     ActionType = "first_post_like"
	ActionHashtagsPostsLike ActionType = "hashtags_posts_like"
	ActionHashtagsReelsLike ActionType = "hashtags_reels_like"
	ActionFollowersParse    ActionType = "followers_parse"
	ActionCall              ActionType = "call"
)

// ActionTypes перечисляет действия, которые можно запустить как задачу.
var ActionTypes = []ActionType{
	ActionFollow,
	ActionPeople,
	ActionHashtags,
	ActionParsing,
	ActionMixed,
	ActionStoryLike,
	ActionReelsLike,
	ActionFirstPostLike,
	ActionHashtagsPostsLike,
	ActionHashtagsReelsLike,
	ActionFollowersParse,
	ActionCall,
}

// ParseActionType проверяет строку и возвращает тип действия.
func ParseActionType(s string) (ActionType, bool) {
	for _, a := range ActionTypes {
		if string(a) == s {
			return a, true
		}
	}
	return "", false
}

// IsValid проверяет, что статус входит в список известных.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskWorking, TaskPaused, TaskStopped, TaskFinished:
		return true
	}
	return false
}

// IsTerminal: из stopped и finished выхода нет.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStopped || s == TaskFinished
}

// transitions описывает, из каких состояний можно попасть в целевое.
var transitions = map[TaskStatus][]TaskStatus{
	TaskWorking:  {TaskPaused},
	TaskPaused:   {TaskWorking},
	TaskStopped:  {TaskWorking, TaskPaused},
	TaskFinished: {TaskWorking, TaskPaused},
}

// AllowedFrom возвращает состояния, из которых допустим переход в to.
func AllowedFrom(to TaskStatus) []TaskStatus {
	return transitions[to]
}

// CanTransition проверяет переход from -> to.
// Повтор текущего нетерминального статуса считается допустимым: скрипт может
// прислать paused после того, как API уже сам перевёл задачу в paused.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return !from.IsTerminal()
	}
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Task — один запуск действия для клиента.
type Task struct {
	ID            string          `json:"id"`
	PID           *string         `json:"pid"`
	Status        TaskStatus      `json:"status"`
	ActionType    ActionType      `json:"action_type"`
	TimeStart     time.Time       `json:"time_start"`
	TimeEnd       *time.Time      `json:"time_end"`
	Errors        json.RawMessage `json:"errors,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	CallbackToken string          `json:"-"`
	ClientID      string          `json:"client_id"`
}

// SectionProgress — прогресс одной секции задачи (people, hashtags, parsing).
type SectionProgress struct {
	Done    int  `json:"done"`
	Total   int  `json:"total"`
	IsError bool `json:"is_error"`
}

// TaskView добавляет к задаче прогресс из Redis.
type TaskView struct {
	Task
	Progress map[string]SectionProgress `json:"progress,omitempty"`
}
