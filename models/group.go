package models

// Group — именованный набор бот-аккаунтов пользователя.
// Каждой группе соответствует ровно один контейнер (DockerID).
type Group struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	DockerID string `json:"docker_id"`
	UserID   string `json:"user_id"`
}
