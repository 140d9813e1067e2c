package models

import "time"

// RefreshSession хранит refresh-токен пользователя.
// ExpiresIn задаётся в секундах от CreatedAt.
type RefreshSession struct {
	ID           int       `json:"id"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int       `json:"expires_in"`
	CreatedAt    time.Time `json:"created_at"`
	UserID       string    `json:"user_id"`
}

// Expired сообщает, истёк ли срок жизни сессии на момент now.
func (s RefreshSession) Expired(now time.Time) bool {
	return now.After(s.CreatedAt.Add(time.Duration(s.ExpiresIn) * time.Second))
}
