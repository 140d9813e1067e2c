package storage

import (
	"instabot_go/models"
)

// AddRefreshSession сохраняет новую refresh-сессию.
func (db *DB) AddRefreshSession(s models.RefreshSession) (*models.RefreshSession, error) {
	query := `
               INSERT INTO refresh_sessions (refresh_token, expires_in, user_id)
               VALUES ($1, $2, $3)
               RETURNING id, created_at
       `
	if err := db.Conn.QueryRow(query, s.RefreshToken, s.ExpiresIn, s.UserID).Scan(&s.ID, &s.CreatedAt); err != nil {
		return nil, wrapErr(err)
	}
	return &s, nil
}

func (db *DB) GetRefreshSession(token string) (*models.RefreshSession, error) {
	var s models.RefreshSession
	query := `
               SELECT id, refresh_token, expires_in, created_at, user_id
               FROM refresh_sessions
               WHERE refresh_token = $1
       `
	err := db.Conn.QueryRow(query, token).Scan(&s.ID, &s.RefreshToken, &s.ExpiresIn, &s.CreatedAt, &s.UserID)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &s, nil
}

// RotateRefreshSession заменяет токен и продлевает сессию от текущего момента.
func (db *DB) RotateRefreshSession(id int, token string, expiresIn int) error {
	res, err := db.Conn.Exec(
		`UPDATE refresh_sessions SET refresh_token = $1, expires_in = $2, created_at = now() WHERE id = $3`,
		token, expiresIn, id,
	)
	return affectedOne(res, err)
}

func (db *DB) DeleteRefreshSession(id int) error {
	_, err := db.Conn.Exec(`DELETE FROM refresh_sessions WHERE id = $1`, id)
	return err
}

func (db *DB) DeleteRefreshSessionByToken(token string) error {
	res, err := db.Conn.Exec(`DELETE FROM refresh_sessions WHERE refresh_token = $1`, token)
	return affectedOne(res, err)
}

// DeleteUserRefreshSessions завершает все сессии пользователя.
func (db *DB) DeleteUserRefreshSessions(userID string) error {
	_, err := db.Conn.Exec(`DELETE FROM refresh_sessions WHERE user_id = $1`, userID)
	return err
}
