package storage

import (
	"instabot_go/models"
)

const userColumns = `id, username, email, hashed_password, created_at, updated_at`

// CreateUser добавляет пользователя. Занятые username или email дают ErrConflict.
func (db *DB) CreateUser(u models.User) (*models.User, error) {
	query := `
               INSERT INTO users (id, username, email, hashed_password)
               VALUES ($1, $2, $3, $4)
               RETURNING created_at, updated_at
       `
	err := db.Conn.QueryRow(query, u.ID, u.Username, u.Email, u.HashedPassword).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &u, nil
}

func (db *DB) GetUserByID(id string) (*models.User, error) {
	return db.getUser(`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (db *DB) GetUserByUsername(username string) (*models.User, error) {
	return db.getUser(`SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

func (db *DB) getUser(query string, arg any) (*models.User, error) {
	var u models.User
	err := db.Conn.QueryRow(query, arg).Scan(&u.ID, &u.Username, &u.Email, &u.HashedPassword, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &u, nil
}
