package storage

import (
	"instabot_go/models"

	log "github.com/sirupsen/logrus"
)

func (db *DB) CreateGroup(g models.Group) (*models.Group, error) {
	query := `INSERT INTO groups (id, name, docker_id, user_id) VALUES ($1, $2, $3, $4)`
	if _, err := db.Conn.Exec(query, g.ID, g.Name, g.DockerID, g.UserID); err != nil {
		return nil, wrapErr(err)
	}
	return &g, nil
}

func (db *DB) GetGroupByID(id string) (*models.Group, error) {
	var g models.Group
	err := db.Conn.QueryRow(
		`SELECT id, name, docker_id, user_id FROM groups WHERE id = $1`, id,
	).Scan(&g.ID, &g.Name, &g.DockerID, &g.UserID)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &g, nil
}

// GetGroupByName ищет группу по имени среди групп пользователя.
func (db *DB) GetGroupByName(userID, name string) (*models.Group, error) {
	var g models.Group
	err := db.Conn.QueryRow(
		`SELECT id, name, docker_id, user_id FROM groups WHERE user_id = $1 AND name = $2`, userID, name,
	).Scan(&g.ID, &g.Name, &g.DockerID, &g.UserID)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &g, nil
}

// ListGroups возвращает страницу групп пользователя.
func (db *DB) ListGroups(userID string, page int) ([]models.Group, error) {
	rows, err := db.Conn.Query(`
        SELECT id, name, docker_id, user_id
        FROM groups
        WHERE user_id = $1
        ORDER BY name
        LIMIT $2 OFFSET $3
    `, userID, PageSize, Offset(page))
	if err != nil {
		log.Errorf("[DB ERROR] list groups: %v", err)
		return nil, err
	}
	defer rows.Close()

	groups := []models.Group{}
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.DockerID, &g.UserID); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (db *DB) RenameGroup(id, name string) error {
	res, err := db.Conn.Exec(`UPDATE groups SET name = $1 WHERE id = $2`, name, id)
	return affectedOne(res, wrapErr(err))
}

// DeleteGroup удаляет группу; клиенты и задачи уходят каскадом.
func (db *DB) DeleteGroup(id string) error {
	res, err := db.Conn.Exec(`DELETE FROM groups WHERE id = $1`, id)
	return affectedOne(res, err)
}
