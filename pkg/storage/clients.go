package storage

import (
	"database/sql"
	"encoding/json"

	"instabot_go/models"

	log "github.com/sirupsen/logrus"
)

const clientColumns = `id, username, photo, description, settings, config, proxy,
               auto_reply_config, auto_reply_id, user_id, group_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*models.Client, error) {
	var c models.Client
	var settings, config, autoReply []byte
	err := row.Scan(
		&c.ID,
		&c.Username,
		&c.Photo,
		&c.Description,
		&settings,
		&config,
		&c.Proxy,
		&autoReply,
		&c.AutoReplyID,
		&c.UserID,
		&c.GroupID,
	)
	if err != nil {
		return nil, err
	}
	c.Settings = string(settings)
	if len(config) > 0 {
		c.Config = json.RawMessage(config)
	}
	if len(autoReply) > 0 {
		c.AutoReplyConfig = json.RawMessage(autoReply)
	}
	return &c, nil
}

// CreateClient сохраняет залогиненный аккаунт. Повторный username даёт ErrConflict.
func (db *DB) CreateClient(c models.Client) (*models.Client, error) {
	query := `
               INSERT INTO clients (id, username, photo, description, settings, config, proxy, user_id, group_id)
               VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
       `
	_, err := db.Conn.Exec(query,
		c.ID, c.Username, c.Photo, c.Description, c.Settings, nullJSON(c.Config), c.Proxy, c.UserID, c.GroupID,
	)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &c, nil
}

func (db *DB) GetClientByID(id string) (*models.Client, error) {
	c, err := scanClient(db.Conn.QueryRow(`SELECT `+clientColumns+` FROM clients WHERE id = $1`, id))
	if err != nil {
		return nil, wrapErr(err)
	}
	return c, nil
}

func (db *DB) GetClientByUsername(username string) (*models.Client, error) {
	c, err := scanClient(db.Conn.QueryRow(`SELECT `+clientColumns+` FROM clients WHERE username = $1`, username))
	if err != nil {
		return nil, wrapErr(err)
	}
	return c, nil
}

// ListClients возвращает страницу клиентов пользователя.
func (db *DB) ListClients(userID string, page int) ([]models.Client, error) {
	return db.queryClients(`
        SELECT `+clientColumns+`
        FROM clients
        WHERE user_id = $1
        ORDER BY username
        LIMIT $2 OFFSET $3
    `, userID, PageSize, Offset(page))
}

// ListGroupClients возвращает всех клиентов группы без пагинации.
func (db *DB) ListGroupClients(groupID string) ([]models.Client, error) {
	return db.queryClients(`SELECT `+clientColumns+` FROM clients WHERE group_id = $1 ORDER BY username`, groupID)
}

func (db *DB) queryClients(query string, args ...any) ([]models.Client, error) {
	rows, err := db.Conn.Query(query, args...)
	if err != nil {
		log.Errorf("[DB ERROR] list clients: %v", err)
		return nil, err
	}
	defer rows.Close()

	clients := []models.Client{}
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			log.Warnf("[DB WARN] failed to scan client: %v", err)
			continue
		}
		clients = append(clients, *c)
	}
	return clients, rows.Err()
}

// ClientUpdate: nil-поле не меняется.
type ClientUpdate struct {
	Settings    *string
	Description *string
	Proxy       *string
	Config      json.RawMessage
}

func (db *DB) UpdateClient(id string, u ClientUpdate) error {
	var config any
	if len(u.Config) > 0 {
		config = string(u.Config)
	}
	res, err := db.Conn.Exec(`
        UPDATE clients SET
            settings    = COALESCE($1, settings),
            description = COALESCE($2, description),
            proxy       = COALESCE($3, proxy),
            config      = COALESCE($4, config)
        WHERE id = $5
    `, ptrToNull(u.Settings), ptrToNull(u.Description), ptrToNull(u.Proxy), config, id)
	return affectedOne(res, err)
}

// SetAutoReply сохраняет конфигурацию автоответчика и PID его процесса.
// Пустой pid и nil-конфиг сбрасывают автоответчик.
func (db *DB) SetAutoReply(id string, config json.RawMessage, pid string) error {
	var p sql.NullString
	if pid != "" {
		p = sql.NullString{String: pid, Valid: true}
	}
	res, err := db.Conn.Exec(
		`UPDATE clients SET auto_reply_config = $1, auto_reply_id = $2 WHERE id = $3`,
		nullJSON(config), p, id,
	)
	return affectedOne(res, err)
}

func (db *DB) DeleteClient(id string) error {
	res, err := db.Conn.Exec(`DELETE FROM clients WHERE id = $1`, id)
	return affectedOne(res, err)
}

func ptrToNull(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
