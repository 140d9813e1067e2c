package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"instabot_go/models"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

// ErrStaleStatus: условный переход не применился, статус задачи уже другой.
var ErrStaleStatus = errors.New("task status changed")

const taskColumns = `id, pid, status, action_type, time_start, time_end, errors, output, callback_token, client_id`

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var pid sql.NullString
	var end sql.NullTime
	var errs, out []byte
	err := row.Scan(&t.ID, &pid, &t.Status, &t.ActionType, &t.TimeStart, &end, &errs, &out, &t.CallbackToken, &t.ClientID)
	if err != nil {
		return nil, err
	}
	if pid.Valid {
		t.PID = &pid.String
	}
	if end.Valid {
		t.TimeEnd = &end.Time
	}
	if len(errs) > 0 {
		t.Errors = json.RawMessage(errs)
	}
	if len(out) > 0 {
		t.Output = json.RawMessage(out)
	}
	return &t, nil
}

func (db *DB) CreateTask(t models.Task) (*models.Task, error) {
	query := `
               INSERT INTO tasks (id, status, action_type, callback_token, client_id)
               VALUES ($1, $2, $3, $4, $5)
               RETURNING time_start
       `
	if err := db.Conn.QueryRow(query, t.ID, t.Status, t.ActionType, t.CallbackToken, t.ClientID).Scan(&t.TimeStart); err != nil {
		return nil, wrapErr(err)
	}
	return &t, nil
}

func (db *DB) GetTask(id string) (*models.Task, error) {
	t, err := scanTask(db.Conn.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return nil, wrapErr(err)
	}
	return t, nil
}

// ListClientTasks возвращает страницу задач клиента, новые первыми.
func (db *DB) ListClientTasks(clientID string, page int) ([]models.Task, error) {
	return db.queryTasks(`
        SELECT `+taskColumns+`
        FROM tasks
        WHERE client_id = $1
        ORDER BY time_start DESC
        LIMIT $2 OFFSET $3
    `, clientID, PageSize, Offset(page))
}

// ListUserTasks возвращает страницу задач по всем клиентам пользователя.
func (db *DB) ListUserTasks(userID string, page int) ([]models.Task, error) {
	return db.queryTasks(`
        SELECT t.id, t.pid, t.status, t.action_type, t.time_start, t.time_end, t.errors, t.output,
               t.callback_token, t.client_id
        FROM tasks t
        JOIN clients c ON c.id = t.client_id
        WHERE c.user_id = $1
        ORDER BY t.time_start DESC
        LIMIT $2 OFFSET $3
    `, userID, PageSize, Offset(page))
}

// ListActiveTasks возвращает задачи в состоянии working или paused.
func (db *DB) ListActiveTasks() ([]models.Task, error) {
	return db.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE status IN ('working', 'paused')`)
}

func (db *DB) queryTasks(query string, args ...any) ([]models.Task, error) {
	rows, err := db.Conn.Query(query, args...)
	if err != nil {
		log.Errorf("[DB ERROR] list tasks: %v", err)
		return nil, err
	}
	defer rows.Close()

	tasks := []models.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (db *DB) SetTaskPID(id, pid string) error {
	res, err := db.Conn.Exec(`UPDATE tasks SET pid = $1 WHERE id = $2`, pid, id)
	return affectedOne(res, err)
}

// TaskTransition описывает смену статуса вместе с сопутствующими данными.
type TaskTransition struct {
	To     models.TaskStatus
	From   []models.TaskStatus
	Errors json.RawMessage
	Output json.RawMessage
}

// TransitionTask атомарно меняет статус, только если текущий статус входит в From.
// Для терминальных статусов проставляется time_end. Если строка не изменилась,
// возвращается ErrStaleStatus (или ErrNotFound, если задачи нет).
func (db *DB) TransitionTask(id string, tr TaskTransition) (*models.Task, error) {
	from := make([]string, 0, len(tr.From))
	for _, s := range tr.From {
		from = append(from, string(s))
	}
	var end any
	if tr.To.IsTerminal() {
		end = time.Now().UTC()
	}
	row := db.Conn.QueryRow(`
        UPDATE tasks SET
            status   = $1,
            errors   = COALESCE($2::jsonb, errors),
            output   = COALESCE($3::jsonb, output),
            time_end = COALESCE($4::timestamptz, time_end)
        WHERE id = $5 AND status = ANY($6)
        RETURNING `+taskColumns,
		tr.To, nullJSON(tr.Errors), nullJSON(tr.Output), end, id, pq.Array(from),
	)
	t, err := scanTask(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, wrapErr(err)
	}
	if _, err := db.GetTask(id); err != nil {
		return nil, err
	}
	return nil, ErrStaleStatus
}

// UpdateTaskReport сохраняет ошибки и вывод без смены статуса.
func (db *DB) UpdateTaskReport(id string, errs, output json.RawMessage) error {
	res, err := db.Conn.Exec(`
        UPDATE tasks SET
            errors = COALESCE($1::jsonb, errors),
            output = COALESCE($2::jsonb, output)
        WHERE id = $3
    `, nullJSON(errs), nullJSON(output), id)
	return affectedOne(res, err)
}
