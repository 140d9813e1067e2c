// Package taskstest содержит хранилища и контейнеры в памяти для тестов сервисов.
package taskstest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"instabot_go/models"
	"instabot_go/pkg/docker"
	"instabot_go/pkg/storage"
)

// Store повторяет поведение pkg/storage для групп, клиентов и задач.
type Store struct {
	mu      sync.Mutex
	Groups  map[string]models.Group
	Clients map[string]models.Client
	Tasks   map[string]models.Task

	// FailCreateGroup заставляет CreateGroup вернуть ошибку.
	FailCreateGroup error
}

func NewStore() *Store {
	return &Store{
		Groups:  map[string]models.Group{},
		Clients: map[string]models.Client{},
		Tasks:   map[string]models.Task{},
	}
}

func paginate[T any](items []T, page int) []T {
	from := storage.Offset(page)
	if from >= len(items) {
		return nil
	}
	to := from + storage.PageSize
	if to > len(items) {
		to = len(items)
	}
	return items[from:to]
}

func (s *Store) CreateGroup(g models.Group) (*models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCreateGroup != nil {
		return nil, s.FailCreateGroup
	}
	for _, x := range s.Groups {
		if x.UserID == g.UserID && x.Name == g.Name {
			return nil, storage.ErrConflict
		}
	}
	s.Groups[g.ID] = g
	return &g, nil
}

func (s *Store) GetGroupByID(id string) (*models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.Groups[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &g, nil
}

func (s *Store) GetGroupByName(userID, name string) (*models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.Groups {
		if g.UserID == userID && g.Name == name {
			return &g, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) ListGroups(userID string, page int) ([]models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Group
	for _, g := range s.Groups {
		if g.UserID == userID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return paginate(out, page), nil
}

func (s *Store) RenameGroup(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.Groups[id]
	if !ok {
		return storage.ErrNotFound
	}
	for _, x := range s.Groups {
		if x.ID != id && x.UserID == g.UserID && x.Name == name {
			return storage.ErrConflict
		}
	}
	g.Name = name
	s.Groups[id] = g
	return nil
}

// DeleteGroup удаляет группу вместе с клиентами и задачами.
func (s *Store) DeleteGroup(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Groups[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.Groups, id)
	for cid, c := range s.Clients {
		if c.GroupID == id {
			s.deleteClient(cid)
		}
	}
	return nil
}

func (s *Store) CreateClient(c models.Client) (*models.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.Clients {
		if x.Username == c.Username {
			return nil, storage.ErrConflict
		}
	}
	s.Clients[c.ID] = c
	return &c, nil
}

func (s *Store) GetClientByID(id string) (*models.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Clients[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &c, nil
}

func (s *Store) GetClientByUsername(username string) (*models.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.Clients {
		if c.Username == username {
			return &c, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) ListClients(userID string, page int) ([]models.Client, error) {
	return paginate(s.clients(func(c models.Client) bool { return c.UserID == userID }), page), nil
}

func (s *Store) ListGroupClients(groupID string) ([]models.Client, error) {
	return s.clients(func(c models.Client) bool { return c.GroupID == groupID }), nil
}

func (s *Store) clients(match func(models.Client) bool) []models.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Client
	for _, c := range s.Clients {
		if match(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (s *Store) UpdateClient(id string, u storage.ClientUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Clients[id]
	if !ok {
		return storage.ErrNotFound
	}
	if u.Settings != nil {
		c.Settings = *u.Settings
	}
	if u.Description != nil {
		c.Description = sql.NullString{String: *u.Description, Valid: true}
	}
	if u.Proxy != nil {
		c.Proxy = sql.NullString{String: *u.Proxy, Valid: true}
	}
	if len(u.Config) > 0 {
		c.Config = u.Config
	}
	s.Clients[id] = c
	return nil
}

func (s *Store) SetAutoReply(id string, config json.RawMessage, pid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Clients[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.AutoReplyConfig = config
	c.AutoReplyID = sql.NullString{String: pid, Valid: pid != ""}
	s.Clients[id] = c
	return nil
}

func (s *Store) DeleteClient(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Clients[id]; !ok {
		return storage.ErrNotFound
	}
	s.deleteClient(id)
	return nil
}

func (s *Store) deleteClient(id string) {
	delete(s.Clients, id)
	for tid, t := range s.Tasks {
		if t.ClientID == id {
			delete(s.Tasks, tid)
		}
	}
}

func (s *Store) CreateTask(t models.Task) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Clients[t.ClientID]; !ok {
		return nil, fmt.Errorf("client %s: %w", t.ClientID, storage.ErrNotFound)
	}
	t.TimeStart = time.Now().UTC()
	s.Tasks[t.ID] = t
	return &t, nil
}

func (s *Store) GetTask(id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Tasks[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &t, nil
}

func (s *Store) tasks(match func(models.Task) bool) []models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Task
	for _, t := range s.Tasks {
		if match(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeStart.After(out[j].TimeStart) })
	return out
}

func (s *Store) ListClientTasks(clientID string, page int) ([]models.Task, error) {
	return paginate(s.tasks(func(t models.Task) bool { return t.ClientID == clientID }), page), nil
}

func (s *Store) ListUserTasks(userID string, page int) ([]models.Task, error) {
	owned := map[string]bool{}
	for _, c := range s.clients(func(c models.Client) bool { return c.UserID == userID }) {
		owned[c.ID] = true
	}
	return paginate(s.tasks(func(t models.Task) bool { return owned[t.ClientID] }), page), nil
}

func (s *Store) ListActiveTasks() ([]models.Task, error) {
	return s.tasks(func(t models.Task) bool { return !t.Status.IsTerminal() }), nil
}

func (s *Store) SetTaskPID(id, pid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Tasks[id]
	if !ok {
		return storage.ErrNotFound
	}
	t.PID = &pid
	s.Tasks[id] = t
	return nil
}

func (s *Store) TransitionTask(id string, tr storage.TaskTransition) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Tasks[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	allowed := false
	for _, from := range tr.From {
		if t.Status == from {
			allowed = true
		}
	}
	if !allowed {
		return nil, storage.ErrStaleStatus
	}
	t.Status = tr.To
	if len(tr.Errors) > 0 {
		t.Errors = tr.Errors
	}
	if len(tr.Output) > 0 {
		t.Output = tr.Output
	}
	if tr.To.IsTerminal() {
		now := time.Now().UTC()
		t.TimeEnd = &now
	}
	s.Tasks[id] = t
	return &t, nil
}

func (s *Store) UpdateTaskReport(id string, errs, output json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Tasks[id]
	if !ok {
		return storage.ErrNotFound
	}
	if len(errs) > 0 {
		t.Errors = errs
	}
	if len(output) > 0 {
		t.Output = output
	}
	s.Tasks[id] = t
	return nil
}

// Signal описывает отправленный процессу сигнал.
type Signal struct {
	Container, PID, Sig string
}

// Spawned описывает запущенный в фоне скрипт.
type Spawned struct {
	Container, Script, LogPath, PID string
}

// Docker имитирует контейнеры групп: процессы, сигналы и синхронные скрипты.
type Docker struct {
	mu        sync.Mutex
	nextPID   int
	Procs     map[string][]docker.Process
	Spawned   []Spawned
	Signals   []Signal
	Scripts   []string
	Created   []string
	Removed   []string
	Started   []string
	ExecOut   docker.ExecResult
	TailOut   string
	SpawnErr  error
	SignalErr error
	CreateErr error
}

func NewDocker() *Docker {
	return &Docker{nextPID: 100, Procs: map[string][]docker.Process{}}
}

func (d *Docker) CreateGroupContainer(_ context.Context, name string, _ map[string]string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.CreateErr != nil {
		return "", d.CreateErr
	}
	id := "ctr-" + name
	d.Created = append(d.Created, id)
	return id, nil
}

func (d *Docker) RemoveContainer(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Removed = append(d.Removed, id)
	delete(d.Procs, id)
	return nil
}

func (d *Docker) EnsureRunning(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Started = append(d.Started, id)
	return nil
}

// Spawn запоминает скрипт и добавляет процесс с маркером из первой строки.
func (d *Docker) Spawn(_ context.Context, id, script string, _ []string, logPath string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SpawnErr != nil {
		return "", d.SpawnErr
	}
	d.nextPID++
	pid := fmt.Sprint(d.nextPID)
	marker, _, _ := strings.Cut(script, "\n")
	d.Procs[id] = append(d.Procs[id], docker.Process{PID: pid, Args: "python3 -u -c " + marker})
	d.Spawned = append(d.Spawned, Spawned{Container: id, Script: script, LogPath: logPath, PID: pid})
	return pid, nil
}

func (d *Docker) RunScript(_ context.Context, _ string, script string, _ []string) (docker.ExecResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Scripts = append(d.Scripts, script)
	return d.ExecOut, nil
}

// Signal возвращает docker.ErrNoProcess, если процесса нет. TERM и KILL убирают процесс.
func (d *Docker) Signal(_ context.Context, id, pid, sig string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SignalErr != nil {
		return d.SignalErr
	}
	if !docker.HasPID(d.Procs[id], pid) {
		return docker.ErrNoProcess
	}
	d.Signals = append(d.Signals, Signal{Container: id, PID: pid, Sig: sig})
	if sig == "TERM" || sig == "KILL" {
		d.kill(id, pid)
	}
	return nil
}

func (d *Docker) kill(id, pid string) {
	procs := d.Procs[id][:0]
	for _, p := range d.Procs[id] {
		if p.PID != pid {
			procs = append(procs, p)
		}
	}
	d.Procs[id] = procs
}

// Kill имитирует завершение процесса без отчёта.
func (d *Docker) Kill(id, pid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kill(id, pid)
}

func (d *Docker) ListProcesses(_ context.Context, id string) ([]docker.Process, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]docker.Process(nil), d.Procs[id]...), nil
}

func (d *Docker) Tail(_ context.Context, _, _ string, _ int) (string, error) {
	return d.TailOut, nil
}

// State хранит статусы клиентов и прогресс задач.
type State struct {
	mu       sync.Mutex
	Statuses map[string]string
	Sections map[string]map[string]models.SectionProgress
}

func NewState() *State {
	return &State{Statuses: map[string]string{}, Sections: map[string]map[string]models.SectionProgress{}}
}

func (s *State) ClientStatus(_ context.Context, clientID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Statuses[clientID], nil
}

func (s *State) SetClientStatus(_ context.Context, clientID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Statuses[clientID] = status
	return nil
}

func (s *State) DeleteClientStatus(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Statuses, clientID)
	return nil
}

func (s *State) SetProgress(_ context.Context, taskID, section string, p models.SectionProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Sections[taskID] == nil {
		s.Sections[taskID] = map[string]models.SectionProgress{}
	}
	s.Sections[taskID][section] = p
	return nil
}

func (s *State) Progress(_ context.Context, taskID string) (map[string]models.SectionProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]models.SectionProgress{}
	for k, v := range s.Sections[taskID] {
		out[k] = v
	}
	return out, nil
}

func (s *State) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Sections, taskID)
	return nil
}

// Notifier собирает уведомления.
type Notifier struct {
	mu       sync.Mutex
	Messages []string
}

func (n *Notifier) Notify(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Messages = append(n.Messages, text)
}

func (n *Notifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Messages)
}
