package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"instabot_go/internal/middleware"
	"instabot_go/internal/tasks/taskstest"
	"instabot_go/models"
	"instabot_go/pkg/docker"
	"instabot_go/pkg/script"
)

// idParser считает токен id пользователя.
type idParser struct{}

func (idParser) Parse(token string) (string, error) { return token, nil }

type fixture struct {
	r      *gin.Engine
	svc    *Service
	store  *taskstest.Store
	docker *taskstest.Docker
	state  *taskstest.State
	notes  *taskstest.Notifier
}

func setup(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logrus.New()
	log.SetOutput(io.Discard)

	store := taskstest.NewStore()
	store.Groups["g1"] = models.Group{ID: "g1", Name: "main", DockerID: "ctr-1", UserID: "u1"}
	store.Clients["c1"] = models.Client{ID: "c1", Username: "bot_one", Settings: `{"uuids":{}}`, UserID: "u1", GroupID: "g1"}
	gen, err := script.New()
	require.NoError(t, err)

	f := &fixture{store: store, docker: taskstest.NewDocker(), state: taskstest.NewState(), notes: &taskstest.Notifier{}}
	f.svc = NewService(store, f.docker, f.state, gen, f.notes, NewClientLocks(log),
		Config{CallbackBase: "http://api:8000", LogDir: "/tmp", TailLines: 50}, log)
	f.r = gin.New()
	SetupRoutes(f.r.Group("/tasks"), NewHandler(f.svc, log), middleware.AuthRequired(idParser{}))
	return f
}

func do(r http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func as(user string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + user}
}

const peopleBody = `{"users":["alice","bob"],"timeout_from":1,"timeout_to":2}`

func (f *fixture) start(t *testing.T) *models.Task {
	t.Helper()
	w := do(f.r, http.MethodPost, "/tasks/people/c1", peopleBody, as("u1"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var task models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	return &task
}

func (f *fixture) report(t *testing.T, id, body string) *httptest.ResponseRecorder {
	t.Helper()
	token := f.store.Tasks[id].CallbackToken
	return do(f.r, http.MethodPut, "/tasks/"+id+"/progress", body, map[string]string{script.TokenHeader: token})
}

func TestStartSpawnsScript(t *testing.T) {
	f := setup(t)
	task := f.start(t)

	require.Equal(t, models.TaskWorking, task.Status)
	require.NotNil(t, task.PID)
	require.Len(t, f.docker.Spawned, 1)
	sp := f.docker.Spawned[0]
	require.Equal(t, "ctr-1", sp.Container)
	require.Equal(t, []string{"ctr-1"}, f.docker.Started)
	require.Equal(t, "/tmp/task-"+task.ID+".log", sp.LogPath)
	require.True(t, strings.HasPrefix(sp.Script, "# task:"+task.ID+"\n"))
	require.Contains(t, sp.Script, "http://api:8000/tasks/"+task.ID+"/progress")
	require.Contains(t, sp.Script, f.store.Tasks[task.ID].CallbackToken)

	require.Equal(t, *task.PID, *f.store.Tasks[task.ID].PID)
	require.Equal(t, models.SectionProgress{Total: 2}, f.state.Sections[task.ID]["people"])
	require.Equal(t, models.ClientStatusBusy, f.state.Statuses["c1"])
}

func TestStartRejected(t *testing.T) {
	f := setup(t)
	f.store.Clients["c2"] = models.Client{ID: "c2", Username: "foreign", UserID: "u2", GroupID: "g1"}

	require.Equal(t, http.StatusForbidden, do(f.r, http.MethodPost, "/tasks/people/c2", peopleBody, as("u1")).Code)
	require.Equal(t, http.StatusNotFound, do(f.r, http.MethodPost, "/tasks/people/missing", peopleBody, as("u1")).Code)
	require.Equal(t, http.StatusBadRequest, do(f.r, http.MethodPost, "/tasks/people/c1", `{"users":[]}`, as("u1")).Code)
	require.Equal(t, http.StatusBadRequest, do(f.r, http.MethodPost, "/tasks/follow/c1",
		`{"users":["a"],"timeout_from":5,"timeout_to":1}`, as("u1")).Code)
	require.Equal(t, http.StatusUnauthorized, do(f.r, http.MethodPost, "/tasks/people/c1", peopleBody, nil).Code)
	require.Empty(t, f.docker.Spawned)
	require.Empty(t, f.store.Tasks)
}

func TestStartSpawnFailureStopsTask(t *testing.T) {
	f := setup(t)
	f.docker.SpawnErr = errors.New("exec failed")

	w := do(f.r, http.MethodPost, "/tasks/people/c1", peopleBody, as("u1"))
	require.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())

	require.Len(t, f.store.Tasks, 1)
	for _, task := range f.store.Tasks {
		require.Equal(t, models.TaskStopped, task.Status)
		require.NotNil(t, task.TimeEnd)
		require.Contains(t, string(task.Errors), "exec failed")
	}
}

func TestPauseResumeStop(t *testing.T) {
	f := setup(t)
	task := f.start(t)
	base := "/tasks/" + task.ID

	w := do(f.r, http.MethodPost, base+"/pause", "", as("u1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, models.TaskPaused, f.store.Tasks[task.ID].Status)

	require.Equal(t, http.StatusConflict, do(f.r, http.MethodPost, base+"/pause", "", as("u1")).Code)

	require.Equal(t, http.StatusOK, do(f.r, http.MethodPost, base+"/resume", "", as("u1")).Code)
	require.Equal(t, models.TaskWorking, f.store.Tasks[task.ID].Status)

	require.Equal(t, http.StatusOK, do(f.r, http.MethodPost, base+"/pause", "", as("u1")).Code)
	require.Equal(t, http.StatusOK, do(f.r, http.MethodPost, base+"/stop", "", as("u1")).Code)

	stored := f.store.Tasks[task.ID]
	require.Equal(t, models.TaskStopped, stored.Status)
	require.NotNil(t, stored.TimeEnd)

	var sigs []string
	for _, s := range f.docker.Signals {
		require.Equal(t, *task.PID, s.PID)
		sigs = append(sigs, s.Sig)
	}
	// После TERM процесс уже снят, поэтому CONT в фейке не доходит.
	require.Equal(t, []string{"TSTP", "CONT", "TSTP", "TERM"}, sigs)
	require.Equal(t, 1, f.notes.Count())
	require.Equal(t, models.ClientStatusActive, f.state.Statuses["c1"])

	require.Equal(t, http.StatusConflict, do(f.r, http.MethodPost, base+"/stop", "", as("u1")).Code)
	require.Equal(t, http.StatusConflict, do(f.r, http.MethodPost, base+"/resume", "", as("u1")).Code)
}

func TestCommandForeignTask(t *testing.T) {
	f := setup(t)
	task := f.start(t)

	require.Equal(t, http.StatusForbidden, do(f.r, http.MethodPost, "/tasks/"+task.ID+"/stop", "", as("u2")).Code)
	require.Equal(t, http.StatusNotFound, do(f.r, http.MethodPost, "/tasks/missing/stop", "", as("u1")).Code)
	require.Equal(t, models.TaskWorking, f.store.Tasks[task.ID].Status)
}

func TestPauseVanishedProcess(t *testing.T) {
	f := setup(t)
	task := f.start(t)
	f.docker.Kill("ctr-1", *task.PID)

	w := do(f.r, http.MethodPost, "/tasks/"+task.ID+"/pause", "", as("u1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	stored := f.store.Tasks[task.ID]
	require.Equal(t, models.TaskStopped, stored.Status)
	require.Contains(t, string(stored.Errors), exitedWithoutReport)
}

func TestPauseReusedPID(t *testing.T) {
	f := setup(t)
	task := f.start(t)
	// Скрипт завершился, его PID занял процесс другой задачи.
	f.docker.Procs["ctr-1"] = []docker.Process{{PID: *task.PID, Stat: "S", Args: "python3 -u -c # task:other"}}

	w := do(f.r, http.MethodPost, "/tasks/"+task.ID+"/pause", "", as("u1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Empty(t, f.docker.Signals)
	require.Equal(t, models.TaskStopped, f.store.Tasks[task.ID].Status)
	require.Contains(t, string(f.store.Tasks[task.ID].Errors), exitedWithoutReport)
}

func TestStopZombieProcess(t *testing.T) {
	f := setup(t)
	task := f.start(t)
	f.docker.Procs["ctr-1"] = []docker.Process{{PID: *task.PID, Stat: "Z", Args: "[python3] <defunct>"}}

	require.Equal(t, http.StatusOK, do(f.r, http.MethodPost, "/tasks/"+task.ID+"/stop", "", as("u1")).Code)
	require.Empty(t, f.docker.Signals)
	require.Equal(t, models.TaskStopped, f.store.Tasks[task.ID].Status)
	require.Equal(t, 1, f.notes.Count())
}

func TestSignalFailureRevertsStatus(t *testing.T) {
	f := setup(t)
	task := f.start(t)
	f.docker.SignalErr = errors.New("daemon unavailable")

	w := do(f.r, http.MethodPost, "/tasks/"+task.ID+"/pause", "", as("u1"))
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Equal(t, models.TaskWorking, f.store.Tasks[task.ID].Status)
}

func TestReportLifecycle(t *testing.T) {
	f := setup(t)
	task := f.start(t)
	path := "/tasks/" + task.ID + "/progress"

	w := do(f.r, http.MethodPut, path, `{"status":"paused"}`, map[string]string{script.TokenHeader: "wrong"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, http.StatusUnauthorized, do(f.r, http.MethodPut, path, `{}`, nil).Code)

	w = f.report(t, task.ID, `{"progress":{"people":{"done":1,"total":2,"is_error":false}}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, 1, f.state.Sections[task.ID]["people"].Done)

	require.Equal(t, http.StatusOK, f.report(t, task.ID, `{"status":"paused"}`).Code)
	require.Equal(t, models.TaskPaused, f.store.Tasks[task.ID].Status)
	// Повтор текущего статуса допустим.
	require.Equal(t, http.StatusOK, f.report(t, task.ID, `{"status":"paused"}`).Code)
	require.Equal(t, http.StatusOK, f.report(t, task.ID, `{"status":"working"}`).Code)

	w = f.report(t, task.ID, `{"status":"finished","errors":{},"output":{"followed":2}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stored := f.store.Tasks[task.ID]
	require.Equal(t, models.TaskFinished, stored.Status)
	require.NotNil(t, stored.TimeEnd)
	require.JSONEq(t, `{"followed":2}`, string(stored.Output))
	require.Equal(t, 1, f.notes.Count())
	require.Equal(t, models.ClientStatusActive, f.state.Statuses["c1"])

	// Запоздалый отчёт после завершения.
	require.Equal(t, http.StatusConflict, f.report(t, task.ID, `{"status":"working"}`).Code)
	require.Equal(t, http.StatusOK, f.report(t, task.ID, `{"status":"finished","errors":{"late":"x"}}`).Code)
	require.JSONEq(t, `{"late":"x"}`, string(f.store.Tasks[task.ID].Errors))
	require.Equal(t, 1, f.notes.Count())
}

func TestReportFinishedAfterStop(t *testing.T) {
	f := setup(t)
	task := f.start(t)
	require.Equal(t, http.StatusOK, do(f.r, http.MethodPost, "/tasks/"+task.ID+"/stop", "", as("u1")).Code)

	// Скрипт успел дописать результат до того, как обработал SIGTERM.
	w := f.report(t, task.ID, `{"status":"finished","errors":{},"output":{"followed":1}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stored := f.store.Tasks[task.ID]
	require.Equal(t, models.TaskStopped, stored.Status)
	require.JSONEq(t, `{"followed":1}`, string(stored.Output))
	require.Equal(t, 1, f.notes.Count())

	require.Equal(t, http.StatusConflict, f.report(t, task.ID, `{"status":"paused"}`).Code)
}

func TestClientStaysBusyWhileTasksRemain(t *testing.T) {
	f := setup(t)
	first := f.start(t)
	second := f.start(t)

	require.Equal(t, http.StatusOK, do(f.r, http.MethodPost, "/tasks/"+first.ID+"/stop", "", as("u1")).Code)
	require.Equal(t, models.ClientStatusBusy, f.state.Statuses["c1"])

	w := f.report(t, second.ID, `{"status":"finished","output":{"followed":2}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, models.ClientStatusActive, f.state.Statuses["c1"])
}

func TestReportLoginRequired(t *testing.T) {
	f := setup(t)
	task := f.start(t)

	w := f.report(t, task.ID, `{"status":"finished","client_status":"login_required","errors":{"login":"required"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, models.ClientStatusLoginRequired, f.state.Statuses["c1"])
}

func TestReportUnknownStatus(t *testing.T) {
	f := setup(t)
	task := f.start(t)

	require.Equal(t, http.StatusBadRequest, f.report(t, task.ID, `{"status":"exploded"}`).Code)
	require.Equal(t, models.TaskWorking, f.store.Tasks[task.ID].Status)
}

func TestReconcileStopsVanished(t *testing.T) {
	f := setup(t)
	alive := f.start(t)
	gone := f.start(t)
	f.docker.Kill("ctr-1", *gone.PID)

	n, err := f.svc.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, models.TaskWorking, f.store.Tasks[alive.ID].Status)
	stopped := f.store.Tasks[gone.ID]
	require.Equal(t, models.TaskStopped, stopped.Status)
	require.JSONEq(t, `{"process":"exited without report"}`, string(stopped.Errors))

	n, err = f.svc.Reconcile(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReconcileStopsZombie(t *testing.T) {
	f := setup(t)
	task := f.start(t)
	f.docker.Procs["ctr-1"] = []docker.Process{
		{PID: "7", Stat: "R", Args: "ps -eo pid=,stat=,args="},
		{PID: *task.PID, Stat: "Z", Args: "[python3] <defunct>"},
	}

	n, err := f.svc.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, models.TaskStopped, f.store.Tasks[task.ID].Status)
	require.Equal(t, models.ClientStatusActive, f.state.Statuses["c1"])
}

func TestReconcileTaskWithoutPID(t *testing.T) {
	f := setup(t)
	f.store.Tasks["fresh"] = models.Task{ID: "fresh", Status: models.TaskWorking, ClientID: "c1", TimeStart: time.Now()}
	f.store.Tasks["stale"] = models.Task{ID: "stale", Status: models.TaskPaused, ClientID: "c1", TimeStart: time.Now().Add(-time.Hour)}

	n, err := f.svc.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, models.TaskWorking, f.store.Tasks["fresh"].Status)
	require.Equal(t, models.TaskStopped, f.store.Tasks["stale"].Status)
}

func TestReconcileAdoptsOrphan(t *testing.T) {
	f := setup(t)
	f.store.Tasks["orphan"] = models.Task{ID: "orphan", Status: models.TaskWorking, ClientID: "c1", TimeStart: time.Now().Add(-time.Hour)}
	f.docker.Procs["ctr-1"] = []docker.Process{
		{PID: "7", Args: "ps -eo pid=,args="},
		{PID: "42", Args: "python3 -u -c # task:orphan"},
	}

	n, err := f.svc.Reconcile(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	task := f.store.Tasks["orphan"]
	require.Equal(t, models.TaskWorking, task.Status)
	require.NotNil(t, task.PID)
	require.Equal(t, "42", *task.PID)
}

func TestClearProgress(t *testing.T) {
	f := setup(t)
	first := f.start(t)
	second := f.start(t)
	require.Len(t, f.state.Sections, 2)

	require.NoError(t, f.svc.ClearProgress(context.Background(), "c1"))
	require.NotContains(t, f.state.Sections, first.ID)
	require.NotContains(t, f.state.Sections, second.ID)
}

func TestReads(t *testing.T) {
	f := setup(t)
	task := f.start(t)
	f.docker.TailOut = "line 1\nline 2\n"
	f.report(t, task.ID, `{"progress":{"people":{"done":2,"total":2,"is_error":true}}}`)

	w := do(f.r, http.MethodGet, "/tasks?client_id=c1", "", as("u1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var list []models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)

	w = do(f.r, http.MethodGet, "/tasks", "", as("u2"))
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `[]`, w.Body.String())

	require.Equal(t, http.StatusBadRequest, do(f.r, http.MethodGet, "/tasks?page=0", "", as("u1")).Code)
	require.Equal(t, http.StatusForbidden, do(f.r, http.MethodGet, "/tasks?client_id=c1", "", as("u2")).Code)

	w = do(f.r, http.MethodGet, "/tasks/"+task.ID, "", as("u1"))
	require.Equal(t, http.StatusOK, w.Code)
	var view models.TaskView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.True(t, view.Progress["people"].IsError)
	require.NotContains(t, w.Body.String(), f.store.Tasks[task.ID].CallbackToken)

	w = do(f.r, http.MethodGet, "/tasks/"+task.ID+"/log", "", as("u1"))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "line 1\nline 2\n", w.Body.String())
}

func TestCallSync(t *testing.T) {
	f := setup(t)
	c, g, err := f.svc.OwnedClient("u1", "c1")
	require.NoError(t, err)

	f.docker.ExecOut = docker.ExecResult{
		Stdout: "warming up\n" + `{"errors":{},"output":{"results":[1]},"login_required":true}` + "\n",
	}
	res, err := f.svc.Call(context.Background(), c, g, script.CallParams{FunctionName: "user_info", IterationCount: 1})
	require.NoError(t, err)
	require.JSONEq(t, `{"results":[1]}`, string(res.Output))
	require.True(t, res.LoginRequired)
	require.Equal(t, models.ClientStatusLoginRequired, f.state.Statuses["c1"])
	require.True(t, strings.HasPrefix(f.docker.Scripts[0], "# call:c1\n"))
	require.Empty(t, f.store.Tasks)

	f.docker.ExecOut = docker.ExecResult{Stderr: "Traceback\nValueError: bad\n", ExitCode: 1}
	res, err = f.svc.Call(context.Background(), c, g, script.CallParams{FunctionName: "user_info", IterationCount: 1})
	require.NoError(t, err)
	require.JSONEq(t, `{"script":"ValueError: bad"}`, string(res.Errors))

	_, err = f.svc.Call(context.Background(), c, g, script.CallParams{FunctionName: "_private", IterationCount: 1})
	require.ErrorIs(t, err, script.ErrInvalidParams)
}

func TestClientLocks(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	l := NewClientLocks(log)

	unlock, err := l.Lock(context.Background(), "c1")
	require.NoError(t, err)
	_, ok := l.TryLock("c1")
	require.False(t, ok)

	other, ok := l.TryLock("c2")
	require.True(t, ok)
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "c1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	again, ok := l.TryLock("c1")
	require.True(t, ok)
	again()
	require.Empty(t, l.locks)
}

func TestStopClient(t *testing.T) {
	f := setup(t)
	first := f.start(t)
	second := f.start(t)
	require.Equal(t, http.StatusOK, do(f.r, http.MethodPost, "/tasks/"+second.ID+"/pause", "", as("u1")).Code)

	n, err := f.svc.StopClient(context.Background(), "u1", "c1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, models.TaskStopped, f.store.Tasks[first.ID].Status)
	require.Equal(t, models.TaskStopped, f.store.Tasks[second.ID].Status)

	_, err = f.svc.StopClient(context.Background(), "u2", "c1")
	require.NoError(t, err)
}
