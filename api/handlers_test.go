package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

type mockTasks struct {
	tasks []domain.Task
	task  *domain.Task
	err   error

	lastBoard   string
	lastTask    string
	lastVersion int64
	lastPatch   domain.TaskPatch
	lastInput   domain.CreateTaskInput
	deleted     bool
}

func (m *mockTasks) List(ctx context.Context, boardID string) ([]domain.Task, error) {
	m.lastBoard = boardID
	return m.tasks, m.err
}

func (m *mockTasks) Create(ctx context.Context, actorID, boardID string, in domain.CreateTaskInput) (*domain.Task, error) {
	m.lastBoard = boardID
	m.lastInput = in
	return m.task, m.err
}

func (m *mockTasks) Update(ctx context.Context, actorID, boardID, taskID string, clientVersion int64, patch domain.TaskPatch) (*domain.Task, error) {
	m.lastBoard, m.lastTask = boardID, taskID
	m.lastVersion, m.lastPatch = clientVersion, patch
	return m.task, m.err
}

func (m *mockTasks) Delete(ctx context.Context, actorID, boardID, taskID string) error {
	m.lastBoard, m.lastTask = boardID, taskID
	m.deleted = true
	return m.err
}

func (m *mockTasks) SmartAssign(ctx context.Context, actorID, boardID, taskID string) (*domain.Task, error) {
	m.lastBoard, m.lastTask = boardID, taskID
	return m.task, m.err
}

type mockLogs struct {
	logs  []domain.ActionLog
	total int
	err   error

	lastBoard    string
	lastUser     string
	lastPage     int
	lastPageSize int
}

func (m *mockLogs) LogsByBoard(ctx context.Context, boardID string, page, pageSize int) ([]domain.ActionLog, int, error) {
	m.lastBoard, m.lastPage, m.lastPageSize = boardID, page, pageSize
	return m.logs, m.total, m.err
}

func (m *mockLogs) LogsByUser(ctx context.Context, userID string, page, pageSize int) ([]domain.ActionLog, int, error) {
	m.lastUser, m.lastPage, m.lastPageSize = userID, page, pageSize
	return m.logs, m.total, m.err
}

func (m *mockLogs) RecentLogs(ctx context.Context, boardID string, limit int) ([]domain.ActionLog, error) {
	m.lastBoard, m.lastPageSize = boardID, limit
	return m.logs, m.err
}

type mockAuth struct {
	user domain.UserRef
	err  error
}

func (m mockAuth) UserFromAuthHeader(string) (domain.UserRef, error) { return m.user, m.err }
func (m mockAuth) UserFromToken(string) (domain.UserRef, error)      { return m.user, m.err }

type mockDeduper struct {
	fresh   bool
	added   []string
	removed []string
}

func (m *mockDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	m.added = append(m.added, key)
	return m.fresh, nil
}

func (m *mockDeduper) Remove(ctx context.Context, userID, key string) error {
	m.removed = append(m.removed, key)
	return nil
}

func newTestHandlers(tasks TaskService, logs LogReader, deduper Deduper) *handlers {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return &handlers{
		tasks:   tasks,
		logs:    logs,
		auth:    mockAuth{user: domain.UserRef{ID: "user-1", Name: "Amy"}},
		deduper: deduper,
		logger:  logger,
	}
}

func newRequestContext(method, target, body string, params map[string]string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(echo.HeaderAuthorization, "Bearer h.p.s")
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	names := make([]string, 0, len(params))
	values := make([]string, 0, len(params))
	for k, v := range params {
		names = append(names, k)
		values = append(values, v)
	}
	c.SetParamNames(names...)
	c.SetParamValues(values...)
	return c, rec
}

func TestListTasks(t *testing.T) {
	tasks := &mockTasks{tasks: []domain.Task{{ID: "t1", Title: "Ship it", Version: 3}}}
	h := newTestHandlers(tasks, &mockLogs{}, nil)
	c, rec := newRequestContext(http.MethodGet, "/api/boards/b1/tasks", "", map[string]string{"boardId": "b1"})

	if err := h.listTasks(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if tasks.lastBoard != "b1" {
		t.Fatalf("board = %q, want b1", tasks.lastBoard)
	}
	var resp tasksResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Tasks) != 1 || resp.Tasks[0].ID != "t1" {
		t.Fatalf("unexpected tasks: %+v", resp.Tasks)
	}
}

func TestListTasksUnauthorized(t *testing.T) {
	h := newTestHandlers(&mockTasks{}, &mockLogs{}, nil)
	h.auth = mockAuth{err: errors.New("bad token")}
	c, rec := newRequestContext(http.MethodGet, "/api/boards/b1/tasks", "", map[string]string{"boardId": "b1"})

	if err := h.listTasks(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCreateTask(t *testing.T) {
	created := &domain.Task{ID: "t1", Title: "Ship it", Version: 1, AssignedTo: "user-2"}
	tasks := &mockTasks{task: created}
	h := newTestHandlers(tasks, &mockLogs{}, nil)
	body := `{"title":"Ship it","priority":"High"}`
	c, rec := newRequestContext(http.MethodPost, "/api/boards/b1/tasks", body, map[string]string{"boardId": "b1"})

	if err := h.createTask(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if tasks.lastInput.Title != "Ship it" || tasks.lastInput.Priority != domain.PriorityHigh {
		t.Fatalf("unexpected input: %+v", tasks.lastInput)
	}
}

func TestCreateTaskDuplicateIdempotencyKey(t *testing.T) {
	deduper := &mockDeduper{fresh: false}
	h := newTestHandlers(&mockTasks{task: &domain.Task{ID: "t1"}}, &mockLogs{}, deduper)
	c, rec := newRequestContext(http.MethodPost, "/api/boards/b1/tasks", `{"title":"Ship it"}`, map[string]string{"boardId": "b1"})
	c.Request().Header.Set(headerIdempotencyKey, "key-1")

	if err := h.createTask(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if len(deduper.added) != 1 || deduper.added[0] != "key-1" {
		t.Fatalf("deduper adds = %v", deduper.added)
	}
}

func TestCreateTaskRollsBackKeyOnFailure(t *testing.T) {
	deduper := &mockDeduper{fresh: true}
	h := newTestHandlers(&mockTasks{err: domain.ErrTitleTaken}, &mockLogs{}, deduper)
	c, rec := newRequestContext(http.MethodPost, "/api/boards/b1/tasks", `{"title":"Ship it"}`, map[string]string{"boardId": "b1"})
	c.Request().Header.Set(headerIdempotencyKey, "key-1")

	if err := h.createTask(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if len(deduper.removed) != 1 || deduper.removed[0] != "key-1" {
		t.Fatalf("deduper removals = %v", deduper.removed)
	}
}

func TestCreateTaskTitleTaken(t *testing.T) {
	h := newTestHandlers(&mockTasks{err: domain.ErrTitleTaken}, &mockLogs{}, nil)
	c, rec := newRequestContext(http.MethodPost, "/api/boards/b1/tasks", `{"title":"Ship it"}`, map[string]string{"boardId": "b1"})

	if err := h.createTask(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var resp errorResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != codeTitleTaken {
		t.Fatalf("error code = %q, want %q", resp.Error, codeTitleTaken)
	}
}

func TestUpdateTaskPassesVersionAndPatch(t *testing.T) {
	updated := &domain.Task{ID: "t1", Title: "Renamed", Version: 4}
	tasks := &mockTasks{task: updated}
	h := newTestHandlers(tasks, &mockLogs{}, nil)
	body := `{"version":3,"patch":{"title":"Renamed"}}`
	c, rec := newRequestContext(http.MethodPut, "/api/boards/b1/tasks/t1", body, map[string]string{"boardId": "b1", "taskId": "t1"})

	if err := h.updateTask(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if tasks.lastVersion != 3 {
		t.Fatalf("version = %d, want 3", tasks.lastVersion)
	}
	if tasks.lastPatch.Title == nil || *tasks.lastPatch.Title != "Renamed" {
		t.Fatalf("patch title = %v", tasks.lastPatch.Title)
	}
}

func TestUpdateTaskVersionConflict(t *testing.T) {
	current := &domain.Task{ID: "t1", Title: "Server copy", Version: 5}
	conflict := &domain.ConflictError{Task: current, ClientVersion: 3, ServerVersion: 5}
	h := newTestHandlers(&mockTasks{err: conflict}, &mockLogs{}, nil)
	body := `{"version":3,"patch":{"title":"Renamed"}}`
	c, rec := newRequestContext(http.MethodPut, "/api/boards/b1/tasks/t1", body, map[string]string{"boardId": "b1", "taskId": "t1"})

	if err := h.updateTask(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var resp conflictResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != codeVersionConflict {
		t.Fatalf("error code = %q, want %q", resp.Error, codeVersionConflict)
	}
	if resp.ServerVersion != 5 || resp.ClientVersion != 3 {
		t.Fatalf("versions = client %d server %d", resp.ClientVersion, resp.ServerVersion)
	}
	if resp.CurrentTask == nil || resp.CurrentTask.Version != 5 {
		t.Fatalf("current task missing from conflict body: %+v", resp.CurrentTask)
	}
}

func TestDeleteTask(t *testing.T) {
	tasks := &mockTasks{}
	h := newTestHandlers(tasks, &mockLogs{}, nil)
	c, rec := newRequestContext(http.MethodDelete, "/api/boards/b1/tasks/t1", "", map[string]string{"boardId": "b1", "taskId": "t1"})

	if err := h.deleteTask(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if !tasks.deleted || tasks.lastTask != "t1" {
		t.Fatalf("delete not forwarded: %+v", tasks)
	}
}

func TestDeleteTaskNotFound(t *testing.T) {
	h := newTestHandlers(&mockTasks{err: domain.ErrNotFound}, &mockLogs{}, nil)
	c, rec := newRequestContext(http.MethodDelete, "/api/boards/b1/tasks/missing", "", map[string]string{"boardId": "b1", "taskId": "missing"})

	if err := h.deleteTask(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSmartAssignNoCandidates(t *testing.T) {
	h := newTestHandlers(&mockTasks{err: domain.ErrNoAssignableUser}, &mockLogs{}, nil)
	c, rec := newRequestContext(http.MethodPost, "/api/boards/b1/tasks/t1/smart-assign", "", map[string]string{"boardId": "b1", "taskId": "t1"})

	if err := h.smartAssign(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var resp errorResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != codeNoAssignableUser {
		t.Fatalf("error code = %q, want %q", resp.Error, codeNoAssignableUser)
	}
}

func TestBoardLogsPagination(t *testing.T) {
	logs := &mockLogs{logs: []domain.ActionLog{{ID: "l1", Action: domain.ActionTaskCreated}}, total: 41}
	h := newTestHandlers(&mockTasks{}, logs, nil)
	c, rec := newRequestContext(http.MethodGet, "/api/boards/b1/logs?page=2&pageSize=10", "", map[string]string{"boardId": "b1"})

	if err := h.boardLogs(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if logs.lastPage != 2 || logs.lastPageSize != 10 {
		t.Fatalf("pagination = page %d size %d", logs.lastPage, logs.lastPageSize)
	}
	var resp logsResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TotalCount != 41 || resp.Page != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestBoardLogsInvalidPageSize(t *testing.T) {
	h := newTestHandlers(&mockTasks{}, &mockLogs{}, nil)
	c, rec := newRequestContext(http.MethodGet, "/api/boards/b1/logs?pageSize=0", "", map[string]string{"boardId": "b1"})

	if err := h.boardLogs(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRecentLogs(t *testing.T) {
	logs := &mockLogs{logs: []domain.ActionLog{{ID: "l1"}, {ID: "l2"}}}
	h := newTestHandlers(&mockTasks{}, logs, nil)
	c, rec := newRequestContext(http.MethodGet, "/api/boards/b1/logs/recent?limit=5", "", map[string]string{"boardId": "b1"})

	if err := h.recentLogs(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if logs.lastBoard != "b1" || logs.lastPageSize != 5 {
		t.Fatalf("forwarded board %q limit %d", logs.lastBoard, logs.lastPageSize)
	}
}

func TestRecentLogsInvalidLimit(t *testing.T) {
	h := newTestHandlers(&mockTasks{}, &mockLogs{}, nil)
	c, rec := newRequestContext(http.MethodGet, "/api/boards/b1/logs/recent?limit=0", "", map[string]string{"boardId": "b1"})

	if err := h.recentLogs(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestUserLogs(t *testing.T) {
	logs := &mockLogs{logs: []domain.ActionLog{{ID: "l1"}}, total: 1}
	h := newTestHandlers(&mockTasks{}, logs, nil)
	c, rec := newRequestContext(http.MethodGet, "/api/users/u1/logs", "", map[string]string{"userId": "u1"})

	if err := h.userLogs(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if logs.lastUser != "u1" {
		t.Fatalf("user = %q, want u1", logs.lastUser)
	}
}

func TestHealthz(t *testing.T) {
	h := newTestHandlers(&mockTasks{}, &mockLogs{}, nil)
	c, rec := newRequestContext(http.MethodGet, "/healthz", "", nil)

	if err := h.healthz(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
