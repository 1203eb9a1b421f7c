package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, tasks TaskService, logs LogReader, auth Authenticator, deduper Deduper, ws *WSHandler, logger *log.Logger) {
	h := &handlers{tasks: tasks, logs: logs, auth: auth, deduper: deduper, logger: logger}

	e.GET("/api/boards/:boardId/tasks", h.listTasks)
	e.POST("/api/boards/:boardId/tasks", h.createTask)
	e.PUT("/api/boards/:boardId/tasks/:taskId", h.updateTask)
	e.DELETE("/api/boards/:boardId/tasks/:taskId", h.deleteTask)
	e.POST("/api/boards/:boardId/tasks/:taskId/smart-assign", h.smartAssign)
	e.GET("/api/boards/:boardId/logs", h.boardLogs)
	e.GET("/api/boards/:boardId/logs/recent", h.recentLogs)
	e.GET("/api/users/:userId/logs", h.userLogs)
	e.GET("/healthz", h.healthz)
	if ws != nil {
		e.GET("/ws", ws.Serve)
	}
}

type handlers struct {
	tasks   TaskService
	logs    LogReader
	auth    Authenticator
	deduper Deduper
	logger  *log.Logger
}

func (h *handlers) healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func (h *handlers) listTasks(c echo.Context) (err error) {
	ctx := c.Request().Context()
	metrics, spanCtx := newRequestMetrics(ctx, h.logger, "/api/boards/:boardId/tasks")
	ctx = spanCtx
	defer func() {
		metrics.Log(c.Response().Status, err)
	}()

	authStart := time.Now()
	_, authErr := h.auth.UserFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	metrics.ObserveAuth(time.Since(authStart))
	if authErr != nil {
		metrics.SetErrorStage("auth")
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: authErr.Error()})
	}

	serviceStart := time.Now()
	tasks, listErr := h.tasks.List(ctx, c.Param("boardId"))
	metrics.ObserveService(time.Since(serviceStart))
	if listErr != nil {
		metrics.SetErrorStage("storage")
		return h.writeError(c, listErr)
	}
	metrics.SetTasksReturned(len(tasks))

	encodeStart := time.Now()
	err = c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
	metrics.ObserveEncode(time.Since(encodeStart))
	if err != nil {
		metrics.SetErrorStage("encode_response")
	}
	return err
}

func (h *handlers) createTask(c echo.Context) (err error) {
	ctx := c.Request().Context()
	metrics, spanCtx := newRequestMetrics(ctx, h.logger, "/api/boards/:boardId/tasks")
	ctx = spanCtx
	defer func() {
		metrics.Log(c.Response().Status, err)
	}()

	authStart := time.Now()
	actor, authErr := h.auth.UserFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	metrics.ObserveAuth(time.Since(authStart))
	if authErr != nil {
		metrics.SetErrorStage("auth")
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: authErr.Error()})
	}

	var in domain.CreateTaskInput
	if err := decodeBody(c, &in); err != nil {
		metrics.SetErrorStage("decode")
		return c.JSON(http.StatusBadRequest, errorResponse{Error: codeValidation, Message: "invalid body"})
	}

	idemKey := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
	if idemKey != "" && h.deduper != nil {
		fresh, dedupErr := h.deduper.Add(ctx, actor.ID, idemKey)
		if dedupErr != nil {
			h.logger.WithError(dedupErr).Warn("idempotency check unavailable")
		} else if !fresh {
			metrics.SetErrorStage("duplicate")
			return c.JSON(http.StatusConflict, errorResponse{Error: codeConflict, Message: "duplicate request"})
		}
	}

	serviceStart := time.Now()
	task, createErr := h.tasks.Create(ctx, actor.ID, c.Param("boardId"), in)
	metrics.ObserveService(time.Since(serviceStart))
	if createErr != nil {
		if idemKey != "" && h.deduper != nil {
			if rerr := h.deduper.Remove(ctx, actor.ID, idemKey); rerr != nil {
				h.logger.WithError(rerr).Warn("idempotency rollback failed")
			}
		}
		metrics.SetErrorStage(stageFor(createErr))
		return h.writeError(c, createErr)
	}
	metrics.SetTasksReturned(1)

	encodeStart := time.Now()
	err = c.JSON(http.StatusCreated, task)
	metrics.ObserveEncode(time.Since(encodeStart))
	if err != nil {
		metrics.SetErrorStage("encode_response")
	}
	return err
}

func (h *handlers) updateTask(c echo.Context) (err error) {
	ctx := c.Request().Context()
	metrics, spanCtx := newRequestMetrics(ctx, h.logger, "/api/boards/:boardId/tasks/:taskId")
	ctx = spanCtx
	defer func() {
		metrics.Log(c.Response().Status, err)
	}()

	authStart := time.Now()
	actor, authErr := h.auth.UserFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	metrics.ObserveAuth(time.Since(authStart))
	if authErr != nil {
		metrics.SetErrorStage("auth")
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: authErr.Error()})
	}

	var req updateTaskRequest
	if err := decodeBody(c, &req); err != nil {
		metrics.SetErrorStage("decode")
		return c.JSON(http.StatusBadRequest, errorResponse{Error: codeValidation, Message: "invalid body"})
	}

	serviceStart := time.Now()
	task, updateErr := h.tasks.Update(ctx, actor.ID, c.Param("boardId"), c.Param("taskId"), req.Version, req.Patch)
	metrics.ObserveService(time.Since(serviceStart))
	if updateErr != nil {
		metrics.SetErrorStage(stageFor(updateErr))
		return h.writeError(c, updateErr)
	}
	metrics.SetTasksReturned(1)

	encodeStart := time.Now()
	err = c.JSON(http.StatusOK, task)
	metrics.ObserveEncode(time.Since(encodeStart))
	if err != nil {
		metrics.SetErrorStage("encode_response")
	}
	return err
}

func (h *handlers) deleteTask(c echo.Context) error {
	ctx := c.Request().Context()
	actor, err := h.auth.UserFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: err.Error()})
	}

	if err := h.tasks.Delete(ctx, actor.ID, c.Param("boardId"), c.Param("taskId")); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) smartAssign(c echo.Context) error {
	ctx := c.Request().Context()
	actor, err := h.auth.UserFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: err.Error()})
	}

	task, err := h.tasks.SmartAssign(ctx, actor.ID, c.Param("boardId"), c.Param("taskId"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

func (h *handlers) boardLogs(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := h.auth.UserFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: err.Error()})
	}

	page, pageSize, err := pagination(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: codeValidation, Message: err.Error()})
	}

	logs, total, err := h.logs.LogsByBoard(ctx, c.Param("boardId"), page, pageSize)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, logsResponse{Logs: logs, Page: page, PageSize: pageSize, TotalCount: total})
}

func (h *handlers) recentLogs(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := h.auth.UserFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: err.Error()})
	}

	limit := 20
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: codeValidation, Message: "invalid limit"})
		}
		limit = n
	}

	logs, err := h.logs.RecentLogs(ctx, c.Param("boardId"), limit)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, logsResponse{Logs: logs, Page: 1, PageSize: limit, TotalCount: len(logs)})
}

func (h *handlers) userLogs(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := h.auth.UserFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: err.Error()})
	}

	page, pageSize, err := pagination(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: codeValidation, Message: err.Error()})
	}

	logs, total, err := h.logs.LogsByUser(ctx, c.Param("userId"), page, pageSize)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, logsResponse{Logs: logs, Page: page, PageSize: pageSize, TotalCount: total})
}

// writeError maps domain failures onto stable HTTP responses. Version
// conflicts carry the server's task so the client can merge.
func (h *handlers) writeError(c echo.Context, err error) error {
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		return c.JSON(http.StatusConflict, conflictResponse{
			Error:         codeVersionConflict,
			Message:       conflict.Error(),
			ClientVersion: conflict.ClientVersion,
			ServerVersion: conflict.ServerVersion,
			CurrentTask:   conflict.Task,
		})
	}
	switch {
	case errors.Is(err, domain.ErrValidation):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: codeValidation, Message: err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: codeNotFound, Message: err.Error()})
	case errors.Is(err, domain.ErrTitleTaken):
		return c.JSON(http.StatusConflict, errorResponse{Error: codeTitleTaken, Message: err.Error()})
	case errors.Is(err, domain.ErrNoAssignableUser):
		return c.JSON(http.StatusConflict, errorResponse{Error: codeNoAssignableUser, Message: err.Error()})
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return c.JSON(http.StatusConflict, errorResponse{Error: codeConflict, Message: err.Error()})
	}
	h.logger.WithError(err).Error("request failed")
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal", Message: "internal error"})
}

func stageFor(err error) string {
	var conflict *domain.ConflictError
	switch {
	case errors.As(err, &conflict), errors.Is(err, domain.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrTitleTaken):
		return "title_taken"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "storage"
	}
}

func decodeBody(c echo.Context, out any) error {
	lr := io.LimitReader(c.Request().Body, mutationMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	return dec.Decode(out)
}

func pagination(c echo.Context) (page, pageSize int, err error) {
	page, pageSize = 1, 20
	if raw := strings.TrimSpace(c.QueryParam("page")); raw != "" {
		page, err = strconv.Atoi(raw)
		if err != nil || page < 1 {
			return 0, 0, errors.New("invalid page")
		}
	}
	if raw := strings.TrimSpace(c.QueryParam("pageSize")); raw != "" {
		pageSize, err = strconv.Atoi(raw)
		if err != nil || pageSize < 1 || pageSize > 100 {
			return 0, 0, errors.New("invalid page size")
		}
	}
	return page, pageSize, nil
}
