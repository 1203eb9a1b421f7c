package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// TaskStorage defines the entity store operations the task service needs.
// GetTask returns the task with its storage ETag; UpdateTask and DeleteTask
// are conditional on that ETag and fail with ErrConcurrencyConflict when the
// entity changed since it was read.
type TaskStorage interface {
	GetTask(ctx context.Context, boardID, taskID string) (*Task, string, error)
	ListTasks(ctx context.Context, boardID string) ([]Task, error)
	InsertTask(ctx context.Context, t Task) error
	UpdateTask(ctx context.Context, t Task, prevTitle, etag string) error
	DeleteTask(ctx context.Context, t Task, etag string) error
	GetUser(ctx context.Context, userID string) (*User, error)
	GetBoard(ctx context.Context, boardID string) (*Board, error)
	AppendLog(ctx context.Context, entry ActionLog) (*ActionLog, error)
}

// Balancer keeps per-user active-task counts and selects assignees.
// SelectLeastLoaded atomically reserves the least-loaded eligible user,
// incrementing their count as part of the selection.
type Balancer interface {
	SelectLeastLoaded(ctx context.Context, boardID string) (string, error)
	Adjust(ctx context.Context, boardID, userID string, delta int64) error
	Seed(ctx context.Context, boardID string, members []string) error
}

// Broadcaster fans a committed event out to a board's room. Delivery is
// best-effort relative to persistence; failures must not surface here.
type Broadcaster interface {
	Broadcast(boardID, event string, payload any)
}

// RecountQueue accepts best-effort requests for a later counter recount.
type RecountQueue interface {
	EnqueueRecount(ctx context.Context, boardID, userID string) error
}

// TaskService executes task mutations in the required order: persist, then
// counters, then activity log, then broadcast. A persistence failure aborts
// everything after it; broadcast problems are logged and swallowed.
type TaskService struct {
	store   TaskStorage
	load    Balancer
	hub     Broadcaster
	repairs RecountQueue
	logger  *log.Logger

	mu     sync.Mutex
	fanout map[string]*sync.Mutex
}

// NewTaskService wires the service. repairs may be nil when no repair queue
// is deployed.
func NewTaskService(store TaskStorage, load Balancer, hub Broadcaster, repairs RecountQueue, logger *log.Logger) *TaskService {
	if store == nil || load == nil || hub == nil {
		panic("domain.NewTaskService: store, load and hub are required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &TaskService{
		store:   store,
		load:    load,
		hub:     hub,
		repairs: repairs,
		logger:  logger,
		fanout:  make(map[string]*sync.Mutex),
	}
}

// List returns the board's tasks sorted for column rendering.
func (s *TaskService) List(ctx context.Context, boardID string) ([]Task, error) {
	return s.store.ListTasks(ctx, boardID)
}

// Create persists a new task at version 1. When in.AssignedTo is empty the
// least-loaded board member is selected atomically.
func (s *TaskService) Create(ctx context.Context, actorID, boardID string, in CreateTaskInput) (*Task, error) {
	if err := ValidateTitle(in.Title); err != nil {
		return nil, err
	}
	if err := ValidateDescription(in.Description); err != nil {
		return nil, err
	}
	priority := in.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, priority)
	}

	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}

	assignee := in.AssignedTo
	autoAssigned := false
	if assignee != "" && !board.IsMember(assignee) {
		return nil, fmt.Errorf("%w: %s is not a member of this board", ErrValidation, assignee)
	}
	if assignee == "" {
		if err := s.load.Seed(ctx, boardID, board.Members); err != nil {
			return nil, err
		}
		assignee, err = s.load.SelectLeastLoaded(ctx, boardID)
		if err != nil {
			return nil, err
		}
		autoAssigned = true
	}
	assignedUser, err := s.store.GetUser(ctx, assignee)
	if err != nil {
		if autoAssigned {
			s.rollbackCount(ctx, boardID, assignee, -1)
		}
		return nil, err
	}

	now := time.Now().UTC()
	task := Task{
		ID:           uuid.NewString(),
		Title:        in.Title,
		Description:  in.Description,
		Status:       StatusTodo,
		Priority:     priority,
		AssignedTo:   assignee,
		BoardID:      boardID,
		Position:     in.Position,
		Version:      1,
		LastEditedBy: actorID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		if autoAssigned {
			s.rollbackCount(ctx, boardID, assignee, -1)
		}
		return nil, err
	}

	// Selection already counted the auto-assigned task.
	if !autoAssigned {
		if err := s.load.Adjust(ctx, boardID, assignee, 1); err != nil {
			s.logger.WithError(err).WithField("user", assignee).Error("active count increment failed")
		}
	}
	s.requestRecount(ctx, boardID, assignee)

	_, err = s.logAndBroadcast(ctx, boardID, EventTaskCreated, ActionLog{
		UserID:  actorID,
		Action:  ActionTaskCreated,
		Message: fmt.Sprintf("%s created task %q", actor.Name, task.Title),
		TaskID:  task.ID,
		BoardID: boardID,
		Metadata: map[string]any{
			"priority":   string(priority),
			"assignedTo": assignedUser.Name,
		},
	}, actor, func(entry *ActionLog) any {
		return TaskEvent{Task: &task, ActionLog: entry}
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Update applies a partial edit guarded by the version the client observed.
// A stale version yields a ConflictError with the current server snapshot.
func (s *TaskService) Update(ctx context.Context, actorID, boardID, taskID string, clientVersion int64, patch TaskPatch) (*Task, error) {
	if patch.Empty() {
		return nil, fmt.Errorf("%w: update had no fields", ErrValidation)
	}
	if patch.Title != nil {
		if err := ValidateTitle(*patch.Title); err != nil {
			return nil, err
		}
	}
	if patch.Description != nil {
		if err := ValidateDescription(*patch.Description); err != nil {
			return nil, err
		}
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, *patch.Status)
	}
	if patch.Priority != nil && !patch.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, *patch.Priority)
	}

	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}

	current, etag, err := s.store.GetTask(ctx, boardID, taskID)
	if err != nil {
		return nil, err
	}
	if err := CheckConflict(current, clientVersion); err != nil {
		return nil, err
	}

	oldStatus := current.Status
	oldAssignee := current.AssignedTo
	prevTitle := current.Title

	next := *current
	if patch.Title != nil {
		next.Title = *patch.Title
	}
	if patch.Description != nil {
		next.Description = *patch.Description
	}
	if patch.Status != nil {
		next.Status = *patch.Status
	}
	if patch.Priority != nil {
		next.Priority = *patch.Priority
	}
	if patch.AssignedTo != nil {
		next.AssignedTo = *patch.AssignedTo
	}
	if patch.Position != nil {
		next.Position = *patch.Position
	}
	next.Version = current.Version + 1
	next.LastEditedBy = actorID
	next.UpdatedAt = time.Now().UTC()

	if next.AssignedTo != oldAssignee {
		if _, err := s.store.GetUser(ctx, next.AssignedTo); err != nil {
			return nil, err
		}
	}

	if err := s.store.UpdateTask(ctx, next, prevTitle, etag); err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			// Another writer slipped between our read and write. Surface it as
			// an ordinary conflict with a fresh snapshot.
			fresh, _, gerr := s.store.GetTask(ctx, boardID, taskID)
			if gerr != nil {
				return nil, gerr
			}
			return nil, &ConflictError{Task: fresh, ClientVersion: clientVersion, ServerVersion: fresh.Version}
		}
		return nil, err
	}

	s.settleCounts(ctx, boardID, oldAssignee, oldStatus, next.AssignedTo, next.Status)

	action := ActionTaskUpdated
	message := fmt.Sprintf("%s updated task %q", actor.Name, next.Title)
	if next.Status != oldStatus {
		action = ActionTaskMoved
		message = fmt.Sprintf("%s moved %q to %s", actor.Name, next.Title, next.Status)
	}
	_, err = s.logAndBroadcast(ctx, boardID, EventTaskUpdated, ActionLog{
		UserID:  actorID,
		Action:  action,
		Message: message,
		TaskID:  next.ID,
		BoardID: boardID,
		Metadata: map[string]any{
			"oldStatus": string(oldStatus),
			"newStatus": string(next.Status),
			"changes":   patch.changedFields(),
		},
	}, actor, func(entry *ActionLog) any {
		return TaskEvent{Task: &next, ActionLog: entry}
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// Delete removes a task and releases its slot in the assignee's count.
func (s *TaskService) Delete(ctx context.Context, actorID, boardID, taskID string) error {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return err
	}
	task, etag, err := s.store.GetTask(ctx, boardID, taskID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTask(ctx, *task, etag); err != nil {
		return err
	}

	if task.Status != StatusDone {
		if err := s.load.Adjust(ctx, boardID, task.AssignedTo, -1); err != nil {
			s.logger.WithError(err).WithField("user", task.AssignedTo).Error("active count decrement failed")
		}
	}
	s.requestRecount(ctx, boardID, task.AssignedTo)

	_, err = s.logAndBroadcast(ctx, boardID, EventTaskDeleted, ActionLog{
		UserID:   actorID,
		Action:   ActionTaskDeleted,
		Message:  fmt.Sprintf("%s deleted task %q", actor.Name, task.Title),
		BoardID:  boardID,
		Metadata: map[string]any{"deletedTask": task.Title},
	}, actor, func(entry *ActionLog) any {
		return TaskDeletedEvent{TaskID: task.ID, ActionLog: entry}
	})
	return err
}

// SmartAssign reassigns a task to the currently least-loaded board member.
func (s *TaskService) SmartAssign(ctx context.Context, actorID, boardID, taskID string) (*Task, error) {
	actor, err := s.actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}

	task, etag, err := s.store.GetTask(ctx, boardID, taskID)
	if err != nil {
		return nil, err
	}
	oldAssignee := task.AssignedTo

	if err := s.load.Seed(ctx, boardID, board.Members); err != nil {
		return nil, err
	}
	newAssignee, err := s.load.SelectLeastLoaded(ctx, boardID)
	if err != nil {
		return nil, err
	}
	newUser, err := s.store.GetUser(ctx, newAssignee)
	if err != nil {
		s.rollbackCount(ctx, boardID, newAssignee, -1)
		return nil, err
	}
	oldUser, err := s.store.GetUser(ctx, oldAssignee)
	if err != nil {
		s.rollbackCount(ctx, boardID, newAssignee, -1)
		return nil, err
	}

	next := *task
	next.AssignedTo = newAssignee
	next.Version = task.Version + 1
	next.LastEditedBy = actorID
	next.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateTask(ctx, next, task.Title, etag); err != nil {
		s.rollbackCount(ctx, boardID, newAssignee, -1)
		if errors.Is(err, ErrConcurrencyConflict) {
			fresh, _, gerr := s.store.GetTask(ctx, boardID, taskID)
			if gerr != nil {
				return nil, gerr
			}
			return nil, &ConflictError{Task: fresh, ClientVersion: task.Version, ServerVersion: fresh.Version}
		}
		return nil, err
	}

	// Selection already counted the new assignee; release the old one unless
	// the task no longer occupies an active slot or nothing changed.
	if newAssignee == oldAssignee {
		s.rollbackCount(ctx, boardID, newAssignee, -1)
	} else if task.Status != StatusDone {
		if err := s.load.Adjust(ctx, boardID, oldAssignee, -1); err != nil {
			s.logger.WithError(err).WithField("user", oldAssignee).Error("active count decrement failed")
		}
	} else {
		// A Done task occupies no slot for either side.
		s.rollbackCount(ctx, boardID, newAssignee, -1)
	}
	s.requestRecount(ctx, boardID, oldAssignee)
	s.requestRecount(ctx, boardID, newAssignee)

	_, err = s.logAndBroadcast(ctx, boardID, EventTaskUpdated, ActionLog{
		UserID:  actorID,
		Action:  ActionTaskAssigned,
		Message: fmt.Sprintf("%s smart-assigned %q to %s", actor.Name, next.Title, newUser.Name),
		TaskID:  next.ID,
		BoardID: boardID,
		Metadata: map[string]any{
			"oldAssignee": oldUser.Name,
			"newAssignee": newUser.Name,
		},
	}, actor, func(entry *ActionLog) any {
		return TaskEvent{Task: &next, ActionLog: entry}
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

func (s *TaskService) actor(ctx context.Context, actorID string) (*User, error) {
	u, err := s.store.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// settleCounts applies the active-count deltas implied by an assignment or
// status change. Only non-Done tasks occupy a slot.
func (s *TaskService) settleCounts(ctx context.Context, boardID, oldAssignee string, oldStatus Status, newAssignee string, newStatus Status) {
	occupiedBefore := oldStatus != StatusDone
	occupiedAfter := newStatus != StatusDone

	type delta struct {
		user string
		d    int64
	}
	var deltas []delta
	if oldAssignee == newAssignee {
		switch {
		case occupiedBefore && !occupiedAfter:
			deltas = append(deltas, delta{oldAssignee, -1})
		case !occupiedBefore && occupiedAfter:
			deltas = append(deltas, delta{oldAssignee, 1})
		}
	} else {
		if occupiedBefore {
			deltas = append(deltas, delta{oldAssignee, -1})
		}
		if occupiedAfter {
			deltas = append(deltas, delta{newAssignee, 1})
		}
	}
	for _, d := range deltas {
		if err := s.load.Adjust(ctx, boardID, d.user, d.d); err != nil {
			s.logger.WithError(err).WithFields(log.Fields{"user": d.user, "delta": d.d}).Error("active count adjust failed")
		}
	}
	if oldAssignee != newAssignee || len(deltas) > 0 {
		s.requestRecount(ctx, boardID, oldAssignee)
		if oldAssignee != newAssignee {
			s.requestRecount(ctx, boardID, newAssignee)
		}
	}
}

// boardLock returns the mutex serializing the append-and-broadcast section
// for one board.
func (s *TaskService) boardLock(boardID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.fanout[boardID]
	if !ok {
		l = &sync.Mutex{}
		s.fanout[boardID] = l
	}
	return l
}

// logAndBroadcast appends the activity entry and fans the event out under the
// board's lock, so concurrent mutations reach subscribers in log-append order.
func (s *TaskService) logAndBroadcast(ctx context.Context, boardID, event string, entry ActionLog, actor *User, payload func(*ActionLog) any) (*ActionLog, error) {
	lock := s.boardLock(boardID)
	lock.Lock()
	defer lock.Unlock()

	stored, err := s.appendLog(ctx, entry, actor)
	if err != nil {
		return nil, err
	}
	s.hub.Broadcast(boardID, event, payload(stored))
	return stored, nil
}

func (s *TaskService) appendLog(ctx context.Context, entry ActionLog, actor *User) (*ActionLog, error) {
	entry.UserName = actor.Name
	entry.UserEmail = actor.Email
	stored, err := s.store.AppendLog(ctx, entry)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *TaskService) rollbackCount(ctx context.Context, boardID, userID string, delta int64) {
	if err := s.load.Adjust(ctx, boardID, userID, delta); err != nil {
		s.logger.WithError(err).WithField("user", userID).Error("count rollback failed")
	}
}

func (s *TaskService) requestRecount(ctx context.Context, boardID, userID string) {
	if s.repairs == nil || userID == "" {
		return
	}
	if err := s.repairs.EnqueueRecount(ctx, boardID, userID); err != nil {
		s.logger.WithError(err).WithField("user", userID).Warn("recount request not enqueued")
	}
}

func (p TaskPatch) changedFields() []string {
	fields := make([]string, 0, 6)
	if p.Title != nil {
		fields = append(fields, "title")
	}
	if p.Description != nil {
		fields = append(fields, "description")
	}
	if p.Status != nil {
		fields = append(fields, "status")
	}
	if p.Priority != nil {
		fields = append(fields, "priority")
	}
	if p.AssignedTo != nil {
		fields = append(fields, "assignedTo")
	}
	if p.Position != nil {
		fields = append(fields, "position")
	}
	return fields
}
