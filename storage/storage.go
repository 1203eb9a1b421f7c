package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"boardsync/domain"
)

// Storage provides typed access to the task, user, board and action log
// tables. Task rows are partitioned by board so title markers and tasks
// share a partition, and conditional updates use table ETags as the
// compare-and-swap primitive.
type Storage struct {
	taskTable  *aztables.Client
	userTable  *aztables.Client
	boardTable *aztables.Client
	logTable   *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, usersTable, boardsTable, logsTable string) (*Storage, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Storage{
		taskTable:  svc.NewClient(tasksTable),
		userTable:  svc.NewClient(usersTable),
		boardTable: svc.NewClient(boardsTable),
		logTable:   svc.NewClient(logsTable),
	}, nil
}

type entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	ETag         string `json:"odata.etag,omitempty"`
}

const (
	kindTask  = "task"
	kindTitle = "title"

	edmInt64 = "Edm.Int64"
)

type taskEntity struct {
	entity
	Kind            string `json:"Kind"`
	Title           string `json:"Title"`
	Description     string `json:"Description,omitempty"`
	Status          string `json:"Status"`
	Priority        string `json:"Priority"`
	AssignedTo      string `json:"AssignedTo"`
	Position        int    `json:"Position"`
	Version         int64  `json:"Version,string"`
	VersionType     string `json:"Version@odata.type"`
	LastEditedBy    string `json:"LastEditedBy,omitempty"`
	CreatedAtNs     int64  `json:"CreatedAtNs,string"`
	CreatedAtNsType string `json:"CreatedAtNs@odata.type"`
	UpdatedAtNs     int64  `json:"UpdatedAtNs,string"`
	UpdatedAtNsType string `json:"UpdatedAtNs@odata.type"`
}

// titleMarker reserves a (title, board) pair. It lives in the task's
// partition under a deterministic row key so AddEntity conflicts enforce
// uniqueness.
type titleMarker struct {
	entity
	Kind   string `json:"Kind"`
	TaskID string `json:"TaskId"`
}

func titleRowKey(title string) string {
	return "title:" + base64.RawURLEncoding.EncodeToString([]byte(title))
}

func taskToEntity(t domain.Task) taskEntity {
	return taskEntity{
		entity:          entity{PartitionKey: t.BoardID, RowKey: t.ID},
		Kind:            kindTask,
		Title:           t.Title,
		Description:     t.Description,
		Status:          string(t.Status),
		Priority:        string(t.Priority),
		AssignedTo:      t.AssignedTo,
		Position:        t.Position,
		Version:         t.Version,
		VersionType:     edmInt64,
		LastEditedBy:    t.LastEditedBy,
		CreatedAtNs:     t.CreatedAt.UnixNano(),
		CreatedAtNsType: edmInt64,
		UpdatedAtNs:     t.UpdatedAt.UnixNano(),
		UpdatedAtNsType: edmInt64,
	}
}

func entityToTask(ent taskEntity) domain.Task {
	return domain.Task{
		ID:           ent.RowKey,
		Title:        ent.Title,
		Description:  ent.Description,
		Status:       domain.Status(ent.Status),
		Priority:     domain.Priority(ent.Priority),
		AssignedTo:   ent.AssignedTo,
		BoardID:      ent.PartitionKey,
		Position:     ent.Position,
		Version:      ent.Version,
		LastEditedBy: ent.LastEditedBy,
		CreatedAt:    time.Unix(0, ent.CreatedAtNs).UTC(),
		UpdatedAt:    time.Unix(0, ent.UpdatedAtNs).UTC(),
	}
}

// GetTask loads a task and the ETag required for conditional writes.
func (s *Storage) GetTask(ctx context.Context, boardID, taskID string) (*domain.Task, string, error) {
	resp, err := s.taskTable.GetEntity(ctx, boardID, taskID, nil)
	if err != nil {
		return nil, "", mapError(err)
	}
	var ent taskEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, "", err
	}
	task := entityToTask(ent)
	return &task, ent.ETag, nil
}

// ListTasks returns a board's tasks ordered by position, then creation time.
func (s *Storage) ListTasks(ctx context.Context, boardID string) ([]domain.Task, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and Kind eq '%s'", boardID, kindTask)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapError(err)
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, entityToTask(ent))
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Position != tasks[j].Position {
			return tasks[i].Position < tasks[j].Position
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// InsertTask persists a new task after reserving its title.
func (s *Storage) InsertTask(ctx context.Context, t domain.Task) error {
	if err := s.claimTitle(ctx, t.BoardID, t.Title, t.ID); err != nil {
		return err
	}
	payload, err := json.Marshal(taskToEntity(t))
	if err != nil {
		return err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		s.releaseTitle(ctx, t.BoardID, t.Title)
		return mapError(err)
	}
	return nil
}

// UpdateTask replaces the task iff the stored ETag still matches. A title
// change claims the new title before the write and releases the old one
// after it.
func (s *Storage) UpdateTask(ctx context.Context, t domain.Task, prevTitle, etag string) error {
	renamed := t.Title != prevTitle
	if renamed {
		if err := s.claimTitle(ctx, t.BoardID, t.Title, t.ID); err != nil {
			return err
		}
	}
	payload, err := json.Marshal(taskToEntity(t))
	if err != nil {
		return err
	}
	et := azcore.ETag(etag)
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &et,
		UpdateMode: aztables.UpdateModeReplace,
	})
	if err != nil {
		if renamed {
			s.releaseTitle(ctx, t.BoardID, t.Title)
		}
		return mapError(err)
	}
	if renamed {
		s.releaseTitle(ctx, t.BoardID, prevTitle)
	}
	return nil
}

// DeleteTask removes the task row and releases its title.
func (s *Storage) DeleteTask(ctx context.Context, t domain.Task, etag string) error {
	et := azcore.ETag(etag)
	if _, err := s.taskTable.DeleteEntity(ctx, t.BoardID, t.ID, &aztables.DeleteEntityOptions{IfMatch: &et}); err != nil {
		return mapError(err)
	}
	s.releaseTitle(ctx, t.BoardID, t.Title)
	return nil
}

func (s *Storage) claimTitle(ctx context.Context, boardID, title, taskID string) error {
	marker := titleMarker{
		entity: entity{PartitionKey: boardID, RowKey: titleRowKey(title)},
		Kind:   kindTitle,
		TaskID: taskID,
	}
	payload, err := json.Marshal(marker)
	if err != nil {
		return err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 409 {
			return domain.ErrTitleTaken
		}
		return mapError(err)
	}
	return nil
}

func (s *Storage) releaseTitle(ctx context.Context, boardID, title string) {
	// Best effort; a stale marker blocks reuse of the title until repaired
	// but never corrupts task state.
	_, _ = s.taskTable.DeleteEntity(ctx, boardID, titleRowKey(title), nil)
}

// CountActiveTasks recounts the non-Done tasks assigned to a user on a board.
func (s *Storage) CountActiveTasks(ctx context.Context, boardID, userID string) (int64, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and Kind eq '%s' and AssignedTo eq '%s' and Status ne '%s'",
		boardID, kindTask, userID, string(domain.StatusDone))
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var count int64
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return 0, mapError(err)
		}
		count += int64(len(resp.Entities))
	}
	return count, nil
}

func mapError(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case 404:
			return domain.ErrNotFound
		case 409, 412:
			return domain.ErrConcurrencyConflict
		}
	}
	return err
}

// reverseTicks yields a fixed-width key that sorts newest-first under the
// table's ascending RowKey order.
func reverseTicks(t time.Time) string {
	return fmt.Sprintf("%019d", math.MaxInt64-t.UnixNano())
}
