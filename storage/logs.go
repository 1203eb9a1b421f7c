package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"

	"boardsync/domain"
)

// Action log rows are partitioned by board with a reverse-tick row key, so a
// plain partition scan yields entries newest-first without a sort step.
type logEntity struct {
	entity
	UserID          string `json:"UserId"`
	UserName        string `json:"UserName,omitempty"`
	UserEmail       string `json:"UserEmail,omitempty"`
	Action          string `json:"Action"`
	Message         string `json:"Message"`
	TaskID          string `json:"TaskId,omitempty"`
	Metadata        string `json:"Metadata,omitempty"`
	CreatedAtNs     int64  `json:"CreatedAtNs,string"`
	CreatedAtNsType string `json:"CreatedAtNs@odata.type"`
}

func entityToLog(ent logEntity) (domain.ActionLog, error) {
	out := domain.ActionLog{
		ID:        ent.RowKey,
		UserID:    ent.UserID,
		UserName:  ent.UserName,
		UserEmail: ent.UserEmail,
		Action:    domain.Action(ent.Action),
		Message:   ent.Message,
		TaskID:    ent.TaskID,
		BoardID:   ent.PartitionKey,
		CreatedAt: time.Unix(0, ent.CreatedAtNs).UTC(),
	}
	if ent.Metadata != "" {
		if err := json.Unmarshal([]byte(ent.Metadata), &out.Metadata); err != nil {
			return domain.ActionLog{}, err
		}
	}
	return out, nil
}

// AppendLog persists an immutable activity entry, filling id and createdAt,
// and returns the stored record ready for fan-out.
func (s *Storage) AppendLog(ctx context.Context, e domain.ActionLog) (*domain.ActionLog, error) {
	now := time.Now().UTC()
	e.CreatedAt = now
	e.ID = reverseTicks(now) + "-" + uuid.NewString()
	e.Message = domain.ClampMessage(e.Message)

	ent := logEntity{
		entity:          entity{PartitionKey: e.BoardID, RowKey: e.ID},
		UserID:          e.UserID,
		UserName:        e.UserName,
		UserEmail:       e.UserEmail,
		Action:          string(e.Action),
		Message:         e.Message,
		TaskID:          e.TaskID,
		CreatedAtNs:     now.UnixNano(),
		CreatedAtNsType: edmInt64,
	}
	if len(e.Metadata) > 0 {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, err
		}
		ent.Metadata = string(meta)
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return nil, err
	}
	if _, err := s.logTable.AddEntity(ctx, payload, nil); err != nil {
		return nil, mapError(err)
	}
	return &e, nil
}

// LogsByBoard returns one page of a board's entries, newest first, together
// with the total entry count for the board.
func (s *Storage) LogsByBoard(ctx context.Context, boardID string, page, pageSize int) ([]domain.ActionLog, int, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", boardID)
	return s.pageLogs(ctx, filter, page, pageSize)
}

// LogsByUser returns one page of the entries a user produced across all
// boards, newest first.
func (s *Storage) LogsByUser(ctx context.Context, userID string, page, pageSize int) ([]domain.ActionLog, int, error) {
	filter := fmt.Sprintf("UserId eq '%s'", userID)
	return s.pageLogs(ctx, filter, page, pageSize)
}

func (s *Storage) pageLogs(ctx context.Context, filter string, page, pageSize int) ([]domain.ActionLog, int, error) {
	// Cross-partition scans come back grouped by board, not in time order;
	// collect everything and sort before slicing the page.
	pager := s.logTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var entries []domain.ActionLog
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, 0, mapError(err)
		}
		for _, raw := range resp.Entities {
			var ent logEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, 0, err
			}
			entry, err := entityToLog(ent)
			if err != nil {
				return nil, 0, err
			}
			entries = append(entries, entry)
		}
	}
	logs, total := pageNewestFirst(entries, page, pageSize)
	return logs, total, nil
}

// pageNewestFirst orders entries by createdAt descending and slices one page.
// Row keys carry reverse ticks, so ascending id breaks creation-time ties
// newest-first as well.
func pageNewestFirst(entries []domain.ActionLog, page, pageSize int) ([]domain.ActionLog, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})

	total := len(entries)
	skip := (page - 1) * pageSize
	if skip >= total {
		return []domain.ActionLog{}, total
	}
	end := skip + pageSize
	if end > total {
		end = total
	}
	return entries[skip:end], total
}

// RecentLogs returns up to limit of the board's newest entries.
func (s *Storage) RecentLogs(ctx context.Context, boardID string, limit int) ([]domain.ActionLog, error) {
	if limit < 1 {
		limit = 20
	}
	logs, _, err := s.LogsByBoard(ctx, boardID, 1, limit)
	return logs, err
}
