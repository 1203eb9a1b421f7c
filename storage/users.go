package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"boardsync/domain"
)

type userEntity struct {
	entity
	Name                 string `json:"Name"`
	Email                string `json:"Email"`
	ActiveTasksCount     int64  `json:"ActiveTasksCount,string"`
	ActiveTasksCountType string `json:"ActiveTasksCount@odata.type"`
	IsOnline             bool   `json:"IsOnline"`
	LastSeenNs           int64  `json:"LastSeenNs,string"`
	LastSeenNsType       string `json:"LastSeenNs@odata.type"`
}

type boardEntity struct {
	entity
	Name        string `json:"Name"`
	Description string `json:"Description,omitempty"`
	Owner       string `json:"Owner"`
	Members     string `json:"Members"`
}

// GetUser loads a user record.
func (s *Storage) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	resp, err := s.userTable.GetEntity(ctx, userID, userID, nil)
	if err != nil {
		return nil, mapError(err)
	}
	var ent userEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	return &domain.User{
		ID:               ent.RowKey,
		Name:             ent.Name,
		Email:            ent.Email,
		ActiveTasksCount: ent.ActiveTasksCount,
		IsOnline:         ent.IsOnline,
		LastSeen:         time.Unix(0, ent.LastSeenNs).UTC(),
	}, nil
}

type userPresenceUpdate struct {
	entity
	IsOnline       bool   `json:"IsOnline"`
	LastSeenNs     int64  `json:"LastSeenNs,string"`
	LastSeenNsType string `json:"LastSeenNs@odata.type"`
}

// SetUserPresence merges online status and last-seen time into the user row.
func (s *Storage) SetUserPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	upd := userPresenceUpdate{
		entity:         entity{PartitionKey: userID, RowKey: userID},
		IsOnline:       online,
		LastSeenNs:     at.UnixNano(),
		LastSeenNsType: edmInt64,
	}
	payload, err := json.Marshal(upd)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.userTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &et,
		UpdateMode: aztables.UpdateModeMerge,
	})
	return mapError(err)
}

type userCountUpdate struct {
	entity
	ActiveTasksCount     int64  `json:"ActiveTasksCount,string"`
	ActiveTasksCountType string `json:"ActiveTasksCount@odata.type"`
}

// SetUserActiveCount persists a recounted active-task total on the user row.
func (s *Storage) SetUserActiveCount(ctx context.Context, userID string, count int64) error {
	upd := userCountUpdate{
		entity:               entity{PartitionKey: userID, RowKey: userID},
		ActiveTasksCount:     count,
		ActiveTasksCountType: edmInt64,
	}
	payload, err := json.Marshal(upd)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.userTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &et,
		UpdateMode: aztables.UpdateModeMerge,
	})
	return mapError(err)
}

// GetBoard loads a board record including its member list.
func (s *Storage) GetBoard(ctx context.Context, boardID string) (*domain.Board, error) {
	resp, err := s.boardTable.GetEntity(ctx, boardID, boardID, nil)
	if err != nil {
		return nil, mapError(err)
	}
	var ent boardEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	var members []string
	if ent.Members != "" {
		if err := json.Unmarshal([]byte(ent.Members), &members); err != nil {
			return nil, err
		}
	}
	return &domain.Board{
		ID:          ent.RowKey,
		Name:        ent.Name,
		Description: ent.Description,
		Owner:       ent.Owner,
		Members:     members,
	}, nil
}
