package assign

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"boardsync/domain"
)

// Recounter recomputes the authoritative active-task count for a member from
// durable storage.
type Recounter interface {
	CountActiveTasks(ctx context.Context, boardID, userID string) (int64, error)
}

// Balancer keeps a per-board sorted set in Redis scoring each member by their
// active (non-Done) task count and hands out the least-loaded member.
type Balancer struct {
	redis    *redis.Client
	recounts Recounter
}

// New creates a Balancer using the provided Redis client. recounts may be nil
// when no durable backend is available for repairs.
func New(client *redis.Client, recounts Recounter) *Balancer {
	if client == nil {
		panic("assign.New: redis client is nil")
	}
	return &Balancer{redis: client, recounts: recounts}
}

func loadKey(boardID string) string {
	return "board:" + boardID + ":load"
}

// SelectLeastLoaded atomically reserves the member with the fewest active
// tasks and counts the new assignment against them. Ties resolve to the
// lexically smallest user id. Returns ErrNoAssignableUser on an empty board.
func (b *Balancer) SelectLeastLoaded(ctx context.Context, boardID string) (string, error) {
	key := loadKey(boardID)

	// ZPOPMIN removes the winner before re-adding it with the incremented
	// score, so a concurrent selection cannot land on the same member.
	popped, err := b.redis.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return "", fmt.Errorf("select least loaded: %w", err)
	}
	if len(popped) == 0 {
		return "", domain.ErrNoAssignableUser
	}

	userID, _ := popped[0].Member.(string)
	if err := b.redis.ZAdd(ctx, key, redis.Z{Score: popped[0].Score + 1, Member: userID}).Err(); err != nil {
		return "", fmt.Errorf("restore member %s: %w", userID, err)
	}
	return userID, nil
}

// Adjust shifts a member's tracked load by delta. Negative scores are clamped
// back to zero.
func (b *Balancer) Adjust(ctx context.Context, boardID, userID string, delta int64) error {
	if delta == 0 {
		return nil
	}
	key := loadKey(boardID)
	score, err := b.redis.ZIncrBy(ctx, key, float64(delta), userID).Result()
	if err != nil {
		return fmt.Errorf("adjust load for %s: %w", userID, err)
	}
	if score < 0 {
		if err := b.redis.ZAdd(ctx, key, redis.Z{Score: 0, Member: userID}).Err(); err != nil {
			return fmt.Errorf("clamp load for %s: %w", userID, err)
		}
	}
	return nil
}

// Seed registers board members in the load set without disturbing scores that
// already exist, recounting from storage for members seen the first time.
func (b *Balancer) Seed(ctx context.Context, boardID string, members []string) error {
	key := loadKey(boardID)
	for _, userID := range members {
		_, err := b.redis.ZScore(ctx, key, userID).Result()
		if err == nil {
			continue
		}
		if !errors.Is(err, redis.Nil) {
			return fmt.Errorf("seed member %s: %w", userID, err)
		}

		var score int64
		if b.recounts != nil {
			score, err = b.recounts.CountActiveTasks(ctx, boardID, userID)
			if err != nil {
				return fmt.Errorf("recount member %s: %w", userID, err)
			}
		}
		if err := b.redis.ZAddNX(ctx, key, redis.Z{Score: float64(score), Member: userID}).Err(); err != nil {
			return fmt.Errorf("seed member %s: %w", userID, err)
		}
	}
	return nil
}

// Remove drops a member from the board's load set, typically after they leave
// the board.
func (b *Balancer) Remove(ctx context.Context, boardID, userID string) error {
	if err := b.redis.ZRem(ctx, loadKey(boardID), userID).Err(); err != nil {
		return fmt.Errorf("remove member %s: %w", userID, err)
	}
	return nil
}

// Recount replaces a member's tracked load with the durable count. Used by the
// repair worker to heal drift after crashes or missed decrements.
func (b *Balancer) Recount(ctx context.Context, boardID, userID string) (int64, error) {
	if b.recounts == nil {
		return 0, fmt.Errorf("recount %s: no durable backend configured", userID)
	}
	count, err := b.recounts.CountActiveTasks(ctx, boardID, userID)
	if err != nil {
		return 0, fmt.Errorf("recount %s: %w", userID, err)
	}
	if err := b.redis.ZAdd(ctx, loadKey(boardID), redis.Z{Score: float64(count), Member: userID}).Err(); err != nil {
		return 0, fmt.Errorf("recount %s: %w", userID, err)
	}
	return count, nil
}
