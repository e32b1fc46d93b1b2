package internal

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "wb"

// Liveness reports, for each id, whether the connection is still attached
// to some instance.
type Liveness interface {
	Alive(ctx context.Context, ids []string) ([]bool, error)
}

// RedisRegistry shares membership between instances. Room members live in a
// sorted set scored by join time; a reverse index per connection lists its
// rooms. Every change to one connection's membership runs under a redislock
// for that connection and commits in a single MULTI/EXEC.
//
// With a Liveness, members whose instance went away without cleaning up are
// reaped from every room the first time a roster containing them is read.
type RedisRegistry struct {
	rdb      *redis.Client
	locker   *redislock.Client
	prefix   string
	lockTTL  time.Duration
	now      func() time.Time
	liveness Liveness
}

func NewRedisRegistry(rdb *redis.Client, prefix string, liveness Liveness) *RedisRegistry {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	return &RedisRegistry{
		rdb:      rdb,
		locker:   redislock.New(rdb),
		prefix:   prefix,
		lockTTL:  5 * time.Second,
		now:      time.Now,
		liveness: liveness,
	}
}

func (r *RedisRegistry) roomKey(canvasID string) string {
	return fmt.Sprintf("%v:room:%v", r.prefix, canvasID)
}

func (r *RedisRegistry) memberKey(connectionID string) string {
	return fmt.Sprintf("%v:member:%v", r.prefix, connectionID)
}

func (r *RedisRegistry) roomsKey() string {
	return fmt.Sprintf("%v:rooms", r.prefix)
}

func (r *RedisRegistry) lock(ctx context.Context, connectionID string) (*redislock.Lock, error) {
	opts := &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(10 * time.Millisecond),
	}

	lock, err := r.locker.Obtain(ctx, fmt.Sprintf("%v:lock:member:%v", r.prefix, connectionID), r.lockTTL, opts)
	if err != nil {
		return nil, fmt.Errorf("lock membership of %v: %w", connectionID, err)
	}

	return lock, nil
}

func (r *RedisRegistry) AddMember(ctx context.Context, canvasID, connectionID string) ([]string, error) {
	lock, err := r.lock(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	//goland:noinspection GoUnhandledErrorResult
	defer lock.Release(context.Background())

	memberKey := r.memberKey(connectionID)
	previous, err := r.rdb.SMembers(ctx, memberKey).Result()
	if err != nil {
		return nil, err
	}

	var members *redis.StringSliceCmd
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, other := range previous {
			if other == canvasID {
				continue
			}
			pipe.ZRem(ctx, r.roomKey(other), connectionID)
			pipe.SRem(ctx, memberKey, other)
		}

		pipe.ZAddNX(ctx, r.roomKey(canvasID), redis.Z{
			Score:  float64(r.now().UnixMicro()),
			Member: connectionID,
		})
		pipe.SAdd(ctx, memberKey, canvasID)
		pipe.SAdd(ctx, r.roomsKey(), canvasID)
		members = pipe.ZRange(ctx, r.roomKey(canvasID), 0, -1)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return r.prune(ctx, members.Val(), connectionID)
}

func (r *RedisRegistry) RemoveMember(ctx context.Context, canvasID, connectionID string) ([]string, error) {
	lock, err := r.lock(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	//goland:noinspection GoUnhandledErrorResult
	defer lock.Release(context.Background())

	members, err := r.removeMember(ctx, canvasID, connectionID)
	if err != nil {
		return nil, err
	}

	return r.prune(ctx, members, connectionID)
}

func (r *RedisRegistry) removeMember(ctx context.Context, canvasID, connectionID string) ([]string, error) {
	var members *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.roomKey(canvasID), connectionID)
		pipe.SRem(ctx, r.memberKey(connectionID), canvasID)
		members = pipe.ZRange(ctx, r.roomKey(canvasID), 0, -1)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return members.Val(), nil
}

func (r *RedisRegistry) RemoveFromAllRooms(ctx context.Context, connectionID string) ([]RoomMembers, error) {
	affected, err := r.removeFromAllRooms(ctx, connectionID)
	if err != nil {
		return affected, err
	}

	for i := range affected {
		members, err := r.prune(ctx, affected[i].Members, connectionID)
		if err != nil {
			return affected, err
		}
		affected[i].Members = members
	}

	return affected, nil
}

func (r *RedisRegistry) removeFromAllRooms(ctx context.Context, connectionID string) ([]RoomMembers, error) {
	lock, err := r.lock(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	//goland:noinspection GoUnhandledErrorResult
	defer lock.Release(context.Background())

	rooms, err := r.rdb.SMembers(ctx, r.memberKey(connectionID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(rooms)

	affected := make([]RoomMembers, 0, len(rooms))
	for _, canvasID := range rooms {
		members, err := r.removeMember(ctx, canvasID, connectionID)
		if err != nil {
			return affected, err
		}
		affected = append(affected, RoomMembers{CanvasID: canvasID, Members: members})
	}

	if err := r.rdb.Del(ctx, r.memberKey(connectionID)).Err(); err != nil {
		return affected, err
	}

	return affected, nil
}

// prune drops members that are no longer attached anywhere and reaps them
// from every room. self is never treated as gone.
func (r *RedisRegistry) prune(ctx context.Context, members []string, self string) ([]string, error) {
	if r.liveness == nil || len(members) == 0 {
		return members, nil
	}

	alive, err := r.liveness.Alive(ctx, members)
	if err != nil {
		return nil, fmt.Errorf("check member liveness: %w", err)
	}

	live := make([]string, 0, len(members))
	for i, id := range members {
		if alive[i] || id == self {
			live = append(live, id)
			continue
		}

		if _, err := r.removeFromAllRooms(ctx, id); err != nil {
			return nil, fmt.Errorf("reap %v: %w", id, err)
		}
	}

	return live, nil
}

func (r *RedisRegistry) MembersOf(ctx context.Context, canvasID string) ([]string, error) {
	members, err := r.rdb.ZRange(ctx, r.roomKey(canvasID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	return r.prune(ctx, members, "")
}

func (r *RedisRegistry) Stats(ctx context.Context) (RegistryStats, error) {
	stats := RegistryStats{}

	rooms, err := r.rdb.SMembers(ctx, r.roomsKey()).Result()
	if err != nil {
		return stats, err
	}

	for _, canvasID := range rooms {
		members, err := r.MembersOf(ctx, canvasID)
		if err != nil {
			return stats, err
		}
		if n := len(members); n > 0 {
			stats.Rooms++
			stats.Members += n
		}
	}

	return stats, nil
}
