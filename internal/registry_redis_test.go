package internal

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRedis connects to REDIS_ADDR (default localhost:6379) and skips the
// test when nothing answers.
func testRedis(t *testing.T) *redis.Client {
	t.Helper()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Skipf("redis unavailable at %v: %v", redisAddr, err)
	}

	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

// testPrefix isolates the keys of one test.
func testPrefix(t *testing.T, rdb *redis.Client) string {
	prefix := "wbtest:" + ksuid.New().String()

	t.Cleanup(func() {
		ctx := context.Background()
		keys, err := rdb.Keys(ctx, prefix+":*").Result()
		if err == nil && len(keys) > 0 {
			_ = rdb.Del(ctx, keys...).Err()
		}
	})

	return prefix
}

func TestRedisRegistry(t *testing.T) {
	rdb := testRedis(t)

	testRegistry(t, func(t *testing.T) Registry {
		return NewRedisRegistry(rdb, testPrefix(t, rdb), nil)
	})
}

func TestRedisRegistry_ReapsDetachedMembers(t *testing.T) {
	rdb := testRedis(t)
	prefix := testPrefix(t, rdb)
	ctx := context.Background()

	cluster := NewCluster(testLogger(), rdb, "i1", prefix)
	reg := NewRedisRegistry(rdb, prefix, cluster)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, cluster.Advertise(ctx, id))
	}
	for _, id := range []string{"a", "b", "c"} {
		_, err := reg.AddMember(ctx, "r", id)
		require.NoError(t, err)
	}

	// an instance that died never withdraws; its keys simply expire
	require.NoError(t, rdb.Del(ctx, cluster.connectionKey("b")).Err())

	members, err := reg.MembersOf(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, members)

	raw, err := rdb.ZRange(ctx, reg.roomKey("r"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, raw)

	n, err := rdb.Exists(ctx, reg.memberKey("b")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, rdb.Del(ctx, cluster.connectionKey("c")).Err())

	require.NoError(t, cluster.Advertise(ctx, "d"))
	members, err = reg.AddMember(ctx, "r", "d")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "d"}, members)

	stats, err := reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, RegistryStats{Rooms: 1, Members: 2}, stats)
}
