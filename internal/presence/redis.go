package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry shares presence between server instances using one Redis set
// per group.
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistry connects to the Redis server at url, e.g.
// redis://localhost:6379/0.
func NewRedisRegistry(url string) (*RedisRegistry, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}

	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &RedisRegistry{client: c}, nil
}

var _ Registry = (*RedisRegistry)(nil)

func onlineKey(groupId string) string {
	return "group:" + groupId + ":online"
}

func (r *RedisRegistry) Add(ctx context.Context, groupId string, userId int) error {
	return r.client.SAdd(ctx, onlineKey(groupId), userId).Err()
}

func (r *RedisRegistry) Remove(ctx context.Context, groupId string, userId int) error {
	return r.client.SRem(ctx, onlineKey(groupId), userId).Err()
}

func (r *RedisRegistry) Members(ctx context.Context, groupId string) ([]int, error) {
	raw, err := r.client.SMembers(ctx, onlineKey(groupId)).Result()
	if err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(raw))
	for _, v := range raw {
		id, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
