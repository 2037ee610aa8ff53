package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if the caller still owns it, so a
// holder whose TTL lapsed cannot release somebody else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireLock takes a named lock with the given owner token and TTL.
// Returns false when another owner holds it.
func (c *Client) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, owner, ttl).Result()
}

// ReleaseLock drops the lock if owner still holds it.
func (c *Client) ReleaseLock(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, c.rdb, []string{key}, owner).Err()
}
