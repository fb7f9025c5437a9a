package capacity

import (
	"context"
	"errors"
	"fmt"

	"ms-reservations/internal/logger"

	"github.com/go-redis/redis/v8"
)

// KEYS[1] reserved, KEYS[2] limit, ARGV[1] qty.
// Returns 1 reserved, 0 full, -1 no limit configured.
var reserveScript = redis.NewScript(`
local limit = redis.call('GET', KEYS[2])
if not limit then
  return -1
end
local reserved = tonumber(redis.call('GET', KEYS[1]) or '0')
local qty = tonumber(ARGV[1])
if reserved + qty > tonumber(limit) then
  return 0
end
redis.call('INCRBY', KEYS[1], qty)
return 1
`)

// KEYS[1] reserved, ARGV[1] qty. Returns the new reserved value.
var releaseScript = redis.NewScript(`
local reserved = tonumber(redis.call('GET', KEYS[1]) or '0')
local nextValue = reserved - tonumber(ARGV[1])
if nextValue < 0 then
  nextValue = 0
end
redis.call('SET', KEYS[1], nextValue)
return nextValue
`)

type Redis struct {
	Client *redis.Client
	log    *logger.Logger
}

func NewRedis(client *redis.Client, log *logger.Logger) *Redis {
	return &Redis{Client: client, log: log}
}

func reservedKey(k Key) string { return k.String() + ":reserved" }
func limitKey(k Key) string    { return k.String() + ":limit" }

// SetLimit configures the maximum reservable quantity for key.
func (r *Redis) SetLimit(ctx context.Context, key Key, limit int) error {
	if limit < 0 {
		return fmt.Errorf("negative limit %d for %s", limit, key)
	}
	return r.Client.Set(ctx, limitKey(key), limit, 0).Err()
}

func (r *Redis) Reserve(ctx context.Context, key Key, qty int) error {
	if qty <= 0 {
		return nil
	}
	res, err := reserveScript.Run(ctx, r.Client, []string{reservedKey(key), limitKey(key)}, qty).Int()
	if err != nil {
		return fmt.Errorf("reserve %d on %s: %w", qty, key, err)
	}
	switch res {
	case 1:
		r.log.Debug("CAPACITY", fmt.Sprintf("Reserved %d on %s", qty, key))
		return nil
	case 0:
		r.log.Warn("CAPACITY", fmt.Sprintf("Reservation of %d on %s rejected: full", qty, key))
		return ErrFull
	default:
		return fmt.Errorf("%s: %w", key, ErrNotConfigured)
	}
}

func (r *Redis) Release(ctx context.Context, key Key, qty int) error {
	if qty <= 0 {
		return nil
	}
	remaining, err := releaseScript.Run(ctx, r.Client, []string{reservedKey(key)}, qty).Int()
	if err != nil {
		return fmt.Errorf("release %d on %s: %w", qty, key, err)
	}
	r.log.Debug("CAPACITY", fmt.Sprintf("Released %d on %s (reserved now %d)", qty, key, remaining))
	return nil
}

// Usage reports the reserved count and the limit (-1 when unset).
func (r *Redis) Usage(ctx context.Context, key Key) (reserved, limit int, err error) {
	vals, err := r.Client.MGet(ctx, reservedKey(key), limitKey(key)).Result()
	if err != nil {
		return 0, 0, err
	}
	reserved, err = parseCount(vals[0], 0)
	if err != nil {
		return 0, 0, err
	}
	limit, err = parseCount(vals[1], -1)
	return reserved, limit, err
}

func parseCount(v interface{}, missing int) (int, error) {
	if v == nil {
		return missing, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, errors.New("unexpected counter value type")
	}
	var n int
	if _, err := fmt.Sscan(s, &n); err != nil {
		return 0, fmt.Errorf("parse counter %q: %w", s, err)
	}
	return n, nil
}
