package expiry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ms-reservations/internal/logger"

	"github.com/go-redis/redis/v8"
)

const holdKeyPrefix = "registration_hold:"

func holdKey(registrationID string) string { return holdKeyPrefix + registrationID }

// RedisTimer arms a TTL key per submitted registration. Its expiry event
// triggers an immediate expiry check; the periodic sweep remains the
// backstop when notifications are lost.
type RedisTimer struct {
	Client *redis.Client
}

func NewRedisTimer(client *redis.Client) *RedisTimer {
	return &RedisTimer{Client: client}
}

func (t *RedisTimer) Mark(ctx context.Context, registrationID string, ttl time.Duration) error {
	return t.Client.Set(ctx, holdKey(registrationID), "1", ttl).Err()
}

func (t *RedisTimer) Clear(ctx context.Context, registrationID string) error {
	return t.Client.Del(ctx, holdKey(registrationID)).Err()
}

// EnableNotifications turns on keyevent notifications for expired keys.
func EnableNotifications(ctx context.Context, client *redis.Client, log *logger.Logger) {
	if _, err := client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Result(); err != nil {
		log.Warn("REDIS", fmt.Sprintf("Failed to enable keyspace notifications: %v", err))
		return
	}
	log.Info("REDIS", "Keyspace notifications enabled for expired events")
}

type registrationExpirer interface {
	ExpireRegistration(ctx context.Context, id string) (bool, error)
}

// Listen handles expired hold keys until ctx is done.
func Listen(ctx context.Context, client *redis.Client, expirer registrationExpirer, log *logger.Logger) error {
	channel := fmt.Sprintf("__keyevent@%d__:expired", client.Options().DB)
	pubsub := client.PSubscribe(ctx, channel)
	defer pubsub.Close()
	log.Info("REDIS", fmt.Sprintf("Subscribed to %s", channel))

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			HandleExpiredKey(ctx, msg.Payload, expirer, log)
		}
	}
}

// HandleExpiredKey expires the registration named by a hold key. Other
// keys are ignored.
func HandleExpiredKey(ctx context.Context, key string, expirer registrationExpirer, log *logger.Logger) {
	if !strings.HasPrefix(key, holdKeyPrefix) {
		return
	}
	id := strings.TrimPrefix(key, holdKeyPrefix)
	expired, err := expirer.ExpireRegistration(ctx, id)
	switch {
	case err != nil:
		log.Error("EXPIRY", fmt.Sprintf("Hold timer for %s fired but expiry failed: %v", id, err))
	case expired:
		log.Info("EXPIRY", fmt.Sprintf("Registration %s expired by hold timer", id))
	default:
		log.Debug("EXPIRY", fmt.Sprintf("Hold timer for %s fired; nothing to expire", id))
	}
}
