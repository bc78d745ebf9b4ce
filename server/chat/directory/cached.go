package directory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"bizchat/server/chat/domain"
	commonlog "bizchat/server/common/log"
)

const (
	rosterCacheKey   = "bizchat:directory:employees"
	DefaultRosterTTL = time.Minute
)

type Source interface {
	ListEmployees(ctx context.Context) ([]domain.User, error)
	UpdateStatus(ctx context.Context, userID string, active bool) error
}

// Cached keeps the employee listing in redis so every new session does not
// hit the directory service. Status updates go straight through and drop
// the cached listing.
type Cached struct {
	source Source
	redis  *redis.Client
	ttl    time.Duration
}

func NewCached(source Source, client *redis.Client, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultRosterTTL
	}
	return &Cached{source: source, redis: client, ttl: ttl}
}

func (c *Cached) ListEmployees(ctx context.Context) ([]domain.User, error) {
	raw, err := c.redis.Get(ctx, rosterCacheKey).Bytes()
	if err == nil {
		var users []domain.User
		if jsonErr := json.Unmarshal(raw, &users); jsonErr == nil {
			return users, nil
		}
		commonlog.Warnf("event=directory_cache action=decode status=failed key=%s", rosterCacheKey)
	} else if !errors.Is(err, redis.Nil) {
		commonlog.Warnf("event=directory_cache action=get status=failed error=%v", err)
	}

	users, err := c.source.ListEmployees(ctx)
	if err != nil {
		return nil, err
	}
	if encoded, jsonErr := json.Marshal(users); jsonErr == nil {
		if setErr := c.redis.Set(ctx, rosterCacheKey, encoded, c.ttl).Err(); setErr != nil {
			commonlog.Warnf("event=directory_cache action=set status=failed error=%v", setErr)
		}
	}
	return users, nil
}

func (c *Cached) UpdateStatus(ctx context.Context, userID string, active bool) error {
	if err := c.source.UpdateStatus(ctx, userID, active); err != nil {
		return err
	}
	if err := c.redis.Del(ctx, rosterCacheKey).Err(); err != nil {
		commonlog.Warnf("event=directory_cache action=invalidate status=failed error=%v", err)
	}
	return nil
}
