package hrflow

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// The authority cache is a derived view keyed by
// (user, permission, location, descendants); the store stays authoritative.
// Every role/permission/scope/delegation mutation invalidates it.

// authorityCacheKey generates the Redis key for one authority decision.
func (s *Service) authorityCacheKey(userID uint, permission string, locationID uint, includeDescendants bool) string {
	return fmt.Sprintf("%sauth:%d:%s:%d:%t", s.cachePrefix, userID, permission, locationID, includeDescendants)
}

// cachedDecision checks whether an authority decision is cached.
func (s *Service) cachedDecision(ctx context.Context, key string) (bool, bool) {
	if s.redisClient == nil {
		return false, false
	}

	val, err := s.redisClient.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, false
	}
	if err != nil {
		s.log.Warnw("authority cache read failed", "key", key, "err", err)
		return false, false
	}
	return val == "true", true
}

// cacheDecision caches an authority decision.
func (s *Service) cacheDecision(ctx context.Context, key string, authorized bool) {
	if s.redisClient == nil {
		return
	}

	if err := s.redisClient.Set(ctx, key, strconv.FormatBool(authorized), s.cacheTTL).Err(); err != nil {
		s.log.Warnw("authority cache write failed", "key", key, "err", err)
	}
}

// invalidateUserAuthority drops every cached decision for one user, and for
// everyone currently holding a delegation from them: a delegate's decision is
// derived from the delegator's authority, so revoking the source must drop
// both. Delegation chains are walked with a visited set.
func (s *Service) invalidateUserAuthority(ctx context.Context, userID uint) {
	if s.redisClient == nil {
		return
	}

	visited := make(map[uint]bool)
	queue := []uint{userID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		s.invalidatePattern(ctx, fmt.Sprintf("%sauth:%d:*", s.cachePrefix, id))

		var delegates []uint
		err := s.db.WithContext(ctx).Model(&Delegation{}).
			Where("delegator_id = ? AND status = ?", id, DelegationActive).
			Distinct("delegate_id").
			Pluck("delegate_id", &delegates).Error
		if err != nil {
			s.log.Warnw("delegate cache invalidation failed", "user_id", id, "err", err)
			continue
		}
		queue = append(queue, delegates...)
	}
}

// invalidateAllAuthority drops every cached authority decision. Used for
// role and permission mutations whose blast radius spans users.
func (s *Service) invalidateAllAuthority(ctx context.Context) {
	s.invalidatePattern(ctx, s.cachePrefix+"auth:*")
}

func (s *Service) invalidatePattern(ctx context.Context, pattern string) {
	if s.redisClient == nil {
		return
	}

	keys, err := s.redisClient.Keys(ctx, pattern).Result()
	if err != nil {
		s.log.Warnw("authority cache invalidation failed", "pattern", pattern, "err", err)
		return
	}
	if len(keys) > 0 {
		if err := s.redisClient.Del(ctx, keys...).Err(); err != nil {
			s.log.Warnw("authority cache invalidation failed", "pattern", pattern, "err", err)
		}
	}
}
