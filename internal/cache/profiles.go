// Package cache provides the redis-backed point-lookup cache used when
// enriching conversations and notifications with profile data.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/anonto42/elemchat/internal/models"
	"github.com/anonto42/elemchat/internal/store"
)

// DefaultTTL bounds staleness of cached profiles. Display names change
// rarely; a short TTL keeps renames visible without hammering the store.
const DefaultTTL = 5 * time.Minute

// Profiles caches user documents in redis in front of the store. A nil
// redis client degrades to direct store reads.
type Profiles struct {
	rdb    *redis.Client
	store  store.Store
	ttl    time.Duration
	logger *zap.Logger
}

// NewProfiles builds the cache. rdb may be nil.
func NewProfiles(rdb *redis.Client, st store.Store, ttl time.Duration, logger *zap.Logger) *Profiles {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Profiles{rdb: rdb, store: st, ttl: ttl, logger: logger}
}

func profileKey(userID string) string { return "profile:" + userID }

// Get returns the user's profile, preferring the cache. Cache failures
// are logged and fall through to the store; only a store miss is an
// error.
func (p *Profiles) Get(ctx context.Context, userID string) (models.User, error) {
	if p.rdb != nil {
		if data, err := p.rdb.Get(ctx, profileKey(userID)).Bytes(); err == nil {
			var user models.User
			if uErr := json.Unmarshal(data, &user); uErr == nil {
				return user, nil
			}
		} else if err != redis.Nil {
			p.logger.Warn("profile cache read failed", zap.String("user", userID), zap.Error(err))
		}
	}
	doc, err := p.store.Get(ctx, models.UserPath(userID))
	if err != nil {
		return models.User{}, err
	}
	user := models.UserFromDoc(doc)
	p.set(ctx, user)
	return user, nil
}

// Invalidate drops a cached profile, used after category changes so the
// membership coordinator and projections see the new value immediately.
func (p *Profiles) Invalidate(ctx context.Context, userID string) {
	if p.rdb == nil {
		return
	}
	if err := p.rdb.Del(ctx, profileKey(userID)).Err(); err != nil {
		p.logger.Warn("profile cache invalidate failed", zap.String("user", userID), zap.Error(err))
	}
}

func (p *Profiles) set(ctx context.Context, user models.User) {
	if p.rdb == nil {
		return
	}
	payload, err := json.Marshal(user)
	if err != nil {
		return
	}
	if err := p.rdb.Set(ctx, profileKey(user.ID), payload, p.ttl).Err(); err != nil {
		p.logger.Warn("profile cache write failed", zap.String("user", user.ID), zap.Error(err))
	}
}
