package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	errx "github.com/catalog-insight/server/internal/core/error"
	logx "github.com/catalog-insight/server/pkg/logger"
)

// maxStoredTurns caps each subject's list; older turns are trimmed on write.
const maxStoredTurns = 20

// RedisTurnRepository keeps per-subject question summaries for extractor
// context.
type RedisTurnRepository struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisTurnRepository(rdb redis.Cmdable, ttl time.Duration) *RedisTurnRepository {
	return &RedisTurnRepository{rdb: rdb, ttl: ttl}
}

func (r *RedisTurnRepository) turnsKey(subject string) string {
	return fmt.Sprintf("turns:%s", subject)
}

func (r *RedisTurnRepository) AddTurn(ctx context.Context, subject, summary string) error {
	key := r.turnsKey(subject)

	// append turn
	if err := r.rdb.RPush(ctx, key, summary).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to push turn to redis")
		return errx.WrapRedis(err)
	}
	if err := r.rdb.LTrim(ctx, key, -maxStoredTurns, -1).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to trim turns")
		return errx.WrapRedis(err)
	}
	// extend TTL on touch
	if r.ttl > 0 {
		if ok, err := r.rdb.Expire(ctx, key, r.ttl).Result(); err != nil {
			logx.Error().Err(err).Str("key", key).Msg("failed to set expire")
			return errx.WrapRedis(err)
		} else if !ok {
			logx.Warn().Str("key", key).Dur("ttl", r.ttl).Msg("failed to set TTL on turns key")
		}
	}
	return nil
}

func (r *RedisTurnRepository) RecentTurns(ctx context.Context, subject string, n int) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}
	key := r.turnsKey(subject)
	rows, err := r.rdb.LRange(ctx, key, int64(-n), -1).Result()
	if err != nil {
		if err == redis.Nil {
			return []string{}, nil
		}
		logx.Error().Err(err).Str("key", key).Msg("failed to load turns from redis")
		return nil, errx.WrapRedis(err)
	}
	return rows, nil
}

func (r *RedisTurnRepository) ClearTurns(ctx context.Context, subject string) error {
	key := r.turnsKey(subject)
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to delete turns")
		return errx.WrapRedis(err)
	}
	return nil
}
