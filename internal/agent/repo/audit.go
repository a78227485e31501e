package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/catalog-insight/server/internal/agent/model"
	errx "github.com/catalog-insight/server/internal/core/error"
	logx "github.com/catalog-insight/server/pkg/logger"
)

var (
	_ model.AuditReader = (*RedisAuditSink)(nil)
	_ model.AuditReader = (*MemoryAuditSink)(nil)
)

// RedisAuditSink stores each query's trail as a Redis list of JSON events.
type RedisAuditSink struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisAuditSink(rdb redis.Cmdable, ttl time.Duration) *RedisAuditSink {
	return &RedisAuditSink{rdb: rdb, ttl: ttl}
}

func (r *RedisAuditSink) auditKey(queryID string) string {
	return fmt.Sprintf("audit:%s:events", queryID)
}

func (r *RedisAuditSink) Append(ctx context.Context, ev model.AuditEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		logx.Error().Err(err).Str("queryID", ev.QueryID).Msg("failed to marshal audit event")
		return fmt.Errorf("marshal audit event: %w", err)
	}
	key := r.auditKey(ev.QueryID)

	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, key, b)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to append audit event")
		return errx.WrapRedis(err)
	}
	return nil
}

// Trail loads the stored events in append order. An unknown query has an
// empty trail.
func (r *RedisAuditSink) Trail(ctx context.Context, queryID string) ([]model.AuditEvent, error) {
	key := r.auditKey(queryID)
	rows, err := r.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return []model.AuditEvent{}, nil
		}
		logx.Error().Err(err).Str("key", key).Msg("failed to load audit trail")
		return nil, errx.WrapRedis(err)
	}
	out := make([]model.AuditEvent, 0, len(rows))
	for i, s := range rows {
		var ev model.AuditEvent
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal audit event at index %d: %w", i, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// MemoryAuditSink keeps trails in process. Used by tests and the demo.
type MemoryAuditSink struct {
	mu     sync.Mutex
	trails map[string][]model.AuditEvent
}

func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{trails: make(map[string][]model.AuditEvent)}
}

func (m *MemoryAuditSink) Append(_ context.Context, ev model.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trails[ev.QueryID] = append(m.trails[ev.QueryID], ev)
	return nil
}

func (m *MemoryAuditSink) Trail(_ context.Context, queryID string) ([]model.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AuditEvent, len(m.trails[queryID]))
	copy(out, m.trails[queryID])
	return out, nil
}

// QueryIDs lists every query with a stored trail, sorted.
func (m *MemoryAuditSink) QueryIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.trails))
	for id := range m.trails {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
