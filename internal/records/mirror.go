package records

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/recallnet/base-aerodrome-agent/internal/verify"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultRedisKey = "agent:verifications"

// Sink stores one verification record.
type Sink interface {
	Record(ctx context.Context, rec verify.Record) error
}

// RedisMirror pushes every record as JSON onto a Redis list.
type RedisMirror struct {
	client *redis.Client
	key    string
}

// NewRedisMirror accepts a host:port address or a redis:// URL.
func NewRedisMirror(addr, key string) (*RedisMirror, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis mirror: empty address")
	}
	opts := &redis.Options{Addr: addr}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("redis mirror: parse url: %w", err)
		}
		opts = parsed
	}
	if strings.TrimSpace(key) == "" {
		key = DefaultRedisKey
	}
	return &RedisMirror{client: redis.NewClient(opts), key: key}, nil
}

func (m *RedisMirror) Record(ctx context.Context, rec verify.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal verification record: %w", err)
	}
	if err := m.client.RPush(ctx, m.key, payload).Err(); err != nil {
		return fmt.Errorf("redis mirror rpush: %w", err)
	}
	return nil
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}

// Fanout writes to the primary sink and then to every mirror. Only a primary
// failure is returned; mirror failures are logged.
type Fanout struct {
	primary Sink
	mirrors []Sink
	log     *zap.SugaredLogger
}

func NewFanout(log *zap.SugaredLogger, primary Sink, mirrors ...Sink) *Fanout {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Fanout{primary: primary, mirrors: mirrors, log: log}
}

func (f *Fanout) Record(ctx context.Context, rec verify.Record) error {
	if err := f.primary.Record(ctx, rec); err != nil {
		return err
	}
	for _, m := range f.mirrors {
		if err := m.Record(ctx, rec); err != nil {
			f.log.Warnw("verification mirror failed", "id", rec.ID, "error", err)
		}
	}
	return nil
}
