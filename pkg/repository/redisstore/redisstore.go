// Package redisstore keeps rate windows in Redis so that several instances
// share one counter per identifier and action.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tendant/simple-checkin/pkg/checkin"
	"github.com/tendant/simple-checkin/pkg/domain"
)

// DefaultPrefix namespaces the window keys.
const DefaultPrefix = "checkin:rl"

var _ checkin.WindowStore = (*Store)(nil)

// hitScript applies one attempt to the hash at KEYS[1] atomically.
// ARGV: now ms, window ms, limit, cooldown ms. Returns {start, count, blocked}.
var hitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local cooldown = tonumber(ARGV[4])

local start = tonumber(redis.call('HGET', KEYS[1], 'start'))
local count = tonumber(redis.call('HGET', KEYS[1], 'count')) or 0
local blocked = tonumber(redis.call('HGET', KEYS[1], 'blocked')) or 0

if start ~= nil and blocked > now then
	count = count + 1
else
	if start == nil or now >= start + window then
		start = now
		count = 1
	else
		count = count + 1
	end
	blocked = 0
	if count > limit then
		blocked = start + window + cooldown
	end
end

redis.call('HSET', KEYS[1], 'start', start, 'count', count, 'blocked', blocked)
local ttl = math.max(start + window, blocked) - now
if ttl < 1 then
	ttl = 1
end
redis.call('PEXPIRE', KEYS[1], ttl)
return {start, count, blocked}
`)

// Store is a Redis-backed checkin.WindowStore.
type Store struct {
	client redis.Scripter
	prefix string
}

// New creates a window store on client.
func New(client redis.Scripter, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Open parses a redis:// URL and verifies the server answers.
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// Hit applies one attempt to the window for identifier and action.
func (s *Store) Hit(ctx context.Context, identifier string, action domain.RateAction, now time.Time, rule checkin.Rule) (*domain.RateWindow, error) {
	reply, err := hitScript.Run(ctx, s.client,
		[]string{s.key(identifier, action)},
		now.UnixMilli(),
		rule.Window.Milliseconds(),
		rule.Limit,
		rule.Cooldown.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, err
	}
	return windowFromReply(identifier, action, reply)
}

// PurgeStale is a no-op: every key expires once its window and block end.
func (s *Store) PurgeStale(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (s *Store) key(identifier string, action domain.RateAction) string {
	return s.prefix + ":" + string(action) + ":" + identifier
}

func windowFromReply(identifier string, action domain.RateAction, reply []int64) (*domain.RateWindow, error) {
	if len(reply) != 3 {
		return nil, fmt.Errorf("unexpected rate window reply length %d", len(reply))
	}
	w := &domain.RateWindow{
		Identifier:   identifier,
		Action:       action,
		WindowStart:  time.UnixMilli(reply[0]).UTC(),
		AttemptCount: int(reply[1]),
	}
	if reply[2] > 0 {
		until := time.UnixMilli(reply[2]).UTC()
		w.BlockedUntil = &until
	}
	return w, nil
}
