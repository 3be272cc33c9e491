// Package quota implements the Quota Gate (C5): per-tier, per-action usage
// limits on a 30-day rolling reset, backed by Redis hot counters.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wasmforge/orchestrator/internal/apperr"
	"github.com/wasmforge/orchestrator/internal/domain"
)

// Action identifies the thing being admitted against a counter.
type Action string

const (
	ActionCompile      Action = "compile"
	ActionDeploy       Action = "deploy"
	ActionFunctionTest Action = "function_test"
)

// resetWindow is the periodic reset period (§4.5): 30 days.
const resetWindow = 30 * 24 * time.Hour

// unbounded marks a limit with no ceiling.
const unbounded = -1

// limits is the tier table from §4.5. A limit of unbounded means Admit
// always allows the action without consulting or mutating Redis state.
var limits = map[domain.Tier]map[Action]int{
	domain.TierFree: {
		ActionCompile:      unbounded,
		ActionDeploy:       5,
		ActionFunctionTest: 2,
	},
	domain.TierMid: {
		ActionCompile:      unbounded,
		ActionDeploy:       unbounded,
		ActionFunctionTest: 5,
	},
	domain.TierTop: {
		ActionCompile:      unbounded,
		ActionDeploy:       unbounded,
		ActionFunctionTest: unbounded,
	},
}

// limitFor looks up the configured limit for a tier/action pair. Unknown
// tiers are treated as free (the most conservative limit).
func limitFor(tier domain.Tier, action Action) int {
	t, ok := limits[tier]
	if !ok {
		t = limits[domain.TierFree]
	}
	limit, ok := t[action]
	if !ok {
		return unbounded
	}
	return limit
}

// Gate is the Quota Gate: Redis-backed hot counters, one hash per
// (user, action), holding `count` and `reset_at` (unix seconds).
type Gate struct {
	client *redis.Client
}

// New connects to Redis using url, e.g. "redis://localhost:6379".
func New(ctx context.Context, url string) (*Gate, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("quota: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("quota: ping: %w", err)
	}
	return &Gate{client: client}, nil
}

func (g *Gate) Close() error { return g.client.Close() }

func (g *Gate) Ping(ctx context.Context) error { return g.client.Ping(ctx).Err() }

func counterKey(userID string, action Action) string {
	return fmt.Sprintf("quota:%s:%s", userID, action)
}

// admitScript performs the periodic reset and the admission check
// atomically: it reads count/reset_at, resets both to zero/now if the
// window has elapsed, and reports whether the (possibly just-reset) count
// is under limit. It does NOT increment on allow — §4.5 requires the
// increment to happen only on terminal success, via Increment.
var admitScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])

	local count = tonumber(redis.call('HGET', key, 'count') or '0')
	local reset_at = tonumber(redis.call('HGET', key, 'reset_at') or '0')

	if reset_at == 0 or (now - reset_at) >= window then
		count = 0
		reset_at = now
		redis.call('HSET', key, 'count', count, 'reset_at', reset_at)
		redis.call('EXPIRE', key, window * 2)
	end

	local allowed = 0
	if limit == -1 or count < limit then
		allowed = 1
	end

	return {allowed, count, reset_at}
`)

// Admit checks whether user may perform action right now, applying the
// periodic reset first. It never mutates the counter beyond that reset;
// callers that proceed to a terminal success must call Increment
// separately so failed attempts do not burn quota.
func (g *Gate) Admit(ctx context.Context, user domain.UserRef, action Action) (bool, domain.Counter, error) {
	limit := limitFor(user.Tier, action)
	if limit == unbounded {
		return true, domain.Counter{Count: 0, Limit: unbounded}, nil
	}

	now := time.Now().UTC()
	res, err := admitScript.Run(ctx, g.client, []string{counterKey(user.ID, action)},
		now.Unix(), int64(resetWindow.Seconds()), limit,
	).Result()
	if err != nil {
		return false, domain.Counter{}, fmt.Errorf("quota: admit: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return false, domain.Counter{}, fmt.Errorf("quota: admit: unexpected script result %v", res)
	}
	allowed := vals[0].(int64) == 1
	count := int(vals[1].(int64))
	resetAt := time.Unix(vals[2].(int64), 0).UTC()

	counter := domain.Counter{Count: count, Limit: limit, ResetAt: resetAt}
	if !allowed {
		return false, counter, apperr.WithDetails(apperr.QuotaExceeded,
			fmt.Sprintf("%s quota exceeded", action),
			apperr.QuotaExceededDetails{Current: count, Limit: limit})
	}
	return true, counter, nil
}

// incrementScript applies the same periodic reset as admitScript, then
// increments count by one. It is the sole mutator of quota state,
// invoked only on a terminal successful deploy/function-test (§4.8 step 5).
var incrementScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local count = tonumber(redis.call('HGET', key, 'count') or '0')
	local reset_at = tonumber(redis.call('HGET', key, 'reset_at') or '0')

	if reset_at == 0 or (now - reset_at) >= window then
		count = 0
		reset_at = now
	end

	count = count + 1
	redis.call('HSET', key, 'count', count, 'reset_at', reset_at)
	redis.call('EXPIRE', key, window * 2)

	return {count, reset_at}
`)

// Increment records one consumption of action against user's counter.
// Unbounded actions are a no-op (there is nothing to track).
func (g *Gate) Increment(ctx context.Context, userID string, tier domain.Tier, action Action) error {
	if limitFor(tier, action) == unbounded {
		return nil
	}
	now := time.Now().UTC()
	_, err := incrementScript.Run(ctx, g.client, []string{counterKey(userID, action)},
		now.Unix(), int64(resetWindow.Seconds()),
	).Result()
	if err != nil {
		return fmt.Errorf("quota: increment: %w", err)
	}
	return nil
}
