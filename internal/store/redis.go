package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lingua-io/scheduler/internal/resilience"
)

// RedisConfig configures a [RedisStore].
type RedisConfig struct {
	// Mode is "single" or "cluster" (spec §6).
	Mode string

	// Addrs is one address for single mode, or several for cluster mode.
	Addrs []string

	// Breaker tunes the circuit breaker wrapping every round-trip so a
	// flapping store trips open instead of hanging every caller.
	Breaker resilience.CircuitBreakerConfig
}

// RedisStore implements [Store] over go-redis. A [resilience.CircuitBreaker]
// (carried from the teacher's resilience package) wraps every command so
// repeated store faults surface immediately as a retryable [Error] rather
// than hanging callers one at a time — the same shape the teacher uses to
// protect provider calls.
type RedisStore struct {
	client  redis.UniversalClient
	breaker *resilience.CircuitBreaker
}

// NewRedisStore dials a Redis client per cfg.Mode and returns a ready
// [RedisStore].
func NewRedisStore(cfg RedisConfig) *RedisStore {
	breakerCfg := cfg.Breaker
	if breakerCfg.Name == "" {
		breakerCfg.Name = "store"
	}
	var client redis.UniversalClient
	if cfg.Mode == "cluster" {
		client = redis.NewClusterClient(&redis.ClusterOptions{Addrs: cfg.Addrs})
	} else {
		addr := "127.0.0.1:6379"
		if len(cfg.Addrs) > 0 {
			addr = cfg.Addrs[0]
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	return &RedisStore{
		client:  client,
		breaker: resilience.NewCircuitBreaker(breakerCfg),
	}
}

// call wraps fn with the circuit breaker and converts any error into a
// typed [Error], classifying open-breaker/network errors as retryable and
// everything else (a nil fn result already handles the happy path) the
// same way.
func (s *RedisStore) call(op string, fn func() error) error {
	err := s.breaker.Execute(fn)
	if err == nil {
		return nil
	}
	retryable := true
	if err == redis.Nil {
		retryable = false
	}
	return &Error{Op: op, Err: err, Retryable: retryable}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	var val string
	var found bool
	err := s.call("get", func() error {
		v, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	return val, found, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.call("set", func() error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
}

func (s *RedisStore) SetNXEX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.call("setnxex", func() error {
		v, err := s.client.SetNX(ctx, key, value, ttl).Result()
		ok = v
		return err
	})
	return ok, err
}

func (s *RedisStore) SetIfValueMatchesDel(ctx context.Context, key, expected string) (bool, error) {
	var deleted bool
	err := s.call("set_if_value_matches_del", func() error {
		res, err := setIfValueMatchesDelScript.Run(ctx, s.client, []string{key}, expected).Int()
		if err != nil {
			return err
		}
		deleted = res == 1
		return nil
	})
	return deleted, err
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	return s.call("del", func() error { return s.client.Del(ctx, keys...).Err() })
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.call("expire", func() error { return s.client.Expire(ctx, key, ttl).Err() })
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	return s.call("hset", func() error {
		args := make([]any, 0, len(fields)*2)
		for k, v := range fields {
			args = append(args, k, v)
		}
		return s.client.HSet(ctx, key, args...).Err()
	})
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	var val string
	var found bool
	err := s.call("hget", func() error {
		v, err := s.client.HGet(ctx, key, field).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	return val, found, err
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := s.call("hgetall", func() error {
		v, err := s.client.HGetAll(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	return s.call("sadd", func() error {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		return s.client.SAdd(ctx, key, args...).Err()
	})
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	return s.call("srem", func() error {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		return s.client.SRem(ctx, key, args...).Err()
	})
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := s.call("smembers", func() error {
		v, err := s.client.SMembers(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.call("zadd", func() error {
		return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

func (s *RedisStore) ZRem(ctx context.Context, key string, member string) error {
	return s.call("zrem", func() error { return s.client.ZRem(ctx, key, member).Err() })
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	var out []string
	err := s.call("zrangebyscore", func() error {
		v, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: fmt.Sprintf("%f", min),
			Max: fmt.Sprintf("%f", max),
		}).Result()
		out = v
		return err
	})
	return out, err
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	var out int64
	err := s.call("zcard", func() error {
		v, err := s.client.ZCard(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

func (s *RedisStore) ZReserveWithCapacity(ctx context.Context, nodeCapKey string, running, maxJobs int, jobID string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.call("zreserve_with_capacity", func() error {
		res, err := zReserveWithCapacityScript.Run(ctx, s.client, []string{nodeCapKey},
			time.Now().UnixMilli(), ttl.Milliseconds(), running, maxJobs, jobID).Int()
		if err != nil {
			return err
		}
		ok = res == 1
		return nil
	})
	return ok, err
}

func (s *RedisStore) XAddMaxLen(ctx context.Context, stream string, maxLen int64, fields map[string]string) (string, error) {
	var id string
	err := s.call("xadd", func() error {
		values := make(map[string]any, len(fields))
		for k, v := range fields {
			values[k] = v
		}
		res, err := s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: maxLen,
			Approx: true,
			Values: values,
		}).Result()
		id = res
		return err
	})
	return id, err
}

func (s *RedisStore) XGroupCreate(ctx context.Context, stream, group string, mkstream bool) error {
	return s.call("xgroup_create", func() error {
		var err error
		if mkstream {
			err = s.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
		} else {
			err = s.client.XGroupCreate(ctx, stream, group, "0").Err()
		}
		if err != nil && isBusyGroupErr(err) {
			return nil
		}
		return err
	})
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (s *RedisStore) XReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration, count int64) ([]StreamEntry, error) {
	var out []StreamEntry
	err := s.call("xreadgroup", func() error {
		res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Block:    block,
			Count:    count,
		}).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				out = append(out, toStreamEntry(msg))
			}
		}
		return nil
	})
	return out, err
}

func toStreamEntry(msg redis.XMessage) StreamEntry {
	fields := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		if sv, ok := v.(string); ok {
			fields[k] = sv
		} else {
			fields[k] = fmt.Sprintf("%v", v)
		}
	}
	return StreamEntry{ID: msg.ID, Fields: fields}
}

func (s *RedisStore) XAck(ctx context.Context, stream, group string, ids ...string) error {
	return s.call("xack", func() error { return s.client.XAck(ctx, stream, group, ids...).Err() })
}

func (s *RedisStore) XDel(ctx context.Context, stream string, ids ...string) error {
	return s.call("xdel", func() error { return s.client.XDel(ctx, stream, ids...).Err() })
}

func (s *RedisStore) XAutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]StreamEntry, string, error) {
	var out []StreamEntry
	var cursor string
	err := s.call("xautoclaim", func() error {
		msgs, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			MinIdle:  minIdle,
			Start:    start,
			Count:    count,
			Consumer: consumer,
		}).Result()
		if err != nil {
			return err
		}
		for _, m := range msgs {
			out = append(out, toStreamEntry(m))
		}
		cursor = next
		return nil
	})
	return out, cursor, err
}

func (s *RedisStore) XPending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error) {
	var out []PendingEntry
	err := s.call("xpending", func() error {
		res, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  group,
			Idle:   minIdle,
			Start:  "-",
			End:    "+",
			Count:  count,
		}).Result()
		if err != nil {
			return err
		}
		for _, p := range res {
			out = append(out, PendingEntry{
				ID:            p.ID,
				Consumer:      p.Consumer,
				IdleTime:      p.Idle,
				DeliveryCount: p.RetryCount,
			})
		}
		return nil
	})
	return out, err
}

func (s *RedisStore) XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamEntry, error) {
	var out []StreamEntry
	err := s.call("xclaim", func() error {
		msgs, err := s.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			return err
		}
		for _, m := range msgs {
			out = append(out, toStreamEntry(m))
		}
		return nil
	})
	return out, err
}

func (s *RedisStore) MarkJobDispatched(ctx context.Context, jobID string, nowMs int64, ttl time.Duration) (int, error) {
	var code int
	err := s.call("mark_job_dispatched", func() error {
		res, err := markJobDispatchedScript.Run(ctx, s.client, []string{jobID}, nowMs, ttl.Milliseconds()).Int()
		code = res
		return err
	})
	return code, err
}

func (s *RedisStore) FailoverReassign(ctx context.Context, jobID, newNodeID string, expectedAttemptID int, ttl time.Duration) (int, error) {
	var code int
	err := s.call("failover_reassign", func() error {
		res, err := failoverReassignScript.Run(ctx, s.client, []string{jobID}, newNodeID, expectedAttemptID, ttl.Milliseconds()).Int()
		code = res
		return err
	})
	return code, err
}

func (s *RedisStore) FSMShadowTransition(ctx context.Context, fsmKey string, attemptID int, newState string, ttl time.Duration) (int, error) {
	var code int
	err := s.call("fsm_shadow_transition", func() error {
		res, err := fsmShadowTransitionScript.Run(ctx, s.client, []string{fsmKey}, attemptID, newState, ttl.Milliseconds()).Int()
		code = res
		return err
	})
	return code, err
}

func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	return s.call("publish", func() error { return s.client.Publish(ctx, channel, message).Err() })
}

func (s *RedisStore) ScanKeys(ctx context.Context, pattern string, fn func(key string) error) error {
	return s.call("scan", func() error {
		iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := fn(iter.Val()); err != nil {
				return err
			}
		}
		return iter.Err()
	})
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
