package cluster

import (
	"context"
	"errors"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	logx "clustersched/pkg/logx"
)

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

// Redis reads membership written to redis:
//   - <prefix>:members  hash, field = member name, value = JSON Member
//   - <prefix>:scheduler string, the active scheduler's name (owned by the
//     external coordinator)
//
// Members whose Seen is older than TTL are considered gone. Run keeps the
// local member's own entry fresh.
type Redis struct {
	client redis.UniversalClient
	prefix string
	local  Member
	ttl    time.Duration
	log    logx.Logger
}

func NewRedis(client redis.UniversalClient, prefix string, local Member, ttl time.Duration, log logx.Logger) *Redis {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "clustersched"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Redis{client: client, prefix: prefix, local: local, ttl: ttl, log: log}
}

func (r *Redis) membersKey() string   { return r.prefix + ":members" }
func (r *Redis) schedulerKey() string { return r.prefix + ":scheduler" }

func (r *Redis) Local() Member { return r.local }

// Single is always false: a redis-coordinated deployment is a cluster even
// while it has one live member.
func (r *Redis) Single() bool { return false }

func (r *Redis) Members(ctx context.Context) ([]Member, error) {
	raw, err := r.client.HGetAll(ctx, r.membersKey()).Result()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-r.ttl)
	out := make([]Member, 0, len(raw))
	for name, v := range raw {
		var m Member
		if err := wire.UnmarshalFromString(v, &m); err != nil {
			r.log.Debug("skipping unreadable member entry", logx.String("member", name), logx.Err(err))
			continue
		}
		if m.Name == "" {
			m.Name = name
		}
		if m.Seen.Before(cutoff) {
			continue
		}
		out = append(out, m)
	}
	sortMembers(out)
	return out, nil
}

func (r *Redis) Scheduler(ctx context.Context) (Member, error) {
	name, err := r.client.Get(ctx, r.schedulerKey()).Result()
	if errors.Is(err, redis.Nil) {
		return Member{}, ErrNoScheduler
	}
	if err != nil {
		return Member{}, err
	}
	ms, err := r.Members(ctx)
	if err != nil {
		return Member{}, err
	}
	for _, m := range ms {
		if strings.EqualFold(m.Name, name) {
			return m, nil
		}
	}
	return Member{}, ErrNoScheduler
}

// Announce writes the local member entry once.
func (r *Redis) Announce(ctx context.Context) error {
	m := r.local
	m.Seen = time.Now()
	v, err := wire.MarshalToString(m)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, r.membersKey(), m.Name, v).Err()
}

// Run announces the local member every TTL/3 until ctx is done.
func (r *Redis) Run(ctx context.Context) error {
	every := r.ttl / 3
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if err := r.Announce(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("membership announce failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
