package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	r "github.com/redis/go-redis/v9"

	"tickflow/internal/domain"
)

// RedisIndex keeps the due-time ordering in a sorted set so several
// processes can share it. Score is the due time in unix milliseconds and the
// member is "<rank>:<id>", so Redis' lexicographic tie-break on equal scores
// yields priority then id order. A hash maps id -> member for removals.
type RedisIndex struct {
	rdb    *r.Client
	prefix string
}

func NewRedisIndex(rdb *r.Client, prefix string) *RedisIndex {
	if prefix == "" {
		prefix = "tickflow"
	}
	return &RedisIndex{rdb: rdb, prefix: prefix}
}

func (x *RedisIndex) dueKey() string     { return x.prefix + ":due" }
func (x *RedisIndex) membersKey() string { return x.prefix + ":due:members" }

func member(e Entry) string { return fmt.Sprintf("%d:%s", e.Priority.Rank(), e.ID) }

func parseMember(m string) (string, domain.Priority, bool) {
	rank, id, ok := strings.Cut(m, ":")
	if !ok || id == "" {
		return "", "", false
	}
	switch rank {
	case "0":
		return id, domain.PriorityHigh, true
	case "1":
		return id, domain.PriorityMedium, true
	case "2":
		return id, domain.PriorityLow, true
	}
	return "", "", false
}

func (x *RedisIndex) Upsert(ctx context.Context, e Entry) error {
	old, err := x.rdb.HGet(ctx, x.membersKey(), e.ID).Result()
	if err != nil && !errors.Is(err, r.Nil) {
		return fmt.Errorf("redis index lookup %s: %w", e.ID, err)
	}
	m := member(e)
	pipe := x.rdb.TxPipeline()
	if old != "" && old != m {
		pipe.ZRem(ctx, x.dueKey(), old)
	}
	pipe.ZAdd(ctx, x.dueKey(), r.Z{Score: float64(e.Due.UnixMilli()), Member: m})
	pipe.HSet(ctx, x.membersKey(), e.ID, m)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis index upsert %s: %w", e.ID, err)
	}
	return nil
}

func (x *RedisIndex) Remove(ctx context.Context, id string) error {
	old, err := x.rdb.HGet(ctx, x.membersKey(), id).Result()
	if errors.Is(err, r.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis index lookup %s: %w", id, err)
	}
	pipe := x.rdb.TxPipeline()
	pipe.ZRem(ctx, x.dueKey(), old)
	pipe.HDel(ctx, x.membersKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis index remove %s: %w", id, err)
	}
	return nil
}

func (x *RedisIndex) PeekDue(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	by := &r.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	zs, err := x.rdb.ZRangeByScoreWithScores(ctx, x.dueKey(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("redis index peek: %w", err)
	}
	out := make([]Entry, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		id, prio, ok := parseMember(m)
		if !ok {
			// Unknown member shape: drop it so it cannot wedge the head of the set.
			_ = x.rdb.ZRem(ctx, x.dueKey(), z.Member).Err()
			continue
		}
		out = append(out, Entry{ID: id, Priority: prio, Due: time.UnixMilli(int64(z.Score)).UTC()})
	}
	return out, nil
}

func (x *RedisIndex) Len(ctx context.Context) (int, error) {
	n, err := x.rdb.ZCard(ctx, x.dueKey()).Result()
	return int(n), err
}

func (x *RedisIndex) Reset(ctx context.Context) error {
	return x.rdb.Del(ctx, x.dueKey(), x.membersKey()).Err()
}
