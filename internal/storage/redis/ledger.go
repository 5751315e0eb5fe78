// Package redis provides a dedup ledger backed by Redis hashes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redisv8 "github.com/go-redis/redis/v8"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

const defaultPrefix = "stagecrawl:dedup"

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// client is the subset of *redis.Client the ledger uses.
type client interface {
	HExists(ctx context.Context, key, field string) *redisv8.BoolCmd
	HSetNX(ctx context.Context, key, field string, value interface{}) *redisv8.BoolCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redisv8.IntCmd
	HGet(ctx context.Context, key, field string) *redisv8.StringCmd
	HIncrBy(ctx context.Context, key, field string, incr int64) *redisv8.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redisv8.IntCmd
	Del(ctx context.Context, keys ...string) *redisv8.IntCmd
}

// Ledger keeps three hashes per task keyed by URL: first visit, last visit, and crawl count.
// HSETNX on the first-visit hash is the atomic claim.
type Ledger struct {
	client client
	prefix string
	closer func() error
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Ledger, error) {
	c := redisv8.NewClient(&redisv8.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	l := NewWithClient(c, opts.Prefix)
	l.closer = c.Close
	return l, nil
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(c client, prefix string) *Ledger {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Ledger{client: c, prefix: prefix}
}

// Close releases the connection when the ledger owns it.
func (l *Ledger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer()
}

func (l *Ledger) key(taskID, part string) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, taskID, part)
}

// ShouldSkip reports whether an entry exists.
func (l *Ledger) ShouldSkip(ctx context.Context, taskID, url string) (bool, error) {
	ok, err := l.client.HExists(ctx, l.key(taskID, "first"), url).Result()
	if err != nil {
		return false, fmt.Errorf("hexists: %w", err)
	}
	return ok, nil
}

// Claim sets the first-visit field only if absent.
func (l *Ledger) Claim(ctx context.Context, taskID, url string, at time.Time) (bool, error) {
	stamp := at.UTC().UnixNano()
	set, err := l.client.HSetNX(ctx, l.key(taskID, "first"), url, stamp).Result()
	if err != nil {
		return false, fmt.Errorf("hsetnx: %w", err)
	}
	if !set {
		return false, nil
	}
	if err := l.client.HSet(ctx, l.key(taskID, "last"), url, stamp).Err(); err != nil {
		return true, fmt.Errorf("hset last: %w", err)
	}
	if err := l.client.HSet(ctx, l.key(taskID, "count"), url, 1).Err(); err != nil {
		return true, fmt.Errorf("hset count: %w", err)
	}
	return true, nil
}

// Release removes every field for the URL.
func (l *Ledger) Release(ctx context.Context, taskID, url string) error {
	for _, part := range []string{"first", "last", "count"} {
		if err := l.client.HDel(ctx, l.key(taskID, part), url).Err(); err != nil {
			return fmt.Errorf("hdel %s: %w", part, err)
		}
	}
	return nil
}

// RecordVisit creates the entry or increments its crawl count.
func (l *Ledger) RecordVisit(ctx context.Context, taskID, url string, at time.Time) (crawler.DedupEntry, error) {
	stamp := at.UTC().UnixNano()
	if err := l.client.HSetNX(ctx, l.key(taskID, "first"), url, stamp).Err(); err != nil {
		return crawler.DedupEntry{}, fmt.Errorf("hsetnx: %w", err)
	}
	if err := l.client.HSet(ctx, l.key(taskID, "last"), url, stamp).Err(); err != nil {
		return crawler.DedupEntry{}, fmt.Errorf("hset last: %w", err)
	}
	if err := l.client.HIncrBy(ctx, l.key(taskID, "count"), url, 1).Err(); err != nil {
		return crawler.DedupEntry{}, fmt.Errorf("hincrby: %w", err)
	}
	return l.Get(ctx, taskID, url)
}

// Get loads an entry.
func (l *Ledger) Get(ctx context.Context, taskID, url string) (crawler.DedupEntry, error) {
	first, err := l.readInt(ctx, l.key(taskID, "first"), url)
	if errors.Is(err, redisv8.Nil) {
		return crawler.DedupEntry{}, fmt.Errorf("dedup entry %s %s: %w", taskID, url, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.DedupEntry{}, err
	}
	last, err := l.readInt(ctx, l.key(taskID, "last"), url)
	if err != nil && !errors.Is(err, redisv8.Nil) {
		return crawler.DedupEntry{}, err
	}
	count, err := l.readInt(ctx, l.key(taskID, "count"), url)
	if err != nil && !errors.Is(err, redisv8.Nil) {
		return crawler.DedupEntry{}, err
	}
	if last == 0 {
		last = first
	}
	return crawler.DedupEntry{
		TaskID:         taskID,
		URL:            url,
		FirstCrawledAt: time.Unix(0, first).UTC(),
		LastCrawledAt:  time.Unix(0, last).UTC(),
		CrawlCount:     int(count),
	}, nil
}

// ForgetTask deletes the task's hashes.
func (l *Ledger) ForgetTask(ctx context.Context, taskID string) error {
	keys := []string{l.key(taskID, "first"), l.key(taskID, "last"), l.key(taskID, "count")}
	if err := l.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func (l *Ledger) readInt(ctx context.Context, key, field string) (int64, error) {
	raw, err := l.client.HGet(ctx, key, field).Result()
	if err != nil {
		if errors.Is(err, redisv8.Nil) {
			return 0, err
		}
		return 0, fmt.Errorf("hget %s: %w", key, err)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}
