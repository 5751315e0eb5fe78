// Package dedup provides ledger decorators shared by every dedup backend.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

// BloomLedger answers ShouldSkip negatives from a process-local bloom filter and
// delegates everything else. Claim always reaches the wrapped ledger, so URLs
// recorded by other processes are still caught there.
type BloomLedger struct {
	inner crawler.DedupLedger

	mu     sync.Mutex
	filter *bloom.BloomFilter
}

// NewBloomLedger wraps inner with a filter sized for n entries at fpRate.
func NewBloomLedger(inner crawler.DedupLedger, n uint, fpRate float64) *BloomLedger {
	if n == 0 {
		n = 100_000
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	return &BloomLedger{inner: inner, filter: bloom.NewWithEstimates(n, fpRate)}
}

func bloomKey(taskID, url string) string {
	return taskID + "\x00" + url
}

func (b *BloomLedger) seen(taskID, url string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filter.TestString(bloomKey(taskID, url))
}

func (b *BloomLedger) remember(taskID, url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filter.AddString(bloomKey(taskID, url))
}

// ShouldSkip returns false without a round trip when the filter has never seen the URL.
func (b *BloomLedger) ShouldSkip(ctx context.Context, taskID, url string) (bool, error) {
	if !b.seen(taskID, url) {
		return false, nil
	}
	return b.inner.ShouldSkip(ctx, taskID, url)
}

// Claim delegates to the wrapped ledger and records wins in the filter.
func (b *BloomLedger) Claim(ctx context.Context, taskID, url string, at time.Time) (bool, error) {
	ok, err := b.inner.Claim(ctx, taskID, url, at)
	if err != nil {
		return false, err
	}
	b.remember(taskID, url)
	return ok, nil
}

// Release delegates; filter bits stay set and positives are re-checked against the wrapped ledger.
func (b *BloomLedger) Release(ctx context.Context, taskID, url string) error {
	return b.inner.Release(ctx, taskID, url)
}

// RecordVisit delegates and records the URL in the filter.
func (b *BloomLedger) RecordVisit(ctx context.Context, taskID, url string, at time.Time) (crawler.DedupEntry, error) {
	entry, err := b.inner.RecordVisit(ctx, taskID, url, at)
	if err != nil {
		return crawler.DedupEntry{}, err
	}
	b.remember(taskID, url)
	return entry, nil
}

// Get delegates.
func (b *BloomLedger) Get(ctx context.Context, taskID, url string) (crawler.DedupEntry, error) {
	return b.inner.Get(ctx, taskID, url)
}

// ForgetTask delegates.
func (b *BloomLedger) ForgetTask(ctx context.Context, taskID string) error {
	return b.inner.ForgetTask(ctx, taskID)
}
