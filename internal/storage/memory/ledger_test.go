package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

func TestLedgerClaimAndRelease(t *testing.T) {
	t.Parallel()

	ledger := NewLedger()
	ctx := context.Background()
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	skip, err := ledger.ShouldSkip(ctx, "task", "https://a")
	require.NoError(t, err)
	require.False(t, skip)

	claimed, err := ledger.Claim(ctx, "task", "https://a", at)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = ledger.Claim(ctx, "task", "https://a", at)
	require.NoError(t, err)
	require.False(t, claimed)

	entry, err := ledger.Get(ctx, "task", "https://a")
	require.NoError(t, err)
	require.Equal(t, 1, entry.CrawlCount)
	require.Equal(t, at, entry.FirstCrawledAt)

	require.NoError(t, ledger.Release(ctx, "task", "https://a"))
	_, err = ledger.Get(ctx, "task", "https://a")
	require.True(t, errors.Is(err, crawler.ErrNotFound))
}

func TestLedgerRecordVisitIncrements(t *testing.T) {
	t.Parallel()

	ledger := NewLedger()
	ctx := context.Background()
	first := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	_, err := ledger.RecordVisit(ctx, "task", "https://a", first)
	require.NoError(t, err)
	entry, err := ledger.RecordVisit(ctx, "task", "https://a", second)
	require.NoError(t, err)
	require.Equal(t, 2, entry.CrawlCount)
	require.Equal(t, first, entry.FirstCrawledAt)
	require.Equal(t, second, entry.LastCrawledAt)

	require.NoError(t, ledger.ForgetTask(ctx, "task"))
	skip, err := ledger.ShouldSkip(ctx, "task", "https://a")
	require.NoError(t, err)
	require.False(t, skip)
}

func TestLedgerConcurrentClaimsAdmitOne(t *testing.T) {
	t.Parallel()

	ledger := NewLedger()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.Claim(context.Background(), "task", "https://a", time.Now())
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}
