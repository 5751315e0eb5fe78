package memory

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "path/page.md", "text/markdown", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://path/page.md", uri)

	payload[0] = 'C'
	stored, contentType, ok := store.Object("path/page.md")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))
	require.Equal(t, "text/markdown", contentType)
}

func TestBlobStorePathsAndSign(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	for _, p := range []string{"a/logs/x.json", "a/markdown/d.md", "b/markdown/e.md"} {
		_, err := store.PutObject(ctx, p, "text/plain", bytes.NewReader([]byte("x")))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a/logs/x.json", "a/markdown/d.md"}, store.Paths("a/"))

	signed, err := store.SignURL(ctx, "a/logs/x.json", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "memory://a/logs/x.json", signed)

	_, err = store.SignURL(ctx, "missing", time.Minute)
	require.True(t, errors.Is(err, crawler.ErrNotFound))
}
