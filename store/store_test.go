package store

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPut(t *testing.T) {
	t.Run("stores content under its digest", func(t *testing.T) {
		s, err := New(t.TempDir())
		require.NoError(t, err)

		d, n, err := s.Put(context.Background(), strings.NewReader("layer bytes"))
		require.NoError(t, err)
		assert.Equal(t, digest.FromString("layer bytes"), d)
		assert.Equal(t, int64(11), n)
		assert.True(t, s.Has(d))

		rc, err := s.Open(d)
		require.NoError(t, err)
		defer rc.Close()
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "layer bytes", string(b))
	})

	t.Run("repeated and concurrent puts are idempotent", func(t *testing.T) {
		s, err := New(t.TempDir())
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _, errs[i] = s.Put(context.Background(), strings.NewReader("same content"))
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}

		count := 0
		require.NoError(t, s.Walk(func(d digest.Digest, size int64) error {
			count++
			assert.Equal(t, digest.FromString("same content"), d)
			assert.Equal(t, int64(12), size)
			return nil
		}))
		assert.Equal(t, 1, count)
	})

	t.Run("verified put rejects wrong content", func(t *testing.T) {
		s, err := New(t.TempDir())
		require.NoError(t, err)

		_, err = s.PutVerified(context.Background(), digest.FromString("expected"), strings.NewReader("actual"))
		assert.ErrorIs(t, err, ErrDigestMismatch)
		assert.False(t, s.Has(digest.FromString("actual")))

		n, err := s.PutVerified(context.Background(), digest.FromString("expected"), strings.NewReader("expected"))
		require.NoError(t, err)
		assert.Equal(t, int64(8), n)
	})

	t.Run("cancelled context aborts the write", func(t *testing.T) {
		s, err := New(t.TempDir())
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, _, err = s.Put(ctx, strings.NewReader("never stored"))
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, s.Has(digest.FromString("never stored")))
	})
}

func TestOpenAndDelete(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	missing := digest.FromString("missing")
	_, err = s.Open(missing)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Size(missing)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Delete(missing))

	d, _, err := s.Put(context.Background(), strings.NewReader("gone soon"))
	require.NoError(t, err)
	size, err := s.Size(d)
	require.NoError(t, err)
	assert.Equal(t, int64(9), size)

	require.NoError(t, s.Delete(d))
	assert.False(t, s.Has(d))
}

func TestInvalidDigest(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Open(digest.Digest("sha256:../../etc/passwd"))
	assert.Error(t, err)
	assert.False(t, s.Has(digest.Digest("not-a-digest")))
}
