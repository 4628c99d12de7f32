package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "sway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func build(id, tag, imageID string, started time.Time, diffIDs ...string) *Build {
	b := &Build{
		ID:        id,
		Tag:       tag,
		ImageID:   imageID,
		Status:    StatusSucceeded,
		StartedAt: started,
	}
	for i, d := range diffIDs {
		b.Layers = append(b.Layers, Layer{Index: i, DiffID: d, Size: int64(100 * (i + 1)), Step: "base"})
	}
	return b
}

func TestRecordAndGetBuild(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()
	started := time.UnixMilli(1700000000000)

	b := build("b1", "app:latest", "sha256:aaa", started, "sha256:l0", "sha256:l1")
	b.ContextDigest = "sha256:ctx"
	b.DurationMs = 42
	require.NoError(t, d.RecordBuild(ctx, b))

	got, err := d.GetBuild(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "app:latest", got.Tag)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, "sha256:ctx", got.ContextDigest)
	assert.Equal(t, int64(42), got.DurationMs)
	assert.True(t, started.Equal(got.StartedAt))
	require.Len(t, got.Layers, 2)
	assert.Equal(t, "sha256:l1", got.Layers[1].DiffID)
	assert.Equal(t, int64(200), got.Layers[1].Size)

	_, err = d.GetBuild(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestBuild(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()
	t0 := time.UnixMilli(1700000000000)

	require.NoError(t, d.RecordBuild(ctx, build("old", "app:latest", "sha256:old", t0)))
	require.NoError(t, d.RecordBuild(ctx, build("new", "app:latest", "sha256:new", t0.Add(time.Minute))))
	failed := build("failed", "app:latest", "", t0.Add(2*time.Minute))
	failed.Status = StatusFailed
	failed.Step = "packages"
	require.NoError(t, d.RecordBuild(ctx, failed))

	t.Run("skips failed builds", func(t *testing.T) {
		got, err := d.LatestBuild(ctx, "app:latest")
		require.NoError(t, err)
		assert.Equal(t, "new", got.ID)
	})

	t.Run("find by tag, id and image id", func(t *testing.T) {
		got, err := d.FindBuild(ctx, "app:latest")
		require.NoError(t, err)
		assert.Equal(t, "new", got.ID)

		got, err = d.FindBuild(ctx, "failed")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)

		got, err = d.FindBuild(ctx, "sha256:old")
		require.NoError(t, err)
		assert.Equal(t, "old", got.ID)

		_, err = d.FindBuild(ctx, "nope:latest")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list newest first", func(t *testing.T) {
		all, err := d.ListBuilds(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"failed", "new", "old"}, []string{all[0].ID, all[1].ID, all[2].ID})

		limited, err := d.ListBuilds(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

func TestLaunches(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()

	l := &Launch{Image: "app:latest", Driver: "docker", Address: "0.0.0.0", Port: 8501, ExitCode: 3, StartedAt: time.UnixMilli(1700000000000)}
	require.NoError(t, d.RecordLaunch(ctx, l))
	assert.NotZero(t, l.ID)

	got, err := d.ListLaunches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].ExitCode)
	assert.Equal(t, 8501, got[0].Port)
}

func TestDeleteImage(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()
	t0 := time.UnixMilli(1700000000000)

	require.NoError(t, d.RecordBuild(ctx, build("a", "app:v1", "sha256:img1", t0, "sha256:base", "sha256:app1")))
	require.NoError(t, d.RecordBuild(ctx, build("b", "app:v2", "sha256:img2", t0, "sha256:base", "sha256:app2")))

	unreferenced, err := d.DeleteImage(ctx, "sha256:img1")
	require.NoError(t, err)
	assert.Equal(t, []string{"sha256:app1"}, unreferenced)

	_, err = d.GetBuild(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	kept, err := d.GetBuild(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, kept.Layers, 2)

	_, err = d.DeleteImage(ctx, "sha256:img1")
	assert.ErrorIs(t, err, ErrNotFound)
}
