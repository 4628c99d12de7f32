package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lastnameswayne/tinyimage/db"
	"github.com/lastnameswayne/tinyimage/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *db.DB, *store.Store) {
	t.Helper()
	history, err := db.Open(filepath.Join(t.TempDir(), "sway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })
	blobs, err := store.New(t.TempDir())
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(history, blobs, log), history, blobs
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBuilds(t *testing.T) {
	s, history, _ := newTestServer(t)
	h := s.Handler()

	t.Run("empty history is an empty list", func(t *testing.T) {
		rec := get(t, h, "/builds")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "[]", rec.Body.String())
	})

	require.NoError(t, history.RecordBuild(context.Background(), &db.Build{
		ID:        "b1",
		Tag:       "app:latest",
		ImageID:   "sha256:img",
		Status:    db.StatusSucceeded,
		StartedAt: time.UnixMilli(1700000000000),
		Layers:    []db.Layer{{Index: 0, DiffID: "sha256:l0", Size: 10, Step: "base"}},
	}))

	t.Run("lists builds", func(t *testing.T) {
		rec := get(t, h, "/builds?limit=5")
		require.Equal(t, http.StatusOK, rec.Code)
		var builds []db.Build
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &builds))
		require.Len(t, builds, 1)
		assert.Equal(t, "app:latest", builds[0].Tag)
		assert.Len(t, builds[0].Layers, 1)
	})

	t.Run("gets a build by id or tag", func(t *testing.T) {
		for _, ref := range []string{"b1", "app:latest"} {
			rec := get(t, h, "/builds/"+ref)
			require.Equal(t, http.StatusOK, rec.Code, ref)
			var b db.Build
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
			assert.Equal(t, "b1", b.ID)
		}
	})

	t.Run("unknown build is 404", func(t *testing.T) {
		rec := get(t, h, "/builds/nope")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad limit is 400", func(t *testing.T) {
		rec := get(t, h, "/builds?limit=-1")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	assert.Equal(t, float64(2), testutil.ToFloat64(s.requests.WithLabelValues("builds", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.requests.WithLabelValues("build", "404")))
}

func TestLaunches(t *testing.T) {
	s, history, _ := newTestServer(t)
	require.NoError(t, history.RecordLaunch(context.Background(), &db.Launch{
		Image: "app:latest", Driver: "docker", Address: "0.0.0.0", Port: 8501, ExitCode: 0, StartedAt: time.Now(),
	}))

	rec := get(t, s.Handler(), "/launches")
	require.Equal(t, http.StatusOK, rec.Code)
	var launches []db.Launch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &launches))
	require.Len(t, launches, 1)
	assert.Equal(t, 8501, launches[0].Port)
}

func TestBlobs(t *testing.T) {
	s, _, blobs := newTestServer(t)
	h := s.Handler()

	d, _, err := blobs.Put(context.Background(), strings.NewReader("layer content"))
	require.NoError(t, err)

	t.Run("serves stored blob", func(t *testing.T) {
		rec := get(t, h, "/blobs/"+d.String())
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "layer content", rec.Body.String())
		assert.Equal(t, d.String(), rec.Header().Get("Docker-Content-Digest"))
		assert.Equal(t, float64(13), testutil.ToFloat64(s.blobBytes))
	})

	t.Run("missing blob is 404", func(t *testing.T) {
		rec := get(t, h, "/blobs/sha256:"+strings.Repeat("0", 64))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid digest is 400", func(t *testing.T) {
		rec := get(t, h, "/blobs/not-a-digest")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("metrics report the store", func(t *testing.T) {
		rec := get(t, h, "/metrics")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "sway_store_blobs 1")
		assert.Contains(t, rec.Body.String(), "sway_store_bytes 13")
	})
}
