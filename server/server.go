// Package server exposes the build history and the stored layer blobs over
// HTTP, read-only, together with Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/lastnameswayne/tinyimage/db"
	"github.com/lastnameswayne/tinyimage/store"
	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Server struct {
	db    *db.DB
	store *store.Store
	log   logrus.FieldLogger

	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	blobBytes prometheus.Counter
}

func New(history *db.DB, blobs *store.Store, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		db:       history,
		store:    blobs,
		log:      log,
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sway",
			Name:      "http_requests_total",
			Help:      "HTTP requests by handler and status code.",
		}, []string{"handler", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sway",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by handler.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler"}),
		blobBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sway",
			Name:      "blob_bytes_served_total",
			Help:      "Bytes of layer blobs served.",
		}),
	}
	s.registry.MustRegister(s.requests, s.duration, s.blobBytes, &storeCollector{store: blobs})
	return s
}

func (s *Server) instrument(name string, h http.HandlerFunc) http.Handler {
	return promhttp.InstrumentHandlerDuration(
		s.duration.MustCurryWith(prometheus.Labels{"handler": name}),
		promhttp.InstrumentHandlerCounter(s.requests.MustCurryWith(prometheus.Labels{"handler": name}), h),
	)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /builds", s.instrument("builds", s.handleBuilds))
	mux.Handle("GET /builds/{id}", s.instrument("build", s.handleBuild))
	mux.Handle("GET /launches", s.instrument("launches", s.handleLaunches))
	mux.Handle("GET /blobs/{digest}", s.instrument("blob", s.handleBlob))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("serving")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func limit(r *http.Request) (int, error) {
	q := r.URL.Query().Get("limit")
	if q == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(q)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleBuilds(w http.ResponseWriter, r *http.Request) {
	n, err := limit(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	builds, err := s.db.ListBuilds(r.Context(), n)
	if err != nil {
		s.log.WithError(err).Error("list builds")
		http.Error(w, "Failed to list builds", http.StatusInternalServerError)
		return
	}
	if builds == nil {
		builds = []db.Build{}
	}
	writeJSON(w, builds)
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	b, err := s.db.FindBuild(r.Context(), r.PathValue("id"))
	if errors.Is(err, db.ErrNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.WithError(err).Error("get build")
		http.Error(w, "Failed to get build", http.StatusInternalServerError)
		return
	}
	writeJSON(w, b)
}

func (s *Server) handleLaunches(w http.ResponseWriter, r *http.Request) {
	n, err := limit(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	launches, err := s.db.ListLaunches(r.Context(), n)
	if err != nil {
		s.log.WithError(err).Error("list launches")
		http.Error(w, "Failed to list launches", http.StatusInternalServerError)
		return
	}
	if launches == nil {
		launches = []db.Launch{}
	}
	writeJSON(w, launches)
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	d, err := digest.Parse(r.PathValue("digest"))
	if err != nil {
		http.Error(w, "invalid digest", http.StatusBadRequest)
		return
	}
	size, err := s.store.Size(d)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "invalid digest", http.StatusBadRequest)
		return
	}
	rc, err := s.store.Open(d)
	if err != nil {
		http.Error(w, "Error opening blob", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/x-tar")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Docker-Content-Digest", d.String())
	// blobs never change
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	n, err := io.Copy(w, rc)
	s.blobBytes.Add(float64(n))
	if err != nil {
		s.log.WithError(err).WithField("digest", d).Warn("serving blob")
	}
}

// storeCollector reports the size of the blob store at scrape time.
type storeCollector struct {
	store *store.Store
}

var (
	blobsDesc      = prometheus.NewDesc("sway_store_blobs", "Layer blobs in the store.", nil, nil)
	blobsBytesDesc = prometheus.NewDesc("sway_store_bytes", "Total size of the layer blobs in the store.", nil, nil)
)

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- blobsDesc
	ch <- blobsBytesDesc
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	var count, total int64
	if c.store != nil {
		c.store.Walk(func(_ digest.Digest, size int64) error {
			count++
			total += size
			return nil
		})
	}
	ch <- prometheus.MustNewConstMetric(blobsDesc, prometheus.GaugeValue, float64(count))
	ch <- prometheus.MustNewConstMetric(blobsBytesDesc, prometheus.GaugeValue, float64(total))
}
