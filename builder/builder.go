// Package builder turns a recipe into a tagged image: base image, OS
// packages, manifest dependencies and source, in that order. A build that
// fails at any step leaves no tagged image behind.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/uuid"
	"github.com/lastnameswayne/tinyimage/buildctx"
	"github.com/lastnameswayne/tinyimage/db"
	"github.com/lastnameswayne/tinyimage/manifest"
	"github.com/lastnameswayne/tinyimage/recipe"
	"github.com/lastnameswayne/tinyimage/store"
	"github.com/lastnameswayne/tinyimage/tarread"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Phases outside the image stages that can fail a build.
const (
	PhaseValidate = "validate"
	PhaseContext  = "context"
	PhaseExport   = "export"
	PhaseTag      = "tag"
)

// Step is one ordered stage of the image.
type Step struct {
	Name        string
	Description string
}

var stepDescriptions = map[string]string{
	recipe.StageBase:         "base image",
	recipe.StagePackages:     "OS packages",
	recipe.StageDependencies: "manifest dependencies",
	recipe.StageSource:       "application source",
}

// StepError reports which step of a build failed. ExitCode is the engine's
// exit status, or -1 when the failure did not come from the engine.
type StepError struct {
	Step     string
	ExitCode int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("build step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func stepError(step string, err error) *StepError {
	code := -1
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		code = engineErr.ExitCode
	}
	return &StepError{Step: step, ExitCode: code, Err: err}
}

// Plan checks everything that can be checked without an engine and returns
// the steps of the build in order.
func Plan(r recipe.Recipe) ([]Step, error) {
	if err := recipe.Validate(r); err != nil {
		return nil, err
	}
	if _, err := manifest.ParseFile(r.ManifestPath()); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	fi, err := os.Stat(r.SourcePath())
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("source %s: %w", r.SourcePath(), buildctx.ErrNotDirectory)
	}

	steps := make([]Step, 0, len(recipe.Stages))
	for _, s := range recipe.Stages {
		steps = append(steps, Step{Name: s, Description: stepDescriptions[s]})
	}
	return steps, nil
}

// NormalizeTag validates tag and adds ":latest" when it has none.
func NormalizeTag(tag string) (string, error) {
	t, err := name.NewTag(tag)
	if err != nil {
		return "", fmt.Errorf("invalid tag %q: %w", tag, err)
	}
	if strings.Contains(tag[strings.LastIndex(tag, "/")+1:], ":") {
		return tag, nil
	}
	return tag + ":" + t.TagStr(), nil
}

type Builder struct {
	Engine Engine
	Store  *store.Store
	DB     *db.DB
	Log    logrus.FieldLogger

	// Epoch stamps every entry of the build context.
	Epoch time.Time
	// WorkDir holds the build context and the saved image while building.
	WorkDir string
	// Output receives the engine's build output.
	Output io.Writer
	// Progress is called when a step starts and when it ends.
	Progress func(step string, err error, done bool)
	// Concurrency bounds how many layers are stored at once.
	Concurrency int
}

// Result is a successful build.
type Result struct {
	Build   *db.Build
	Image   *tarread.Image
	Context *buildctx.Context
}

func (b *Builder) log() logrus.FieldLogger {
	if b.Log == nil {
		return logrus.StandardLogger()
	}
	return b.Log
}

func (b *Builder) progress(step string, err error, done bool) {
	if b.Progress != nil {
		b.Progress(step, err, done)
	}
}

// Build builds r and tags the result tag. On failure the build is recorded
// as failed, nothing is tagged and the error is a *StepError or a
// *recipe.ValidationError.
func (b *Builder) Build(ctx context.Context, r recipe.Recipe, tag string) (*Result, error) {
	rec := &db.Build{
		ID:        uuid.NewString(),
		Tag:       tag,
		StartedAt: time.Now(),
	}
	log := b.log().WithFields(logrus.Fields{"build": rec.ID, "tag": tag})

	res, err := b.build(ctx, r, rec, log)
	rec.DurationMs = time.Since(rec.StartedAt).Milliseconds()
	if err != nil {
		rec.Status = db.StatusFailed
		rec.ImageID = ""
		rec.Layers = nil
		rec.Error = err.Error()
		var stepErr *StepError
		if errors.As(err, &stepErr) {
			rec.Step = stepErr.Step
		}
		log.WithError(err).WithField("step", rec.Step).Error("build failed")
	} else {
		rec.Status = db.StatusSucceeded
		log.WithFields(logrus.Fields{"image": rec.ImageID, "duration_ms": rec.DurationMs}).Info("build succeeded")
	}

	if b.DB != nil {
		// the record outlives a cancelled build
		if dbErr := b.DB.RecordBuild(context.WithoutCancel(ctx), rec); dbErr != nil {
			log.WithError(dbErr).Warn("could not record build")
			if err == nil {
				return nil, fmt.Errorf("record build: %w", dbErr)
			}
		}
	}
	if err != nil {
		return nil, err
	}
	res.Build = rec
	return res, nil
}

func (b *Builder) build(ctx context.Context, r recipe.Recipe, rec *db.Build, log logrus.FieldLogger) (*Result, error) {
	tag, err := NormalizeTag(rec.Tag)
	if err != nil {
		return nil, &StepError{Step: PhaseValidate, ExitCode: -1, Err: err}
	}
	rec.Tag = tag

	b.progress(PhaseValidate, nil, false)
	steps, err := Plan(r)
	b.progress(PhaseValidate, err, true)
	if err != nil {
		return nil, &StepError{Step: PhaseValidate, ExitCode: -1, Err: err}
	}
	m, err := manifest.ParseFile(r.ManifestPath())
	if err != nil {
		return nil, &StepError{Step: PhaseValidate, ExitCode: -1, Err: err}
	}
	rec.ManifestDigest = m.Digest().String()
	if unpinned := m.Unpinned(); len(unpinned) > 0 {
		log.WithField("count", len(unpinned)).Warn("manifest has unpinned requirements, the build may not be reproducible")
	}

	work, err := os.MkdirTemp(b.WorkDir, "sway-build-")
	if err != nil {
		return nil, stepError(PhaseContext, err)
	}
	defer os.RemoveAll(work)

	b.progress(PhaseContext, nil, false)
	contextPath := filepath.Join(work, "context.tar.gz")
	bctx, err := buildctx.PackFile(ctx, r, contextPath, buildctx.Options{Epoch: b.Epoch, Gzip: true})
	b.progress(PhaseContext, err, true)
	if err != nil {
		return nil, stepError(PhaseContext, err)
	}
	rec.ContextDigest = bctx.Digest.String()
	log.WithFields(logrus.Fields{"context": bctx.Digest, "files": bctx.Files}).Debug("packed build context")

	// every stage image other than the tagged one is removed again
	var built []string
	defer func() {
		for _, id := range built {
			if id == rec.ImageID {
				continue
			}
			if err := b.Engine.Remove(context.WithoutCancel(ctx), id); err != nil {
				log.WithError(err).WithField("image", id).Debug("could not remove intermediate image")
			}
		}
	}()

	var (
		imageID   string
		boundary  = map[string]int{}
		stepOrder []string
	)
	for _, s := range steps {
		b.progress(s.Name, nil, false)
		log.WithField("step", s.Name).Info("building " + s.Description)
		imageID, err = b.Engine.Build(ctx, BuildRequest{
			ContextPath: contextPath,
			Dockerfile:  recipe.ContextDockerfile,
			Target:      s.Name,
			Platform:    r.Platform,
			Output:      b.Output,
		})
		if err == nil {
			built = appendUnique(built, imageID)
			boundary[s.Name], err = b.Engine.Layers(ctx, imageID)
		}
		b.progress(s.Name, err, true)
		if err != nil {
			return nil, stepError(s.Name, err)
		}
		stepOrder = append(stepOrder, s.Name)
	}

	b.progress(PhaseExport, nil, false)
	img, err := b.export(ctx, imageID, work)
	b.progress(PhaseExport, err, true)
	if err != nil {
		return nil, stepError(PhaseExport, err)
	}
	assignSteps(img.Layers, stepOrder, boundary, rec)

	b.progress(PhaseTag, nil, false)
	err = b.Engine.Tag(ctx, imageID, tag)
	b.progress(PhaseTag, err, true)
	if err != nil {
		return nil, stepError(PhaseTag, err)
	}
	rec.ImageID = imageID

	return &Result{Image: img, Context: bctx}, nil
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// export saves the final image, reads its layers and stores them.
func (b *Builder) export(ctx context.Context, imageID, work string) (*tarread.Image, error) {
	path := filepath.Join(work, "image.tar")
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := b.Engine.Save(ctx, imageID, f); err != nil {
		f.Close()
		return nil, fmt.Errorf("save image: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	img, err := tarread.ReadImage(path)
	if err != nil {
		return nil, err
	}
	if b.Store == nil {
		return img, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	limit := b.Concurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for i := range img.Layers {
		l := &img.Layers[i]
		g.Go(func() error {
			rc, err := l.Open()
			if err != nil {
				return fmt.Errorf("open layer %d: %w", l.Index, err)
			}
			defer rc.Close()
			n, err := b.Store.PutVerified(gctx, l.DiffID, rc)
			if err != nil {
				return fmt.Errorf("store layer %s: %w", l.DiffID, err)
			}
			l.Size = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return img, nil
}

// assignSteps attributes each layer to the first stage whose image already
// had it.
func assignSteps(layers []tarread.Layer, order []string, boundary map[string]int, rec *db.Build) {
	rec.Layers = rec.Layers[:0]
	for _, l := range layers {
		step := ""
		for _, s := range order {
			if l.Index < boundary[s] {
				step = s
				break
			}
		}
		rec.Layers = append(rec.Layers, db.Layer{
			Index:     l.Index,
			DiffID:    l.DiffID.String(),
			Size:      l.Size,
			CreatedBy: l.CreatedBy,
			Step:      step,
		})
	}
}
