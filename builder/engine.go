package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// BuildRequest asks an engine to build one stage of the generated
// Dockerfile from a packed build context.
type BuildRequest struct {
	// ContextPath is a (gzipped) tar holding the build context.
	ContextPath string
	// Dockerfile is the path of the build definition inside the context.
	Dockerfile string
	Target     string
	Platform   string
	Output     io.Writer
}

// Engine is the container engine doing the actual image work. Build never
// tags anything; the builder tags only once every stage has succeeded.
type Engine interface {
	Build(ctx context.Context, req BuildRequest) (imageID string, err error)
	// Layers returns how many filesystem layers an image has.
	Layers(ctx context.Context, imageID string) (int, error)
	Tag(ctx context.Context, imageID, tag string) error
	Save(ctx context.Context, imageID string, w io.Writer) error
	Remove(ctx context.Context, imageID string) error
	// Resolve returns the id of the image ref currently points at.
	Resolve(ctx context.Context, ref string) (string, error)
}

// RemoveImage deletes imageID from the engine. tag is only removed while it
// still points at imageID, so a newer image under the same tag survives.
func RemoveImage(ctx context.Context, e Engine, imageID, tag string) error {
	if tag != "" {
		current, err := e.Resolve(ctx, tag)
		if err == nil && current == imageID {
			return e.Remove(ctx, tag)
		}
	}
	return e.Remove(ctx, imageID)
}

// EngineError is a failed engine command.
type EngineError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *EngineError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", strings.Join(e.Args, " "), e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLine(s)
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Docker drives the docker CLI.
type Docker struct {
	// Binary defaults to "docker".
	Binary string
	// TempDir holds the image id files, defaults to os.TempDir().
	TempDir string
}

func (d *Docker) binary() string {
	if d.Binary == "" {
		return "docker"
	}
	return d.Binary
}

func (d *Docker) command(ctx context.Context, stdin io.Reader, stdout, output io.Writer, args ...string) error {
	cmd := exec.CommandContext(ctx, d.binary(), args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	if cmd.Stdout == nil {
		cmd.Stdout = output
	}

	var stderr bytes.Buffer
	if output != nil {
		cmd.Stderr = io.MultiWriter(&stderr, output)
	} else {
		cmd.Stderr = &stderr
	}

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &EngineError{Args: append([]string{d.binary()}, args...), ExitCode: code, Stderr: stderr.String(), Err: err}
}

func (d *Docker) Build(ctx context.Context, req BuildRequest) (string, error) {
	f, err := os.Open(req.ContextPath)
	if err != nil {
		return "", fmt.Errorf("open build context: %w", err)
	}
	defer f.Close()

	iid, err := os.CreateTemp(d.TempDir, "sway-iid-*")
	if err != nil {
		return "", err
	}
	iid.Close()
	defer os.Remove(iid.Name())

	args := []string{"build", "--file", req.Dockerfile, "--target", req.Target, "--iidfile", iid.Name()}
	if req.Platform != "" {
		args = append(args, "--platform", req.Platform)
	}
	args = append(args, "-")

	if err := d.command(ctx, f, nil, req.Output, args...); err != nil {
		return "", err
	}

	id, err := os.ReadFile(iid.Name())
	if err != nil {
		return "", fmt.Errorf("read image id: %w", err)
	}
	if len(bytes.TrimSpace(id)) == 0 {
		return "", fmt.Errorf("engine wrote no image id to %s", filepath.Base(iid.Name()))
	}
	return string(bytes.TrimSpace(id)), nil
}

func (d *Docker) Layers(ctx context.Context, imageID string) (int, error) {
	var out bytes.Buffer
	if err := d.command(ctx, nil, &out, nil, "image", "inspect", "--format", "{{len .RootFS.Layers}}", imageID); err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(out.String()))
}

func (d *Docker) Tag(ctx context.Context, imageID, tag string) error {
	return d.command(ctx, nil, nil, nil, "tag", imageID, tag)
}

func (d *Docker) Save(ctx context.Context, imageID string, w io.Writer) error {
	return d.command(ctx, nil, w, nil, "image", "save", imageID)
}

func (d *Docker) Resolve(ctx context.Context, ref string) (string, error) {
	var out bytes.Buffer
	if err := d.command(ctx, nil, &out, nil, "image", "inspect", "--format", "{{.Id}}", ref); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

func (d *Docker) Remove(ctx context.Context, imageID string) error {
	return d.command(ctx, nil, nil, nil, "image", "rm", imageID)
}
