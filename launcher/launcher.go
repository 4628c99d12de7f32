// Package launcher starts the single application process of an image,
// bound to one port and one listening address, and reports its exit code.
// It does not supervise: when the process exits the launch is over.
package launcher

import (
	"context"
	"io"

	"github.com/lastnameswayne/tinyimage/recipe"
	"github.com/opencontainers/go-digest"
)

const (
	DriverDocker = "docker"
	DriverRunc   = "runc"
	DriverLocal  = "local"
)

// DefaultPath is the PATH of a process that does not inherit one.
const DefaultPath = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

type Options struct {
	// Image is the engine reference of the image (docker).
	Image string
	// Layers are the stored layer digests of the image in order (runc).
	Layers []digest.Digest

	Name    string
	Args    []string
	Env     []string
	Workdir string
	Port    int
	Address string

	// StopSignal is sent to the process when the launch is cancelled.
	StopSignal string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// OptionsFor derives the launch of the image built from r.
func OptionsFor(r recipe.Recipe, image string) Options {
	return Options{
		Image:   image,
		Name:    r.Name,
		Args:    r.Args(),
		Env:     r.Environ(),
		Workdir: r.Workdir,
		Port:    r.Port,
		Address: r.Entrypoint.Address,
	}
}

// Runner launches one process and returns its exit code unchanged.
type Runner interface {
	Run(ctx context.Context, opts Options) (int, error)
}

// Local runs the process directly, without a container.
type Local struct{}

func (Local) Run(ctx context.Context, opts Options) (int, error) {
	p := &Process{
		Args:       opts.Args,
		Env:        opts.Env,
		StopSignal: opts.StopSignal,
		Stdin:      opts.Stdin,
		Stdout:     opts.Stdout,
		Stderr:     opts.Stderr,
	}
	return p.Run(ctx)
}
