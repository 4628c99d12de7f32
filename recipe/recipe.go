// Package recipe describes how an application image is assembled and how its
// single process is started.
package recipe

import (
	"fmt"
	"path/filepath"
	"strconv"
)

const (
	FileName = "sway.yaml"

	DefaultBase     = "python:3.10-slim"
	DefaultWorkdir  = "/app"
	DefaultManifest = "requirements.txt"
	DefaultSource   = "."
	DefaultScript   = "app.py"
	DefaultAddress  = "0.0.0.0"
	DefaultPort     = 8501
)

// DefaultPackages is the compiler toolchain needed to build native
// extensions of the manifest dependencies.
var DefaultPackages = []string{"build-essential", "gcc"}

var DefaultCommand = []string{"streamlit", "run"}

// DefaultEnv disables bytecode caching and output buffering of the interpreter.
var DefaultEnv = []EnvVar{
	{Key: "PYTHONDONTWRITEBYTECODE", Value: "1"},
	{Key: "PYTHONUNBUFFERED", Value: "1"},
}

type EnvVar struct {
	Key   string
	Value string
}

func (e EnvVar) String() string {
	return e.Key + "=" + e.Value
}

// Entrypoint is the process started in the container. It takes no arguments
// beyond the script and the port/address pair.
type Entrypoint struct {
	Command []string
	Script  string
	Address string
}

type Recipe struct {
	Name     string
	Base     string
	Platform string
	Packages []string
	Manifest string
	Source   string
	Workdir  string
	Env      []EnvVar
	Port     int

	Entrypoint Entrypoint
	Ignore     []string

	// Dir is the directory relative paths are resolved against.
	Dir string
}

func Default() Recipe {
	return Recipe{
		Name:     "app",
		Base:     DefaultBase,
		Packages: append([]string(nil), DefaultPackages...),
		Manifest: DefaultManifest,
		Source:   DefaultSource,
		Workdir:  DefaultWorkdir,
		Env:      append([]EnvVar(nil), DefaultEnv...),
		Port:     DefaultPort,
		Entrypoint: Entrypoint{
			Command: append([]string(nil), DefaultCommand...),
			Script:  DefaultScript,
			Address: DefaultAddress,
		},
		Dir: ".",
	}
}

func (r Recipe) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.Dir, p)
}

func (r Recipe) ManifestPath() string {
	return r.resolve(r.Manifest)
}

func (r Recipe) SourcePath() string {
	return r.resolve(r.Source)
}

// Environ returns the process environment in KEY=VALUE form, in recipe order.
func (r Recipe) Environ() []string {
	out := make([]string, 0, len(r.Env))
	for _, e := range r.Env {
		out = append(out, e.String())
	}
	return out
}

// Args is the full command line of the launched process.
func (r Recipe) Args() []string {
	args := append([]string(nil), r.Entrypoint.Command...)
	return append(args,
		r.Entrypoint.Script,
		"--server.port="+strconv.Itoa(r.Port),
		"--server.address="+r.Entrypoint.Address,
	)
}

// PortSpec is the exposed port in the form the container engine reports it.
func (r Recipe) PortSpec() string {
	return fmt.Sprintf("%d/tcp", r.Port)
}

// WithEnv sets key to value, replacing an existing entry in place.
func (r *Recipe) WithEnv(key, value string) {
	for i := range r.Env {
		if r.Env[i].Key == key {
			r.Env[i].Value = value
			return
		}
	}
	r.Env = append(r.Env, EnvVar{Key: key, Value: value})
}
