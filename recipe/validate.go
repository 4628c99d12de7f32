package recipe

import (
	"fmt"
	"net"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/hashicorp/go-multierror"
)

var (
	// Debian policy: lower case alphanumerics and + - . , at least two
	// characters, starting with an alphanumeric. An optional =version pin
	// is allowed.
	packageRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9+.\-]+(=[A-Za-z0-9.+~:\-]+)?$`)
	envKeyRegex  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// FieldError reports one invalid recipe field.
type FieldError struct {
	Field  string
	Value  string
	Reason string
}

func (e *FieldError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s %q: %s", e.Field, e.Value, e.Reason)
}

// ValidationError collects every problem found in a recipe.
type ValidationError struct {
	errs *multierror.Error
}

func (e *ValidationError) Error() string {
	return "invalid recipe: " + e.errs.Error()
}

func (e *ValidationError) Unwrap() []error {
	return e.errs.WrappedErrors()
}

// Fields lists the offending field names in the order they were found.
func (e *ValidationError) Fields() []string {
	out := []string{}
	for _, err := range e.errs.WrappedErrors() {
		if fe, ok := err.(*FieldError); ok {
			out = append(out, fe.Field)
		}
	}
	return out
}

// Validate checks r without touching the filesystem or the network.
func Validate(r Recipe) error {
	var errs *multierror.Error
	add := func(field, value, reason string) {
		errs = multierror.Append(errs, &FieldError{Field: field, Value: value, Reason: reason})
	}

	if r.Name == "" {
		add("name", "", "is required")
	} else if _, err := name.NewTag(r.Name); err != nil {
		add("name", r.Name, "is not a valid image tag")
	}

	if r.Base == "" {
		add("base", "", "is required")
	} else if _, err := name.ParseReference(r.Base); err != nil {
		add("base", r.Base, err.Error())
	}

	for _, p := range r.Packages {
		if !packageRegex.MatchString(p) {
			add("packages", p, "is not a valid package name")
		}
	}

	if r.Manifest == "" {
		add("manifest", "", "is required")
	}
	if r.Source == "" {
		add("source", "", "is required")
	}
	if !path.IsAbs(r.Workdir) {
		add("workdir", r.Workdir, "must be an absolute path")
	}

	seen := map[string]struct{}{}
	for _, e := range r.Env {
		if !envKeyRegex.MatchString(e.Key) {
			add("env", e.Key, "is not a valid variable name")
			continue
		}
		if _, ok := seen[e.Key]; ok {
			add("env", e.Key, "is set twice")
		}
		seen[e.Key] = struct{}{}
	}

	if r.Port < 1 || r.Port > 65535 {
		add("port", fmt.Sprint(r.Port), "must be between 1 and 65535")
	}

	ep := r.Entrypoint
	if len(ep.Command) == 0 {
		add("entrypoint.command", "", "is required")
	}
	switch {
	case ep.Script == "":
		add("entrypoint.script", "", "is required")
	case filepath.IsAbs(ep.Script) || strings.HasPrefix(path.Clean(filepath.ToSlash(ep.Script)), ".."):
		add("entrypoint.script", ep.Script, "must be inside the source tree")
	}
	if net.ParseIP(ep.Address) == nil {
		add("entrypoint.address", ep.Address, "is not an IP address")
	}

	if errs == nil {
		return nil
	}
	errs.ErrorFormat = func(es []error) string {
		msgs := make([]string, len(es))
		for i, e := range es {
			msgs[i] = e.Error()
		}
		return strings.Join(msgs, "; ")
	}
	return &ValidationError{errs: errs}
}
