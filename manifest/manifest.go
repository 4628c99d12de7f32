// Package manifest reads dependency manifests in requirements.txt form.
package manifest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Requirement is one dependency line, e.g. `openseespy[extra]==3.5.1 ; python_version >= "3.8"`.
type Requirement struct {
	Line      int
	Name      string
	Extras    []string
	Specifier string
	// URL is set for direct references, `name @ https://...`.
	URL     string
	Markers string
	// Options are the per-requirement pip options, e.g. --hash=sha256:...
	Options []string
}

// Pinned reports whether the requirement resolves to exactly one version.
// A direct reference is pinned only when its content is fixed by a hash.
func (r Requirement) Pinned() bool {
	if r.URL != "" {
		return len(r.Hashes()) > 0
	}
	return strings.HasPrefix(r.Specifier, "==") && !strings.Contains(r.Specifier, ",") && !strings.HasSuffix(r.Specifier, "*") ||
		strings.HasPrefix(r.Specifier, "===")
}

// Version is the pinned version, or "" when the requirement is not pinned
// to a version number.
func (r Requirement) Version() string {
	if r.URL != "" || !r.Pinned() {
		return ""
	}
	return strings.TrimLeft(r.Specifier, "=")
}

// Hashes lists the --hash values of the requirement.
func (r Requirement) Hashes() []string {
	out := []string{}
	for _, o := range r.Options {
		if h, ok := strings.CutPrefix(o, "--hash="); ok {
			out = append(out, h)
		}
	}
	return out
}

func (r Requirement) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	if len(r.Extras) > 0 {
		b.WriteString("[" + strings.Join(r.Extras, ",") + "]")
	}
	b.WriteString(r.Specifier)
	if r.URL != "" {
		b.WriteString(" @ " + r.URL)
	}
	if r.Markers != "" {
		if r.URL != "" {
			b.WriteString(" ")
		}
		b.WriteString("; " + r.Markers)
	}
	for _, o := range r.Options {
		b.WriteString(" " + o)
	}
	return b.String()
}

type Manifest struct {
	Requirements []Requirement
	// Options holds pip option lines (-r, --index-url, ...) verbatim.
	Options []string
}

var (
	nameRegex = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)(\[([A-Za-z0-9._,\s-]*)\])?\s*(.*)$`)
	specRegex = regexp.MustCompile(`^((===|==|~=|!=|<=|>=|<|>)\s*[A-Za-z0-9.*+!_-]+\s*,?\s*)*$`)

	// per-requirement options start at the first whitespace separated --flag
	optionRegex = regexp.MustCompile(`\s--[A-Za-z]`)

	// markers after a URL need whitespace before the semicolon
	urlMarkerRegex = regexp.MustCompile(`\s;`)
)

// ParseError points at the offending manifest line.
type ParseError struct {
	Line int
	Text string
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Msg, e.Text)
}

func Parse(r io.Reader) (*Manifest, error) {
	m := &Manifest{}
	scanner := bufio.NewScanner(r)
	lineNo, start := 0, 0
	var pending strings.Builder
	for scanner.Scan() {
		lineNo++
		if pending.Len() == 0 {
			start = lineNo
		}
		text := scanner.Text()
		if strings.HasSuffix(text, "\\") {
			pending.WriteString(strings.TrimSuffix(text, "\\") + " ")
			continue
		}
		pending.WriteString(text)
		line := pending.String()
		pending.Reset()

		if err := m.add(line, start); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	// a continuation on the last line ends with the file
	if pending.Len() > 0 {
		if err := m.add(pending.String(), start); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manifest) add(line string, lineNo int) error {
	if strings.HasPrefix(strings.TrimSpace(line), "#") {
		return nil
	}
	if i := strings.Index(line, " #"); i >= 0 {
		line = line[:i]
	}
	line = strings.Join(strings.Fields(line), " ")
	if line == "" {
		return nil
	}
	if strings.HasPrefix(line, "-") {
		m.Options = append(m.Options, line)
		return nil
	}
	req, err := parseRequirement(line)
	if err != nil {
		return &ParseError{Line: lineNo, Text: line, Msg: err.Error()}
	}
	req.Line = lineNo
	m.Requirements = append(m.Requirements, req)
	return nil
}

func ParseFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func parseRequirement(line string) (Requirement, error) {
	var options []string
	if loc := optionRegex.FindStringIndex(line); loc != nil {
		options = splitOptions(line[loc[0]:])
		line = line[:loc[0]]
	}

	match := nameRegex.FindStringSubmatch(strings.TrimSpace(line))
	if match == nil {
		return Requirement{}, fmt.Errorf("invalid requirement")
	}
	req := Requirement{Name: match[1], Options: options}
	if match[3] != "" {
		for _, e := range strings.Split(match[3], ",") {
			if e = strings.TrimSpace(e); e != "" {
				req.Extras = append(req.Extras, e)
			}
		}
	}

	rest := strings.TrimSpace(match[4])
	if ref, ok := strings.CutPrefix(rest, "@"); ok {
		url, markers := ref, ""
		if loc := urlMarkerRegex.FindStringIndex(ref); loc != nil {
			url, markers = ref[:loc[0]], ref[loc[1]:]
		}
		req.URL = strings.TrimSpace(url)
		req.Markers = strings.TrimSpace(markers)
		if req.URL == "" {
			return Requirement{}, fmt.Errorf("missing URL after @")
		}
		return req, nil
	}

	specifier, markers, _ := strings.Cut(rest, ";")
	req.Markers = strings.TrimSpace(markers)
	specifier = strings.TrimSpace(specifier)
	if !specRegex.MatchString(specifier) {
		return Requirement{}, fmt.Errorf("invalid version specifier")
	}
	req.Specifier = strings.Join(strings.Fields(specifier), "")
	return req, nil
}

// splitOptions turns `--hash sha256:a --hash=sha256:b` into one
// `--flag=value` string per option.
func splitOptions(s string) []string {
	out := []string{}
	for _, f := range strings.Fields(s) {
		if !strings.HasPrefix(f, "-") && len(out) > 0 && !strings.Contains(out[len(out)-1], "=") {
			out[len(out)-1] += "=" + f
			continue
		}
		out = append(out, f)
	}
	return out
}

// Empty reports whether installing the manifest is a no-op.
func (m *Manifest) Empty() bool {
	return len(m.Requirements) == 0 && len(m.Options) == 0
}

// Unpinned lists the requirements that do not resolve to one version. A
// manifest with unpinned entries cannot produce reproducible layers.
func (m *Manifest) Unpinned() []Requirement {
	out := []Requirement{}
	for _, r := range m.Requirements {
		if !r.Pinned() {
			out = append(out, r)
		}
	}
	return out
}

// Normalize renders the manifest one entry per line, options first, in
// file order. Formatting and comments do not survive.
func (m *Manifest) Normalize() string {
	var b strings.Builder
	for _, o := range m.Options {
		b.WriteString(o + "\n")
	}
	for _, r := range m.Requirements {
		b.WriteString(r.String() + "\n")
	}
	return b.String()
}

// Digest identifies the manifest's meaning rather than its bytes.
func (m *Manifest) Digest() digest.Digest {
	return digest.FromString(m.Normalize())
}
