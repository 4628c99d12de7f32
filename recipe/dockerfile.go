package recipe

import (
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"text/template"
)

// Stage names in build order. Every stage builds on the previous one, so
// building them one after the other applies base, OS packages, manifest
// dependencies and source strictly in that order.
const (
	StageBase         = "base"
	StagePackages     = "packages"
	StageDependencies = "dependencies"
	StageSource       = "source"
)

var Stages = []string{StageBase, StagePackages, StageDependencies, StageSource}

// ManifestTarget is where the manifest is copied inside the image, relative
// to the workdir.
const ManifestTarget = "requirements.txt"

var dockerfileTemplate = template.Must(template.New("Dockerfile").Funcs(template.FuncMap{
	"quote": strconv.Quote,
	"join":  strings.Join,
}).Parse(`# generated by sway from {{.Name}}; do not edit
FROM {{.Base}} AS base
{{- range .Env}}
ENV {{.Key}}={{quote .Value}}
{{- end}}
WORKDIR {{.Workdir}}

FROM base AS packages
{{- if .Packages}}
RUN apt-get update \
 && apt-get install -y --no-install-recommends {{join .Packages " "}} \
 && rm -rf /var/lib/apt/lists/*
{{- end}}

FROM packages AS dependencies
COPY {{.ManifestSource}} {{.ManifestTarget}}
RUN if grep -qvE '^[[:space:]]*(#|$)' {{.ManifestTarget}}; then \
      pip install --no-cache-dir -r {{.ManifestTarget}}; \
    fi

FROM dependencies AS source
COPY {{.SourceDir}}/ ./
LABEL org.opencontainers.image.title={{quote .Name}}
EXPOSE {{.Port}}
CMD {{.Cmd}}
`))

type dockerfileData struct {
	Recipe
	SourceDir      string
	ManifestSource string
	ManifestTarget string
	Cmd            string
}

// Layout of the build context. The source tree lives under ContextSource so
// that the generated files never end up in the image.
const (
	ContextDockerfile = ".sway/Dockerfile"
	ContextManifest   = ".sway/requirements.txt"
	ContextSource     = "src"
)

// WriteDockerfile renders the multi-stage build definition for r against
// the build context layout above.
func WriteDockerfile(w io.Writer, r Recipe) error {
	cmd, err := json.Marshal(r.Args())
	if err != nil {
		return err
	}
	return dockerfileTemplate.Execute(w, dockerfileData{
		Recipe:         r,
		SourceDir:      ContextSource,
		ManifestSource: ContextManifest,
		ManifestTarget: ManifestTarget,
		Cmd:            string(cmd),
	})
}

// Dockerfile is WriteDockerfile into a string.
func Dockerfile(r Recipe) (string, error) {
	var b strings.Builder
	if err := WriteDockerfile(&b, r); err != nil {
		return "", err
	}
	return b.String(), nil
}
