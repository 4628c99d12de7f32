package recipe

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// Load reads the recipe at path. Fields left out of the file keep their
// defaults, and relative paths resolve against the file's directory.
func Load(path string) (Recipe, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Recipe{}, fmt.Errorf("read recipe: %w", err)
	}
	r, err := Decode(bytes.NewReader(b))
	if err != nil {
		return Recipe{}, fmt.Errorf("recipe %s: %w", path, err)
	}
	r.Dir = filepath.Dir(path)
	return r, nil
}

func Decode(rd io.Reader) (Recipe, error) {
	var dto yamlRecipe
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)
	if err := dec.Decode(&dto); err != nil && !errors.Is(err, io.EOF) {
		return Recipe{}, fmt.Errorf("decode: %w", err)
	}
	return mapRecipe(dto)
}

func mapRecipe(dto yamlRecipe) (Recipe, error) {
	r := Default()
	if dto.Name != "" {
		r.Name = dto.Name
	}
	if dto.Base != "" {
		r.Base = dto.Base
	}
	r.Platform = dto.Platform
	if dto.Packages != nil {
		r.Packages = append([]string{}, (*dto.Packages)...)
	}
	if dto.Manifest != "" {
		r.Manifest = dto.Manifest
	}
	if dto.Source != "" {
		r.Source = dto.Source
	}
	if dto.Workdir != "" {
		r.Workdir = dto.Workdir
	}
	if dto.Port != nil {
		r.Port = *dto.Port
	}
	for _, kv := range dto.Env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return Recipe{}, fmt.Errorf("env %q: expected KEY=VALUE", kv)
		}
		r.WithEnv(key, value)
	}

	if dto.Entrypoint.Command != "" {
		cmd, err := shlex.Split(dto.Entrypoint.Command)
		if err != nil {
			return Recipe{}, fmt.Errorf("entrypoint command: %w", err)
		}
		r.Entrypoint.Command = cmd
	}
	if dto.Entrypoint.Script != "" {
		r.Entrypoint.Script = dto.Entrypoint.Script
	}
	if dto.Entrypoint.Address != "" {
		r.Entrypoint.Address = dto.Entrypoint.Address
	}
	r.Ignore = dto.Ignore
	return r, nil
}

// Encode writes r in the format Load reads.
func Encode(w io.Writer, r Recipe) error {
	packages := append([]string{}, r.Packages...)
	port := r.Port
	dto := yamlRecipe{
		Name:     r.Name,
		Base:     r.Base,
		Platform: r.Platform,
		Packages: &packages,
		Manifest: r.Manifest,
		Source:   r.Source,
		Workdir:  r.Workdir,
		Env:      r.Environ(),
		Port:     &port,
		Entrypoint: yamlEntrypoint{
			Command: joinCommand(r.Entrypoint.Command),
			Script:  r.Entrypoint.Script,
			Address: r.Entrypoint.Address,
		},
		Ignore: r.Ignore,
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(dto); err != nil {
		return err
	}
	return enc.Close()
}

func joinCommand(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"'\\") {
			a = "'" + strings.ReplaceAll(a, "'", `'"'"'`) + "'"
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}
