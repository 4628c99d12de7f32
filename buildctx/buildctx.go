// Package buildctx packs a recipe's source tree into the tarball the
// container engine builds from.
//
// The tarball is deterministic: entries are written in lexical order and
// carry no host-specific metadata, so the same inputs produce the same bytes
// on every machine.
package buildctx

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/opencontainers/go-digest"

	"github.com/lastnameswayne/tinyimage/recipe"
)

const IgnoreFile = ".dockerignore"

var ErrNotDirectory = errors.New("not a directory")

type Options struct {
	// Epoch is the modification time written for every entry.
	Epoch time.Time
	Gzip  bool
}

// Context describes a packed build context.
type Context struct {
	// Digest of the uncompressed tar stream.
	Digest digest.Digest
	Files  int
	Size   int64
}

type entry struct {
	name string // slash separated, relative to the context root
	path string // on disk; empty for generated files
	info fs.FileInfo
	data []byte
}

// Pack writes the build context for r to w.
func Pack(ctx context.Context, r recipe.Recipe, w io.Writer, opts Options) (*Context, error) {
	src := r.SourcePath()
	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %s: %w", src, ErrNotDirectory)
	}

	manifestData, err := os.ReadFile(r.ManifestPath())
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}

	var dockerfile bytes.Buffer
	if err := recipe.WriteDockerfile(&dockerfile, r); err != nil {
		return nil, fmt.Errorf("render dockerfile: %w", err)
	}

	matcher, err := loadIgnore(src, r.Ignore)
	if err != nil {
		return nil, err
	}

	sources, err := walk(ctx, src, matcher)
	if err != nil {
		return nil, err
	}

	entries := []entry{
		{name: path.Dir(recipe.ContextDockerfile) + "/"},
		{name: recipe.ContextDockerfile, data: dockerfile.Bytes()},
		{name: recipe.ContextManifest, data: manifestData},
		{name: recipe.ContextSource + "/"},
	}
	entries = append(entries, sources...)

	out := w
	var zw *gzip.Writer
	if opts.Gzip {
		zw = gzip.NewWriter(w)
		out = zw
	}
	digester := digest.Canonical.Digester()
	counter := &countingWriter{}
	tw := tar.NewWriter(io.MultiWriter(out, digester.Hash(), counter))

	epoch := opts.Epoch
	if epoch.IsZero() {
		epoch = time.Unix(0, 0)
	}

	files := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		written, err := writeEntry(tw, e, epoch)
		if err != nil {
			return nil, fmt.Errorf("pack %s: %w", e.name, err)
		}
		if written {
			files++
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return nil, err
		}
	}

	return &Context{
		Digest: digester.Digest(),
		Files:  files,
		Size:   counter.n,
	}, nil
}

// PackFile packs into a file at dst.
func PackFile(ctx context.Context, r recipe.Recipe, dst string, opts Options) (*Context, error) {
	f, err := os.Create(dst)
	if err != nil {
		return nil, err
	}
	c, err := Pack(ctx, r, f, opts)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return nil, err
	}
	return c, nil
}

func loadIgnore(src string, extra []string) (*patternmatcher.PatternMatcher, error) {
	patterns := []string{}
	f, err := os.Open(filepath.Join(src, IgnoreFile))
	switch {
	case err == nil:
		patterns, err = ignorefile.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", IgnoreFile, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}
	patterns = append(patterns, extra...)
	if len(patterns) == 0 {
		return nil, nil
	}
	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("ignore patterns: %w", err)
	}
	return pm, nil
}

func walk(ctx context.Context, src string, pm *patternmatcher.PatternMatcher) ([]entry, error) {
	out := []entry{}
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if pm != nil {
			skip, err := pm.MatchesOrParentMatches(rel)
			if err != nil {
				return err
			}
			if skip {
				if d.IsDir() && !pm.Exclusions() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		name := recipe.ContextSource + "/" + rel
		if d.IsDir() {
			name += "/"
		}
		out = append(out, entry{name: name, path: p, info: info})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk source: %w", err)
	}
	return out, nil
}

func writeEntry(tw *tar.Writer, e entry, epoch time.Time) (bool, error) {
	hdr := &tar.Header{
		Name:    e.name,
		ModTime: epoch,
		Format:  tar.FormatPAX,
	}

	switch {
	case e.info == nil && e.data == nil:
		hdr.Typeflag = tar.TypeDir
		hdr.Mode = 0755
		return false, tw.WriteHeader(hdr)
	case e.info == nil:
		hdr.Typeflag = tar.TypeReg
		hdr.Mode = 0644
		hdr.Size = int64(len(e.data))
		if err := tw.WriteHeader(hdr); err != nil {
			return false, err
		}
		_, err := tw.Write(e.data)
		return true, err
	}

	mode := e.info.Mode()
	switch {
	case mode.IsDir():
		hdr.Typeflag = tar.TypeDir
		hdr.Mode = 0755
		return false, tw.WriteHeader(hdr)
	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(e.path)
		if err != nil {
			return false, err
		}
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = target
		hdr.Mode = 0777
		return true, tw.WriteHeader(hdr)
	case mode.IsRegular():
		hdr.Typeflag = tar.TypeReg
		hdr.Mode = 0644
		if mode.Perm()&0111 != 0 {
			hdr.Mode = 0755
		}
		hdr.Size = e.info.Size()
		if err := tw.WriteHeader(hdr); err != nil {
			return false, err
		}
		f, err := os.Open(e.path)
		if err != nil {
			return false, err
		}
		defer f.Close()
		if _, err := io.CopyN(tw, f, hdr.Size); err != nil {
			return false, err
		}
		return true, nil
	default:
		// sockets, devices and pipes have no place in an image
		return false, nil
	}
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
