// Package store keeps layer blobs on disk, addressed by their sha256 digest.
// Blobs are written once and never modified; they go away only when deleted.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

var (
	ErrNotFound       = errors.New("blob not found")
	ErrDigestMismatch = errors.New("digest mismatch")
)

const defaultDirName = "blobs"

type Store struct {
	dir string
}

func New(dir string) (*Store, error) {
	if dir == "" {
		dir = defaultDirName
	}
	for _, d := range []string{filepath.Join(dir, "sha256"), filepath.Join(dir, "tmp")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("create store: %w", err)
		}
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(d digest.Digest) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	if d.Algorithm() != digest.SHA256 {
		return "", fmt.Errorf("unsupported digest algorithm %s", d.Algorithm())
	}
	return filepath.Join(s.dir, "sha256", d.Encoded()), nil
}

// Put stores the content of r and returns its digest and size. Storing
// content that is already present is a no-op.
func (s *Store) Put(ctx context.Context, r io.Reader) (digest.Digest, int64, error) {
	return s.put(ctx, "", r)
}

// PutVerified is Put, failing with ErrDigestMismatch when the content does
// not hash to expected.
func (s *Store) PutVerified(ctx context.Context, expected digest.Digest, r io.Reader) (int64, error) {
	if err := expected.Validate(); err != nil {
		return 0, err
	}
	_, n, err := s.put(ctx, expected, r)
	return n, err
}

func (s *Store) put(ctx context.Context, expected digest.Digest, r io.Reader) (digest.Digest, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.dir, "tmp"), "blob-*")
	if err != nil {
		return "", 0, err
	}
	defer os.Remove(tmp.Name())

	digester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), &ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("write blob: %w", err)
	}

	d := digester.Digest()
	if expected != "" && d != expected {
		return "", 0, fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, expected, d)
	}

	final, err := s.path(d)
	if err != nil {
		return "", 0, err
	}
	if _, err := os.Stat(final); err == nil {
		return d, n, nil
	}
	if err := os.Chmod(tmp.Name(), 0444); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", 0, fmt.Errorf("commit blob %s: %w", d, err)
	}
	return d, n, nil
}

func (s *Store) Has(d digest.Digest) bool {
	p, err := s.path(d)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

func (s *Store) Size(d digest.Digest) (int64, error) {
	p, err := s.path(d)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%s: %w", d, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (s *Store) Open(d digest.Digest) (io.ReadCloser, error) {
	p, err := s.path(d)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", d, ErrNotFound)
	}
	return f, err
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (s *Store) Delete(d digest.Digest) error {
	p, err := s.path(d)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Walk calls fn for every stored blob in lexical digest order.
func (s *Store) Walk(fn func(d digest.Digest, size int64) error) error {
	entries, err := os.ReadDir(filepath.Join(s.dir, "sha256"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		d := digest.NewDigestFromEncoded(digest.SHA256, e.Name())
		if d.Validate() != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		if err := fn(d, info.Size()); err != nil {
			return err
		}
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
