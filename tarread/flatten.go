package tarread

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

const (
	whiteoutPrefix = ".wh."
	opaqueWhiteout = ".wh..wh..opq"
)

var ErrUnsafePath = errors.New("path escapes root")

// Flatten applies layers to dst in order. A later layer shadows or removes
// what earlier layers wrote to dst; the layers themselves are only read.
func Flatten(layers []Layer, dst string) error {
	if len(layers) == 0 {
		return ErrEmptyImage
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("create rootfs dir: %w", err)
	}
	for _, l := range layers {
		rc, err := l.Open()
		if err != nil {
			return fmt.Errorf("open layer %d: %w", l.Index, err)
		}
		err = ApplyLayer(rc, dst)
		rc.Close()
		if err != nil {
			return fmt.Errorf("apply layer %d (%s): %w", l.Index, l.DiffID, err)
		}
	}
	return nil
}

// ApplyLayer extracts one layer tar on top of dst. Symlinks already in dst
// are followed as if dst were the filesystem root, so nothing is written
// outside it.
func ApplyLayer(r io.Reader, dst string) error {
	written := map[string]struct{}{}
	opaque := []string{}
	hardlinks := []*tar.Header{}

	reader := tar.NewReader(r)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar: %w", err)
		}

		name := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(header.Name, "/")))
		if name == "." {
			continue
		}
		if _, err := safeJoin(dst, name); err != nil {
			return err
		}
		parent, err := resolveDir(dst, filepath.Dir(name))
		if err != nil {
			return err
		}

		base := filepath.Base(name)
		if base == opaqueWhiteout {
			opaque = append(opaque, parent)
			continue
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			hidden := strings.TrimPrefix(base, whiteoutPrefix)
			if hidden == "" || hidden == "." || hidden == ".." || strings.ContainsRune(hidden, filepath.Separator) {
				return fmt.Errorf("whiteout %s: %w", name, ErrUnsafePath)
			}
			if err := os.RemoveAll(filepath.Join(parent, hidden)); err != nil {
				return fmt.Errorf("whiteout %s: %w", name, err)
			}
			continue
		}

		target := filepath.Join(parent, base)
		if err := os.MkdirAll(parent, 0755); err != nil {
			return fmt.Errorf("mkdir error: %w", err)
		}
		if header.Typeflag != tar.TypeDir {
			if err := removeExisting(target); err != nil {
				return err
			}
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if fi, err := os.Lstat(target); err == nil && !fi.IsDir() {
				if err := os.Remove(target); err != nil {
					return err
				}
			}
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("mkdir error: %w", err)
			}
			if err := os.Chmod(target, os.FileMode(header.Mode).Perm()|0700); err != nil {
				return err
			}
		case tar.TypeReg:
			outf, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, os.FileMode(header.Mode).Perm()|0600)
			if err != nil {
				return fmt.Errorf("create file error: %w", err)
			}
			if _, err := io.Copy(outf, reader); err != nil {
				outf.Close()
				return fmt.Errorf("copy file error: %w", err)
			}
			if err := outf.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("symlink error: %w", err)
			}
		case tar.TypeLink:
			// the link target may come later in the same layer
			hardlinks = append(hardlinks, header)
		default:
			continue
		}
		written[target] = struct{}{}
	}

	for _, header := range hardlinks {
		target, err := resolveEntry(dst, header.Name)
		if err != nil {
			return err
		}
		source, err := resolveEntry(dst, header.Linkname)
		if err != nil {
			return err
		}
		if err := os.Link(source, target); err != nil {
			return fmt.Errorf("hardlink error: %w", err)
		}
		written[target] = struct{}{}
	}

	// an opaque directory hides everything lower layers put in it
	for _, dir := range opaque {
		children, err := os.ReadDir(dir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		for _, c := range children {
			p := filepath.Join(dir, c.Name())
			if keptByLayer(p, written) {
				continue
			}
			if err := os.RemoveAll(p); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveDir maps dir, relative to root, to a path on disk inside root,
// following any symlinks along the way within root.
func resolveDir(root, dir string) (string, error) {
	p, err := securejoin.SecureJoin(root, dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	return p, nil
}

// resolveEntry resolves the parents of a tar path. The last element is
// left alone, so a symlink there names the link itself.
func resolveEntry(root, name string) (string, error) {
	name = filepath.Clean(filepath.FromSlash(strings.TrimPrefix(name, "/")))
	if _, err := safeJoin(root, name); err != nil {
		return "", err
	}
	parent, err := resolveDir(root, filepath.Dir(name))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(name)), nil
}

func keptByLayer(p string, written map[string]struct{}) bool {
	if _, ok := written[p]; ok {
		return true
	}
	prefix := p + string(filepath.Separator)
	for w := range written {
		if strings.HasPrefix(w, prefix) {
			return true
		}
	}
	return false
}

func removeExisting(target string) error {
	if _, err := os.Lstat(target); err != nil {
		return nil
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("replace %s: %w", target, err)
	}
	return nil
}

func safeJoin(root, name string) (string, error) {
	target := filepath.Join(root, name)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", name, ErrUnsafePath)
	}
	return target, nil
}
