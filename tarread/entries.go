package tarread

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

type EntryType string

const (
	TypeDir     EntryType = "dir"
	TypeFile    EntryType = "file"
	TypeSymlink EntryType = "symlink"
)

// Entry is one path of a flattened root filesystem.
type Entry struct {
	Path     string    `json:"path"`
	Parent   string    `json:"parent"`
	Name     string    `json:"name"`
	Type     EntryType `json:"type"`
	Mode     int64     `json:"mode"`
	Size     int64     `json:"size"`
	Hash     string    `json:"hash,omitempty"`
	Linkname string    `json:"linkname,omitempty"`

	// LocalPath is where the content lives on disk; content is read lazily.
	LocalPath string `json:"-"`
}

// Walk lists root in lexical order. Regular files are hashed with sha256.
func Walk(root string) ([]Entry, error) {
	result := []Entry{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		rel := filepath.ToSlash(relPath)
		e := Entry{
			Path:      rel,
			Name:      filepath.Base(relPath),
			Parent:    filepath.ToSlash(filepath.Dir(relPath)),
			Mode:      int64(info.Mode().Perm()),
			LocalPath: path,
		}
		switch {
		case d.IsDir():
			e.Type = TypeDir
		case info.Mode()&fs.ModeSymlink != 0:
			e.Type = TypeSymlink
			if e.Linkname, err = os.Readlink(path); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			e.Type = TypeFile
			e.Size = info.Size()
			if e.Hash, err = hashFile(path); err != nil {
				return err
			}
		default:
			return nil
		}
		result = append(result, e)
		return nil
	})
	return result, err
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
