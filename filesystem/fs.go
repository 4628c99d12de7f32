// Package filesystem serves the flattened root filesystem of a built image
// as a read-only FUSE mount.
package filesystem

import (
	"context"
	"syscall"
	"time"

	fusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/lastnameswayne/tinyimage/tarread"
)

// FS is the root of the view.
type FS struct {
	Directory

	Stats *Stats
}

var _ = (fusefs.NodeStatfser)((*FS)(nil))

const _timeout = time.Minute

// NewFS builds the view of entries, as listed by tarread.Walk.
func NewFS(entries []tarread.Entry) *FS {
	stats := &Stats{}
	return &FS{
		Directory: Directory{
			path:  "",
			index: newIndex(entries),
			stats: stats,
			mode:  0755,
		},
		Stats: stats,
	}
}

func (r *FS) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	var blocks uint64
	for _, e := range r.index.entries {
		blocks += uint64(e.Size+4095) / 4096
	}
	*out = fuse.StatfsOut{
		Bsize:   4096,
		Blocks:  blocks,
		Files:   uint64(len(r.index.entries)),
		NameLen: 255,
	}
	return 0
}

// Mount mounts the view of entries read-only on dir. The returned server
// serves until it is unmounted.
func Mount(dir string, entries []tarread.Entry, debug bool) (*fuse.Server, *FS, error) {
	root := NewFS(entries)
	timeout := _timeout
	server, err := fusefs.Mount(dir, root, &fusefs.Options{
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		MountOptions: fuse.MountOptions{
			FsName:  "sway",
			Name:    "sway",
			Options: []string{"ro"},
			Debug:   debug,
		},
	})
	if err != nil {
		return nil, nil, err
	}
	return server, root, nil
}
