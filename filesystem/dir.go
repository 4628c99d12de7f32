package filesystem

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/lastnameswayne/tinyimage/tarread"
)

// Directory represents a directory in the filesystem
type Directory struct {
	fs.Inode
	path  string
	mode  uint32
	index *index
	stats *Stats
}

var _ = (fs.NodeReaddirer)((*Directory)(nil))
var _ = (fs.NodeLookuper)((*Directory)(nil))
var _ = (fs.NodeGetattrer)((*Directory)(nil))

func fileType(e tarread.Entry) uint32 {
	switch e.Type {
	case tarread.TypeDir:
		return fuse.S_IFDIR
	case tarread.TypeSymlink:
		return fuse.S_IFLNK
	default:
		return fuse.S_IFREG
	}
}

// Readdir lists the contents of the directory
func (d *Directory) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	out := []fuse.DirEntry{}
	for _, p := range d.index.children[d.path] {
		e := d.index.entries[p]
		out = append(out, fuse.DirEntry{
			Name: e.Name,
			Mode: fileType(e),
		})
	}
	return fs.NewListDirStream(out), 0
}

func (d *Directory) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	e, ok := d.index.lookup(d.path, name)
	if !ok {
		if d.stats != nil {
			d.stats.Misses.Add(1)
		}
		return nil, syscall.ENOENT
	}
	if d.stats != nil {
		d.stats.Lookups.Add(1)
	}

	setAttr(e, &out.Attr)
	var node fs.InodeEmbedder
	switch e.Type {
	case tarread.TypeDir:
		node = &Directory{path: e.Path, mode: uint32(e.Mode), index: d.index, stats: d.stats}
	case tarread.TypeSymlink:
		node = &symlink{target: e.Linkname}
	default:
		node = &file{
			path:  e.LocalPath,
			attr:  out.Attr,
			stats: d.stats,
		}
	}
	return d.NewInode(ctx, node, fs.StableAttr{Mode: fileType(e)}), 0
}

func (d *Directory) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFDIR | d.mode
	out.Nlink = 2
	return 0
}

func setAttr(e tarread.Entry, attr *fuse.Attr) {
	attr.Mode = fileType(e) | uint32(e.Mode)
	attr.Size = uint64(e.Size)
	attr.Nlink = 1
	if e.Type == tarread.TypeDir {
		attr.Nlink = 2
	}
	if e.Type == tarread.TypeSymlink {
		attr.Size = uint64(len(e.Linkname))
	}
	const bs = 512
	attr.Blksize = bs
	attr.Blocks = (attr.Size + bs - 1) / bs
}
