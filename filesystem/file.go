package filesystem

import (
	"context"
	"log"
	"os"
	"sync"
	"syscall"

	fusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// file represents a file in the filesystem
type file struct {
	fusefs.Inode
	mu    sync.Mutex
	Data  []byte
	attr  fuse.Attr
	path  string
	stats *Stats
}

var _ = (fusefs.NodeReader)((*file)(nil))
var _ = (fusefs.NodeOpener)((*file)(nil))
var _ = (fusefs.NodeGetattrer)((*file)(nil))

func (f *file) Read(ctx context.Context, fh fusefs.FileHandle, dest []byte, offset int64) (fuse.ReadResult, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Data == nil {
		log.Printf("READ called with nil Data, path=%s size=%d", f.path, f.attr.Size)
		return fuse.ReadResultData(nil), syscall.EIO
	}
	if offset < 0 || int(offset) >= len(f.Data) {
		return fuse.ReadResultData(nil), 0
	}
	end := int(offset) + len(dest)
	end = min(end, len(f.Data))
	return fuse.ReadResultData(f.Data[offset:end]), 0
}

func (f *file) Getattr(ctx context.Context, fh fusefs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Attr = f.attr
	out.Nlink = 1 // hardlinks are flattened into copies
	return 0
}

// Open loads the content on first use. Opening for writing fails.
func (f *file) Open(ctx context.Context, flags uint32) (fusefs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}
	if f.stats != nil {
		f.stats.Opens.Add(1)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Data != nil {
		return nil, fuse.FOPEN_KEEP_CACHE, 0
	}
	content, err := os.ReadFile(f.path)
	if err != nil {
		log.Printf("open %s: %v", f.path, err)
		return nil, 0, syscall.EIO
	}
	f.Data = content
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

type symlink struct {
	fusefs.Inode
	target string
}

var _ = (fusefs.NodeReadlinker)((*symlink)(nil))

func (s *symlink) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	return []byte(s.target), 0
}
