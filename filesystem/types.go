package filesystem

import (
	"sort"
	"sync/atomic"

	"github.com/lastnameswayne/tinyimage/tarread"
)

// Stats counts what the view was asked for while mounted.
type Stats struct {
	Lookups atomic.Int64 // resolved names
	Misses  atomic.Int64 // names that do not exist in the image
	Opens   atomic.Int64 // files opened for reading
}

// index maps the paths of a flattened image to their entries and each
// directory to its children. The root directory is "".
type index struct {
	entries  map[string]tarread.Entry
	children map[string][]string
}

func newIndex(entries []tarread.Entry) *index {
	idx := &index{
		entries:  make(map[string]tarread.Entry, len(entries)),
		children: map[string][]string{},
	}
	for _, e := range entries {
		idx.entries[e.Path] = e
		parent := e.Parent
		if parent == "." {
			parent = ""
		}
		idx.children[parent] = append(idx.children[parent], e.Path)
	}
	for _, c := range idx.children {
		sort.Strings(c)
	}
	return idx
}

func join(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

func (idx *index) lookup(dir, name string) (tarread.Entry, bool) {
	e, ok := idx.entries[join(dir, name)]
	return e, ok
}
