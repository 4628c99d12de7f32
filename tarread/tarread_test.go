package tarread

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	name     string
	typ      byte
	body     string
	linkname string
	mode     int64
}

func layerTar(t *testing.T, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = 0644
		}
		hdr := &tar.Header{Name: e.name, Typeflag: e.typ, Mode: mode, Linkname: e.linkname}
		if e.typ == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typ == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func memLayer(index int, b []byte) Layer {
	return Layer{Index: index, DiffID: digest.FromBytes(b)}.WithOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	})
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestFlatten(t *testing.T) {
	base := layerTar(t,
		tarEntry{name: "usr/", typ: tar.TypeDir, mode: 0755},
		tarEntry{name: "usr/bin/", typ: tar.TypeDir, mode: 0755},
		tarEntry{name: "usr/bin/python3.10", typ: tar.TypeReg, body: "python", mode: 0755},
		tarEntry{name: "usr/bin/python3", typ: tar.TypeSymlink, linkname: "python3.10"},
		tarEntry{name: "etc/", typ: tar.TypeDir, mode: 0755},
		tarEntry{name: "etc/motd", typ: tar.TypeReg, body: "welcome"},
		tarEntry{name: "var/cache/apt/", typ: tar.TypeDir, mode: 0755},
		tarEntry{name: "var/cache/apt/pkgcache.bin", typ: tar.TypeReg, body: "cache"},
	)
	packages := layerTar(t,
		tarEntry{name: "etc/.wh.motd", typ: tar.TypeReg},
		tarEntry{name: "var/cache/apt/", typ: tar.TypeDir, mode: 0755},
		tarEntry{name: "var/cache/apt/.wh..wh..opq", typ: tar.TypeReg},
		tarEntry{name: "var/cache/apt/fresh.bin", typ: tar.TypeReg, body: "fresh"},
		tarEntry{name: "usr/bin/gcc", typ: tar.TypeReg, body: "gcc", mode: 0755},
		tarEntry{name: "usr/bin/cc", typ: tar.TypeLink, linkname: "usr/bin/gcc"},
	)
	source := layerTar(t,
		tarEntry{name: "app/", typ: tar.TypeDir, mode: 0755},
		tarEntry{name: "app/app.py", typ: tar.TypeReg, body: "import streamlit"},
		tarEntry{name: "usr/bin/python3", typ: tar.TypeReg, body: "shadowed"},
	)

	dst := t.TempDir()
	layers := []Layer{memLayer(0, base), memLayer(1, packages), memLayer(2, source)}
	require.NoError(t, Flatten(layers, dst))

	t.Run("later layers add files", func(t *testing.T) {
		assert.Equal(t, "import streamlit", readFile(t, filepath.Join(dst, "app", "app.py")))
		assert.Equal(t, "python", readFile(t, filepath.Join(dst, "usr", "bin", "python3.10")))
	})

	t.Run("whiteout removes lower file", func(t *testing.T) {
		_, err := os.Lstat(filepath.Join(dst, "etc", "motd"))
		assert.ErrorIs(t, err, os.ErrNotExist)
		_, err = os.Lstat(filepath.Join(dst, "etc", ".wh.motd"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("opaque directory hides lower content only", func(t *testing.T) {
		_, err := os.Lstat(filepath.Join(dst, "var", "cache", "apt", "pkgcache.bin"))
		assert.ErrorIs(t, err, os.ErrNotExist)
		assert.Equal(t, "fresh", readFile(t, filepath.Join(dst, "var", "cache", "apt", "fresh.bin")))
	})

	t.Run("later file replaces lower symlink without following it", func(t *testing.T) {
		fi, err := os.Lstat(filepath.Join(dst, "usr", "bin", "python3"))
		require.NoError(t, err)
		assert.True(t, fi.Mode().IsRegular())
		assert.Equal(t, "shadowed", readFile(t, filepath.Join(dst, "usr", "bin", "python3")))
		assert.Equal(t, "python", readFile(t, filepath.Join(dst, "usr", "bin", "python3.10")))
	})

	t.Run("hardlink shares content", func(t *testing.T) {
		assert.Equal(t, "gcc", readFile(t, filepath.Join(dst, "usr", "bin", "cc")))
	})

	t.Run("layers are not consumed", func(t *testing.T) {
		for i, l := range layers {
			rc, err := l.Open()
			require.NoError(t, err)
			b, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, l.DiffID, digest.FromBytes(b), "layer %d", i)
		}
	})
}

func TestFlattenErrors(t *testing.T) {
	t.Run("no layers", func(t *testing.T) {
		assert.ErrorIs(t, Flatten(nil, t.TempDir()), ErrEmptyImage)
	})

	t.Run("path traversal is refused", func(t *testing.T) {
		evil := layerTar(t, tarEntry{name: "../../etc/passwd", typ: tar.TypeReg, body: "x"})
		err := Flatten([]Layer{memLayer(0, evil)}, t.TempDir())
		assert.ErrorIs(t, err, ErrUnsafePath)
	})

	t.Run("whiteout of the parent directory is refused", func(t *testing.T) {
		parent := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(parent, "keep.txt"), []byte("x"), 0644))
		dst := filepath.Join(parent, "rootfs")

		layer := layerTar(t, tarEntry{name: ".wh...", typ: tar.TypeReg})
		err := Flatten([]Layer{memLayer(0, layer)}, dst)
		assert.ErrorIs(t, err, ErrUnsafePath)
		assert.FileExists(t, filepath.Join(parent, "keep.txt"))
	})

	t.Run("hardlink through a symlink stays in root", func(t *testing.T) {
		outside := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), 0600))
		dst := t.TempDir()

		layer := layerTar(t,
			tarEntry{name: "escape", typ: tar.TypeSymlink, linkname: outside},
			tarEntry{name: "stolen", typ: tar.TypeLink, linkname: "escape/secret"},
		)
		assert.Error(t, Flatten([]Layer{memLayer(0, layer)}, dst))
		assert.NoFileExists(t, filepath.Join(dst, "stolen"))
	})

	t.Run("corrupt layer", func(t *testing.T) {
		garbage := bytes.Repeat([]byte("not a tar archive "), 64)
		err := Flatten([]Layer{memLayer(0, garbage)}, t.TempDir())
		assert.Error(t, err)
	})
}

func TestFlattenFollowsSymlinksInsideRoot(t *testing.T) {
	outside := t.TempDir()
	dst := t.TempDir()

	base := layerTar(t,
		tarEntry{name: "run/", typ: tar.TypeDir, mode: 0755},
		tarEntry{name: "var/", typ: tar.TypeDir, mode: 0755},
		tarEntry{name: "var/run", typ: tar.TypeSymlink, linkname: "/run"},
		tarEntry{name: "escape", typ: tar.TypeSymlink, linkname: outside},
	)
	app := layerTar(t,
		tarEntry{name: "var/run/app.pid", typ: tar.TypeReg, body: "1"},
		tarEntry{name: "escape/evil", typ: tar.TypeReg, body: "evil"},
		tarEntry{name: "escape/.wh.data", typ: tar.TypeReg},
	)
	require.NoError(t, os.WriteFile(filepath.Join(outside, "data"), []byte("x"), 0644))

	require.NoError(t, Flatten([]Layer{memLayer(0, base), memLayer(1, app)}, dst))

	assert.Equal(t, "1", readFile(t, filepath.Join(dst, "run", "app.pid")))
	assert.Equal(t, "evil", readFile(t, filepath.Join(dst, outside, "evil")))
	assert.NoFileExists(t, filepath.Join(outside, "evil"))
	assert.FileExists(t, filepath.Join(outside, "data"))
}

func TestWalk(t *testing.T) {
	dst := t.TempDir()
	layer := layerTar(t,
		tarEntry{name: "app/", typ: tar.TypeDir, mode: 0755},
		tarEntry{name: "app/app.py", typ: tar.TypeReg, body: "hello"},
		tarEntry{name: "app/latest", typ: tar.TypeSymlink, linkname: "app.py"},
	)
	require.NoError(t, ApplyLayer(bytes.NewReader(layer), dst))

	entries, err := Walk(dst)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, Entry{Path: "app", Parent: ".", Name: "app", Type: TypeDir, Mode: 0755, LocalPath: filepath.Join(dst, "app")}, entries[0])

	file := entries[1]
	assert.Equal(t, "app/app.py", file.Path)
	assert.Equal(t, "app", file.Parent)
	assert.Equal(t, TypeFile, file.Type)
	assert.Equal(t, int64(5), file.Size)
	assert.Equal(t, digest.FromString("hello").Encoded(), file.Hash)

	link := entries[2]
	assert.Equal(t, TypeSymlink, link.Type)
	assert.Equal(t, "app.py", link.Linkname)
}

func TestReadImage(t *testing.T) {
	base := layerTar(t, tarEntry{name: "etc/os-release", typ: tar.TypeReg, body: "debian"})
	app := layerTar(t, tarEntry{name: "app/app.py", typ: tar.TypeReg, body: "import streamlit"})

	addendum := func(b []byte, createdBy string) mutate.Addendum {
		l, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(b)), nil
		})
		require.NoError(t, err)
		return mutate.Addendum{Layer: l, History: v1.History{CreatedBy: createdBy}}
	}

	img, err := mutate.Append(empty.Image,
		addendum(base, "ADD rootfs.tar /"),
		addendum(app, "COPY src/ ./"),
	)
	require.NoError(t, err)
	img, err = mutate.Config(img, v1.Config{
		Cmd:          []string{"streamlit", "run", "app.py"},
		ExposedPorts: map[string]struct{}{"8501/tcp": {}},
	})
	require.NoError(t, err)

	tag, err := name.NewTag("sway/test:latest")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "image.tar")
	require.NoError(t, tarball.WriteToFile(path, tag, img))

	got, err := ReadImage(path)
	require.NoError(t, err)

	wantID, err := img.ConfigName()
	require.NoError(t, err)
	assert.Equal(t, wantID.String(), got.ID.String())
	assert.Equal(t, []string{"8501/tcp"}, got.ExposedPorts())

	require.Len(t, got.Layers, 2)
	assert.Equal(t, digest.FromBytes(base), got.Layers[0].DiffID)
	assert.Equal(t, digest.FromBytes(app), got.Layers[1].DiffID)
	assert.Equal(t, "COPY src/ ./", got.Layers[1].CreatedBy)

	dst := t.TempDir()
	require.NoError(t, Flatten(got.Layers, dst))
	assert.Equal(t, "import streamlit", readFile(t, filepath.Join(dst, "app", "app.py")))
	assert.Equal(t, "debian", readFile(t, filepath.Join(dst, "etc", "os-release")))
}
