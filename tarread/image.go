// Package tarread reads saved container images and flattens their layers
// into a root filesystem.
package tarread

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/opencontainers/go-digest"
)

var ErrEmptyImage = errors.New("image has no layers")

// Layer is one immutable filesystem diff of an image.
type Layer struct {
	Index     int
	DiffID    digest.Digest
	Size      int64
	CreatedBy string

	open func() (io.ReadCloser, error)
}

// Open returns the uncompressed layer tar.
func (l Layer) Open() (io.ReadCloser, error) {
	if l.open == nil {
		return nil, fmt.Errorf("layer %s has no content", l.DiffID)
	}
	return l.open()
}

// WithOpener returns a copy of l that reads its content from open.
func (l Layer) WithOpener(open func() (io.ReadCloser, error)) Layer {
	l.open = open
	return l
}

// Image is a saved image: its config and its layers in application order.
type Image struct {
	ID     digest.Digest
	Config *v1.ConfigFile
	Layers []Layer
}

// ReadImage reads a tarball written by `docker image save` holding one image.
func ReadImage(path string) (*Image, error) {
	return ReadImageTag(path, nil)
}

// ReadImageTag is ReadImage for tarballs holding several images.
func ReadImageTag(path string, tag *name.Tag) (*Image, error) {
	img, err := tarball.ImageFromPath(path, tag)
	if err != nil {
		return nil, fmt.Errorf("open image tarball: %w", err)
	}
	return fromV1(img)
}

func fromV1(img v1.Image) (*Image, error) {
	id, err := img.ConfigName()
	if err != nil {
		return nil, fmt.Errorf("image id: %w", err)
	}
	config, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("image config: %w", err)
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("image layers: %w", err)
	}
	if len(layers) == 0 {
		return nil, ErrEmptyImage
	}

	// history entries without a layer (ENV, CMD, ...) do not count
	createdBy := []string{}
	for _, h := range config.History {
		if !h.EmptyLayer {
			createdBy = append(createdBy, h.CreatedBy)
		}
	}

	out := &Image{
		ID:     digest.Digest(id.String()),
		Config: config,
	}
	for i, l := range layers {
		diffID, err := l.DiffID()
		if err != nil {
			return nil, fmt.Errorf("layer %d diff id: %w", i, err)
		}
		layer := Layer{
			Index:  i,
			DiffID: digest.Digest(diffID.String()),
			open:   l.Uncompressed,
		}
		if i < len(createdBy) {
			layer.CreatedBy = createdBy[i]
		}
		out.Layers = append(out.Layers, layer)
	}
	return out, nil
}

// ExposedPorts lists the ports the image declares, e.g. "8501/tcp".
func (img *Image) ExposedPorts() []string {
	ports := []string{}
	if img.Config == nil {
		return ports
	}
	for p := range img.Config.Config.ExposedPorts {
		ports = append(ports, p)
	}
	return ports
}
