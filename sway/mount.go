package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/lastnameswayne/tinyimage/db"
	"github.com/lastnameswayne/tinyimage/filesystem"
	"github.com/lastnameswayne/tinyimage/store"
	"github.com/lastnameswayne/tinyimage/tarread"
	"github.com/opencontainers/go-digest"
	"github.com/urfave/cli/v2"
)

// rootfs flattens the layers of b into a cache directory keyed by the image
// id, once.
func rootfs(b *db.Build, blobs *store.Store, cacheDir string) (string, error) {
	dir := filepath.Join(cacheDir, digest.Digest(b.ImageID).Encoded())
	if _, err := os.Stat(filepath.Join(dir, ".complete")); err == nil {
		return dir, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	layers := make([]tarread.Layer, 0, len(b.Layers))
	for _, l := range b.Layers {
		d := digest.Digest(l.DiffID)
		layers = append(layers, tarread.Layer{Index: l.Index, DiffID: d}.WithOpener(func() (io.ReadCloser, error) {
			return blobs.Open(d)
		}))
	}
	if err := tarread.Flatten(layers, dir); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, os.WriteFile(filepath.Join(dir, ".complete"), nil, 0644)
}

var mountCommand = &cli.Command{
	Name:      "mount",
	Usage:     "mount the filesystem of a built image read-only",
	ArgsUsage: "IMAGE MOUNTPOINT",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "debug", Usage: "log FUSE requests"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.ShowSubcommandHelp(c)
		}
		history, err := openDB(c)
		if err != nil {
			return err
		}
		defer history.Close()
		blobs, err := openStore(c)
		if err != nil {
			return err
		}

		b, err := findBuild(c, history, c.Args().Get(0))
		if err != nil {
			return err
		}
		if b.ImageID == "" {
			return fmt.Errorf("build %s produced no image", b.ID)
		}
		dir, err := rootfs(b, blobs, filepath.Join(stateDir(), "rootfs"))
		if err != nil {
			return err
		}
		entries, err := tarread.Walk(dir)
		if err != nil {
			return err
		}
		// the completion marker is not part of the image
		filtered := entries[:0]
		for _, e := range entries {
			if e.Path != ".complete" {
				filtered = append(filtered, e)
			}
		}

		mountpoint := c.Args().Get(1)
		server, fsys, err := filesystem.Mount(mountpoint, filtered, c.Bool("debug"))
		if err != nil {
			return fmt.Errorf("mount %s: %w", mountpoint, err)
		}
		ok("Mounted %s on %s (ctrl-c to unmount)", b.Tag, mountpoint)

		go func() {
			<-c.Context.Done()
			if err := server.Unmount(); err != nil {
				logger.WithError(err).Warn("unmount")
			}
		}()
		server.Wait()

		fmt.Printf("├── lookups %d (%d missing)\n", fsys.Stats.Lookups.Load(), fsys.Stats.Misses.Load())
		fmt.Printf("└── opens   %d\n", fsys.Stats.Opens.Load())
		return nil
	},
}
