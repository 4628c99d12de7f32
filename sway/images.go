package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/lastnameswayne/tinyimage/builder"
	"github.com/lastnameswayne/tinyimage/db"
	"github.com/opencontainers/go-digest"
	"github.com/urfave/cli/v2"
)

func findBuild(c *cli.Context, history *db.DB, ref string) (*db.Build, error) {
	b, err := history.FindBuild(c.Context, ref)
	if errors.Is(err, db.ErrNotFound) {
		if tag, terr := builder.NormalizeTag(ref); terr == nil && tag != ref {
			b, err = history.FindBuild(c.Context, tag)
		}
	}
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("no build matches %s", ref)
	}
	return b, err
}

func layerSize(b db.Build) int64 {
	var size int64
	for _, l := range b.Layers {
		size += l.Size
	}
	return size
}

var imagesCommand = &cli.Command{
	Name:  "images",
	Usage: "list recorded builds",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Value: 20},
		&cli.BoolFlag{Name: "all", Aliases: []string{"a"}, Usage: "include failed builds"},
	},
	Action: func(c *cli.Context) error {
		history, err := openDB(c)
		if err != nil {
			return err
		}
		defer history.Close()

		builds, err := history.ListBuilds(c.Context, c.Int("limit"))
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TAG\tIMAGE\tSTATUS\tLAYERS\tSIZE\tCREATED")
		for _, b := range builds {
			if b.Status != db.StatusSucceeded && !c.Bool("all") {
				continue
			}
			status := string(b.Status)
			if b.Status == db.StatusFailed {
				status = red(status + " (" + b.Step + ")")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				b.Tag, short(b.ImageID), status, len(b.Layers),
				humanize.Bytes(uint64(layerSize(b))), humanize.Time(b.StartedAt))
		}
		return w.Flush()
	},
}

var layersCommand = &cli.Command{
	Name:      "layers",
	Usage:     "list the layers of a built image",
	ArgsUsage: "IMAGE",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.ShowSubcommandHelp(c)
		}
		history, err := openDB(c)
		if err != nil {
			return err
		}
		defer history.Close()

		b, err := findBuild(c, history, c.Args().First())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "#\tSTEP\tDIFF ID\tSIZE\tCREATED BY")
		for _, l := range b.Layers {
			createdBy := l.CreatedBy
			if len(createdBy) > 60 {
				createdBy = createdBy[:57] + "..."
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", l.Index, l.Step, short(l.DiffID), humanize.Bytes(uint64(l.Size)), faint(createdBy))
		}
		return w.Flush()
	},
}

var verifyCommand = &cli.Command{
	Name:      "verify",
	Usage:     "compare two builds of the same inputs",
	ArgsUsage: "IMAGE IMAGE",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return cli.ShowSubcommandHelp(c)
		}
		history, err := openDB(c)
		if err != nil {
			return err
		}
		defer history.Close()

		a, err := findBuild(c, history, c.Args().Get(0))
		if err != nil {
			return err
		}
		b, err := findBuild(c, history, c.Args().Get(1))
		if err != nil {
			return err
		}
		rep := builder.Verify(a, b)
		rep.Write(os.Stdout)
		if !rep.Reproducible() {
			return cli.Exit(red("✗")+" builds differ", 1)
		}
		ok("Builds are identical")
		return nil
	},
}

var rmCommand = &cli.Command{
	Name:      "rm",
	Usage:     "delete a built image and the layers only it used",
	ArgsUsage: "IMAGE",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "keep-engine", Usage: "leave the image in the container engine"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
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

		b, err := findBuild(c, history, c.Args().First())
		if err != nil {
			return err
		}
		if b.ImageID == "" {
			return fmt.Errorf("build %s produced no image", b.ID)
		}
		unreferenced, err := history.DeleteImage(c.Context, b.ImageID)
		if err != nil {
			return err
		}

		var freed int64
		for _, d := range unreferenced {
			dg := digest.Digest(d)
			if size, err := blobs.Size(dg); err == nil {
				freed += size
			}
			if err := blobs.Delete(dg); err != nil {
				logger.WithError(err).WithField("layer", d).Warn("could not delete layer")
			}
		}
		if !c.Bool("keep-engine") {
			engine := &builder.Docker{}
			if err := builder.RemoveImage(c.Context, engine, b.ImageID, b.Tag); err != nil {
				logger.WithError(err).WithField("image", b.ImageID).Warn("could not remove image from the engine")
			}
		}
		ok("Removed %s (%s), freed %s", b.Tag, short(b.ImageID), humanize.Bytes(uint64(freed)))
		return nil
	},
}
