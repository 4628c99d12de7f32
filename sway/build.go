package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lastnameswayne/tinyimage/buildctx"
	"github.com/lastnameswayne/tinyimage/builder"
	"github.com/lastnameswayne/tinyimage/recipe"
	"github.com/urfave/cli/v2"
)

var epochFlag = &cli.Int64Flag{
	Name:    "epoch",
	Usage:   "timestamp (unix seconds) of every build context entry",
	EnvVars: []string{"SOURCE_DATE_EPOCH"},
}

var initCommand = &cli.Command{
	Name:  "init",
	Usage: "write a recipe with the defaults",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "name", Usage: "application name"},
		&cli.BoolFlag{Name: "force", Usage: "overwrite an existing recipe"},
	},
	Action: func(c *cli.Context) error {
		path := c.String("recipe")
		flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if !c.Bool("force") {
			flags |= os.O_EXCL
		}
		f, err := os.OpenFile(path, flags, 0644)
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		}
		if err != nil {
			return err
		}
		defer f.Close()

		r := recipe.Default()
		if n := c.String("name"); n != "" {
			r.Name = n
		}
		if err := recipe.Encode(f, r); err != nil {
			return err
		}
		ok("Wrote %s", path)
		return nil
	},
}

var dockerfileCommand = &cli.Command{
	Name:  "dockerfile",
	Usage: "print the generated build definition",
	Action: func(c *cli.Context) error {
		r, err := loadRecipe(c)
		if err != nil {
			return err
		}
		if err := recipe.Validate(r); err != nil {
			return err
		}
		return recipe.WriteDockerfile(os.Stdout, r)
	},
}

var contextCommand = &cli.Command{
	Name:  "context",
	Usage: "pack the build context and print its digest",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "write the context to this file instead of discarding it"},
		&cli.BoolFlag{Name: "gzip", Usage: "compress the context"},
		epochFlag,
	},
	Action: func(c *cli.Context) error {
		r, err := loadRecipe(c)
		if err != nil {
			return err
		}
		if err := recipe.Validate(r); err != nil {
			return err
		}
		opts := buildctx.Options{Epoch: time.Unix(c.Int64("epoch"), 0), Gzip: c.Bool("gzip")}

		var bctx *buildctx.Context
		if out := c.String("output"); out != "" {
			bctx, err = buildctx.PackFile(c.Context, r, out, opts)
		} else {
			bctx, err = buildctx.Pack(c.Context, r, io.Discard, opts)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s\n%d files, %s\n", bctx.Digest, bctx.Files, humanize.Bytes(uint64(bctx.Size)))
		return nil
	},
}

var stepLabels = map[string]string{
	builder.PhaseValidate:    "Validating recipe",
	builder.PhaseContext:     "Packing build context",
	recipe.StageBase:         "Base image",
	recipe.StagePackages:     "Installing OS packages",
	recipe.StageDependencies: "Installing manifest dependencies",
	recipe.StageSource:       "Copying application source",
	builder.PhaseExport:      "Storing layers",
	builder.PhaseTag:         "Tagging image",
}

var buildCommand = &cli.Command{
	Name:      "build",
	Usage:     "build and tag the application image",
	ArgsUsage: "[TAG]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "platform", Usage: "target platform, e.g. linux/amd64"},
		&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "show the engine output"},
		&cli.IntFlag{Name: "jobs", Value: 4, Usage: "layers stored concurrently"},
		epochFlag,
	},
	Action: func(c *cli.Context) error {
		r, err := loadRecipe(c)
		if err != nil {
			return err
		}
		if p := c.String("platform"); p != "" {
			r.Platform = p
		}
		tag, err := imageTag(r, c.Args().First())
		if err != nil {
			return err
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

		verbose := c.Bool("verbose")
		p := newProgress(stepLabels, verbose)
		b := &builder.Builder{
			Engine:      &builder.Docker{},
			Store:       blobs,
			DB:          history,
			Log:         logger,
			Epoch:       time.Unix(c.Int64("epoch"), 0),
			Progress:    p.update,
			Concurrency: c.Int("jobs"),
		}
		if verbose {
			b.Output = os.Stderr
		}

		start := time.Now()
		res, err := b.Build(c.Context, r, tag)
		if err != nil {
			var stepErr *builder.StepError
			code := 1
			if errors.As(err, &stepErr) && stepErr.ExitCode > 0 {
				code = stepErr.ExitCode
			}
			return cli.Exit(fmt.Sprintf("%s build failed: %v", red("✗"), err), code)
		}

		var size int64
		for _, l := range res.Build.Layers {
			size += l.Size
		}
		ok("Built %s (%s, %d layers, %s) in %s", res.Build.Tag, short(res.Build.ImageID), len(res.Build.Layers), humanize.Bytes(uint64(size)), time.Since(start).Round(time.Millisecond))
		fmt.Printf("├── context  %s\n", res.Build.ContextDigest)
		fmt.Printf("└── manifest %s\n", res.Build.ManifestDigest)
		return nil
	},
}
