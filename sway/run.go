package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	runc "github.com/containerd/go-runc"
	"github.com/lastnameswayne/tinyimage/db"
	"github.com/lastnameswayne/tinyimage/launcher"
	"github.com/lastnameswayne/tinyimage/recipe"
	"github.com/opencontainers/go-digest"
	"github.com/urfave/cli/v2"
)

var stopSignalFlag = &cli.StringFlag{
	Name:  "stop-signal",
	Value: "SIGTERM",
	Usage: "signal sent to the process when sway is interrupted",
}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "run the application process of a built image",
	ArgsUsage: "[IMAGE]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "driver", Value: launcher.DriverDocker, Usage: "docker, runc or local"},
		&cli.StringFlag{Name: "runc", Value: "runc", Usage: "runc binary"},
		&cli.DurationFlag{Name: "wait", Value: 2 * time.Minute, Usage: "how long to watch for the port to open, 0 to not watch"},
		stopSignalFlag,
	},
	Action: func(c *cli.Context) error {
		r, err := loadRecipe(c)
		if err != nil {
			return err
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

		opts := launcher.OptionsFor(r, tag)
		opts.StopSignal = c.String("stop-signal")
		opts.Stdin, opts.Stdout, opts.Stderr = nil, os.Stdout, os.Stderr

		var runner launcher.Runner
		switch driver := c.String("driver"); driver {
		case launcher.DriverDocker:
			runner = &launcher.Docker{}
		case launcher.DriverLocal:
			runner = launcher.Local{}
		case launcher.DriverRunc:
			build, err := history.FindBuild(c.Context, tag)
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("no build of %s, run sway build first", tag)
			}
			if err != nil {
				return err
			}
			for _, l := range build.Layers {
				opts.Layers = append(opts.Layers, digest.Digest(l.DiffID))
			}
			blobs, err := openStore(c)
			if err != nil {
				return err
			}
			runner = &launcher.Runc{
				Runtime: &runc.Runc{Command: c.String("runc")},
				Store:   blobs,
			}
		default:
			return fmt.Errorf("unknown driver %q", driver)
		}

		return launch(c, runner, opts, c.String("driver"), history)
	},
}

// runContext is the context a driver runs the process under. A local
// process already receives SIGINT and SIGTERM from the terminal, so
// cancelling on those signals would deliver them twice.
func runContext(ctx context.Context, driver string) context.Context {
	if driver == launcher.DriverLocal {
		return context.WithoutCancel(ctx)
	}
	return ctx
}

var launchCommand = &cli.Command{
	Name:  "launch",
	Usage: "start the application process here, e.g. as the entrypoint of the image",
	Flags: []cli.Flag{
		stopSignalFlag,
	},
	Action: func(c *cli.Context) error {
		r, err := loadRecipe(c)
		if err != nil {
			return err
		}
		if err := recipe.Validate(r); err != nil {
			return err
		}
		p := &launcher.Process{
			Args:       r.Args(),
			Env:        r.Environ(),
			StopSignal: c.String("stop-signal"),
			Stdin:      os.Stdin,
			Stdout:     os.Stdout,
			Stderr:     os.Stderr,
		}
		// the process gets the signals, not sway
		code, err := p.Run(context.WithoutCancel(c.Context))
		if err != nil {
			return err
		}
		if code != 0 {
			return cli.Exit("", code)
		}
		return nil
	},
}

func launch(c *cli.Context, runner launcher.Runner, opts launcher.Options, driver string, history *db.DB) error {
	ok("Starting %s on %s:%d", opts.Image, opts.Address, opts.Port)

	watchCtx, stopWatching := context.WithCancel(c.Context)
	defer stopWatching()
	if wait := c.Duration("wait"); wait > 0 {
		addr := launcher.DialAddress(opts.Address, opts.Port)
		go func() {
			if err := launcher.WaitListening(watchCtx, addr, wait); err == nil {
				ok("Listening on http://%s", addr)
			}
		}()
	}

	start := time.Now()
	code, err := runner.Run(runContext(c.Context, driver), opts)
	stopWatching()
	if err != nil {
		failed("Could not start %s", opts.Image)
		return err
	}

	rec := &db.Launch{
		Image:      opts.Image,
		Driver:     driver,
		Address:    opts.Address,
		Port:       opts.Port,
		ExitCode:   code,
		StartedAt:  start,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err := history.RecordLaunch(context.WithoutCancel(c.Context), rec); err != nil {
		logger.WithError(err).Warn("could not record launch")
	}

	if code != 0 {
		failed("Process exited with code %d", code)
		return cli.Exit("", code)
	}
	ok("Process exited")
	return nil
}
