package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lastnameswayne/tinyimage/builder"
	"github.com/lastnameswayne/tinyimage/db"
	"github.com/lastnameswayne/tinyimage/logging"
	"github.com/lastnameswayne/tinyimage/recipe"
	"github.com/lastnameswayne/tinyimage/store"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var logger = logrus.StandardLogger()

func stateDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "sway")
}

func main() {
	app := &cli.App{
		Name:  "sway",
		Usage: "build an application image and run its single process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "recipe",
				Aliases: []string{"f"},
				Value:   recipe.FileName,
				Usage:   "path of the build recipe",
				EnvVars: []string{"SWAY_RECIPE"},
			},
			&cli.StringFlag{
				Name:    "db",
				Value:   filepath.Join(stateDir(), "sway.db"),
				Usage:   "build and launch history",
				EnvVars: []string{"SWAY_DB"},
			},
			&cli.StringFlag{
				Name:    "store",
				Value:   filepath.Join(stateDir(), "blobs"),
				Usage:   "layer blob store directory",
				EnvVars: []string{"SWAY_STORE"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "warn",
				EnvVars: []string{"SWAY_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   logging.FormatText,
				Usage:   "text or json",
				EnvVars: []string{"SWAY_LOG_FORMAT"},
			},
		},
		Before: func(c *cli.Context) error {
			l, err := logging.New(c.String("log-level"), c.String("log-format"), os.Stderr)
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
	}

	app.Commands = []*cli.Command{
		initCommand,
		dockerfileCommand,
		contextCommand,
		buildCommand,
		runCommand,
		launchCommand,
		imagesCommand,
		layersCommand,
		verifyCommand,
		rmCommand,
		mountCommand,
		serveCommand,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadRecipe reads the recipe, falling back to the defaults next to it when
// the default recipe file does not exist.
func loadRecipe(c *cli.Context) (recipe.Recipe, error) {
	path := c.String("recipe")
	r, err := recipe.Load(path)
	if errors.Is(err, fs.ErrNotExist) && !c.IsSet("recipe") {
		logger.WithField("path", path).Debug("no recipe file, using defaults")
		r = recipe.Default()
		r.Dir = filepath.Dir(path)
		return r, nil
	}
	return r, err
}

func openDB(c *cli.Context) (*db.DB, error) {
	path := c.String("db")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return db.Open(path)
}

func openStore(c *cli.Context) (*store.Store, error) {
	return store.New(c.String("store"))
}

// imageTag is the tag given on the command line or the recipe's name.
func imageTag(r recipe.Recipe, arg string) (string, error) {
	tag := arg
	if tag == "" {
		tag = r.Name
	}
	return builder.NormalizeTag(tag)
}
