package main

import (
	"errors"
	"net/http"

	"github.com/lastnameswayne/tinyimage/server"
	"github.com/urfave/cli/v2"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "serve the build history, layer blobs and metrics over HTTP",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "addr", Value: ":8444", EnvVars: []string{"SWAY_ADDR"}},
	},
	Action: func(c *cli.Context) error {
		history, err := openDB(c)
		if err != nil {
			return err
		}
		defer history.Close()
		blobs, err := openStore(c)
		if err != nil {
			return err
		}

		s := server.New(history, blobs, logger)
		ok("Serving on %s", c.String("addr"))
		err = s.ListenAndServe(c.Context, c.String("addr"))
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	},
}
