package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/joeycumines/lunatic/controlplane"
	"github.com/joeycumines/lunatic/obs"
)

func controlCmd() *cli.Command {
	return &cli.Command{
		Name:  "control",
		Usage: "start the reference control plane",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "bind-socket",
				Usage: "address to listen on",
				Value: "127.0.0.1:4001",
			},
		},
		Action: func(c *cli.Context) error {
			logger := obs.New().Named("control")
			addr := c.String("bind-socket")

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info().Str("addr", addr).Log("control plane listening")
			if err := controlplane.ListenAndServe(ctx, addr, controlplane.NewStore()); err != nil {
				return newConfigError("control: serve %s: %v", addr, err)
			}
			return nil
		},
	}
}
