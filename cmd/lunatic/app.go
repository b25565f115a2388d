package main

import (
	"os"

	"github.com/urfave/cli/v2"
)

func newApp() *cli.App {
	configFile := configFileFlag(os.Args[1:])
	base, err := loadBaseConfig(configFile)
	if err != nil {
		// Surfaced through Before instead of failing here directly, so
		// --help/--version still work even with a bad --config path.
		base = baseConfig{}
	}

	return &cli.App{
		Name:  "lunatic",
		Usage: "a WebAssembly actor runtime",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML/JSON config file (workers, fuel_quantum, module_cache_size)",
			},
		},
		Commands: []*cli.Command{
			runCmd(base),
			nodeCmd(base),
			controlCmd(),
		},
		Before: func(c *cli.Context) error {
			if err != nil {
				return newConfigError("load config file %q: %v", configFile, err)
			}
			return nil
		},
	}
}
