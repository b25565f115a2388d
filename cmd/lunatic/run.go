package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/joeycumines/lunatic/capability"
	"github.com/joeycumines/lunatic/obs"
	"github.com/joeycumines/lunatic/process"
	"github.com/joeycumines/lunatic/runtime"
)

func runCmd(base baseConfig) *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run a single wasm module as one node",
		ArgsUsage: "<path.wasm> [args...]",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "dir",
				Usage: "preopen a directory for the guest, repeatable",
			},
			&cli.BoolFlag{
				Name:  "bench",
				Usage: "print wall-clock timing for the run to stderr",
			},
		},
		Action: func(c *cli.Context) error {
			code, err := doRun(c, base)
			if err != nil {
				return err
			}
			if code == exitNormal {
				return nil
			}
			return cli.Exit("", code)
		},
	}
}

func doRun(c *cli.Context, base baseConfig) (int, error) {
	if c.NArg() < 1 {
		return exitConfigError, newConfigError("run: missing required <path.wasm> argument")
	}
	path := c.Args().Get(0)
	guestArgs := c.Args().Tail()

	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return exitConfigError, newConfigError("run: read module %q: %v", path, err)
	}

	logger := obs.New().Named("run")

	cfg := base.toRuntimeConfig()
	ctx := c.Context
	rt, err := runtime.New(ctx, cfg, logger, nil)
	if err != nil {
		return exitConfigError, newConfigError("run: build runtime: %v", err)
	}
	defer func() { _ = rt.Stop(context.Background()) }()

	const moduleID = "main"
	if err := rt.LoadModule(ctx, moduleID, wasmBytes); err != nil {
		return exitConfigError, newConfigError("run: load module %q: %v", path, err)
	}

	procCfg := process.DefaultConfig()
	procCfg.CommandLineArguments = append([]string{path}, guestArgs...)
	procCfg.PreopenDirs = c.StringSlice("dir")
	procCfg.EnvironmentVariables = inheritedEnviron()

	start := time.Now()
	_, done, err := rt.SpawnRoot(ctx, capability.SpawnRequest{
		ModuleID:   moduleID,
		EntryPoint: "_start",
		Config:     procCfg,
	})
	if err != nil {
		return exitConfigError, newConfigError("run: spawn %q: %v", path, err)
	}

	reason := <-done
	elapsed := time.Since(start)

	if c.Bool("bench") {
		fmt.Fprintf(os.Stderr, "lunatic: %s ran for %s\n", path, elapsed)
	}

	if reason.IsNormal() {
		return exitNormal, nil
	}

	logger.Err().Str("reason", reason.Text).Log("guest process failed")
	fmt.Fprintf(os.Stderr, "lunatic: guest process failed: %s\n", reason.Text)
	return exitGuestFailure, nil
}

// inheritedEnviron turns the host process's environment into the map a
// spawned process's Config carries (spec.md §6: "Environment variables
// inherited by the main process by default").
func inheritedEnviron() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}
