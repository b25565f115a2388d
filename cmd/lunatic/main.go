// Command lunatic is the C15 CLI: run a single wasm module as one node
// (run), join a cluster (node), or start the reference control plane
// (control). Flag/command dispatch follows urfave/cli/v2's App/Command
// idiom, grounded on webitel-im-delivery-service's cmd/cmd.go.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := newApp()
	// Any Action error implementing cli.ExitCoder (cli.Exit(...), or the
	// run subcommand's own wrapped exit code) exits with that code;
	// anything else — bad flags, an unreadable config file, missing
	// arguments — is treated as a configuration error (exit code 2 per
	// spec.md §6), not the default exit(1) urfave/cli otherwise applies.
	app.ExitErrHandler = func(_ *cli.Context, err error) {
		if err == nil {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			os.Exit(ec.ExitCode())
		}
		os.Exit(exitConfigError)
	}
	_ = app.Run(os.Args)
}
