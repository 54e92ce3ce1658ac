// Command derive runs and inspects agents sharing an operation log.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/derive/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
