// Command ledgersync synchronizes exchange account history into SQLite.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/ledgersync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
