// Command lexicon manages the versioned dictionary store.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/lexicon/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lexicon:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
