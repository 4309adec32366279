// Command mttn single-steps a 32-bit x86 Linux process and emits a
// structured trace of every retired instruction: its bytes, its
// register file before and after, and the concrete memory accesses it
// performed.
package main

import (
	"fmt"
	"os"

	"github.com/trailofbits/mttn/cmd/mttn/internal/cli"
)

func main() {
	if err := cli.New().Execute(); err != nil {
		// Execute only fails on flag or argument misuse; runTrace exits
		// on its own for everything past parsing.
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}
