// Command compatctl evaluates cart compatibility offline and manages API
// keys of the compatz server.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	cmd := newRootCmd(defaultDeps())
	cmd.Version = version

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
