// Command funnel runs the funnel daemon and its operator tools.
package main

import (
	"fmt"
	"os"

	"github.com/xraph/funnel/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
