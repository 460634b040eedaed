// Command toolhostctl is the control-plane client for toolhostd, delegating
// straight to a cobra root command.
package main

import (
	"fmt"
	"os"

	"github.com/toolhost/runtime/cmd/toolhostctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
