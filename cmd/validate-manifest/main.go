// Command validate-manifest is an offline manifest and policy linter: it
// loads a manifest, resolves every referenced policy file, and reports
// problems without starting a daemon or touching any tool library.
package main

import (
	"fmt"
	"os"

	"github.com/toolhost/runtime/internal/toolhost/manifest"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: validate-manifest <path>")
		os.Exit(2)
	}

	path := os.Args[1]

	m, err := manifest.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid manifest: %v\n", err)
		os.Exit(1)
	}

	definitions, err := m.ResolvePolicies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid policy configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("ok: %d tools (%d enabled), %d policies\n", len(m.Tools), len(m.EnabledTools()), len(definitions))
}
