package commands

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/toolhost/runtime/internal/toolhost/manifest"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Inspect and validate manifest files",
}

var manifestValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Validate a manifest file without loading any tool library",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		m, err := manifest.Load(args[0])
		if err != nil {
			fmt.Println(color.RedString("Error: ") + err.Error())
			os.Exit(1)
		}

		if _, err := m.ResolvePolicies(); err != nil {
			fmt.Println(color.RedString("Error: ") + err.Error())
			os.Exit(1)
		}

		enabled := m.EnabledTools()
		fmt.Println(color.GreenString("manifest is valid"))
		fmt.Printf("  tools: %d declared, %d enabled\n", len(m.Tools), len(enabled))
		fmt.Printf("  policies: %d declared\n", len(m.Policies))
	},
}

func init() {
	rootCmd.AddCommand(manifestCmd)
	manifestCmd.AddCommand(manifestValidateCmd)
}
