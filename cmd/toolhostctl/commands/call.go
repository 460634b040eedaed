package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/toolhost/runtime/cmd/toolhostctl/client"
)

var callCmd = &cobra.Command{
	Use:   "call <library.function> [key=value...]",
	Short: "Call a tool by its qualified id",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := client.New(daemonAddr, time.Duration(timeoutMs)*time.Millisecond)

		qualifiedID := args[0]
		input := make(map[string]any, len(args)-1)
		for _, arg := range args[1:] {
			kv := strings.SplitN(arg, "=", 2)
			if len(kv) == 2 {
				input[kv[0]] = kv[1]
			}
		}

		resp, err := c.CallTool(qualifiedID, input)
		if err != nil {
			fmt.Println(color.RedString("Error: ") + err.Error())
			os.Exit(1)
		}

		if resp.Error != "" {
			fmt.Println(color.RedString("Error: ") + resp.Error)
			os.Exit(1)
		}

		if jsonOutput {
			fmt.Println(string(resp.Output))
			return
		}

		var pretty any
		if err := json.Unmarshal(resp.Output, &pretty); err == nil {
			data, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(data))
		} else {
			fmt.Println(string(resp.Output))
		}
	},
}

func init() {
	rootCmd.AddCommand(callCmd)
}
