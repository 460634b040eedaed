package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/toolhost/runtime/cmd/toolhostctl/client"
)

var listPageToken string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tools registered with the daemon",
	Run: func(cmd *cobra.Command, args []string) {
		c := client.New(daemonAddr, time.Duration(timeoutMs)*time.Millisecond)

		page, err := c.ListTools(listPageToken, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			data, _ := json.MarshalIndent(page, "", "  ")
			fmt.Println(string(data))
			return
		}

		table := tablewriter.NewTable(os.Stdout,
			tablewriter.WithHeader([]string{"Name", "Version", "Description"}),
		)
		for _, t := range page.Tools {
			table.Append([]string{t.Name, t.Version, t.Description})
		}
		table.Render()

		if page.NextPageToken != "" {
			fmt.Printf("next page token: %s\n", page.NextPageToken)
		}
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listPageToken, "page-token", "", "pagination offset token")
}
