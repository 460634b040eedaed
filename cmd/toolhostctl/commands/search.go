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

var searchPageSize int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search for tools by description",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := client.New(daemonAddr, time.Duration(timeoutMs)*time.Millisecond)

		resp, err := c.SearchTools(args[0], searchPageSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			data, _ := json.MarshalIndent(resp, "", "  ")
			fmt.Println(string(data))
			return
		}

		table := tablewriter.NewTable(os.Stdout,
			tablewriter.WithHeader([]string{"Name", "Score", "Description"}),
		)
		for _, r := range resp.Results {
			table.Append([]string{r.Tool.Name, fmt.Sprintf("%.3f", r.RelevanceScore), r.Tool.Description})
		}
		table.Render()
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().IntVar(&searchPageSize, "limit", 10, "maximum number of results")
}
