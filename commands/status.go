package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var statusAddr string

// StatusCommand queries the monitor of a running trainer. An optional
// argument selects the endpoint, one of health, opponents or league.
func StatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "status [health|opponents|league]",
		Run: func(cmd *cobra.Command, args []string) {
			endpoint := "health"
			if len(args) > 0 {
				endpoint = args[0]
			}
			resp, err := http.Get(fmt.Sprintf("http://%s/%s", statusAddr, endpoint))
			if err != nil {
				fmt.Println(err)
				return
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				fmt.Println(err)
				return
			}
			var buf bytes.Buffer
			if err := json.Indent(&buf, body, "", "  "); err != nil {
				fmt.Println(string(body))
				return
			}
			fmt.Println(buf.String())
		},
	}
	cmd.Flags().StringVar(&statusAddr, "addr", "127.0.0.1:9090", "Address of the monitor to query")
	return cmd
}
