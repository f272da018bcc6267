package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sekia-ai/safepart/pkg/protocol"
)

func newPartitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "partitions",
		Short: "List registered partitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp protocol.PartitionsResponse
			if err := apiGet("/api/v1/partitions", &resp); err != nil {
				return err
			}

			if len(resp.Partitions) == 0 {
				fmt.Println("No partitions registered.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tSTATUS\tMODE\tRECEIVED\tEXECUTED\tREJECTED\tDROPPED\tOVERRUNS\tLAST HEARTBEAT")
			for _, p := range resp.Partitions {
				c := p.Counters
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
					p.Name, p.Version, p.Status, p.Mode,
					c.Received, c.Executed, c.Rejected, c.Dropped, c.Overruns,
					p.LastHeartbeat.Format("15:04:05"),
				)
			}
			w.Flush()
			return nil
		},
	}
}
