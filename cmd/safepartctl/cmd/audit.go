package cmd

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sekia-ai/safepart/pkg/protocol"
)

func newAuditCmd() *cobra.Command {
	var (
		partition string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent command outcomes from the audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			if partition != "" {
				q.Set("partition", partition)
			}

			var resp protocol.AuditResponse
			if err := apiGet("/api/v1/audit?"+q.Encode(), &resp); err != nil {
				return err
			}
			if len(resp.Records) == 0 {
				fmt.Println("No audit records.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tPARTITION\tCOMMAND\tKEY\tSTATUS\tREASON\tMODE\tID")
			for _, r := range resp.Records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.Timestamp.Local().Format("15:04:05.000"),
					r.Partition, r.Command, r.KeyID, r.Status, r.Reason, r.Mode, r.CommandID,
				)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&partition, "partition", "", "only show records from this partition")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records")
	return cmd
}
