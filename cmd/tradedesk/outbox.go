package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/tradedesk/internal/tradedesk/coordinator"
	"github.com/bdobrica/tradedesk/internal/tradedesk/store"
)

// Delivery workers live outside this process. They read the queue with
// "outbox list" (or the table directly) and report back with ack or fail.
var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and settle queued outbound effects",
}

var (
	outboxLimit     int
	failReason      string
	failMaxAttempts int
)

func withOutbox(fn func(*coordinator.Outbox) error) error {
	st, err := store.New(loadSettings().App.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(coordinator.NewOutbox(st.DB(), nil))
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued entries, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOutbox(func(o *coordinator.Outbox) error {
			list, err := o.Pending(cmd.Context(), outboxLimit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSESSION\tCREATED\tATTEMPTS\tLAST ERROR")
			for _, e := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					e.ID, e.Kind, e.SessionID, e.CreatedAt.Format(time.RFC3339), e.Attempts, e.LastError)
			}
			return w.Flush()
		})
	},
}

var outboxAckCmd = &cobra.Command{
	Use:   "ack ID",
	Short: "Record that an entry was delivered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOutbox(func(o *coordinator.Outbox) error {
			if err := o.MarkDelivered(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: delivered\n", args[0])
			return nil
		})
	},
}

var outboxFailCmd = &cobra.Command{
	Use:   "fail ID",
	Short: "Record a failed delivery attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if failReason == "" {
			return errors.New("--reason is required")
		}
		return withOutbox(func(o *coordinator.Outbox) error {
			if err := o.MarkFailed(cmd.Context(), args[0], failReason, failMaxAttempts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: attempt recorded\n", args[0])
			return nil
		})
	},
}

func init() {
	outboxListCmd.Flags().IntVar(&outboxLimit, "limit", 100, "maximum rows")
	outboxFailCmd.Flags().StringVar(&failReason, "reason", "", "why the delivery failed")
	outboxFailCmd.Flags().IntVar(&failMaxAttempts, "max-attempts", 5, "attempts after which the entry is marked failed")
	outboxCmd.AddCommand(outboxListCmd, outboxAckCmd, outboxFailCmd)
}
