package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"handoff/pkg/record"
)

func initiateCmd() *cobra.Command {
	var version []int

	cmd := &cobra.Command{
		Use:   "initiate <label> <payload|->",
		Short: "Deposit a handoff record under a label",
		Long:  "Deposit a handoff record. Use - to read the payload from stdin.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte(args[1])
			if args[1] == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				payload = b
			}
			rec, err := record.New(record.Label(args[0]), version, payload)
			if err != nil {
				return err
			}

			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Initiate(cmd.Context(), rec); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), output, rec, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Deposited %s\n", rec)
				return err
			})
		},
	}

	cmd.Flags().IntSliceVar(&version, "version", []int{1}, "Record version, e.g. 1,2,0")
	return cmd
}

func completeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <label>",
		Short: "Claim every pending record for a label",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			recs, err := c.Complete(cmd.Context(), record.Label(args[0]))
			if err != nil {
				return err
			}
			return printRecords(cmd.OutOrStdout(), recs)
		},
	}
}

func subscribeCmd() *cobra.Command {
	var claim bool

	cmd := &cobra.Command{
		Use:   "subscribe <label>",
		Short: "Watch a label for available records",
		Long:  "Watch a label until interrupted. With --complete, claim the records on each notification.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			label := record.Label(args[0])
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			sub, err := c.Subscribe(ctx, label)
			if err != nil {
				return err
			}
			defer sub.Close()
			fmt.Fprintf(cmd.ErrOrStderr(), "Subscribed to %s as %s\n", label, c.Identity())

			for {
				select {
				case <-ctx.Done():
					return nil
				case l, ok := <-sub.C():
					if !ok {
						return sub.Err()
					}
					if !claim {
						fmt.Fprintln(cmd.OutOrStdout(), l)
						continue
					}
					recs, err := c.Complete(ctx, l)
					if err != nil {
						return err
					}
					if err := printRecords(cmd.OutOrStdout(), recs); err != nil {
						return err
					}
				}
			}
		},
	}

	cmd.Flags().BoolVar(&claim, "complete", false, "Claim records on each notification")
	return cmd
}

func unsubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe <label>",
		Short: "Remove this identity's subscription to a label",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if identity == "" {
				return fmt.Errorf("--identity is required")
			}
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Unsubscribe(cmd.Context(), record.Label(args[0]))
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show directory counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			st, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), output, st, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Labels: %d\nPending: %d\nSubscriptions: %d\nPuts: %d\nDrains: %d\nNotified: %d\nDropped: %d\nExpired: %d\nPulled: %d\nLiveness cleanups: %d\n",
					st.Labels, st.Pending, st.Subscriptions, st.Puts, st.Drains,
					st.Notified, st.Dropped, st.Expired, st.Pulled, st.LivenessCleanups)
				return err
			})
		},
	}
}

func printRecords(w io.Writer, recs []record.Record) error {
	if recs == nil {
		recs = []record.Record{}
	}
	return render(w, output, recs, func(w io.Writer) error {
		if len(recs) == 0 {
			_, err := fmt.Fprintln(w, "(none)")
			return err
		}
		for i, r := range recs {
			if _, err := fmt.Fprintf(w, "%d) version=%s payload=%s\n", i+1, formatVersion(r.Version()), r.Payload()); err != nil {
				return err
			}
		}
		return nil
	})
}

func formatVersion(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}
