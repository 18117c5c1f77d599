package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster operations",
	}
	cmd.AddCommand(clusterMembersCmd())
	return cmd
}

type memberView struct {
	ID       string `json:"id" yaml:"id"`
	Address  string `json:"address" yaml:"address"`
	Role     string `json:"role" yaml:"role"`
	State    string `json:"state" yaml:"state"`
	LastSeen string `json:"last_seen,omitempty" yaml:"last_seen,omitempty"`
}

func clusterMembersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "members",
		Short: "List cluster members as the server sees them",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			members, err := c.Members(cmd.Context())
			if err != nil {
				return err
			}
			views := make([]memberView, 0, len(members))
			for _, m := range members {
				v := memberView{ID: m.ID, Address: m.Address, Role: m.Role, State: m.State}
				if !m.LastSeen.IsZero() {
					v.LastSeen = m.LastSeen.Format("2006-01-02T15:04:05Z07:00")
				}
				views = append(views, v)
			}
			return render(cmd.OutOrStdout(), output, views, func(w io.Writer) error {
				for i, v := range views {
					leader := ""
					if v.Role == "leader" {
						leader = " (Leader)"
					}
					if _, err := fmt.Fprintf(w, "%d) %s - %s - %s%s\n", i+1, v.ID, v.Address, v.State, leader); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}
