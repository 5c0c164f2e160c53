package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	GroupID: "system",
	Short:   "Check the health of the local broker",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := brokerClient.Health(cmd.Context())
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}

		if jsonOutput {
			outputJSON(cmd.OutOrStdout(), h)
		} else {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Health: %s\n", h.Status)
			names := make([]string, 0, len(h.Checks))
			for name := range h.Checks {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(w, "  %-10s %s\n", name+":", h.Checks[name])
			}
			if h.QueueDepth > 0 {
				fmt.Fprintf(w, "  dead-lettered webhooks: %d\n", h.QueueDepth)
			}
		}

		if h.Status != "healthy" {
			return &exitError{code: exitErrored, msg: "broker unhealthy: " + h.Status}
		}
		return nil
	},
}
