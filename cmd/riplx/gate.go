package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"riplx/internal/gate"
)

var gateAction string

var gateCmd = &cobra.Command{
	Use:     "gate",
	GroupID: "wallet",
	Short:   "Show whether the linked account may run the gated mint actions",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		actions := []gate.ActionClass{gate.ActionAccreditedMint, gate.ActionLocalMint}
		if gateAction != "" {
			a := gate.ActionClass(gateAction)
			if !a.Valid() {
				return fmt.Errorf("--action must be %q or %q", gate.ActionAccreditedMint, gate.ActionLocalMint)
			}
			actions = []gate.ActionClass{a}
		}

		id := store.Current()
		if id == nil && !jsonOutput {
			fmt.Fprintln(os.Stderr, "No wallet linked; pass --account to check an address.")
		}

		verdicts := make([]gate.Verdict, len(actions))
		g, gctx := errgroup.WithContext(cmd.Context())
		for i, action := range actions {
			g.Go(func() error {
				verdicts[i] = actionGate.CheckEligibility(gctx, id, action)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		views := make([]*verdictView, 0, len(verdicts))
		blocked := false
		for _, vd := range verdicts {
			views = append(views, viewVerdict(vd))
			blocked = blocked || !vd.Allowed
		}
		if jsonOutput {
			outputJSON(cmd.OutOrStdout(), views)
		} else {
			for _, v := range views {
				writeVerdict(cmd.OutOrStdout(), v)
			}
		}
		if blocked {
			return &exitError{code: exitBlocked}
		}
		return nil
	},
}

func init() {
	gateCmd.Flags().StringVar(&gateAction, "action", "", "check a single action (accredited-mint or local-mint)")
}
