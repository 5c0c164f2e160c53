package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var connectCmd = &cobra.Command{
	Use:     "connect",
	GroupID: "wallet",
	Short:   "Link a wallet by approving a sign-in request",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := walletSvc.Connect(cmd.Context(), presenter(cmd.OutOrStdout()))
		if err != nil {
			return err
		}
		emit(cmd.OutOrStdout(), viewOutcome(out))
		return outcomeError(out)
	},
}

// ensureConnected runs the sign-in handshake when no identity is linked yet.
func ensureConnected(cmd *cobra.Command) error {
	if store.Current() != nil {
		return nil
	}
	if !jsonOutput {
		fmt.Fprintln(os.Stderr, "No wallet linked, signing in first.")
	}
	out, err := walletSvc.Connect(cmd.Context(), presenter(cmd.OutOrStdout()))
	if err != nil {
		return err
	}
	if !out.Signed() {
		emit(cmd.OutOrStdout(), viewOutcome(out))
		return outcomeError(out)
	}
	if !jsonOutput {
		fmt.Fprintf(os.Stderr, "Linked %s.\n", out.Account)
	}
	return nil
}
