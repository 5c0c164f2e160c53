package main

import (
	"github.com/spf13/cobra"

	"riplx/internal/wallet"
)

var (
	payTo       string
	payAmount   string
	payCurrency string

	swapAmount string
	swapPrice  string

	trustCode  string
	trustLimit string

	mintTier   string
	mintAmount string
)

var payCmd = &cobra.Command{
	Use:     "pay",
	GroupID: "transactions",
	Short:   "Send XRP or the issued token",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureConnected(cmd); err != nil {
			return err
		}
		res, err := walletSvc.Pay(cmd.Context(), wallet.Payment{
			Destination: payTo,
			Amount:      payAmount,
			Currency:    payCurrency,
		}, presenter(cmd.OutOrStdout()))
		return finish(cmd, res, err)
	},
}

var swapCmd = &cobra.Command{
	Use:     "swap",
	GroupID: "transactions",
	Short:   "Buy the issued token for XRP with an immediate-or-cancel offer",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureConnected(cmd); err != nil {
			return err
		}
		res, err := walletSvc.Swap(cmd.Context(), wallet.Swap{
			Amount: swapAmount,
			Price:  swapPrice,
		}, presenter(cmd.OutOrStdout()))
		return finish(cmd, res, err)
	},
}

var trustlineCmd = &cobra.Command{
	Use:     "trustline",
	GroupID: "transactions",
	Short:   "Trust the issuer for a token",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureConnected(cmd); err != nil {
			return err
		}
		res, err := walletSvc.Trustline(cmd.Context(), wallet.Trustline{
			Code:  trustCode,
			Limit: trustLimit,
		}, presenter(cmd.OutOrStdout()))
		return finish(cmd, res, err)
	},
}

var mintCmd = &cobra.Command{
	Use:     "mint",
	GroupID: "transactions",
	Short:   "Mint a gated real-world-asset token",
	Long: `Mint checks the credential gate for the tier first. A blocked account
gets the gate's reason and no approval request is created.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := wallet.TierAction(mintTier); err != nil {
			return err
		}
		if err := ensureConnected(cmd); err != nil {
			return err
		}
		res, err := walletSvc.Mint(cmd.Context(), mintTier, mintAmount, presenter(cmd.OutOrStdout()))
		if err != nil && res.Result == nil {
			return err
		}

		if res.Blocked() {
			v := viewVerdict(res.Verdict)
			if jsonOutput {
				outputJSON(cmd.OutOrStdout(), outcomeView{State: "blocked", Verdict: v})
			} else {
				writeVerdict(cmd.OutOrStdout(), v)
			}
			return &exitError{code: exitBlocked}
		}

		view := viewResult(*res.Result)
		view.Verdict = viewVerdict(res.Verdict)
		if p := res.Prepared; p != nil {
			view.Mint = map[string]any{"token": p.TokenCode, "tier": p.Tier, "amount": mintAmount}
		}
		emit(cmd.OutOrStdout(), view)
		if err != nil {
			return err
		}
		return outcomeError(res.Result.Outcome)
	},
}

func finish(cmd *cobra.Command, res wallet.Result, err error) error {
	if res.Outcome.State.Terminal() {
		emit(cmd.OutOrStdout(), viewResult(res))
	}
	if err != nil {
		return err
	}
	return outcomeError(res.Outcome)
}

func init() {
	payCmd.Flags().StringVar(&payTo, "to", "", "destination classic address")
	payCmd.Flags().StringVar(&payAmount, "amount", "", "amount to send")
	payCmd.Flags().StringVar(&payCurrency, "currency", "XRP", "XRP or the issued token code")
	_ = payCmd.MarkFlagRequired("to")
	_ = payCmd.MarkFlagRequired("amount")

	swapCmd.Flags().StringVar(&swapAmount, "amount", "", "token amount to buy")
	swapCmd.Flags().StringVar(&swapPrice, "price", "", "XRP per token")
	_ = swapCmd.MarkFlagRequired("amount")
	_ = swapCmd.MarkFlagRequired("price")

	trustlineCmd.Flags().StringVar(&trustCode, "code", "", "token code (default from RIPLX_CURRENCY_CODE)")
	trustlineCmd.Flags().StringVar(&trustLimit, "limit", "", "trust limit")

	mintCmd.Flags().StringVar(&mintTier, "tier", "", "accredited or local")
	mintCmd.Flags().StringVar(&mintAmount, "amount", "", "amount to mint")
	_ = mintCmd.MarkFlagRequired("tier")
	_ = mintCmd.MarkFlagRequired("amount")
}
