package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"riplx/internal/approval"
	"riplx/internal/broker"
	"riplx/internal/config"
	"riplx/internal/events"
	"riplx/internal/gate"
	"riplx/internal/session"
	"riplx/internal/wallet"
	"riplx/internal/xumm"
)

var (
	transportFlag string
	brokerURLFlag string
	accountFlag   string
	jsonOutput    bool
	openLink      bool

	cfg          *config.Config
	logger       *slog.Logger
	brokerClient *broker.Client
	store        *session.Store
	actionGate   *gate.Gate
	walletSvc    *wallet.Service
	cleanups     []func()
)

var rootCmd = &cobra.Command{
	Use:           "riplx <command>",
	Short:         "Wallet demo client: every transaction is approved in the wallet app",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := viper.New()
		if err := v.BindPFlag("RIPLX_TRANSPORT", cmd.Flags().Lookup("transport")); err != nil {
			return err
		}
		if err := v.BindPFlag("RIPLX_BROKER_URL", cmd.Flags().Lookup("broker-url")); err != nil {
			return err
		}
		c, err := config.LoadFrom(v)
		if err != nil {
			return err
		}
		cfg = c
		logger = cfg.NewLogger(os.Stderr)
		return setup()
	},
}

// setup wires the handshake transport, the session store, the gate and the
// wallet service for one command.
func setup() error {
	brokerClient = broker.NewClient(cfg.BrokerURL, broker.WithAPISecret(cfg.APISecret))

	transport, err := newTransport()
	if err != nil {
		return err
	}
	machine := approval.NewMachine(transport, approval.WithLogger(logger), approval.WithObserver(func(t approval.Transition) {
		logger.Debug("handshake transition", "session", t.SessionID, "from", t.From.String(), "to", t.To.String())
	}))

	store = session.NewStore()
	actionGate = gate.New(brokerClient, gate.WithLogger(logger))
	cleanups = append(cleanups, actionGate.Watch(store))

	walletSvc = wallet.New(machine, store, actionGate, brokerClient, wallet.Config{
		SubmitMode: cfg.SubmitMode,
		Issuer:     cfg.Issuer,
		Currency:   cfg.CurrencyCode,
	}, logger)

	if accountFlag != "" {
		if _, err := store.Link(accountFlag); err != nil {
			return fmt.Errorf("--account: %w", err)
		}
	}
	return nil
}

func runCleanups() {
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	cleanups = nil
}

func newTransport() (approval.Transport, error) {
	switch cfg.Transport {
	case config.TransportPolling:
		return approval.NewPollingTransport(brokerClient, cfg.PollInterval, cfg.PollMaxAttempts, logger), nil
	case config.TransportSubscription:
		creator := xumm.NewClient(xumm.Config{
			BaseURL:   cfg.XummBaseURL,
			APIKey:    cfg.XummAPIKey,
			APISecret: cfg.XummAPISecret,
		})
		// Without a bus the transport fails validation and the handshake
		// reports a configuration error.
		var bus events.Subscriber
		if cfg.NATSURL != "" {
			sub, err := events.NewNATSSubscriber(cfg.NATSURL, logger)
			if err != nil {
				return nil, fmt.Errorf("connect to NATS: %w", err)
			}
			cleanups = append(cleanups, func() { _ = sub.Close() })
			bus = sub
		}
		return approval.NewSubscriptionTransport(creator, bus, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (must be polling or subscription)", cfg.Transport)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&transportFlag, "transport", "", "handshake transport: polling or subscription (default from RIPLX_TRANSPORT)")
	rootCmd.PersistentFlags().StringVar(&brokerURLFlag, "broker-url", "", "broker base URL (default from RIPLX_BROKER_URL)")
	rootCmd.PersistentFlags().StringVar(&accountFlag, "account", "", "use this already linked address instead of signing in")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&openLink, "open", false, "open the approval deep link in a browser when stdout is a terminal")

	rootCmd.AddGroup(
		&cobra.Group{ID: "wallet", Title: "Wallet:"},
		&cobra.Group{ID: "transactions", Title: "Transactions:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)
	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(gateCmd)
	rootCmd.AddCommand(payCmd)
	rootCmd.AddCommand(swapCmd)
	rootCmd.AddCommand(trustlineCmd)
	rootCmd.AddCommand(mintCmd)
	rootCmd.AddCommand(healthCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	runCleanups()
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.msg != "" && !jsonOutput {
			fmt.Fprintln(os.Stderr, exit.msg)
		}
		stop()
		os.Exit(exit.code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	stop()
	os.Exit(1)
}
