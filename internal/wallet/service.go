// Package wallet runs the user-facing operations: linking a wallet, paying,
// swapping, adding trustlines and gated mints. Every money-moving step goes
// through an approval handshake.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"riplx/internal/approval"
	"riplx/internal/broker"
	"riplx/internal/config"
	"riplx/internal/gate"
	"riplx/internal/session"
	"riplx/internal/xumm"
)

var ErrNotConnected = errors.New("connect a wallet first")

// Broker is the part of the broker API the wallet needs.
type Broker interface {
	SubmitSigned(ctx context.Context, blob string) (broker.SubmitResponse, error)
	PrepareMint(ctx context.Context, req broker.MintRequest) (broker.MintResponse, error)
}

type Config struct {
	// SubmitMode is config.SubmitWallet or config.SubmitBroker.
	SubmitMode string
	Issuer     string
	Currency   string
}

// Result is a finished transaction handshake. Submission is set when the
// signed blob was handed to the broker.
type Result struct {
	Outcome    approval.Outcome
	Submission *broker.SubmitResponse
}

// MintResult carries the gate verdict. Prepared and Result are only set when
// the verdict allowed the mint.
type MintResult struct {
	Verdict  gate.Verdict
	Prepared *broker.MintResponse
	Result   *Result
}

// Blocked reports whether the gate stopped the mint before any handshake.
func (r MintResult) Blocked() bool { return !r.Verdict.Allowed }

type Service struct {
	machine *approval.Machine
	store   *session.Store
	gate    *gate.Gate
	broker  Broker
	cfg     Config
	logger  *slog.Logger
}

func New(machine *approval.Machine, store *session.Store, g *gate.Gate, b Broker, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SubmitMode == "" {
		cfg.SubmitMode = config.SubmitWallet
	}
	return &Service{machine: machine, store: store, gate: g, broker: b, cfg: cfg, logger: logger}
}

// Connect runs a sign-in handshake and links the approving account. Any
// other outcome leaves the store as it was.
func (s *Service) Connect(ctx context.Context, onPresent func(approval.Presentation)) (approval.Outcome, error) {
	out, err := s.machine.Run(ctx, approval.BuildSignIn(), onPresent)
	if err != nil {
		return out, err
	}
	if !out.Signed() {
		s.logger.Info("sign-in not completed", "state", out.State, "reason", out.Reason)
		return out, nil
	}
	id, err := s.store.Link(out.Account)
	if err != nil {
		return out, fmt.Errorf("link identity: %w", err)
	}
	s.logger.Info("wallet linked", "address", id.Address, "session", out.SessionID)
	return out, nil
}

// Disconnect forgets the linked identity.
func (s *Service) Disconnect() {
	s.store.Clear()
}

func (s *Service) Pay(ctx context.Context, p Payment, onPresent func(approval.Presentation)) (Result, error) {
	if s.store.Current() == nil {
		return Result{}, ErrNotConnected
	}
	tx, err := paymentTx(p, s.cfg.Issuer)
	if err != nil {
		return Result{}, err
	}
	return s.sign(ctx, tx, "Send payment", onPresent)
}

func (s *Service) Swap(ctx context.Context, sw Swap, onPresent func(approval.Presentation)) (Result, error) {
	if s.store.Current() == nil {
		return Result{}, ErrNotConnected
	}
	tx, err := swapTx(sw, s.cfg.Currency, s.cfg.Issuer)
	if err != nil {
		return Result{}, err
	}
	return s.sign(ctx, tx, "Swap via OfferCreate (immediate or cancel)", onPresent)
}

func (s *Service) Trustline(ctx context.Context, t Trustline, onPresent func(approval.Presentation)) (Result, error) {
	if s.store.Current() == nil {
		return Result{}, ErrNotConnected
	}
	tx, err := trustlineTx(t, s.cfg.Currency, s.cfg.Issuer)
	if err != nil {
		return Result{}, err
	}
	return s.sign(ctx, tx, "Add trustline", onPresent)
}

// Mint checks the gate first. A denied or unlinked identity gets the verdict
// back and no handshake is started.
func (s *Service) Mint(ctx context.Context, tier, amount string, onPresent func(approval.Presentation)) (MintResult, error) {
	action, err := TierAction(tier)
	if err != nil {
		return MintResult{}, err
	}

	id := s.store.Current()
	verdict := s.gate.CheckEligibility(ctx, id, action)
	res := MintResult{Verdict: verdict}
	if !verdict.Allowed {
		s.logger.Info("mint blocked by gate", "action", action, "source", verdict.Source, "reason", verdict.Reason)
		return res, nil
	}

	prepared, err := s.broker.PrepareMint(ctx, broker.MintRequest{Address: id.Address, Tier: tier, Amount: amount})
	if err != nil {
		return res, fmt.Errorf("prepare mint: %w", err)
	}
	res.Prepared = &prepared

	signed, err := s.sign(ctx, prepared.TxJSON, "Mint "+prepared.TokenCode+" (issuer signs)", onPresent)
	res.Result = &signed
	return res, err
}

// TierAction maps a mint tier to its gated action.
func TierAction(tier string) (gate.ActionClass, error) {
	switch tier {
	case "accredited":
		return gate.ActionAccreditedMint, nil
	case "local":
		return gate.ActionLocalMint, nil
	default:
		return "", fmt.Errorf("tier must be 'accredited' or 'local', got %q", tier)
	}
}

func (s *Service) sign(ctx context.Context, tx xumm.TxJSON, instruction string, onPresent func(approval.Presentation)) (Result, error) {
	req, err := approval.BuildTransaction(tx)
	if err != nil {
		return Result{}, err
	}
	req = req.WithSubmit(s.cfg.SubmitMode == config.SubmitWallet).WithInstruction(instruction)

	out, err := s.machine.Run(ctx, req, onPresent)
	res := Result{Outcome: out}
	if err != nil || !out.Signed() || s.cfg.SubmitMode != config.SubmitBroker {
		return res, err
	}

	sub, err := s.broker.SubmitSigned(ctx, out.Artifact)
	if err != nil {
		return res, fmt.Errorf("submit signed blob: %w", err)
	}
	res.Submission = &sub
	s.logger.Info("signed blob submitted", "tx_hash", sub.TxHash, "engine_result", sub.EngineResult)
	return res, nil
}
