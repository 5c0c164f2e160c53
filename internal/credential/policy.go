// Package credential decides eligibility for gated actions on the broker.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"riplx/internal/gate"
	"riplx/internal/ledger"
)

const (
	DefaultType = "41434352454449544544"

	reasonAccepted    = "Credential accepted on-ledger"
	reasonOpenGate    = "Allowlist empty - gate open (temporary)"
	reasonAllowlisted = "Allowlisted address"
	reasonDenied      = "Address not credential-accepted or allowlisted"
)

var ErrInvalidAddress = errors.New("invalid XRPL classic address")

type Config struct {
	Issuer string
	Type   string
	// Allowlist entries are trimmed; empty entries are ignored.
	Allowlist []string
}

// Policy checks, in order: an accepted on-ledger credential, an empty
// allow-list (open gate), allow-list membership. Anything else is denied.
// Ledger lookup failures count as "no credential" and fall through.
type Policy struct {
	ledger    ledger.Client
	issuer    string
	credType  string
	allowlist map[string]struct{}
	logger    *slog.Logger
}

func NewPolicy(client ledger.Client, cfg Config, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	credType := cfg.Type
	if credType == "" {
		credType = DefaultType
	}
	allow := make(map[string]struct{}, len(cfg.Allowlist))
	for _, a := range cfg.Allowlist {
		if a = strings.TrimSpace(a); a != "" {
			allow[a] = struct{}{}
		}
	}
	return &Policy{
		ledger:    client,
		issuer:    cfg.Issuer,
		credType:  credType,
		allowlist: allow,
		logger:    logger,
	}
}

func (p *Policy) Verify(ctx context.Context, address string, action gate.ActionClass) (gate.Decision, error) {
	if !ledger.IsClassicAddress(address) {
		return gate.Decision{}, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	if p.credentialAccepted(ctx, address) {
		return gate.Decision{
			Allowed:  true,
			Accepted: true,
			Level:    1,
			Reason:   reasonAccepted,
			Source:   gate.SourceCredential,
		}, nil
	}

	if len(p.allowlist) == 0 {
		return gate.Decision{
			Allowed: true,
			Level:   1,
			Reason:  reasonOpenGate,
			Source:  gate.SourceOpenGate,
		}, nil
	}

	if _, ok := p.allowlist[address]; ok {
		return gate.Decision{
			Allowed:      true,
			AllowlistHit: true,
			Level:        1,
			Reason:       reasonAllowlisted,
			Source:       gate.SourceAllowlist,
		}, nil
	}

	return gate.Decision{
		Reason: reasonDenied,
		Source: gate.SourceDenied,
	}, nil
}

func (p *Policy) credentialAccepted(ctx context.Context, address string) bool {
	if p.ledger == nil || p.issuer == "" {
		return false
	}
	entry, err := p.ledger.Credential(ctx, ledger.CredentialQuery{
		Subject: address,
		Issuer:  p.issuer,
		Type:    p.credType,
	})
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			p.logger.Warn("credential lookup failed", "address", address, "error", err)
		}
		return false
	}
	return entry.Accepted()
}
