// Package gate decides whether the linked identity may perform a gated
// action. Verdicts are cached per identity and the gate fails closed.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"riplx/internal/session"
)

type ActionClass string

const (
	ActionAccreditedMint ActionClass = "accredited-mint"
	ActionLocalMint      ActionClass = "local-mint"
)

func (a ActionClass) Valid() bool {
	return a == ActionAccreditedMint || a == ActionLocalMint
}

// Source says how a verdict was reached.
type Source string

const (
	SourceCredential        Source = "credential"
	SourceAllowlist         Source = "allowlist"
	SourceOpenGate          Source = "open-gate"
	SourceDenied            Source = "denied"
	SourceUnlinked          Source = "unlinked"
	SourceVerificationError Source = "verification-error"
)

type Verdict struct {
	Address   string
	Action    ActionClass
	Allowed   bool
	Reason    string
	Source    Source
	CheckedAt time.Time
}

// Decision is what a Verifier reports for one address.
type Decision struct {
	Allowed      bool
	Reason       string
	AllowlistHit bool
	// Accepted is set when the address holds an accepted on-ledger credential.
	Accepted bool
	Level    int
	Source   Source
}

type Verifier interface {
	Verify(ctx context.Context, address string, action ActionClass) (Decision, error)
}

type VerifierFunc func(ctx context.Context, address string, action ActionClass) (Decision, error)

func (f VerifierFunc) Verify(ctx context.Context, address string, action ActionClass) (Decision, error) {
	return f(ctx, address, action)
}

type Status int

const (
	StatusUnchecked Status = iota
	StatusChecking
	StatusChecked
)

func (s Status) String() string {
	switch s {
	case StatusChecking:
		return "checking"
	case StatusChecked:
		return "checked"
	default:
		return "unchecked"
	}
}

type Option func(*Gate)

func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// Gate caches verdicts for a single identity at a time. Seeing a different
// identity drops every verdict of the previous one.
type Gate struct {
	verifier Verifier
	logger   *slog.Logger
	now      func() time.Time
	group    singleflight.Group

	mu         sync.Mutex
	address    string
	generation uint64
	verdicts   map[ActionClass]Verdict
	checking   map[ActionClass]int
	// epochs is bumped by Refresh so a check started earlier cannot cache
	// its answer over the refreshed one.
	epochs     map[ActionClass]uint64
}

func New(v Verifier, opts ...Option) *Gate {
	g := &Gate{
		verifier: v,
		logger:   slog.Default(),
		now:      time.Now,
		verdicts: make(map[ActionClass]Verdict),
		checking: make(map[ActionClass]int),
		epochs:   make(map[ActionClass]uint64),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckEligibility returns the cached verdict for (identity, action) or asks
// the verifier. A nil identity is denied without a network call. Failed
// verifications deny and are not cached.
func (g *Gate) CheckEligibility(ctx context.Context, id *session.Identity, action ActionClass) Verdict {
	if id == nil || id.Address == "" {
		return Verdict{
			Action:    action,
			Reason:    "connect a wallet first",
			Source:    SourceUnlinked,
			CheckedAt: g.now(),
		}
	}

	gen, cached, ok := g.lookup(id.Address, action)
	if ok {
		return cached
	}
	return g.query(ctx, id.Address, action, gen)
}

// Refresh drops the cached verdict for action and asks the verifier again,
// even when a check for the same identity and action is already running.
func (g *Gate) Refresh(ctx context.Context, id *session.Identity, action ActionClass) Verdict {
	if id != nil && id.Address != "" {
		g.mu.Lock()
		if g.address == id.Address {
			delete(g.verdicts, action)
			g.epochs[action]++
		}
		g.mu.Unlock()
		g.group.Forget(flightKey(id.Address, action))
	}
	return g.CheckEligibility(ctx, id, action)
}

// Invalidate forgets every cached verdict.
func (g *Gate) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reset("")
}

// Status reports the cache state for action under the current identity.
func (g *Gate) Status(action ActionClass) Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.checking[action] > 0 {
		return StatusChecking
	}
	if _, ok := g.verdicts[action]; ok {
		return StatusChecked
	}
	return StatusUnchecked
}

// Watch invalidates the cache whenever the store's identity changes. The
// returned func stops watching.
func (g *Gate) Watch(store *session.Store) func() {
	ch, cancel := store.Subscribe()
	go func() {
		for id := range ch {
			g.mu.Lock()
			addr := ""
			if id != nil {
				addr = id.Address
			}
			if addr != g.address {
				g.reset(addr)
			}
			g.mu.Unlock()
		}
	}()
	return cancel
}

func (g *Gate) lookup(address string, action ActionClass) (uint64, Verdict, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.address != address {
		g.reset(address)
	}
	v, ok := g.verdicts[action]
	return g.generation, v, ok
}

// reset must be called with g.mu held.
func (g *Gate) reset(address string) {
	g.address = address
	g.generation++
	g.verdicts = make(map[ActionClass]Verdict)
	g.checking = make(map[ActionClass]int)
	g.epochs = make(map[ActionClass]uint64)
}

func flightKey(address string, action ActionClass) string {
	return address + "|" + string(action)
}

func (g *Gate) query(ctx context.Context, address string, action ActionClass, gen uint64) Verdict {
	g.mu.Lock()
	g.checking[action]++
	epoch := g.epochs[action]
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		if g.generation == gen && g.checking[action] > 0 {
			g.checking[action]--
		}
		g.mu.Unlock()
	}()

	ch := g.group.DoChan(flightKey(address, action), func() (any, error) {
		return g.verifier.Verify(ctx, address, action)
	})

	var (
		dec Decision
		err error
	)
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case res := <-ch:
		err = res.Err
		if err == nil {
			dec = res.Val.(Decision)
		}
	}

	if err != nil {
		g.logger.Warn("eligibility check failed, denying", "address", address, "action", string(action), "error", err)
		return Verdict{
			Address:   address,
			Action:    action,
			Reason:    fmt.Sprintf("unable to verify permissions: %v", err),
			Source:    SourceVerificationError,
			CheckedAt: g.now(),
		}
	}

	v := verdictFrom(address, action, dec, g.now())
	g.mu.Lock()
	if g.address == address && g.generation == gen && g.epochs[action] == epoch {
		g.verdicts[action] = v
	}
	g.mu.Unlock()
	g.logger.Debug("eligibility checked", "address", address, "action", string(action), "allowed", v.Allowed, "source", string(v.Source))
	return v
}

func verdictFrom(address string, action ActionClass, d Decision, at time.Time) Verdict {
	v := Verdict{
		Address:   address,
		Action:    action,
		Allowed:   d.Allowed,
		Reason:    d.Reason,
		Source:    d.Source,
		CheckedAt: at,
	}
	if v.Source == "" {
		switch {
		case !d.Allowed:
			v.Source = SourceDenied
		case d.Accepted:
			v.Source = SourceCredential
		case d.AllowlistHit:
			v.Source = SourceAllowlist
		default:
			v.Source = SourceOpenGate
		}
	}
	if !v.Allowed && v.Reason == "" {
		v.Reason = "no credential"
	}
	return v
}
