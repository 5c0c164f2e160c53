package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Outcome is the terminal result of one handshake.
type Outcome struct {
	State     State
	SessionID string
	Kind      Kind
	// Account is the approving account; always set for a signed sign-in.
	Account string
	TxID    string
	// Artifact is the signed transaction blob.
	Artifact   string
	Reason     string
	Err        error
	StartedAt  time.Time
	ResolvedAt time.Time
}

func (o Outcome) Signed() bool { return o.State == StateSigned }

// Transition is reported to observers on every state change.
type Transition struct {
	SessionID string
	From      State
	To        State
	At        time.Time
}

type Option func(*Machine)

func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithObserver registers fn to be called synchronously on each transition.
func WithObserver(fn func(Transition)) Option {
	return func(m *Machine) {
		if fn != nil {
			m.observers = append(m.observers, fn)
		}
	}
}

// Machine runs handshakes over a Transport. It holds no per-handshake state;
// every Start creates a fresh Session and sessions are never resumed.
type Machine struct {
	transport Transport
	logger    *slog.Logger
	now       func() time.Time
	observers []func(Transition)
}

func NewMachine(t Transport, opts ...Option) *Machine {
	m := &Machine{
		transport: t,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Session is one handshake attempt. Its presentation, once set, stays set.
type Session struct {
	mu           sync.Mutex
	id           string
	state        State
	presentation *Presentation
	outcome      Outcome

	presented     chan struct{}
	presentedOnce sync.Once
	done          chan struct{}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Presentation returns the QR/deep link once the request was created.
func (s *Session) Presentation() (Presentation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.presentation == nil {
		return Presentation{}, false
	}
	return *s.presentation, true
}

// Presented is closed when a presentation becomes available.
func (s *Session) Presented() <-chan struct{} { return s.presented }

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session is terminal or ctx ends. Errored outcomes are
// also returned as the error.
func (s *Session) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		out := s.outcome
		s.mu.Unlock()
		return out, out.Err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Start begins a handshake in the background. Canceling ctx stops the
// transport and ends the session as Errored with kind canceled.
func (m *Machine) Start(ctx context.Context, req Request) *Session {
	s := &Session{
		state:     StateIdle,
		presented: make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.outcome.Kind = req.Kind
	s.outcome.StartedAt = m.now()
	go m.run(ctx, s, req)
	return s
}

// Run starts a handshake and blocks until it is terminal. onPresent, if
// non-nil, is called once as soon as the presentation is available.
func (m *Machine) Run(ctx context.Context, req Request, onPresent func(Presentation)) (Outcome, error) {
	s := m.Start(ctx, req)
	if onPresent != nil {
		select {
		case <-s.Presented():
			p, _ := s.Presentation()
			onPresent(p)
		case <-s.Done():
		}
	}
	<-s.Done()
	s.mu.Lock()
	out := s.outcome
	s.mu.Unlock()
	return out, out.Err
}

func (m *Machine) run(ctx context.Context, s *Session, req Request) {
	if m.transport == nil {
		m.fail(s, configError("start", ErrNotConfigured))
		return
	}
	if v, ok := m.transport.(Validator); ok {
		if err := v.Validate(); err != nil {
			m.fail(s, configError("start", err))
			return
		}
	}

	m.transition(s, StateCreating)
	created, err := m.transport.Create(ctx, req)
	if err != nil {
		m.fail(s, classify("create", err, m.logger))
		return
	}
	if created.ID == "" {
		m.release(created.ID)
		m.fail(s, classify("create", ErrNoRequestID, m.logger))
		return
	}
	if !created.Presentation.Usable() {
		m.release(created.ID)
		m.fail(s, classify("create", ErrNoPresentation, m.logger))
		return
	}
	m.present(s, created)

	res, err := m.transport.AwaitResolution(ctx, created.ID)
	if err != nil {
		m.fail(s, classify("await", err, m.logger))
		return
	}

	switch res.Status {
	case ResolutionSigned:
		if req.Kind == KindSignIn && res.Account == "" {
			m.fail(s, classify("await", ErrMissingAccount, m.logger))
			return
		}
		if req.Kind == KindTransaction && res.Blob == "" && res.TxID == "" {
			m.fail(s, classify("await", ErrMissingArtifact, m.logger))
			return
		}
		m.finish(s, StateSigned, func(o *Outcome) {
			o.Account = res.Account
			o.TxID = res.TxID
			o.Artifact = res.Blob
		})
	case ResolutionRejected:
		reason := res.Reason
		if reason == "" {
			reason = "declined or expired in the wallet app"
		}
		m.finish(s, StateRejected, func(o *Outcome) { o.Reason = reason })
	case ResolutionTimedOut:
		reason := res.Reason
		if reason == "" {
			reason = "no answer before the attempt budget ran out"
		}
		m.finish(s, StateTimedOut, func(o *Outcome) { o.Reason = reason })
	default:
		m.fail(s, classify("await", fmt.Errorf("unexpected resolution status %d", res.Status), m.logger))
	}
}

func (m *Machine) release(id string) {
	if r, ok := m.transport.(Releaser); ok {
		r.Release(id)
	}
}

func (m *Machine) present(s *Session, created Created) {
	s.mu.Lock()
	s.id = created.ID
	s.outcome.SessionID = created.ID
	p := created.Presentation
	s.presentation = &p
	s.mu.Unlock()

	m.transition(s, StateAwaitingApproval)
	s.presentedOnce.Do(func() { close(s.presented) })
	m.logger.Info("approval requested",
		"session", created.ID,
		"deep_link", p.DeepLink != "",
		"qr", p.QRURL != "",
		"pushed", p.Pushed,
	)
}

func (m *Machine) fail(s *Session, err *Error) {
	m.finish(s, StateErrored, func(o *Outcome) {
		o.Err = err
		o.Reason = err.Error()
	})
}

func (m *Machine) finish(s *Session, to State, fill func(*Outcome)) {
	m.transition(s, to)

	s.mu.Lock()
	fill(&s.outcome)
	s.outcome.State = to
	s.outcome.ResolvedAt = m.now()
	out := s.outcome
	s.mu.Unlock()

	if out.Err != nil {
		m.logger.Error("handshake failed", "session", out.SessionID, "kind", KindOf(out.Err), "error", out.Err)
	} else {
		m.logger.Info("handshake resolved", "session", out.SessionID, "state", to.String(), "request", out.Kind.String())
	}
	close(s.done)
}

func (m *Machine) transition(s *Session, to State) {
	s.mu.Lock()
	from := s.state
	if !CanTransition(from, to) {
		s.mu.Unlock()
		m.logger.Error("invalid handshake transition", "from", from.String(), "to", to.String())
		return
	}
	s.state = to
	id := s.id
	s.mu.Unlock()

	t := Transition{SessionID: id, From: from, To: to, At: m.now()}
	for _, fn := range m.observers {
		fn(t)
	}
}
