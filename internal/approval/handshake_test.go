package approval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riplx/internal/xumm"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubTransport struct {
	validateErr error
	createFn    func(ctx context.Context, req Request) (Created, error)
	awaitFn     func(ctx context.Context, id string) (Resolution, error)

	mu      sync.Mutex
	creates int
}

func (s *stubTransport) Validate() error { return s.validateErr }

func (s *stubTransport) Create(ctx context.Context, req Request) (Created, error) {
	s.mu.Lock()
	s.creates++
	s.mu.Unlock()
	if s.createFn != nil {
		return s.createFn(ctx, req)
	}
	return Created{ID: "sess-1", Presentation: Presentation{QRURL: "https://qr/1", DeepLink: "https://sign/1"}}, nil
}

func (s *stubTransport) AwaitResolution(ctx context.Context, id string) (Resolution, error) {
	if s.awaitFn != nil {
		return s.awaitFn(ctx, id)
	}
	return Resolution{Status: ResolutionRejected}, nil
}

func (s *stubTransport) createCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

type recorder struct {
	mu    sync.Mutex
	steps []State
}

func (r *recorder) observe(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, t.To)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.steps...)
}

func newTestMachine(tr Transport, rec *recorder) *Machine {
	opts := []Option{WithLogger(quietLogger())}
	if rec != nil {
		opts = append(opts, WithObserver(rec.observe))
	}
	return NewMachine(tr, opts...)
}

func TestTransactionSignedCarriesArtifact(t *testing.T) {
	tr := &stubTransport{
		awaitFn: func(ctx context.Context, id string) (Resolution, error) {
			return Resolution{Status: ResolutionSigned, Blob: "blob123", TxID: "ABC"}, nil
		},
	}
	rec := &recorder{}
	m := newTestMachine(tr, rec)

	req, err := BuildTransaction(xumm.TxJSON{"amount": "10", "destination": "rDest"})
	require.NoError(t, err)

	var presented Presentation
	out, err := m.Run(context.Background(), req, func(p Presentation) { presented = p })
	require.NoError(t, err)

	assert.Equal(t, StateSigned, out.State)
	assert.True(t, out.Signed())
	assert.Equal(t, "blob123", out.Artifact)
	assert.Equal(t, "ABC", out.TxID)
	assert.Equal(t, "sess-1", out.SessionID)
	assert.Equal(t, "https://sign/1", presented.DeepLink)
	assert.False(t, out.ResolvedAt.Before(out.StartedAt))
	assert.Equal(t, []State{StateCreating, StateAwaitingApproval, StateSigned}, rec.states())
}

func TestSignInRejectedIsNotAnError(t *testing.T) {
	tr := &stubTransport{
		awaitFn: func(ctx context.Context, id string) (Resolution, error) {
			return Resolution{Status: ResolutionRejected}, nil
		},
	}
	out, err := newTestMachine(tr, nil).Run(context.Background(), BuildSignIn(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, out.State)
	assert.Empty(t, out.Account)
	assert.NotEmpty(t, out.Reason)
	assert.Nil(t, out.Err)
}

func TestSignInSignedWithoutAccountErrors(t *testing.T) {
	tr := &stubTransport{
		awaitFn: func(ctx context.Context, id string) (Resolution, error) {
			return Resolution{Status: ResolutionSigned}, nil
		},
	}
	out, err := newTestMachine(tr, nil).Run(context.Background(), BuildSignIn(), nil)
	require.ErrorIs(t, err, ErrMissingAccount)
	assert.Equal(t, StateErrored, out.State)
}

func TestTimedOutIsDistinctFromRejected(t *testing.T) {
	tr := &stubTransport{
		awaitFn: func(ctx context.Context, id string) (Resolution, error) {
			return Resolution{Status: ResolutionTimedOut}, nil
		},
	}
	out, err := newTestMachine(tr, nil).Run(context.Background(), BuildSignIn(), nil)
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, out.State)
}

func TestMissingConfigurationFailsBeforeCreate(t *testing.T) {
	tr := &stubTransport{validateErr: xumm.ErrMissingCredentials}
	rec := &recorder{}
	out, err := newTestMachine(tr, rec).Run(context.Background(), BuildSignIn(), nil)

	require.Error(t, err)
	assert.Equal(t, StateErrored, out.State)
	assert.Equal(t, FailureConfiguration, KindOf(err))
	assert.Contains(t, err.Error(), "RIPLX_XUMM_API_KEY")
	assert.Zero(t, tr.createCount())
	assert.Equal(t, []State{StateErrored}, rec.states())
}

func TestNilTransportIsConfigurationError(t *testing.T) {
	out, err := newTestMachine(nil, nil).Run(context.Background(), BuildSignIn(), nil)
	assert.Equal(t, StateErrored, out.State)
	assert.Equal(t, FailureConfiguration, KindOf(err))
}

func TestNoPresentationIsUnavailable(t *testing.T) {
	awaited := false
	tr := &stubTransport{
		createFn: func(ctx context.Context, req Request) (Created, error) {
			return Created{ID: "sess-2"}, nil
		},
		awaitFn: func(ctx context.Context, id string) (Resolution, error) {
			awaited = true
			return Resolution{Status: ResolutionSigned, Account: "rX"}, nil
		},
	}
	out, err := newTestMachine(tr, nil).Run(context.Background(), BuildSignIn(), nil)
	require.ErrorIs(t, err, ErrNoPresentation)
	assert.Equal(t, FailureUnavailable, KindOf(err))
	assert.Equal(t, StateErrored, out.State)
	assert.False(t, awaited)
}

type releasingTransport struct {
	stubTransport
	released []string
}

func (r *releasingTransport) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, id)
}

func TestAbandonedRequestIsReleased(t *testing.T) {
	cases := map[string]struct {
		created Created
		want    error
	}{
		"no presentation": {created: Created{ID: "r-1"}, want: ErrNoPresentation},
		"no id":           {created: Created{Presentation: Presentation{DeepLink: "https://sign/x"}}, want: ErrNoRequestID},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			tr := &releasingTransport{}
			tr.createFn = func(ctx context.Context, req Request) (Created, error) { return tc.created, nil }

			out, err := newTestMachine(tr, nil).Run(context.Background(), BuildSignIn(), nil)
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, StateErrored, out.State)

			tr.mu.Lock()
			defer tr.mu.Unlock()
			assert.Equal(t, []string{tc.created.ID}, tr.released)
		})
	}
}

func TestStructuredOriginRejection(t *testing.T) {
	tr := &stubTransport{
		createFn: func(ctx context.Context, req Request) (Created, error) {
			return Created{}, &xumm.APIError{StatusCode: http.StatusForbidden, Message: "origin not allowed"}
		},
	}
	_, err := newTestMachine(tr, nil).Run(context.Background(), BuildSignIn(), nil)
	assert.Equal(t, FailureOriginRejected, KindOf(err))
	assert.Contains(t, err.Error(), "allowed origins")
}

func TestHeuristicOriginRejection(t *testing.T) {
	for _, msg := range []string{"false", "cannot read getSiteMeta of undefined"} {
		tr := &stubTransport{
			createFn: func(ctx context.Context, req Request) (Created, error) {
				return Created{}, errors.New(msg)
			},
		}
		_, err := newTestMachine(tr, nil).Run(context.Background(), BuildSignIn(), nil)
		assert.Equal(t, FailureOriginRejected, KindOf(err), msg)
		assert.ErrorIs(t, err, ErrOriginRejected)
	}
}

func TestGenericFailureIsTransport(t *testing.T) {
	tr := &stubTransport{
		awaitFn: func(ctx context.Context, id string) (Resolution, error) {
			return Resolution{}, errors.New("connection reset by peer")
		},
	}
	out, err := newTestMachine(tr, nil).Run(context.Background(), BuildSignIn(), nil)
	assert.Equal(t, FailureTransport, KindOf(err))
	assert.Equal(t, StateErrored, out.State)
	assert.Equal(t, "sess-1", out.SessionID, "session id is kept after the request was created")
}

func TestCancelWhileAwaiting(t *testing.T) {
	tr := &stubTransport{
		awaitFn: func(ctx context.Context, id string) (Resolution, error) {
			<-ctx.Done()
			return Resolution{}, ctx.Err()
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := newTestMachine(tr, nil).Start(ctx, BuildSignIn())

	select {
	case <-s.Presented():
	case <-time.After(2 * time.Second):
		t.Fatal("presentation never arrived")
	}
	assert.Equal(t, StateAwaitingApproval, s.State())
	p, ok := s.Presentation()
	require.True(t, ok)
	assert.Equal(t, "https://qr/1", p.QRURL)

	cancel()
	out, err := s.Wait(context.Background())
	assert.Equal(t, FailureCanceled, KindOf(err))
	assert.Equal(t, StateErrored, out.State)

	p, ok = s.Presentation()
	assert.True(t, ok, "presentation is never retracted")
	assert.Equal(t, "https://sign/1", p.DeepLink)
}

func TestSessionsAreIndependent(t *testing.T) {
	var n int
	var mu sync.Mutex
	tr := &stubTransport{
		createFn: func(ctx context.Context, req Request) (Created, error) {
			mu.Lock()
			n++
			id := "sess-" + string(rune('a'+n))
			mu.Unlock()
			return Created{ID: id, Presentation: Presentation{DeepLink: "https://sign/" + id}}, nil
		},
		awaitFn: func(ctx context.Context, id string) (Resolution, error) {
			return Resolution{Status: ResolutionSigned, Account: "r" + id}, nil
		},
	}
	m := newTestMachine(tr, nil)
	first, err := m.Run(context.Background(), BuildSignIn(), nil)
	require.NoError(t, err)
	second, err := m.Run(context.Background(), BuildSignIn(), nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, "r"+second.SessionID, second.Account)
}
