package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"riplx/internal/xumm"
)

const (
	DefaultPollInterval    = 3 * time.Second
	DefaultPollMaxAttempts = 60
)

// StatusSource is a backend that creates payloads and reports their status,
// normally the local broker.
type StatusSource interface {
	CreatePayload(ctx context.Context, req xumm.PayloadRequest) (xumm.Payload, error)
	PayloadStatus(ctx context.Context, uuid string) (xumm.PayloadStatus, error)
}

// PollingTransport creates a request through a StatusSource and polls its
// status on a fixed interval. Running out of attempts is a timeout, not a
// rejection.
type PollingTransport struct {
	source      StatusSource
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger
}

func NewPollingTransport(source StatusSource, interval time.Duration, maxAttempts int, logger *slog.Logger) *PollingTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &PollingTransport{
		source:      source,
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

func (p *PollingTransport) Validate() error {
	if p.source == nil {
		return ErrNotConfigured
	}
	if p.interval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if p.maxAttempts <= 0 {
		return errors.New("poll attempt budget must be positive")
	}
	if c, ok := p.source.(interface{ Configured() error }); ok {
		return c.Configured()
	}
	return nil
}

func (p *PollingTransport) Create(ctx context.Context, req Request) (Created, error) {
	payload, err := p.source.CreatePayload(ctx, req.PayloadRequest())
	if err != nil {
		return Created{}, err
	}
	return createdFromPayload(payload), nil
}

// AwaitResolution polls at most maxAttempts times and never sleeps after the
// last poll. A failed poll ends the wait; the fixed cadence is not a retry
// policy for errors.
func (p *PollingTransport) AwaitResolution(ctx context.Context, id string) (Resolution, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		status, err := p.source.PayloadStatus(ctx, id)
		if err != nil {
			return Resolution{}, fmt.Errorf("poll %d/%d: %w", attempt, p.maxAttempts, err)
		}
		if res, done := resolutionFromStatus(status); done {
			return res, nil
		}
		p.logger.Debug("approval pending", "session", id, "attempt", attempt, "max_attempts", p.maxAttempts)

		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return Resolution{}, ctx.Err()
		case <-ticker.C:
		}
	}

	return Resolution{
		Status: ResolutionTimedOut,
		Reason: fmt.Sprintf("no answer after %d polls at %s", p.maxAttempts, p.interval),
	}, nil
}

func createdFromPayload(p xumm.Payload) Created {
	pres := Presentation{
		QRURL:    p.Refs.QRPNG,
		DeepLink: p.DeepLink(),
		Pushed:   p.Pushed,
	}
	if p.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, p.ExpiresAt); err == nil {
			pres.ExpiresAt = t
		}
	}
	return Created{ID: p.UUID, Presentation: pres}
}

// resolutionFromStatus reports done=false while the payload is still open.
func resolutionFromStatus(st xumm.PayloadStatus) (Resolution, bool) {
	switch {
	case st.Meta.Signed:
		return Resolution{
			Status:  ResolutionSigned,
			Account: st.Response.Account,
			TxID:    st.Response.TxID,
			Blob:    st.Response.Hex,
		}, true
	case st.Meta.Expired:
		return Resolution{Status: ResolutionRejected, Reason: "request expired"}, true
	case st.Meta.Cancelled:
		return Resolution{Status: ResolutionRejected, Reason: "request cancelled"}, true
	case st.Meta.Resolved:
		return Resolution{Status: ResolutionRejected, Reason: "declined in the wallet app"}, true
	default:
		return Resolution{}, false
	}
}
