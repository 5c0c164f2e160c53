package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"riplx/internal/events"
	"riplx/internal/xumm"
)

// PayloadCreator creates payloads directly at the approval service.
type PayloadCreator interface {
	CreatePayload(ctx context.Context, req xumm.PayloadRequest) (xumm.Payload, error)
}

// StatusReader is optionally implemented by a PayloadCreator. It is read once
// right after subscribing, for payloads resolved before the subscription
// was in place.
type StatusReader interface {
	GetPayload(ctx context.Context, uuid string) (xumm.PayloadStatus, error)
}

var errSubscriptionClosed = errors.New("resolution subscription closed")

// SubscriptionTransport creates payloads at the approval service and waits
// for a single pushed resolution on the payload's own subject.
type SubscriptionTransport struct {
	creator PayloadCreator
	bus     events.Subscriber
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingSub
}

type pendingSub struct {
	ch     <-chan []byte
	cancel func()
	// early is set when the status read already found the payload resolved.
	early *Resolution
}

func NewSubscriptionTransport(creator PayloadCreator, bus events.Subscriber, logger *slog.Logger) *SubscriptionTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionTransport{
		creator: creator,
		bus:     bus,
		logger:  logger,
		pending: make(map[string]pendingSub),
	}
}

func (t *SubscriptionTransport) Validate() error {
	if t.creator == nil || t.bus == nil {
		return ErrNotConfigured
	}
	if c, ok := t.creator.(interface{ Configured() error }); ok {
		return c.Configured()
	}
	return nil
}

// Create creates the payload, then subscribes to its resolution subject.
// A request nobody can approve is refused here so no subscription is left
// behind.
func (t *SubscriptionTransport) Create(ctx context.Context, req Request) (Created, error) {
	payload, err := t.creator.CreatePayload(ctx, req.PayloadRequest())
	if err != nil {
		return Created{}, err
	}
	created := createdFromPayload(payload)
	if created.ID == "" {
		return Created{}, ErrNoRequestID
	}
	if !created.Presentation.Usable() {
		return Created{}, ErrNoPresentation
	}

	ch, cancel, err := t.bus.Subscribe(events.ResolvedTopic(created.ID))
	if err != nil {
		return Created{}, fmt.Errorf("subscribe to resolution of %s: %w", created.ID, err)
	}
	sub := pendingSub{ch: ch, cancel: cancel}

	if r, ok := t.creator.(StatusReader); ok {
		st, err := r.GetPayload(ctx, created.ID)
		if err != nil {
			t.logger.Debug("status read after subscribe failed, waiting for push", "session", created.ID, "error", err)
		} else if res, done := resolutionFromStatus(st); done {
			sub.early = &res
		}
	}

	t.mu.Lock()
	t.pending[created.ID] = sub
	t.mu.Unlock()
	return created, nil
}

// Release drops the subscription for a request that will not be awaited.
func (t *SubscriptionTransport) Release(id string) {
	t.mu.Lock()
	sub, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

func (t *SubscriptionTransport) pendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// AwaitResolution returns the first resolution event for id. Canceling ctx
// unsubscribes; a later event for id is then ignored.
func (t *SubscriptionTransport) AwaitResolution(ctx context.Context, id string) (Resolution, error) {
	t.mu.Lock()
	sub, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if !ok {
		return Resolution{}, fmt.Errorf("no pending subscription for request %s", id)
	}
	defer sub.cancel()

	if sub.early != nil {
		return *sub.early, nil
	}

	for {
		select {
		case <-ctx.Done():
			return Resolution{}, ctx.Err()
		case data, ok := <-sub.ch:
			if !ok {
				return Resolution{}, errSubscriptionClosed
			}
			// Only this payload's subject is delivered here, so a falsy
			// body is about this request.
			if falsy(data) {
				t.logger.Warn("falsy resolution event, assuming origin rejection", "session", id)
				return Resolution{}, fmt.Errorf("%w: resolution event was %q", ErrOriginRejected, bytes.TrimSpace(data))
			}
			var evt events.ApprovalResolved
			if err := json.Unmarshal(data, &evt); err != nil {
				t.logger.Warn("skipping malformed resolution event", "session", id, "error", err)
				continue
			}
			if evt.PayloadUUID != "" && evt.PayloadUUID != id {
				continue
			}
			if evt.Signed {
				return Resolution{
					Status:  ResolutionSigned,
					Account: evt.Account,
					TxID:    evt.TxID,
					Blob:    evt.Hex,
				}, nil
			}
			return Resolution{Status: ResolutionRejected, Reason: evt.Reason}, nil
		}
	}
}

func falsy(data []byte) bool {
	switch string(bytes.TrimSpace(data)) {
	case "", "false", "null", "0", `""`:
		return true
	}
	return false
}
