package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"riplx/internal/events"
	"riplx/internal/xumm"
)

const webhookKeyPrefix = "webhook:"

type webhookResponse struct {
	Status      string `json:"status"`
	PayloadUUID string `json:"payload_uuid"`
	Signed      bool   `json:"signed"`
}

// handleWebhook turns an approval service callback into an ApprovalResolved
// event. The callback only says which payload changed; the status is read
// back before publishing. Duplicate callbacks replay the first answer.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var hook xumm.Webhook
	if err := json.NewDecoder(r.Body).Decode(&hook); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	id := hook.PayloadUUID()
	if id == "" {
		writeError(w, http.StatusBadRequest, "payload_uuidv4 is required")
		return
	}

	key := webhookKeyPrefix + id
	if s.replay(w, r, key, "") {
		s.metrics.incWebhook("cached")
		return
	}

	event, err := s.relayWithRetry(ctx, id)
	if err != nil {
		s.metrics.incWebhook("failed")
		s.logger.Error("webhook relay failed", "uuid", id, "error", err)
		s.writeDLQ(hook, err)
		writeError(w, http.StatusInternalServerError, "failed to relay resolution: "+err.Error())
		return
	}

	s.logger.Info("resolution relayed", "uuid", id, "signed", event.Signed, "topic", events.ResolvedTopic(id))
	s.respond(ctx, w, key, "", http.StatusOK, webhookResponse{Status: "processed", PayloadUUID: id, Signed: event.Signed})
	s.metrics.incWebhook("processed")
	s.updateDLQDepth()
}

func (s *Server) relayWithRetry(ctx context.Context, id string) (events.ApprovalResolved, error) {
	retry := s.cfg.Retry()
	backoff := retry.InitialBackoff

	for i := 1; i <= retry.MaxAttempts; i++ {
		event, err := s.relay(ctx, id)
		if err == nil {
			s.metrics.incRetry("success")
			return event, nil
		}
		if !isRetryable(err) || i == retry.MaxAttempts {
			s.metrics.incRetry("failed")
			return events.ApprovalResolved{}, err
		}

		s.metrics.incRetry("retry")
		sleep := backoff
		if retry.MaxBackoff > 0 && sleep > retry.MaxBackoff {
			sleep = retry.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return events.ApprovalResolved{}, ctx.Err()
		}

		if retry.Multiplier > 1 {
			backoff = backoff * time.Duration(retry.Multiplier)
		}
	}

	return events.ApprovalResolved{}, fmt.Errorf("exhausted retries")
}

var errNotResolved = errors.New("payload not resolved yet")

func (s *Server) relay(ctx context.Context, id string) (events.ApprovalResolved, error) {
	st, err := s.approvals.GetPayload(ctx, id)
	if err != nil {
		return events.ApprovalResolved{}, fmt.Errorf("read payload: %w", err)
	}
	if !st.Meta.Signed && !st.Meta.Resolved && !st.Meta.Expired && !st.Meta.Cancelled {
		return events.ApprovalResolved{}, errNotResolved
	}
	event := events.ApprovalResolved{
		PayloadUUID: id,
		Signed:      st.Meta.Signed,
		Account:     st.Response.Account,
		TxID:        st.Response.TxID,
		Hex:         st.Response.Hex,
		Reason:      rejectionReason(st.Meta),
	}
	if err := s.publisher.Publish(ctx, events.ResolvedTopic(id), event); err != nil {
		return events.ApprovalResolved{}, fmt.Errorf("publish: %w", err)
	}
	return event, nil
}

// isRetryable is false for failures another attempt cannot fix.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, xumm.ErrMissingCredentials) || xumm.IsOriginRejected(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *xumm.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return false
	}
	return true
}

func (s *Server) writeDLQ(hook xumm.Webhook, relayErr error) {
	if s.cfg.DLQPath == "" {
		return
	}

	entry := struct {
		Timestamp time.Time    `json:"timestamp"`
		Webhook   xumm.Webhook `json:"webhook"`
		Error     string       `json:"error"`
	}{
		Timestamp: s.now().UTC(),
		Webhook:   hook,
		Error:     relayErr.Error(),
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		s.logger.Error("dlq marshal failed", "error", err)
		return
	}

	if err := os.MkdirAll(s.cfg.DLQPath, 0o755); err != nil {
		s.logger.Error("dlq mkdir failed", "path", s.cfg.DLQPath, "error", err)
		return
	}

	filename := fmt.Sprintf("%d-%s.json", s.now().UnixNano(), hook.PayloadUUID())
	path := filepath.Join(s.cfg.DLQPath, filename)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		s.logger.Error("dlq write failed", "path", path, "error", err)
	}

	s.updateDLQDepth()
}

func (s *Server) updateDLQDepth() int {
	depth := s.currentDLQDepth()
	s.metrics.setDLQDepth(depth)
	return depth
}

func (s *Server) currentDLQDepth() int {
	if s.cfg.DLQPath == "" {
		return 0
	}
	entries, err := os.ReadDir(s.cfg.DLQPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("dlq read failed", "path", s.cfg.DLQPath, "error", err)
		}
		return 0
	}
	return len(entries)
}
