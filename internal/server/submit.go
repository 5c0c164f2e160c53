package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"riplx/internal/broker"
	"riplx/internal/ledger"
)

const (
	validationWait = 15 * time.Second
	validationPoll = time.Second
)

// handleSubmit forwards a signed blob to the ledger. The blob fingerprint is
// the idempotency key unless the caller supplies one, so a resubmitted blob
// gets the first result back instead of a second submit.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	var req broker.SubmitRequest
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	fingerprint, err := ledger.ArtifactKey(req.TxBlob)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing or malformed tx_blob in signed transaction")
		return
	}

	key := "submit:" + fingerprint
	if explicit := strings.TrimSpace(r.Header.Get(broker.IdempotencyHeader)); explicit != "" {
		key = "submit:" + explicit
	}
	if s.replay(w, r, key, fingerprint) {
		s.metrics.incSubmission("cached")
		return
	}

	result, err := s.ledger.Submit(r.Context(), req.TxBlob)
	if err != nil {
		s.metrics.incSubmission("failed")
		s.logger.Error("submit failed", "fingerprint", fingerprint, "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, ledger.ErrInvalidBlob) {
			status = http.StatusBadRequest
		}
		writeError(w, status, "failed to submit: "+err.Error())
		return
	}

	resp := broker.SubmitResponse{
		TxHash:       result.TxHash,
		EngineResult: result.EngineResult,
		Submitted:    result.Submitted(),
	}
	if resp.TxHash == "" {
		resp.TxHash = "pending"
	}
	if resp.Submitted {
		resp.Message = "Transaction submitted to XRPL"
		s.metrics.incSubmission("submitted")
	} else {
		resp.Message = "Submission returned " + result.EngineResult
		if result.EngineResultMessage != "" {
			resp.Message += ": " + result.EngineResultMessage
		}
		s.metrics.incSubmission("rejected")
	}
	if resp.Submitted && r.URL.Query().Get("wait") == "validated" {
		s.awaitValidation(r.Context(), &resp)
	}
	s.logger.Info("blob submitted", "tx_hash", resp.TxHash, "engine_result", resp.EngineResult)
	s.respond(r.Context(), w, key, fingerprint, http.StatusOK, resp)
}

// awaitValidation blocks until the ledger validates the transaction or the
// wait budget runs out. A timeout still returns the submit result.
func (s *Server) awaitValidation(ctx context.Context, resp *broker.SubmitResponse) {
	ctx, cancel := context.WithTimeout(ctx, validationWait)
	defer cancel()
	st, err := ledger.WaitForValidation(ctx, s.ledger, resp.TxHash, validationPoll)
	if err != nil {
		s.logger.Warn("transaction not validated yet", "tx_hash", resp.TxHash, "error", err)
		return
	}
	resp.Validated = true
	resp.EngineResult = st.Result
	resp.Message = "Transaction validated on XRPL"
}
