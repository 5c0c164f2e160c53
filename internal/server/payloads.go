package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"riplx/internal/broker"
	"riplx/internal/xumm"
)

func (s *Server) handleCreatePayload(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	key := strings.TrimSpace(r.Header.Get(broker.IdempotencyHeader))
	hash := requestHash(raw)
	if key != "" && s.replay(w, r, "payload:"+key, hash) {
		s.metrics.incPayload("cached")
		return
	}

	var req broker.CreatePayloadRequest
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if err := validateTxJSON(req.TxJSON); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payloadReq := xumm.PayloadRequest{
		TxJSON:  req.TxJSON,
		Options: &xumm.PayloadOptions{Submit: req.Submit},
	}
	if req.Instruction != "" {
		payloadReq.CustomMeta = &xumm.CustomMeta{Instruction: req.Instruction}
	}

	payload, err := s.approvals.CreatePayload(r.Context(), payloadReq)
	if err != nil {
		s.metrics.incPayload("failed")
		s.logger.Error("create payload failed", "tx_type", req.TxJSON["TransactionType"], "error", err)
		approvalFailure(w, err)
		return
	}

	s.logger.Info("payload created", "uuid", payload.UUID, "tx_type", req.TxJSON["TransactionType"], "pushed", payload.Pushed)
	s.metrics.incPayload("created")

	resp := broker.CreatePayloadResponse{
		UUID:      payload.UUID,
		NextURL:   payload.DeepLink(),
		QRURL:     payload.Refs.QRPNG,
		ExpiresAt: payload.ExpiresAt,
		Pushed:    payload.Pushed,
	}
	var storeKey string
	if key != "" {
		storeKey = "payload:" + key
	}
	s.respond(r.Context(), w, storeKey, hash, http.StatusCreated, resp)
}

func (s *Server) handlePayloadStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")
	if id == "" {
		writeError(w, http.StatusBadRequest, "payload uuid is required")
		return
	}

	st, err := s.approvals.GetPayload(r.Context(), id)
	if err != nil {
		s.metrics.incStatusCheck("failed")
		approvalFailure(w, err)
		return
	}

	resp := statusResponse(id, st)
	switch {
	case resp.Signed:
		s.metrics.incStatusCheck("signed")
	case resp.Resolved || resp.Expired || resp.Cancelled:
		s.metrics.incStatusCheck("rejected")
	default:
		s.metrics.incStatusCheck("pending")
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusResponse(id string, st xumm.PayloadStatus) broker.PayloadStatusResponse {
	resp := broker.PayloadStatusResponse{
		UUID:      id,
		Resolved:  st.Meta.Resolved,
		Signed:    st.Meta.Signed,
		Expired:   st.Meta.Expired,
		Cancelled: st.Meta.Cancelled,
		Account:   st.Response.Account,
		TxID:      st.Response.TxID,
		Hex:       st.Response.Hex,
	}
	if !resp.Signed {
		resp.Reason = rejectionReason(st.Meta)
	}
	return resp
}

// rejectionReason is empty while the payload is still open.
func rejectionReason(m xumm.Meta) string {
	switch {
	case m.Signed:
		return ""
	case m.Expired:
		return "request expired"
	case m.Cancelled:
		return "request cancelled"
	case m.Resolved:
		return "declined in the wallet app"
	default:
		return ""
	}
}

func validateTxJSON(tx xumm.TxJSON) error {
	if len(tx) == 0 {
		return errors.New("txjson is required")
	}
	if t, _ := tx["TransactionType"].(string); t == "" {
		return errors.New("txjson.TransactionType is required")
	}
	return nil
}
