package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riplx/internal/gate"
	"riplx/internal/hmacauth"
	"riplx/internal/xumm"
)

func TestCreatePayloadSendsIdempotencyKey(t *testing.T) {
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/payloads", r.URL.Path)
		keys = append(keys, r.Header.Get(IdempotencyHeader))

		var body CreatePayloadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Payment", body.TxJSON["TransactionType"])
		assert.True(t, body.Submit)

		_ = json.NewEncoder(w).Encode(CreatePayloadResponse{
			UUID: "p-1", NextURL: "https://xumm.app/sign/p-1", QRURL: "https://xumm.app/sign/p-1_q.png",
			ExpiresAt: "2026-10-18T12:00:00Z",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	req := xumm.PayloadRequest{TxJSON: xumm.TxJSON{"TransactionType": "Payment"}, Options: &xumm.PayloadOptions{Submit: true}}
	p, err := c.CreatePayload(context.Background(), req)
	require.NoError(t, err)
	_, err = c.CreatePayload(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "p-1", p.UUID)
	assert.Equal(t, "https://xumm.app/sign/p-1", p.DeepLink())
	assert.Equal(t, "https://xumm.app/sign/p-1_q.png", p.Refs.QRPNG)
	assert.Equal(t, "2026-10-18T12:00:00Z", p.ExpiresAt)
	require.Len(t, keys, 2)
	assert.NotEmpty(t, keys[0])
	assert.NotEqual(t, keys[0], keys[1])
}

func TestPayloadStatusMapsFlags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/payloads/p-2", r.URL.Path)
		_, _ = w.Write([]byte(`{"uuid":"p-2","resolved":true,"signed":true,"account":"rA","txid":"T1","hex":"1200"}`))
	}))
	defer srv.Close()

	st, err := NewClient(srv.URL).PayloadStatus(context.Background(), "p-2")
	require.NoError(t, err)
	assert.True(t, st.Meta.Resolved)
	assert.True(t, st.Meta.Signed)
	assert.Equal(t, "rA", st.Response.Account)
	assert.Equal(t, "1200", st.Response.Hex)
}

func TestErrorDetailIsSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"detail":"approval service unreachable"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).PayloadStatus(context.Background(), "p-3")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "approval service unreachable", apiErr.Detail)
	assert.False(t, xumm.IsOriginRejected(err))
}

func TestErrorWithoutDetailFallsBackToBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "plain failure", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).PayloadStatus(context.Background(), "p-4")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "plain failure", apiErr.Detail)
}

func TestForbiddenIsOriginRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"detail":"origin not allowed"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).CreatePayload(context.Background(), xumm.PayloadRequest{TxJSON: xumm.TxJSON{"TransactionType": "SignIn"}})
	require.Error(t, err)
	assert.True(t, xumm.IsOriginRejected(err))
}

func TestVerifyAdaptsToGateDecision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/credentials/verify", r.URL.Path)
		assert.Equal(t, "rAddr", r.URL.Query().Get("address"))
		assert.Equal(t, "local-mint", r.URL.Query().Get("action"))
		_, _ = w.Write([]byte(`{"allowed":true,"accepted":false,"level":0,"reason":"Allowlisted address","allowlist_hit":true,"source":"allowlist"}`))
	}))
	defer srv.Close()

	d, err := NewClient(srv.URL).Verify(context.Background(), "rAddr", gate.ActionLocalMint)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.AllowlistHit)
	assert.Equal(t, gate.SourceAllowlist, d.Source)
	assert.Equal(t, "Allowlisted address", d.Reason)
}

func TestSubmitSignedIsHMACSigned(t *testing.T) {
	const secret = "s3cret"
	verifier := &hmacauth.Verifier{Secret: secret, MaxSkew: time.Minute}
	srv := httptest.NewServer(verifier.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body SubmitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "1200AB", body.TxBlob)
		_ = json.NewEncoder(w).Encode(SubmitResponse{TxHash: "H1", EngineResult: "tesSUCCESS", Submitted: true})
	})))
	defer srv.Close()

	resp, err := NewClient(srv.URL, WithAPISecret(secret)).SubmitSigned(context.Background(), "1200AB")
	require.NoError(t, err)
	assert.True(t, resp.Submitted)
	assert.Equal(t, "H1", resp.TxHash)

	_, err = NewClient(srv.URL).SubmitSigned(context.Background(), "1200AB")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestUnconfiguredClient(t *testing.T) {
	c := NewClient("")
	assert.ErrorIs(t, c.Configured(), ErrNoBaseURL)
	_, err := c.PayloadStatus(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoBaseURL)
}

func TestHealthReturnsDegradedReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/health", r.URL.Path)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"degraded","checks":{"ledger":"error: timeout"},"queue_depth":2}`))
	}))
	defer srv.Close()

	h, err := NewClient(srv.URL).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "error: timeout", h.Checks["ledger"])
	assert.Equal(t, 2, h.QueueDepth)
}
