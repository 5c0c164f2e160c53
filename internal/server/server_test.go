package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"riplx/internal/broker"
	"riplx/internal/config"
	"riplx/internal/credential"
	"riplx/internal/events"
	"riplx/internal/idempotency"
	"riplx/internal/ledger"
	"riplx/internal/xumm"
)

const (
	testIssuer   = "rQhWct2fv4Vc4KRjRgMrxa8xPN9Zx9iLKV"
	testHolder   = "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe"
	testOutsider = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
	hookSecret   = "hook-secret"
)

type fakeApprovals struct {
	mu        sync.Mutex
	creates   int
	statuses  map[string]xumm.PayloadStatus
	createErr error
	statusErr error
	missing   bool
}

func (f *fakeApprovals) CreatePayload(_ context.Context, req xumm.PayloadRequest) (xumm.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return xumm.Payload{}, f.createErr
	}
	f.creates++
	id := "p-" + strconv.Itoa(f.creates)
	return xumm.Payload{
		UUID: id,
		Next: xumm.Next{Always: "https://xumm.app/sign/" + id},
		Refs: xumm.Refs{QRPNG: "https://xumm.app/sign/" + id + "_q.png"},
	}, nil
}

func (f *fakeApprovals) GetPayload(_ context.Context, id string) (xumm.PayloadStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return xumm.PayloadStatus{}, f.statusErr
	}
	st, ok := f.statuses[id]
	if !ok {
		return xumm.PayloadStatus{Meta: xumm.Meta{UUID: id, Exists: true}}, nil
	}
	return st, nil
}

func (f *fakeApprovals) Configured() error {
	if f.missing {
		return xumm.ErrMissingCredentials
	}
	return nil
}

type fixture struct {
	srv       *Server
	handler   http.Handler
	approvals *fakeApprovals
	ledger    *ledger.FakeClient
	bus       *events.MemoryBus
	cfg       *config.Config
}

func newFixture(t *testing.T, allowlist ...string) *fixture {
	t.Helper()
	cfg := &config.Config{
		HTTPPort:            0,
		Issuer:              testIssuer,
		HMACClockSkew:       time.Minute,
		IdempotencyWindow:   time.Minute,
		WebhookSecret:       hookSecret,
		DLQPath:             t.TempDir(),
		RetryMaxAttempts:    2,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
		RetryMultiplier:     1,
	}
	approvals := &fakeApprovals{statuses: make(map[string]xumm.PayloadStatus)}
	fake := ledger.NewFakeClient()
	bus := events.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv := NewServer(cfg, Deps{
		Approvals: approvals,
		Ledger:    fake,
		Store:     idempotency.NewMemoryStore(),
		Publisher: bus,
		Verifier:  credential.NewPolicy(fake, credential.Config{Issuer: testIssuer, Allowlist: allowlist}, logger),
		Logger:    logger,
	})
	return &fixture{srv: srv, handler: srv.Handler(), approvals: approvals, ledger: fake, bus: bus, cfg: cfg}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, path string, body any) *http.Request {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func signWebhook(req *http.Request, body []byte) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha1.New, []byte(hookSecret))
	mac.Write([]byte(ts))
	mac.Write(body)
	req.Header.Set("X-Xumm-Request-Timestamp", ts)
	req.Header.Set("X-Xumm-Request-Signature", hex.EncodeToString(mac.Sum(nil)))
}

func webhookRequest(id string) *http.Request {
	body := []byte(`{"meta":{"payload_uuidv4":"` + id + `"},"payloadResponse":{"payload_uuidv4":"` + id + `"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/callbacks/xumm", bytes.NewReader(body))
	signWebhook(req, body)
	return req
}

func TestCreatePayloadIdempotency(t *testing.T) {
	f := newFixture(t)
	body := broker.CreatePayloadRequest{TxJSON: xumm.TxJSON{"TransactionType": "SignIn"}}

	req := jsonRequest(http.MethodPost, "/api/payloads", body)
	req.Header.Set(broker.IdempotencyHeader, "key-1")
	rec := f.do(req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	first := rec.Body.Bytes()

	var resp broker.CreatePayloadResponse
	if err := json.Unmarshal(first, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.UUID != "p-1" || resp.NextURL == "" || resp.QRURL == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}

	req2 := jsonRequest(http.MethodPost, "/api/payloads", body)
	req2.Header.Set(broker.IdempotencyHeader, "key-1")
	rec2 := f.do(req2)
	if rec2.Code != http.StatusCreated {
		t.Fatalf("expected cached 201 got %d", rec2.Code)
	}
	if !bytes.Equal(first, rec2.Body.Bytes()) {
		t.Fatalf("expected same response body on idempotent request")
	}
	if f.approvals.creates != 1 {
		t.Fatalf("expected one create at the approval service, got %d", f.approvals.creates)
	}

	other := jsonRequest(http.MethodPost, "/api/payloads", broker.CreatePayloadRequest{TxJSON: xumm.TxJSON{"TransactionType": "Payment"}})
	other.Header.Set(broker.IdempotencyHeader, "key-1")
	if rec := f.do(other); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for reused key, got %d", rec.Code)
	}
}

func TestCreatePayloadRejectsEmptyTx(t *testing.T) {
	f := newFixture(t)
	rec := f.do(jsonRequest(http.MethodPost, "/api/payloads", broker.CreatePayloadRequest{}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestCreatePayloadApprovalFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"missing credentials", xumm.ErrMissingCredentials, http.StatusServiceUnavailable},
		{"origin rejected", &xumm.APIError{StatusCode: http.StatusForbidden, Message: "origin"}, http.StatusForbidden},
		{"outage", errors.New("connection refused"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.approvals.createErr = tc.err
			rec := f.do(jsonRequest(http.MethodPost, "/api/payloads", broker.CreatePayloadRequest{TxJSON: xumm.TxJSON{"TransactionType": "SignIn"}}))
			if rec.Code != tc.want {
				t.Fatalf("expected %d got %d", tc.want, rec.Code)
			}
			var e broker.ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil || e.Detail == "" {
				t.Fatalf("expected detail body, got %s", rec.Body.String())
			}
		})
	}
}

func TestPayloadStatus(t *testing.T) {
	f := newFixture(t)
	f.approvals.statuses["p-9"] = xumm.PayloadStatus{
		Meta:     xumm.Meta{Resolved: true, Signed: true},
		Response: xumm.Response{Account: testHolder, TxID: "ABC", Hex: "1200"},
	}
	f.approvals.statuses["p-10"] = xumm.PayloadStatus{Meta: xumm.Meta{Resolved: true}}

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/payloads/p-9", nil))
	var st broker.PayloadStatusResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &st)
	if rec.Code != http.StatusOK || !st.Signed || st.Account != testHolder || st.Reason != "" {
		t.Fatalf("unexpected signed status %d %+v", rec.Code, st)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/payloads/p-10", nil))
	st = broker.PayloadStatusResponse{}
	_ = json.Unmarshal(rec.Body.Bytes(), &st)
	if st.Signed || !st.Resolved || st.Reason != "declined in the wallet app" {
		t.Fatalf("unexpected declined status %+v", st)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/payloads/p-11", nil))
	st = broker.PayloadStatusResponse{}
	_ = json.Unmarshal(rec.Body.Bytes(), &st)
	if st.Resolved || st.Signed || st.Reason != "" {
		t.Fatalf("expected open payload, got %+v", st)
	}
}

func TestWebhookPublishesResolution(t *testing.T) {
	f := newFixture(t)
	f.approvals.statuses["p-1"] = xumm.PayloadStatus{
		Meta:     xumm.Meta{Resolved: true, Signed: true},
		Response: xumm.Response{Account: testHolder, TxID: "T1", Hex: "1200"},
	}
	ch, cancel, err := f.bus.Subscribe(events.TopicApprovalsResolved)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	rec := f.do(webhookRequest("p-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	select {
	case data := <-ch:
		var ev events.ApprovalResolved
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.PayloadUUID != "p-1" || !ev.Signed || ev.Account != testHolder || ev.Hex != "1200" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}

	// A duplicate callback replays without publishing again.
	rec2 := f.do(webhookRequest("p-1"))
	if rec2.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), rec2.Body.Bytes()) {
		t.Fatalf("expected cached webhook response, got %d", rec2.Code)
	}
	select {
	case <-ch:
		t.Fatal("duplicate callback published twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"payloadResponse":{"payload_uuidv4":"p-1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/callbacks/xumm", bytes.NewReader(body))
	signWebhook(req, body)
	req.Header.Set("X-Xumm-Request-Signature", strings.Repeat("0", 40))

	if rec := f.do(req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestWebhookFailureGoesToDLQ(t *testing.T) {
	f := newFixture(t)
	f.approvals.statusErr = errors.New("approval service down")

	rec := f.do(webhookRequest("p-7"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rec.Code)
	}

	entries, err := os.ReadDir(f.cfg.DLQPath)
	if err != nil {
		t.Fatalf("read dlq: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one dlq entry, got %d", len(entries))
	}
	if depth := f.srv.currentDLQDepth(); depth != 1 {
		t.Fatalf("expected dlq depth 1, got %d", depth)
	}
}

func TestVerifyCredential(t *testing.T) {
	f := newFixture(t, testHolder)
	f.ledger.AddCredential(ledger.CredentialQuery{Subject: testIssuer, Issuer: testIssuer, Type: credential.DefaultType}, true)

	check := func(addr string) broker.VerifyResponse {
		t.Helper()
		rec := f.do(httptest.NewRequest(http.MethodGet, "/api/credentials/verify?address="+addr+"&action=accredited-mint", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("verify %s: status %d", addr, rec.Code)
		}
		var v broker.VerifyResponse
		_ = json.Unmarshal(rec.Body.Bytes(), &v)
		return v
	}

	if v := check(testIssuer); !v.Allowed || !v.Accepted || v.Source != "credential" {
		t.Fatalf("expected credential verdict, got %+v", v)
	}
	if v := check(testHolder); !v.Allowed || !v.AllowlistHit || v.Source != "allowlist" {
		t.Fatalf("expected allowlist verdict, got %+v", v)
	}
	if v := check(testOutsider); v.Allowed || v.Reason == "" {
		t.Fatalf("expected denial with reason, got %+v", v)
	}

	if rec := f.do(httptest.NewRequest(http.MethodGet, "/api/credentials/verify?address=nope", nil)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad address, got %d", rec.Code)
	}
	if rec := f.do(httptest.NewRequest(http.MethodGet, "/api/credentials/verify?address="+testHolder+"&action=fly", nil)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", rec.Code)
	}
}

func TestSubmitIsIdempotentPerBlob(t *testing.T) {
	f := newFixture(t)
	body := broker.SubmitRequest{TxBlob: "12000022800000002400000001"}

	rec := f.do(jsonRequest(http.MethodPost, "/api/transactions/submit", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var resp broker.SubmitResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Submitted || resp.EngineResult != "tesSUCCESS" || resp.TxHash == "" {
		t.Fatalf("unexpected submit response %+v", resp)
	}

	// Same blob in lower case is the same artifact.
	rec2 := f.do(jsonRequest(http.MethodPost, "/api/transactions/submit", broker.SubmitRequest{TxBlob: strings.ToLower(body.TxBlob)}))
	if rec2.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), rec2.Body.Bytes()) {
		t.Fatalf("expected replayed response")
	}
	if f.ledger.Submits != 1 {
		t.Fatalf("expected a single ledger submit, got %d", f.ledger.Submits)
	}

	if rec := f.do(jsonRequest(http.MethodPost, "/api/transactions/submit", broker.SubmitRequest{TxBlob: "zz"})); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed blob, got %d", rec.Code)
	}
}

func TestSubmitReportsEngineRejection(t *testing.T) {
	f := newFixture(t)
	f.ledger.EngineResult = "tecUNFUNDED_PAYMENT"

	rec := f.do(jsonRequest(http.MethodPost, "/api/transactions/submit", broker.SubmitRequest{TxBlob: "1200AA"}))
	var resp broker.SubmitResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || resp.Submitted || !strings.Contains(resp.Message, "tecUNFUNDED_PAYMENT") {
		t.Fatalf("unexpected response %d %+v", rec.Code, resp)
	}
}

func TestSubmitWaitsForValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(jsonRequest(http.MethodPost, "/api/transactions/submit?wait=validated", broker.SubmitRequest{TxBlob: "1200BB"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var resp broker.SubmitResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Validated || resp.EngineResult != "tesSUCCESS" {
		t.Fatalf("expected validated response, got %+v", resp)
	}
}

func TestMintGatedByPolicy(t *testing.T) {
	f := newFixture(t, testHolder)

	rec := f.do(jsonRequest(http.MethodPost, "/api/rwa/mint", broker.MintRequest{Address: testOutsider, Tier: "accredited", Amount: "5"}))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for ineligible address, got %d", rec.Code)
	}

	rec = f.do(jsonRequest(http.MethodPost, "/api/rwa/mint", broker.MintRequest{Address: testHolder, Tier: "Local", Amount: "5"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var resp broker.MintResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Accepted || resp.TokenCode != TokenLocal || resp.Tier != "local" {
		t.Fatalf("unexpected mint response %+v", resp)
	}
	amount, _ := resp.TxJSON["Amount"].(map[string]any)
	if amount["currency"] != ledger.EncodeCurrency(TokenLocal) || amount["issuer"] != testIssuer || amount["value"] != "5" {
		t.Fatalf("unexpected amount %+v", amount)
	}
	if resp.TxJSON["Account"] != testIssuer || resp.TxJSON["Destination"] != testHolder {
		t.Fatalf("unexpected tx_json %+v", resp.TxJSON)
	}

	for _, bad := range []broker.MintRequest{
		{Address: testHolder, Tier: "gold", Amount: "5"},
		{Address: "nope", Tier: "local", Amount: "5"},
		{Address: testHolder, Tier: "local", Amount: "-1"},
	} {
		if rec := f.do(jsonRequest(http.MethodPost, "/api/rwa/mint", bad)); rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %+v, got %d", bad, rec.Code)
		}
	}
}

func TestHealthDegradesOnLedgerFailure(t *testing.T) {
	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}

	f.ledger.PingErr = errors.New("node unreachable")
	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
	var h broker.HealthResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &h)
	if h.Status != "degraded" || !strings.Contains(h.Checks["ledger"], "node unreachable") {
		t.Fatalf("unexpected health %+v", h)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(jsonRequest(http.MethodPost, "/api/payloads", broker.CreatePayloadRequest{TxJSON: xumm.TxJSON{"TransactionType": "SignIn"}}))

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `riplx_payloads_created_total{status="created"} 1`) {
		t.Fatalf("missing payload counter in:\n%s", rec.Body.String())
	}
}
