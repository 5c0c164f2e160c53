package ledger

import (
	"context"
	"strings"
	"sync"
)

// FakeClient is an in-memory ledger for tests and offline runs. Submitted
// blobs validate on the next Transaction lookup.
type FakeClient struct {
	mu          sync.Mutex
	credentials map[CredentialQuery]CredentialEntry
	submitted   map[string]string
	Submits     int
	// EngineResult overrides the submit result; empty means tesSUCCESS.
	EngineResult string
	PingErr      error
	LookupErr    error
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		credentials: make(map[CredentialQuery]CredentialEntry),
		submitted:   make(map[string]string),
	}
}

// AddCredential registers a credential; accepted sets LSFAccepted.
func (f *FakeClient) AddCredential(q CredentialQuery, accepted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var flags uint32
	if accepted {
		flags = LSFAccepted
	}
	f.credentials[q] = CredentialEntry{Subject: q.Subject, Issuer: q.Issuer, Type: q.Type, Flags: flags}
}

func (f *FakeClient) Submit(_ context.Context, blob string) (SubmitResult, error) {
	key, err := ArtifactKey(blob)
	if err != nil {
		return SubmitResult{}, err
	}
	hash := strings.ToUpper(strings.TrimPrefix(key, "0x"))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Submits++
	result := f.EngineResult
	if result == "" {
		result = "tesSUCCESS"
	}
	f.submitted[hash] = result
	return SubmitResult{TxHash: hash, EngineResult: result}, nil
}

func (f *FakeClient) Credential(_ context.Context, q CredentialQuery) (CredentialEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LookupErr != nil {
		return CredentialEntry{}, f.LookupErr
	}
	entry, ok := f.credentials[q]
	if !ok {
		return CredentialEntry{}, ErrNotFound
	}
	return entry, nil
}

func (f *FakeClient) Transaction(_ context.Context, hash string) (TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result, ok := f.submitted[strings.ToUpper(hash)]
	if !ok {
		return TxStatus{}, ErrNotFound
	}
	return TxStatus{Hash: hash, Validated: true, Result: result}, nil
}

func (f *FakeClient) Ping(context.Context) error {
	return f.PingErr
}
