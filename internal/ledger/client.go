// Package ledger talks to an XRP Ledger node over its JSON-RPC interface.
package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// LSFAccepted is the credential ledger-entry flag set once the subject accepted it.
const LSFAccepted uint32 = 0x00010000

var (
	ErrNotFound    = errors.New("ledger entry not found")
	ErrInvalidBlob = errors.New("signed blob must be non-empty hex")
)

// Client abstracts the ledger node.
type Client interface {
	Submit(ctx context.Context, blob string) (SubmitResult, error)
	Credential(ctx context.Context, q CredentialQuery) (CredentialEntry, error)
	Transaction(ctx context.Context, hash string) (TxStatus, error)
	Ping(ctx context.Context) error
}

type SubmitResult struct {
	TxHash              string
	EngineResult        string
	EngineResultMessage string
}

// Submitted reports whether the node accepted the blob for inclusion.
func (r SubmitResult) Submitted() bool {
	return r.EngineResult == "tesSUCCESS" || r.EngineResult == "terQUEUED"
}

type CredentialQuery struct {
	Subject string
	Issuer  string
	// Type is the hex-encoded credential type.
	Type string
}

type CredentialEntry struct {
	Subject string
	Issuer  string
	Type    string
	Flags   uint32
}

func (c CredentialEntry) Accepted() bool { return c.Flags&LSFAccepted != 0 }

type TxStatus struct {
	Hash      string
	Validated bool
	Result    string
}

// ArtifactKey fingerprints a signed blob. Equal blobs give equal keys
// regardless of hex case.
func ArtifactKey(blob string) (string, error) {
	raw, err := decodeBlob(blob)
	if err != nil {
		return "", err
	}
	return crypto.Keccak256Hash(raw).Hex(), nil
}

func decodeBlob(blob string) ([]byte, error) {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return nil, ErrInvalidBlob
	}
	raw, err := hex.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlob, err)
	}
	return raw, nil
}

// ValidateBlob checks that blob is a hex string.
func ValidateBlob(blob string) error {
	_, err := decodeBlob(blob)
	return err
}
