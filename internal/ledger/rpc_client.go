package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// RPCError is a node-side failure reported inside a successful JSON-RPC reply.
type RPCError struct {
	Method  string
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Method, e.Code)
}

type resultStatus struct {
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (r resultStatus) err(method string) error {
	if r.Status == "" || r.Status == "success" {
		return nil
	}
	switch r.Error {
	case "entryNotFound", "txnNotFound", "objectNotFound":
		return fmt.Errorf("%s: %w", method, ErrNotFound)
	}
	return &RPCError{Method: method, Code: r.Error, Message: r.ErrorMessage}
}

// RPCClient calls a rippled JSON-RPC endpoint. Every rippled method takes a
// single params object, which is what CallContext sends for one argument.
type RPCClient struct {
	rpc *rpc.Client
	url string
}

func NewRPCClient(ctx context.Context, url string) (*RPCClient, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("ledger rpc url is required")
	}
	cli, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	return &RPCClient{rpc: cli, url: url}, nil
}

func (c *RPCClient) Close() {
	c.rpc.Close()
}

func (c *RPCClient) Submit(ctx context.Context, blob string) (SubmitResult, error) {
	if err := ValidateBlob(blob); err != nil {
		return SubmitResult{}, err
	}
	var res struct {
		resultStatus
		EngineResult        string `json:"engine_result"`
		EngineResultMessage string `json:"engine_result_message"`
		TxJSON              struct {
			Hash string `json:"hash"`
		} `json:"tx_json"`
		Hash string `json:"hash"`
	}
	if err := c.rpc.CallContext(ctx, &res, "submit", map[string]any{"tx_blob": strings.ToUpper(blob)}); err != nil {
		return SubmitResult{}, fmt.Errorf("submit: %w", err)
	}
	if err := res.err("submit"); err != nil {
		return SubmitResult{}, err
	}
	hash := res.TxJSON.Hash
	if hash == "" {
		hash = res.Hash
	}
	return SubmitResult{
		TxHash:              hash,
		EngineResult:        res.EngineResult,
		EngineResultMessage: res.EngineResultMessage,
	}, nil
}

func (c *RPCClient) Credential(ctx context.Context, q CredentialQuery) (CredentialEntry, error) {
	if q.Subject == "" || q.Issuer == "" || q.Type == "" {
		return CredentialEntry{}, errors.New("credential subject, issuer and type are required")
	}
	var res struct {
		resultStatus
		Node struct {
			Subject        string `json:"Subject"`
			Issuer         string `json:"Issuer"`
			CredentialType string `json:"CredentialType"`
			Flags          uint32 `json:"Flags"`
		} `json:"node"`
	}
	params := map[string]any{
		"credential": map[string]string{
			"subject":         q.Subject,
			"issuer":          q.Issuer,
			"credential_type": q.Type,
		},
		"ledger_index": "validated",
	}
	if err := c.rpc.CallContext(ctx, &res, "ledger_entry", params); err != nil {
		return CredentialEntry{}, fmt.Errorf("ledger_entry: %w", err)
	}
	if err := res.err("ledger_entry"); err != nil {
		return CredentialEntry{}, err
	}
	return CredentialEntry{
		Subject: res.Node.Subject,
		Issuer:  res.Node.Issuer,
		Type:    res.Node.CredentialType,
		Flags:   res.Node.Flags,
	}, nil
}

func (c *RPCClient) Transaction(ctx context.Context, hash string) (TxStatus, error) {
	var res struct {
		resultStatus
		Hash      string `json:"hash"`
		Validated bool   `json:"validated"`
		Meta      struct {
			TransactionResult string `json:"TransactionResult"`
		} `json:"meta"`
	}
	if err := c.rpc.CallContext(ctx, &res, "tx", map[string]any{"transaction": hash}); err != nil {
		return TxStatus{}, fmt.Errorf("tx: %w", err)
	}
	if err := res.err("tx"); err != nil {
		return TxStatus{}, err
	}
	return TxStatus{Hash: res.Hash, Validated: res.Validated, Result: res.Meta.TransactionResult}, nil
}

func (c *RPCClient) Ping(ctx context.Context) error {
	var res struct {
		resultStatus
		Info struct {
			ServerState string `json:"server_state"`
		} `json:"info"`
	}
	if err := c.rpc.CallContext(ctx, &res, "server_info", map[string]any{}); err != nil {
		return fmt.Errorf("server_info: %w", err)
	}
	return res.err("server_info")
}
