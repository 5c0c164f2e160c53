// Package approval drives the remote approval handshake: a request is handed
// to a Transport, the user approves or declines it in an external wallet app,
// and the Machine reports exactly one terminal outcome.
package approval

import (
	"errors"
	"time"

	"riplx/internal/xumm"
)

type Kind int

const (
	KindSignIn Kind = iota + 1
	KindTransaction
)

func (k Kind) String() string {
	switch k {
	case KindSignIn:
		return "sign-in"
	case KindTransaction:
		return "transaction"
	default:
		return "unknown"
	}
}

var ErrEmptyPayload = errors.New("transaction payload is empty")

// Request describes what the user is asked to authorize. Build it with
// BuildSignIn or BuildTransaction; the payload is deep-copied and not touched after.
type Request struct {
	Kind    Kind
	Payload xumm.TxJSON
	// Submit asks the wallet app to submit the signed transaction itself.
	Submit bool
	// Instruction is shown to the user inside the wallet app.
	Instruction string
	CreatedAt   time.Time
}

func BuildSignIn() Request {
	return Request{Kind: KindSignIn, CreatedAt: time.Now().UTC()}
}

// BuildTransaction wraps a transaction description. Semantic validation is
// left to whoever submits the result.
func BuildTransaction(payload xumm.TxJSON) (Request, error) {
	if len(payload) == 0 {
		return Request{}, ErrEmptyPayload
	}
	return Request{
		Kind:      KindTransaction,
		Payload:   cloneTx(payload),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// WithSubmit returns a copy that asks the wallet app to submit after signing.
func (r Request) WithSubmit(submit bool) Request {
	r.Submit = submit
	return r
}

func (r Request) WithInstruction(text string) Request {
	r.Instruction = text
	return r
}

// TxJSON is the body sent to the approval service.
func (r Request) TxJSON() xumm.TxJSON {
	if r.Kind == KindSignIn {
		return xumm.TxJSON{"TransactionType": "SignIn"}
	}
	return cloneTx(r.Payload)
}

// PayloadRequest renders the request in the approval service's wire shape.
func (r Request) PayloadRequest() xumm.PayloadRequest {
	out := xumm.PayloadRequest{TxJSON: r.TxJSON()}
	if r.Kind == KindTransaction {
		out.Options = &xumm.PayloadOptions{Submit: r.Submit}
	}
	if r.Instruction != "" {
		out.CustomMeta = &xumm.CustomMeta{Instruction: r.Instruction}
	}
	return out
}

func cloneTx(tx xumm.TxJSON) xumm.TxJSON {
	return xumm.TxJSON(cloneMap(tx))
}

// cloneMap copies nested maps and slices so amounts and memos built by the
// caller are not shared with the request.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneMap(v)
	case xumm.TxJSON:
		return cloneTx(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(v))
		for i, e := range v {
			out[i] = cloneMap(e)
		}
		return out
	default:
		return v
	}
}
