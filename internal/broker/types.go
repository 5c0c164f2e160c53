package broker

import "riplx/internal/xumm"

// Wire types shared by the broker server and its client. JSON names follow
// the broker's public API.

type CreatePayloadRequest struct {
	TxJSON      xumm.TxJSON `json:"txjson"`
	Submit      bool        `json:"submit"`
	Instruction string      `json:"instruction,omitempty"`
}

type CreatePayloadResponse struct {
	UUID      string `json:"uuid"`
	NextURL   string `json:"next_url"`
	QRURL     string `json:"qr_url"`
	ExpiresAt string `json:"expires_at,omitempty"`
	Pushed    bool   `json:"pushed"`
}

type PayloadStatusResponse struct {
	UUID      string `json:"uuid"`
	Resolved  bool   `json:"resolved"`
	Signed    bool   `json:"signed"`
	Expired   bool   `json:"expired"`
	Cancelled bool   `json:"cancelled"`
	Account   string `json:"account,omitempty"`
	TxID      string `json:"txid,omitempty"`
	Hex       string `json:"hex,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type VerifyResponse struct {
	Allowed      bool   `json:"allowed"`
	Accepted     bool   `json:"accepted"`
	Level        int    `json:"level"`
	Reason       string `json:"reason"`
	AllowlistHit bool   `json:"allowlist_hit"`
	Source       string `json:"source,omitempty"`
}

type SubmitRequest struct {
	TxBlob string `json:"tx_blob"`
}

type SubmitResponse struct {
	TxHash       string `json:"tx_hash"`
	EngineResult string `json:"engine_result"`
	Submitted    bool   `json:"submitted"`
	// Validated is only reported when the caller asked to wait for it.
	Validated    bool   `json:"validated,omitempty"`
	Message      string `json:"message,omitempty"`
}

type MintRequest struct {
	Address string `json:"address"`
	Tier    string `json:"tier"`
	Amount  string `json:"amount"`
}

type MintResponse struct {
	Accepted  bool        `json:"accepted"`
	TokenCode string      `json:"token_code"`
	Tier      string      `json:"tier"`
	Message   string      `json:"message,omitempty"`
	TxJSON    xumm.TxJSON `json:"tx_json,omitempty"`
}

type ErrorResponse struct {
	Detail string `json:"detail"`
}

type HealthResponse struct {
	Status     string            `json:"status"`
	Checks     map[string]string `json:"checks"`
	QueueDepth int               `json:"queue_depth"`
}

// Payload converts a create response into the approval service shape the
// handshake transports consume.
func (r CreatePayloadResponse) Payload() xumm.Payload {
	return xumm.Payload{
		UUID:      r.UUID,
		Next:      xumm.Next{Always: r.NextURL},
		Refs:      xumm.Refs{QRPNG: r.QRURL},
		Pushed:    r.Pushed,
		ExpiresAt: r.ExpiresAt,
	}
}

func (r PayloadStatusResponse) Status() xumm.PayloadStatus {
	return xumm.PayloadStatus{
		Meta: xumm.Meta{
			UUID:      r.UUID,
			Exists:    true,
			Resolved:  r.Resolved,
			Signed:    r.Signed,
			Cancelled: r.Cancelled,
			Expired:   r.Expired,
		},
		Response: xumm.Response{
			Account: r.Account,
			TxID:    r.TxID,
			Hex:     r.Hex,
		},
	}
}
