package xumm

// TxJSON is a ledger transaction description as understood by the approval app.
type TxJSON map[string]any

// PayloadRequest is the body of a create-payload call.
type PayloadRequest struct {
	TxJSON     TxJSON          `json:"txjson"`
	Options    *PayloadOptions `json:"options,omitempty"`
	CustomMeta *CustomMeta     `json:"custom_meta,omitempty"`
}

type PayloadOptions struct {
	Submit bool `json:"submit"`
	// Expire is the payload lifetime in minutes; zero leaves the service default.
	Expire int `json:"expire,omitempty"`
}

type CustomMeta struct {
	Identifier  string `json:"identifier,omitempty"`
	Instruction string `json:"instruction,omitempty"`
}

// Payload is what the approval service hands back after creating a request.
type Payload struct {
	UUID   string `json:"uuid"`
	Next   Next   `json:"next"`
	Refs   Refs   `json:"refs"`
	Pushed bool   `json:"pushed"`
	// ExpiresAt is filled by the broker; the approval service reports it only on status.
	ExpiresAt string `json:"expires_at,omitempty"`
}

type Next struct {
	Always     string `json:"always"`
	NoRedirect string `json:"no_redirect,omitempty"`
}

type Refs struct {
	QRPNG           string `json:"qr_png"`
	QRMatrix        string `json:"qr_matrix,omitempty"`
	WebsocketStatus string `json:"websocket_status,omitempty"`
}

// DeepLink prefers the always-redirect URL and falls back to the no-redirect one.
func (p Payload) DeepLink() string {
	if p.Next.Always != "" {
		return p.Next.Always
	}
	return p.Next.NoRedirect
}

// PayloadStatus is the result of reading a payload back.
type PayloadStatus struct {
	Meta     Meta     `json:"meta"`
	Response Response `json:"response"`
}

type Meta struct {
	UUID      string `json:"uuid"`
	Exists    bool   `json:"exists"`
	Resolved  bool   `json:"resolved"`
	Signed    bool   `json:"signed"`
	Cancelled bool   `json:"cancelled"`
	Expired   bool   `json:"expired"`
	Opened    bool   `json:"opened"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

type Response struct {
	Account    string `json:"account,omitempty"`
	TxID       string `json:"txid,omitempty"`
	Hex        string `json:"hex,omitempty"`
	ResolvedAt string `json:"resolved_at,omitempty"`
}

// Webhook is the callback body the approval service posts once a payload resolves.
type Webhook struct {
	Meta struct {
		URL             string `json:"url"`
		ApplicationUUID string `json:"application_uuidv4"`
		PayloadUUID     string `json:"payload_uuidv4"`
	} `json:"meta"`
	PayloadResponse struct {
		PayloadUUID string `json:"payload_uuidv4"`
		Signed      bool   `json:"signed"`
		TxID        string `json:"txid"`
	} `json:"payloadResponse"`
}

// PayloadUUID returns the payload id from whichever section carries it.
func (w Webhook) PayloadUUID() string {
	if w.PayloadResponse.PayloadUUID != "" {
		return w.PayloadResponse.PayloadUUID
	}
	return w.Meta.PayloadUUID
}
