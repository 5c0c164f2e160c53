package approval

import (
	"context"
	"time"
)

// Transport creates approval requests and observes their resolution.
// AwaitResolution returns an error only for transport faults; a declined or
// expired request is a normal Resolution.
type Transport interface {
	Create(ctx context.Context, req Request) (Created, error)
	AwaitResolution(ctx context.Context, id string) (Resolution, error)
}

// Validator is implemented by transports that can tell up front whether
// their configuration is complete.
type Validator interface {
	Validate() error
}

// Releaser is implemented by transports that hold resources between Create
// and AwaitResolution. The machine calls Release when it abandons a created
// request without awaiting it.
type Releaser interface {
	Release(id string)
}

type Created struct {
	ID           string
	Presentation Presentation
}

// Presentation is what the user scans or opens to approve a request.
type Presentation struct {
	QRURL     string
	DeepLink  string
	ExpiresAt time.Time
	// Pushed is set when the approval service already notified the user's device.
	Pushed bool
}

func (p Presentation) Usable() bool {
	return p.QRURL != "" || p.DeepLink != ""
}

type ResolutionStatus int

const (
	ResolutionSigned ResolutionStatus = iota + 1
	ResolutionRejected
	// ResolutionTimedOut is only produced by transports with an attempt budget.
	ResolutionTimedOut
)

func (s ResolutionStatus) String() string {
	switch s {
	case ResolutionSigned:
		return "signed"
	case ResolutionRejected:
		return "rejected"
	case ResolutionTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

type Resolution struct {
	Status  ResolutionStatus
	Account string
	TxID    string
	// Blob is the signed transaction hex, when the service returns it.
	Blob   string
	Reason string
}
