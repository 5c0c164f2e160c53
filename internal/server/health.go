package server

import (
	"context"
	"net/http"
	"time"

	"riplx/internal/broker"
	"riplx/internal/xumm"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	healthy := true
	checks := make(map[string]string, 4)

	probe := func(name string, fn func(context.Context) error) {
		if fn == nil {
			checks[name] = "disabled"
			return
		}
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		start := time.Now()
		if err := fn(pctx); err != nil {
			checks[name] = "error: " + err.Error()
			healthy = false
			return
		}
		checks[name] = "ok (" + time.Since(start).Round(time.Millisecond).String() + ")"
	}

	var ledgerPing func(context.Context) error
	if s.ledger != nil {
		ledgerPing = s.ledger.Ping
	}
	probe("ledger", ledgerPing)
	probe("store", s.storeHealth)
	probe("events", s.busHealth)

	// Missing approval credentials degrade features, not liveness.
	if s.approvals == nil {
		checks["approvals"] = "disabled"
	} else if err := s.approvals.Configured(); err != nil {
		checks["approvals"] = "unconfigured"
	} else if k, ok := s.approvals.(*xumm.Client); ok {
		checks["approvals"] = "configured (" + k.MaskedKey() + ")"
	} else {
		checks["approvals"] = "configured"
	}

	resp := broker.HealthResponse{
		Status:     "healthy",
		Checks:     checks,
		QueueDepth: s.updateDLQDepth(),
	}
	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
