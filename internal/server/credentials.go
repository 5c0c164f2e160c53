package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"riplx/internal/broker"
	"riplx/internal/credential"
	"riplx/internal/gate"
	"riplx/internal/ledger"
	"riplx/internal/xumm"
)

const (
	TierAccredited = "accredited"
	TierLocal      = "local"

	TokenAccredited = "RWAACC"
	TokenLocal      = "RWALOC"
)

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	action := gate.ActionClass(r.URL.Query().Get("action"))
	if address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	if action != "" && !action.Valid() {
		writeError(w, http.StatusBadRequest, "unknown action "+strconv.Quote(string(action)))
		return
	}

	d, err := s.verifier.Verify(r.Context(), address, action)
	if err != nil {
		s.metrics.incVerification("error")
		if errors.Is(err, credential.ErrInvalidAddress) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("credential verification failed", "address", address, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	if d.Allowed {
		s.metrics.incVerification("allowed")
	} else {
		s.metrics.incVerification("denied")
	}
	writeJSON(w, http.StatusOK, broker.VerifyResponse{
		Allowed:      d.Allowed,
		Accepted:     d.Accepted,
		Level:        d.Level,
		Reason:       d.Reason,
		AllowlistHit: d.AllowlistHit,
		Source:       string(d.Source),
	})
}

// tierAction maps a mint tier onto the gated action and token code.
func tierAction(tier string) (gate.ActionClass, string, bool) {
	switch strings.ToLower(strings.TrimSpace(tier)) {
	case TierAccredited:
		return gate.ActionAccreditedMint, TokenAccredited, true
	case TierLocal:
		return gate.ActionLocalMint, TokenLocal, true
	default:
		return "", "", false
	}
}

// handleMint re-checks eligibility with the same policy the client gate uses,
// then prepares the issuer Payment. Nothing is signed or submitted here.
func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req broker.MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	action, token, ok := tierAction(req.Tier)
	if !ok {
		writeError(w, http.StatusBadRequest, "tier must be 'accredited' or 'local'")
		return
	}
	if !ledger.IsClassicAddress(req.Address) {
		writeError(w, http.StatusBadRequest, "Destination address is not a valid XRPL classic address")
		return
	}
	if err := validateAmount(req.Amount); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := s.verifier.Verify(r.Context(), req.Address, action)
	if err != nil {
		s.metrics.incMint("error")
		writeError(w, http.StatusBadGateway, "eligibility check failed: "+err.Error())
		return
	}
	if !d.Allowed {
		s.metrics.incMint("denied")
		s.logger.Info("mint denied", "address", req.Address, "tier", req.Tier, "reason", d.Reason)
		writeError(w, http.StatusForbidden, d.Reason)
		return
	}

	tier := strings.ToLower(strings.TrimSpace(req.Tier))
	resp := broker.MintResponse{
		Accepted:  true,
		TokenCode: token,
		Tier:      tier,
		Message:   "Mint request accepted (demo). Issuer must sign and submit the tx_json.",
		TxJSON: xumm.TxJSON{
			"TransactionType": "Payment",
			"Account":         s.cfg.Issuer,
			"Destination":     req.Address,
			"Amount": map[string]any{
				"currency": ledger.EncodeCurrency(token),
				"issuer":   s.cfg.Issuer,
				"value":    req.Amount,
			},
		},
	}
	s.metrics.incMint("accepted")
	s.logger.Info("mint prepared", "address", req.Address, "tier", tier, "token", token, "source", d.Source)
	writeJSON(w, http.StatusOK, resp)
}

func validateAmount(amount string) error {
	v, err := strconv.ParseFloat(strings.TrimSpace(amount), 64)
	if err != nil || v <= 0 {
		return errors.New("amount must be a positive number")
	}
	return nil
}
