package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"time"

	"golang.org/x/term"

	"riplx/internal/approval"
	"riplx/internal/gate"
	"riplx/internal/wallet"
)

// Exit codes per terminal handshake state.
const (
	exitSigned   = 0
	exitErrored  = 1
	exitRejected = 2
	exitTimedOut = 3
	// exitBlocked is a gate denial; no handshake ran.
	exitBlocked  = 2
)

type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// outcomeError maps a finished handshake to the process exit status.
func outcomeError(out approval.Outcome) error {
	switch out.State {
	case approval.StateSigned:
		return nil
	case approval.StateRejected:
		return &exitError{code: exitRejected}
	case approval.StateTimedOut:
		return &exitError{code: exitTimedOut}
	default:
		return &exitError{code: exitErrored}
	}
}

type presentationView struct {
	QRURL     string    `json:"qr_url,omitempty"`
	DeepLink  string    `json:"deep_link,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Pushed    bool      `json:"pushed"`
}

type outcomeView struct {
	State      string         `json:"state"`
	Session    string         `json:"session,omitempty"`
	Account    string         `json:"account,omitempty"`
	TxID       string         `json:"txid,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Error      string         `json:"error,omitempty"`
	Hint       string         `json:"hint,omitempty"`
	Submission *submitView    `json:"submission,omitempty"`
	Verdict    *verdictView   `json:"verdict,omitempty"`
	Mint       map[string]any `json:"mint,omitempty"`
}

type submitView struct {
	TxHash       string `json:"tx_hash"`
	EngineResult string `json:"engine_result"`
	Message      string `json:"message"`
}

type verdictView struct {
	Address string `json:"address,omitempty"`
	Action  string `json:"action"`
	Allowed bool   `json:"allowed"`
	Source  string `json:"source"`
	Reason  string `json:"reason,omitempty"`
}

func outputJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
	}
}

// presenter returns the callback handed to every handshake. It prints the
// QR and deep link as soon as they exist, before the user has approved.
func presenter(w io.Writer) func(approval.Presentation) {
	return func(p approval.Presentation) {
		if jsonOutput {
			outputJSON(w, map[string]presentationView{"presentation": {
				QRURL:     p.QRURL,
				DeepLink:  p.DeepLink,
				ExpiresAt: p.ExpiresAt,
				Pushed:    p.Pushed,
			}})
		} else {
			writePresentation(w, p)
		}
		if openLink && p.DeepLink != "" && isTerminal() {
			if err := openBrowser(p.DeepLink); err != nil {
				logger.Warn("could not open deep link", "error", err)
			}
		}
	}
}

func writePresentation(w io.Writer, p approval.Presentation) {
	fmt.Fprintln(w, "Approve this request in your wallet app.")
	if p.Pushed {
		fmt.Fprintln(w, "A push notification was sent to your device.")
	}
	if p.QRURL != "" {
		fmt.Fprintf(w, "  QR code:   %s\n", p.QRURL)
	}
	if p.DeepLink != "" {
		fmt.Fprintf(w, "  Open link: %s\n", p.DeepLink)
	}
	if !p.ExpiresAt.IsZero() {
		fmt.Fprintf(w, "  Expires:   %s\n", p.ExpiresAt.Local().Format(time.Kitchen))
	}
	fmt.Fprintln(w, "Waiting for approval...")
}

func viewOutcome(out approval.Outcome) outcomeView {
	v := outcomeView{
		State:   out.State.String(),
		Session: out.SessionID,
		Account: out.Account,
		TxID:    out.TxID,
		Reason:  out.Reason,
	}
	if out.Err != nil {
		v.Error = out.Err.Error()
		v.ErrorKind = string(approval.KindOf(out.Err))
		var herr *approval.Error
		if errors.As(out.Err, &herr) {
			v.Hint = herr.Hint
		}
	}
	return v
}

func viewResult(res wallet.Result) outcomeView {
	v := viewOutcome(res.Outcome)
	if res.Submission != nil {
		v.Submission = &submitView{
			TxHash:       res.Submission.TxHash,
			EngineResult: res.Submission.EngineResult,
			Message:      res.Submission.Message,
		}
	}
	return v
}

func viewVerdict(vd gate.Verdict) *verdictView {
	return &verdictView{
		Address: vd.Address,
		Action:  string(vd.Action),
		Allowed: vd.Allowed,
		Source:  string(vd.Source),
		Reason:  vd.Reason,
	}
}

// writeOutcome prints each terminal state with its own wording so a timeout
// never reads like a rejection.
func writeOutcome(w io.Writer, v outcomeView) {
	switch v.State {
	case approval.StateSigned.String():
		fmt.Fprintln(w, "Signed.")
		if v.Account != "" {
			fmt.Fprintf(w, "  Account: %s\n", v.Account)
		}
		if v.TxID != "" {
			fmt.Fprintf(w, "  TxID:    %s\n", v.TxID)
		}
	case approval.StateRejected.String():
		fmt.Fprintln(w, "Rejected in the wallet app.")
		if v.Reason != "" {
			fmt.Fprintf(w, "  Reason: %s\n", v.Reason)
		}
	case approval.StateTimedOut.String():
		fmt.Fprintln(w, "Timed out waiting for a signature. Nothing was signed; run the command again to retry.")
	default:
		fmt.Fprintf(w, "Request failed (%s): %s\n", v.ErrorKind, v.Error)
		if v.Hint != "" {
			fmt.Fprintf(w, "  Hint: %s\n", v.Hint)
		}
	}
	if s := v.Submission; s != nil {
		fmt.Fprintf(w, "  Submitted: %s (%s) %s\n", s.TxHash, s.EngineResult, s.Message)
	}
}

func writeVerdict(w io.Writer, v *verdictView) {
	if v.Allowed {
		fmt.Fprintf(w, "%s: allowed (%s)\n", v.Action, v.Source)
		return
	}
	fmt.Fprintf(w, "%s: blocked (%s)", v.Action, v.Source)
	if v.Reason != "" {
		fmt.Fprintf(w, ": %s", v.Reason)
	}
	fmt.Fprintln(w)
}

func emit(w io.Writer, v outcomeView) {
	if jsonOutput {
		outputJSON(w, v)
		return
	}
	writeOutcome(w, v)
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}
