package wallet

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"riplx/internal/ledger"
	"riplx/internal/xumm"
)

const (
	tfSetNoRipple       = 0x00020000
	tfImmediateOrCancel = 0x00020000
	tfSell              = 0x00080000
	defaultTrustLimit   = "1000000000"
	nativeCurrency      = "XRP"
)

var (
	ErrInvalidAmount      = errors.New("amount must be a positive number")
	ErrInvalidDestination = errors.New("destination is not a valid XRPL classic address")
)

// Payment describes a transfer. An empty or XRP currency pays in drops;
// anything else is an issued amount from the configured issuer.
type Payment struct {
	Destination string
	Amount      string
	Currency    string
}

// Swap sells Amount of the issued currency for XRP at Price XRP per unit.
type Swap struct {
	Amount string
	Price  string
}

type Trustline struct {
	// Code defaults to the configured currency.
	Code  string
	Limit string
}

func parsePositive(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return v, nil
}

func toDrops(xrp float64) string {
	return strconv.FormatInt(int64(math.Round(xrp*ledger.DropsPerXRP)), 10)
}

func isNative(currency string) bool {
	return currency == "" || strings.EqualFold(currency, nativeCurrency)
}

func issued(currency, issuer, value string) map[string]any {
	return map[string]any{
		"currency": ledger.EncodeCurrency(currency),
		"issuer":   issuer,
		"value":    value,
	}
}

func paymentTx(p Payment, issuer string) (xumm.TxJSON, error) {
	if !ledger.IsClassicAddress(p.Destination) {
		return nil, ErrInvalidDestination
	}
	v, err := parsePositive(p.Amount)
	if err != nil {
		return nil, err
	}
	tx := xumm.TxJSON{
		"TransactionType": "Payment",
		"Destination":     p.Destination,
	}
	if isNative(p.Currency) {
		drops := toDrops(v)
		if drops == "0" {
			return nil, fmt.Errorf("%w: below one drop", ErrInvalidAmount)
		}
		tx["Amount"] = drops
	} else {
		tx["Amount"] = issued(p.Currency, issuer, strings.TrimSpace(p.Amount))
	}
	return tx, nil
}

func swapTx(s Swap, currency, issuer string) (xumm.TxJSON, error) {
	amount, err := parsePositive(s.Amount)
	if err != nil {
		return nil, err
	}
	price, err := parsePositive(s.Price)
	if err != nil {
		return nil, err
	}
	drops := toDrops(amount * price)
	if drops == "0" {
		return nil, errors.New("computed output is too small")
	}
	return xumm.TxJSON{
		"TransactionType": "OfferCreate",
		"TakerPays":       issued(currency, issuer, strings.TrimSpace(s.Amount)),
		"TakerGets":       drops,
		"Flags":           tfImmediateOrCancel | tfSell,
	}, nil
}

func trustlineTx(t Trustline, currency, issuer string) (xumm.TxJSON, error) {
	code := t.Code
	if code == "" {
		code = currency
	}
	limit := t.Limit
	if limit == "" {
		limit = defaultTrustLimit
	}
	if _, err := parsePositive(limit); err != nil {
		return nil, err
	}
	tx := xumm.TxJSON{
		"TransactionType": "TrustSet",
		"LimitAmount":     issued(code, issuer, limit),
	}
	if code == currency {
		tx["Flags"] = tfSetNoRipple
	}
	return tx, nil
}
