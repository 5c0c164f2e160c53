package ledger

import (
	"encoding/hex"
	"strings"
)

// DropsPerXRP converts whole XRP to the ledger's native unit.
const DropsPerXRP = 1_000_000

// EncodeCurrency returns a currency code in ledger form: three character
// codes as they are, longer codes as 40 upper-case hex characters.
func EncodeCurrency(code string) string {
	if len(code) == 3 || isHexCurrency(code) {
		return code
	}
	enc := strings.ToUpper(hex.EncodeToString([]byte(code)))
	if len(enc) < 40 {
		enc += strings.Repeat("0", 40-len(enc))
	}
	return enc
}

func isHexCurrency(code string) bool {
	if len(code) != 40 {
		return false
	}
	_, err := hex.DecodeString(code)
	return err == nil
}
