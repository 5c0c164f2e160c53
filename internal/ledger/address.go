package ledger

import "regexp"

var classicAddress = regexp.MustCompile(`^r[1-9A-HJ-NP-Za-km-z]{24,34}$`)

// IsClassicAddress is a shape check only; it does not verify the checksum.
func IsClassicAddress(addr string) bool {
	return classicAddress.MatchString(addr)
}
