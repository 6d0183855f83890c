package domain

import "strings"

// Prefixes of idempotency keys the ledger derives itself. Caller-supplied keys may not
// start with any of them.
const (
	KeyPrefixCapture  = "capture:"
	KeyPrefixReversal = "reversal:"
	KeyPrefixPayment  = "payment:"
	KeyPrefixHold     = "hold:"
	KeyPrefixPayout   = "payout:"
	// KeyPrefixClient scopes keys received over the API to the caller that sent them.
	KeyPrefixClient = "client:"
)

var derivedKeyPrefixes = []string{
	KeyPrefixCapture,
	KeyPrefixReversal,
	KeyPrefixPayment,
	KeyPrefixHold,
	KeyPrefixPayout,
}

// ReservedKey reports whether key lies in a namespace the ledger assigns internally.
func ReservedKey(key string) bool {
	for _, prefix := range derivedKeyPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// ClientKey scopes a caller-supplied key to one caller, so two callers sending the same
// key never share a journal or hold.
func ClientKey(caller, key string) string {
	return KeyPrefixClient + caller + ":" + key
}
