package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ConfirmationCode derives the stable receipt code for one attendee slot:
// a sha256 digest over tier, attendee identity and ticket number. The same
// inputs always yield the same code, so recomputing on a retry is safe. The
// code is verifiable but not secret.
func ConfirmationCode(tierID, name, institution string, ticketNumber int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s%s%s%d", tierID, name, institution, ticketNumber)))
	return hex.EncodeToString(sum[:])
}
