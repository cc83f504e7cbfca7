package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// CorrelationToken is threaded through the payment provider opaquely so an
// asynchronous callback can be traced back to the tier and hold set it
// refers to.
type CorrelationToken struct {
	TierID      string `json:"tier_id"`
	TicketCount int    `json:"ticket_count"`
}

// Encode serializes the token to a URL-safe opaque string.
func (t CorrelationToken) Encode() string {
	raw, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCorrelationToken parses and validates a token received back from a
// provider. Anything malformed maps to ErrInvalidCorrelation; provider
// callbacks are delivered once, so the caller logs and drops these.
func DecodeCorrelationToken(s string) (CorrelationToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return CorrelationToken{}, fmt.Errorf("%w: %v", ErrInvalidCorrelation, err)
	}
	var t CorrelationToken
	if err := json.Unmarshal(raw, &t); err != nil {
		return CorrelationToken{}, fmt.Errorf("%w: %v", ErrInvalidCorrelation, err)
	}
	if t.TierID == "" || t.TicketCount <= 0 {
		return CorrelationToken{}, ErrInvalidCorrelation
	}
	return t, nil
}
