package domain

import (
	"errors"
	"testing"
)

func TestCorrelationTokenRoundTrip(t *testing.T) {
	t.Parallel()

	token := CorrelationToken{TierID: "platinum", TicketCount: 4}
	decoded, err := DecodeCorrelationToken(token.Encode())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if decoded != token {
		t.Fatalf("expected %+v, got %+v", token, decoded)
	}
}

func TestDecodeCorrelationTokenRejectsGarbage(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not base64":        "!!!",
		"not json":          "bm90IGpzb24",
		"missing tier":      CorrelationToken{TicketCount: 2}.Encode(),
		"zero ticket count": CorrelationToken{TierID: "general"}.Encode(),
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeCorrelationToken(input); !errors.Is(err, ErrInvalidCorrelation) {
				t.Fatalf("expected ErrInvalidCorrelation, got %v", err)
			}
		})
	}
}
