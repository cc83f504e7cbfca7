package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/konferenco/ticketd/internal/ticketing/application"
	"github.com/konferenco/ticketd/internal/ticketing/domain"
)

func globeeTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGlobeeGateway_Initiate(t *testing.T) {
	t.Parallel()

	req := application.PaymentRequest{
		AmountCents:      14000,
		CustomerName:     "Alice",
		CustomerEmail:    "alice@example.com",
		CorrelationToken: "token-1",
	}

	t.Run("creates a payment request", func(t *testing.T) {
		var captured globeeRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/payment-request" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			if got := r.Header.Get("X-AUTH-KEY"); got != "secret" {
				t.Errorf("unexpected auth key %q", got)
			}
			if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
				t.Errorf("decode request: %v", err)
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data":{
				"id": "glb-1",
				"status": "unpaid",
				"total": "140.00",
				"currency": "USD",
				"redirect_url": "https://globee.test/pay/glb-1",
				"expires_at": "2025-06-01 12:30:00"
			}}`))
		}))
		defer srv.Close()

		gw := NewGlobeeGateway(globeeTestLogger(), GlobeeConfig{
			BaseURL:     srv.URL,
			AuthKey:     "secret",
			SuccessURL:  "https://tickets.example/thanks",
			CallbackURL: "https://tickets.example/webhooks/globee",
		})

		handle, err := gw.Initiate(context.Background(), req)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if captured.Total != "140.00" || captured.Currency != "USD" {
			t.Fatalf("unexpected outgoing amount %q %q", captured.Total, captured.Currency)
		}
		if captured.CallbackData != "token-1" {
			t.Fatalf("correlation token not forwarded: %q", captured.CallbackData)
		}
		if captured.IPNURL != "https://tickets.example/webhooks/globee" {
			t.Fatalf("callback URL not forwarded: %q", captured.IPNURL)
		}

		if handle.ProviderTransactionID != "glb-1" {
			t.Fatalf("unexpected id %q", handle.ProviderTransactionID)
		}
		if handle.Status != domain.StatusPending {
			t.Fatalf("async initiate must report pending, got %s", handle.Status)
		}
		if handle.AmountCents != 14000 {
			t.Fatalf("unexpected amount %d", handle.AmountCents)
		}
		if handle.RedirectURL != "https://globee.test/pay/glb-1" {
			t.Fatalf("unexpected redirect %q", handle.RedirectURL)
		}
		want := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
		if !handle.ExpiresAt.Equal(want) {
			t.Fatalf("expected expiry %v, got %v", want, handle.ExpiresAt)
		}
	})

	t.Run("provider 5xx maps to unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		gw := NewGlobeeGateway(globeeTestLogger(), GlobeeConfig{BaseURL: srv.URL})
		_, err := gw.Initiate(context.Background(), req)
		if !errors.Is(err, domain.ErrGatewayUnavailable) {
			t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
		}
	})

	t.Run("provider 4xx maps to rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
		}))
		defer srv.Close()

		gw := NewGlobeeGateway(globeeTestLogger(), GlobeeConfig{BaseURL: srv.URL})
		_, err := gw.Initiate(context.Background(), req)
		if !errors.Is(err, domain.ErrGatewayRejected) {
			t.Fatalf("expected ErrGatewayRejected, got %v", err)
		}
	})

	t.Run("unreachable provider maps to unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		srv.Close()

		gw := NewGlobeeGateway(globeeTestLogger(), GlobeeConfig{BaseURL: srv.URL})
		_, err := gw.Initiate(context.Background(), req)
		if !errors.Is(err, domain.ErrGatewayUnavailable) {
			t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
		}
	})

	t.Run("response missing payment id", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"data":{}}`))
		}))
		defer srv.Close()

		gw := NewGlobeeGateway(globeeTestLogger(), GlobeeConfig{BaseURL: srv.URL})
		_, err := gw.Initiate(context.Background(), req)
		if !errors.Is(err, domain.ErrGatewayUnavailable) {
			t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
		}
	})
}

func TestAmountRoundTrip(t *testing.T) {
	t.Parallel()

	cases := map[int64]string{
		14000: "140.00",
		2050:  "20.50",
		99:    "0.99",
	}
	for cents, want := range cases {
		if got := formatAmount(cents); got != want {
			t.Fatalf("formatAmount(%d) = %q, want %q", cents, got, want)
		}
		if got := parseAmount(want, 0); got != cents {
			t.Fatalf("parseAmount(%q) = %d, want %d", want, got, cents)
		}
	}
	if got := parseAmount("garbage", 1234); got != 1234 {
		t.Fatalf("parseAmount fallback = %d, want 1234", got)
	}
}

func TestParseExpiry(t *testing.T) {
	t.Parallel()

	want := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	if got := parseExpiry("2025-06-01T12:30:00Z"); !got.Equal(want) {
		t.Fatalf("rfc3339: got %v", got)
	}
	if got := parseExpiry("2025-06-01 12:30:00"); !got.Equal(want) {
		t.Fatalf("space layout: got %v", got)
	}
	if got := parseExpiry("whenever"); !got.IsZero() {
		t.Fatalf("unparseable input must yield zero time, got %v", got)
	}
}
