package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/konferenco/ticketd/internal/ticketing/application"
	"github.com/konferenco/ticketd/internal/ticketing/domain"
)

// GlobeeConfig holds the crypto provider's endpoint and the URLs it sends
// the purchaser back to / posts settlement callbacks to.
type GlobeeConfig struct {
	BaseURL     string
	AuthKey     string
	Currency    string
	SuccessURL  string
	CallbackURL string
}

// GlobeeGateway creates asynchronous crypto payment requests. The charge
// settles later through the provider's instant payment notification, never
// in this call.
type GlobeeGateway struct {
	log    *slog.Logger
	client *http.Client
	cfg    GlobeeConfig
}

func NewGlobeeGateway(log *slog.Logger, cfg GlobeeConfig) *GlobeeGateway {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &GlobeeGateway{
		log:    log,
		client: &http.Client{Timeout: 15 * time.Second},
		cfg:    cfg,
	}
}

type globeeCustomer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type globeeRequest struct {
	Total        string         `json:"total"`
	Currency     string         `json:"currency"`
	Reference    string         `json:"custom_store_reference"`
	Customer     globeeCustomer `json:"customer"`
	CallbackData string         `json:"callback_data"`
	SuccessURL   string         `json:"success_url"`
	IPNURL       string         `json:"ipn_url"`
}

type globeeResponse struct {
	Data struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		Total       string `json:"total"`
		Currency    string `json:"currency"`
		RedirectURL string `json:"redirect_url"`
		ExpiresAt   string `json:"expires_at"`
	} `json:"data"`
}

func (g *GlobeeGateway) Initiate(ctx context.Context, req application.PaymentRequest) (application.PaymentHandle, error) {
	currency := req.Currency
	if currency == "" {
		currency = g.cfg.Currency
	}
	successURL := req.SuccessURL
	if successURL == "" {
		successURL = g.cfg.SuccessURL
	}
	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL = g.cfg.CallbackURL
	}

	body, err := json.Marshal(globeeRequest{
		Total:        formatAmount(req.AmountCents),
		Currency:     currency,
		Reference:    "Konferenco ticket sales",
		Customer:     globeeCustomer{Name: req.CustomerName, Email: req.CustomerEmail},
		CallbackData: req.CorrelationToken,
		SuccessURL:   successURL,
		IPNURL:       callbackURL,
	})
	if err != nil {
		return application.PaymentHandle{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/payment-request", bytes.NewReader(body))
	if err != nil {
		return application.PaymentHandle{}, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-AUTH-KEY", g.cfg.AuthKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return application.PaymentHandle{}, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return application.PaymentHandle{}, fmt.Errorf("%w: provider returned %d", domain.ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return application.PaymentHandle{}, fmt.Errorf("%w: provider returned %d", domain.ErrGatewayRejected, resp.StatusCode)
	}

	var parsed globeeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return application.PaymentHandle{}, fmt.Errorf("%w: decode response: %v", domain.ErrGatewayUnavailable, err)
	}
	if parsed.Data.ID == "" {
		return application.PaymentHandle{}, fmt.Errorf("%w: response missing payment id", domain.ErrGatewayUnavailable)
	}

	return application.PaymentHandle{
		ProviderTransactionID: parsed.Data.ID,
		Status:                domain.StatusPending,
		AmountCents:           parseAmount(parsed.Data.Total, req.AmountCents),
		Currency:              parsed.Data.Currency,
		RedirectURL:           parsed.Data.RedirectURL,
		ExpiresAt:             parseExpiry(parsed.Data.ExpiresAt),
	}, nil
}

func formatAmount(cents int64) string {
	return strconv.FormatFloat(float64(cents)/100, 'f', 2, 64)
}

func parseAmount(total string, fallback int64) int64 {
	f, err := strconv.ParseFloat(total, 64)
	if err != nil {
		return fallback
	}
	return int64(f*100 + 0.5)
}

// parseExpiry tolerates both RFC 3339 and the provider's space-separated
// timestamp. A zero time tells the engine to apply its own hold TTL.
func parseExpiry(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
