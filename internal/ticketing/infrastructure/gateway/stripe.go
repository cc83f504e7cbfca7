package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/konferenco/ticketd/internal/ticketing/application"
	"github.com/konferenco/ticketd/internal/ticketing/domain"
)

// StripeGateway performs synchronous card charges. The result is terminal
// when this call returns; no callback follows.
type StripeGateway struct {
	log      *slog.Logger
	sc       *client.API
	currency string
}

func NewStripeGateway(log *slog.Logger, apiKey, currency string) *StripeGateway {
	if currency == "" {
		currency = "usd"
	}
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &StripeGateway{log: log, sc: sc, currency: strings.ToLower(currency)}
}

func (g *StripeGateway) Initiate(ctx context.Context, req application.PaymentRequest) (application.PaymentHandle, error) {
	currency := g.currency
	if req.Currency != "" {
		currency = strings.ToLower(req.Currency)
	}

	params := &stripe.ChargeParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	params.AddMetadata("correlation", req.CorrelationToken)
	if err := params.SetSource(req.CardToken); err != nil {
		return application.PaymentHandle{}, fmt.Errorf("%w: %v", domain.ErrGatewayRejected, err)
	}

	ch, err := g.sc.Charges.New(params)
	if err != nil {
		return application.PaymentHandle{}, g.mapError(err)
	}
	if ch.Status == "failed" {
		return application.PaymentHandle{}, fmt.Errorf("%w: charge failed (%s)", domain.ErrGatewayRejected, ch.FailureCode)
	}

	return application.PaymentHandle{
		ProviderTransactionID: ch.ID,
		Status:                domain.StatusPaid,
		AmountCents:           ch.Amount,
		Currency:              strings.ToUpper(string(ch.Currency)),
	}, nil
}

func (g *StripeGateway) mapError(err error) error {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		if sErr.HTTPStatusCode >= 500 {
			return fmt.Errorf("%w: %s", domain.ErrGatewayUnavailable, sErr.Msg)
		}
		g.log.Info("stripe charge rejected", "code", sErr.Code, "type", sErr.Type)
		return fmt.Errorf("%w: %s", domain.ErrGatewayRejected, sErr.Msg)
	}
	return fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
}
