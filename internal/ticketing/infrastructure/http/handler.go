package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/konferenco/ticketd/internal/ticketing/application"
	"github.com/konferenco/ticketd/internal/ticketing/domain"
	"github.com/konferenco/ticketd/pkg/idempotency"
)

// Handler is the thin HTTP wrapper over the engine. All correctness lives
// below it; this layer only decodes, dispatches and maps errors.
type Handler struct {
	log          *slog.Logger
	reservations *application.ReservationService
	reconciler   *application.ReconcileService
	dedup        *idempotency.Store
	tracer       trace.Tracer
}

// NewHandler builds the wrapper. dedup may be nil; the reconciler is
// idempotent without it.
func NewHandler(log *slog.Logger, reservations *application.ReservationService, reconciler *application.ReconcileService, dedup *idempotency.Store) *Handler {
	return &Handler{
		log:          log,
		reservations: reservations,
		reconciler:   reconciler,
		dedup:        dedup,
		tracer:       otel.Tracer("ticketd-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.health)
	r.Get("/tickets", h.listTickets)
	r.Post("/tickets/globee", h.reserveAsync)
	r.Post("/tickets/stripe", h.reserveSync)
	r.Post("/webhooks/globee", h.providerNotification)
	return r
}

type attendeeReq struct {
	Name        string `json:"name"`
	Institution string `json:"institution"`
}

type reserveReq struct {
	PurchaserName  string        `json:"purchaserName"`
	PurchaserEmail string        `json:"purchaserEmail"`
	Tier           string        `json:"tier"`
	Attendees      []attendeeReq `json:"attendees"`
	AllowEmail     bool          `json:"allowEmail"`
	Token          string        `json:"token"`
}

type attendeeResp struct {
	Name             string `json:"name"`
	Institution      string `json:"institution,omitempty"`
	ConfirmationCode string `json:"confirmationCode"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listTickets(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ListTickets")
	defer span.End()

	snaps, err := h.reservations.Snapshots(ctx)
	if err != nil {
		h.log.Error("tier snapshot read failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Internal application error"})
		return
	}

	out := make(map[string]map[string]any, len(snaps))
	for _, s := range snaps {
		out[s.TierID] = map[string]any{
			"inventory":  s.Remaining,
			"priceCents": s.PriceCents,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) reserveAsync(w http.ResponseWriter, r *http.Request) {
	h.reserve(w, r, domain.PaymentGlobee)
}

func (h *Handler) reserveSync(w http.ResponseWriter, r *http.Request) {
	h.reserve(w, r, domain.PaymentStripe)
}

func (h *Handler) reserve(w http.ResponseWriter, r *http.Request, method domain.PaymentType) {
	ctx, span := h.tracer.Start(r.Context(), "Reserve")
	defer span.End()

	var req reserveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Bad Request"})
		return
	}

	in := application.ReserveInput{
		TierID:         req.Tier,
		PurchaserName:  req.PurchaserName,
		PurchaserEmail: req.PurchaserEmail,
		PaymentType:    method,
		AllowEmail:     req.AllowEmail,
		CardToken:      req.Token,
	}
	for _, a := range req.Attendees {
		in.Attendees = append(in.Attendees, application.AttendeeInput{Name: a.Name, Institution: a.Institution})
	}

	result, err := h.reservations.Reserve(ctx, in)
	if err != nil {
		h.writeReserveError(w, req.Tier, err)
		return
	}

	if result.Receipt != nil {
		attendees := make([]attendeeResp, 0, len(result.Receipt.Attendees))
		for _, a := range result.Receipt.Attendees {
			attendees = append(attendees, attendeeResp{Name: a.Name, Institution: a.Institution, ConfirmationCode: a.ConfirmationCode})
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"transactionId": result.Receipt.TransactionID,
			"amountCents":   result.Receipt.AmountCents,
			"currency":      result.Receipt.Currency,
			"attendees":     attendees,
		})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"redirectUrl": result.RedirectURL})
}

type notificationReq struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	CallbackData string `json:"callback_data"`
}

func (h *Handler) providerNotification(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ProviderNotification")
	defer span.End()

	var req notificationReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	status := normalizeProviderStatus(req.Status)

	if h.dedup != nil {
		seen, err := h.dedup.Seen(ctx, h.dedup.NotificationKey(req.ID, string(status)))
		if err != nil {
			// Redis being down only costs the fast path.
			h.log.Warn("notification dedup check failed", "transaction_id", req.ID, "err", err)
		} else if seen {
			h.log.Info("duplicate notification short-circuited", "transaction_id", req.ID, "status", status)
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	err := h.reconciler.OnProviderNotification(ctx, application.Notification{
		ProviderTransactionID: req.ID,
		Status:                status,
		CorrelationToken:      req.CallbackData,
	})
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, domain.ErrTransactionNotFound):
		// Logged by the reconciler; the provider only notifies once, so a
		// failure status would not get this redelivered usefully.
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, domain.ErrInvalidCorrelation), errors.Is(err, domain.ErrInvalidNotification):
		w.WriteHeader(http.StatusBadRequest)
	default:
		h.log.Error("notification processing failed", "transaction_id", req.ID, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (h *Handler) writeReserveError(w http.ResponseWriter, tier string, err error) {
	switch {
	case errors.Is(err, domain.ErrTierNotFound):
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "No ticket information was found for " + tier})
	case errors.Is(err, domain.ErrNoActivePriceWindow):
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Ticket sales for " + tier + " have closed"})
	case errors.Is(err, domain.ErrInsufficientInventory):
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Insufficient inventory for " + tier + " available"})
	case errors.Is(err, domain.ErrTicketLimitExceeded):
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Only 15 tickets may be purchased per transaction."})
	case errors.Is(err, domain.ErrIneligibleEmail):
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Requires .edu email to purchase student tickets"})
	case errors.Is(err, domain.ErrInvalidAttendees), errors.Is(err, domain.ErrUnknownPaymentMethod):
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Bad Request"})
	case errors.Is(err, domain.ErrGatewayRejected):
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Payment was rejected by the provider"})
	case errors.Is(err, domain.ErrGatewayUnavailable):
		writeJSON(w, http.StatusBadGateway, map[string]string{"message": "Payment provider unavailable, please retry"})
	default:
		h.log.Error("reserve failed", "tier_id", tier, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Internal application error"})
	}
}

// normalizeProviderStatus collapses provider-specific vocabulary onto the
// engine's status set. Unknown values pass through for the reconciler to
// reject explicitly.
func normalizeProviderStatus(s string) domain.TxStatus {
	switch s {
	case "paid", "confirmed", "completed":
		return domain.StatusPaid
	case "expired":
		return domain.StatusExpired
	case "cancelled", "underpaid", "failed":
		return domain.StatusFailed
	case "unpaid", "draft":
		// Not an outcome yet; the reconciler treats a repeat of the
		// current status as a no-op.
		return domain.StatusPending
	default:
		return domain.TxStatus(s)
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
