// Package api exposes the payment workflow over HTTP: checkout initiation,
// payment lookup and the provider webhook.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"cryptocheckout/internal/common/api"
	"cryptocheckout/internal/common/database"
	"cryptocheckout/internal/ledgerclient"
	"cryptocheckout/internal/order"
	"cryptocheckout/internal/payment"
)

// Config holds payment API configuration.
type Config struct {
	// WebhookToken is the shared secret providers send in X-Webhook-Token.
	// Empty disables the check, for local development only.
	WebhookToken string `envconfig:"PAYMENT_WEBHOOK_TOKEN"`
}

// Handler serves payment endpoints.
type Handler struct {
	orchestrator *payment.Orchestrator
	orders       order.Store
	watchers     *payment.Manager
	config       Config
	logger       *slog.Logger
}

// NewHandler creates a payment API handler.
func NewHandler(orchestrator *payment.Orchestrator, orders order.Store, watchers *payment.Manager, cfg Config, logger *slog.Logger) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		orders:       orders,
		watchers:     watchers,
		config:       cfg,
		logger:       logger,
	}
}

// Routes returns the payment route tree.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/initiate", h.initiate)
	r.Get("/{paymentID}", h.get)
	r.Post("/webhook/{provider}", h.webhook)
	return r
}

// writeDecodeError maps a body that fails to parse to 400 and a parsed body
// that fails validation to 422.
func writeDecodeError(w http.ResponseWriter, err error) {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		api.ValidationError(w, err)
		return
	}
	api.BadRequest(w, "invalid request body")
}

type initiateRequest struct {
	OrderID string `json:"order_id" validate:"required"`
	Method  string `json:"method" validate:"required,oneof=crypto_btc crypto_eth crypto_usdt"`
}

func (h *Handler) initiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	o, err := h.orders.Get(r.Context(), req.OrderID)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "order not found")
			return
		}
		h.logger.Error("get order", "order_id", req.OrderID, "error", err)
		api.InternalError(w, "failed to load order")
		return
	}

	desc, err := h.orchestrator.Initiate(r.Context(), o, payment.Method(req.Method))
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrUnsupportedMethod):
			api.BadRequest(w, "unsupported payment method")
		case errors.Is(err, payment.ErrDuplicateActivePayment):
			api.Conflict(w, "order already has an active payment")
		case database.IsConflict(err):
			api.Conflict(w, "order is not payable")
		case ledgerclient.IsUnavailable(err):
			api.WriteError(w, http.StatusServiceUnavailable, api.ErrCodeServiceUnavail, "ledger unavailable, try again")
		default:
			h.logger.Error("initiate payment", "order_id", req.OrderID, "error", err)
			api.InternalError(w, "failed to initiate payment")
		}
		return
	}

	h.watchers.Watch(context.WithoutCancel(r.Context()), desc.PaymentID)

	api.WriteData(w, http.StatusCreated, desc)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentID")

	desc, err := h.orchestrator.Describe(r.Context(), paymentID)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "payment not found")
			return
		}
		h.logger.Error("get payment", "payment_id", paymentID, "error", err)
		api.InternalError(w, "failed to load payment")
		return
	}

	api.WriteData(w, http.StatusOK, desc)
}

type webhookRequest struct {
	PaymentID string `json:"payment_id" validate:"required"`
	TxHash    string `json:"tx_hash" validate:"required"`
}

type webhookResponse struct {
	PaymentID     string         `json:"payment_id"`
	Status        payment.Status `json:"status"`
	Confirmations int            `json:"confirmations"`
}

// webhook receives provider notifications about on-chain activity. The
// handler never trusts the notification payload beyond the hash; amounts and
// confirmations are re-read from the chain.
func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	if h.config.WebhookToken != "" {
		token := r.Header.Get("X-Webhook-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.config.WebhookToken)) != 1 {
			api.Unauthorized(w, "invalid webhook token")
			return
		}
	}

	var req webhookRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	p, err := h.orchestrator.ObserveTransaction(r.Context(), req.PaymentID, req.TxHash, "webhook:"+provider)
	if err != nil {
		switch {
		case database.IsNotFound(err):
			api.NotFound(w, "payment not found")
		case errors.Is(err, payment.ErrPaymentExpired):
			api.Conflict(w, "payment expired")
		case errors.Is(err, payment.ErrStaleTransaction):
			h.logger.Warn("webhook with mismatched tx hash",
				"payment_id", req.PaymentID,
				"tx_hash", req.TxHash,
				"provider", provider,
			)
			api.Conflict(w, "payment is bound to a different transaction")
		case errors.Is(err, payment.ErrForeignTransaction):
			h.logger.Warn("webhook with foreign tx hash",
				"payment_id", req.PaymentID,
				"tx_hash", req.TxHash,
				"provider", provider,
			)
			api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, "transaction does not pay this payment")
		case errors.Is(err, payment.ErrAmountInsufficient):
			api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, "received amount below quoted amount")
		case errors.Is(err, ledgerclient.ErrTxNotFound):
			api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, "transaction not found on chain")
		case ledgerclient.IsUnavailable(err):
			api.WriteError(w, http.StatusServiceUnavailable, api.ErrCodeServiceUnavail, "ledger unavailable, retry later")
		default:
			h.logger.Error("webhook observation",
				"payment_id", req.PaymentID,
				"provider", provider,
				"error", err,
			)
			api.InternalError(w, "failed to process notification")
		}
		return
	}

	// A repeated notification for the bound hash would otherwise answer
	// with the stored count; re-read depth so the reply is current. The
	// stored payment still answers if the chain read fails here.
	if p.Status == payment.StatusProcessing {
		if refreshed, _, err := h.orchestrator.RefreshConfirmations(r.Context(), p.ID); err == nil {
			p = refreshed
		}
	}

	h.watchers.Watch(context.WithoutCancel(r.Context()), p.ID)

	api.WriteData(w, http.StatusOK, webhookResponse{
		PaymentID:     p.ID,
		Status:        p.Status,
		Confirmations: p.Confirmations,
	})
}
