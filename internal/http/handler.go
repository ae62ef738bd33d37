package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"StxPayGateway/internal/models"
	"StxPayGateway/internal/services"
)

const (
	HeaderMerchantID     = "X-Merchant-Id"
	HeaderIdempotencyKey = "Idempotency-Key"

	maxBodyBytes = 1 << 16
)

type ChargeAPI interface {
	CreateCharge(ctx context.Context, merchantID string, amount int64, idemKey string) (*models.Charge, bool, error)
	GetCharge(ctx context.Context, merchantID, chargeID string) (*models.Charge, error)
	CancelCharge(ctx context.Context, merchantID, chargeID string) (*models.Charge, error)
}

type Handler struct {
	Charges ChargeAPI
	Log     zerolog.Logger
}

type createChargeRequest struct {
	Amount int64 `json:"amount"`
}

func NewHandler(charges ChargeAPI, log zerolog.Logger) *Handler {
	return &Handler{Charges: charges, Log: log}
}

func (h *Handler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	var req createChargeRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	merchantID := strings.TrimSpace(r.Header.Get(HeaderMerchantID))
	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	charge, created, err := h.Charges.CreateCharge(r.Context(), merchantID, req.Amount, key)
	if err != nil {
		h.writeServiceError(w, err, "create charge failed")
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeJSON(w, status, charge.Public())
}

func (h *Handler) GetCharge(w http.ResponseWriter, r *http.Request) {
	chargeID := chi.URLParam(r, "chargeId")
	if chargeID == "" {
		writeError(w, http.StatusBadRequest, "missing charge id")
		return
	}
	charge, err := h.Charges.GetCharge(r.Context(), r.Header.Get(HeaderMerchantID), chargeID)
	if err != nil {
		h.writeServiceError(w, err, "get charge failed")
		return
	}
	writeJSON(w, http.StatusOK, charge.Public())
}

func (h *Handler) CancelCharge(w http.ResponseWriter, r *http.Request) {
	chargeID := chi.URLParam(r, "chargeId")
	if chargeID == "" {
		writeError(w, http.StatusBadRequest, "missing charge id")
		return
	}
	charge, err := h.Charges.CancelCharge(r.Context(), r.Header.Get(HeaderMerchantID), chargeID)
	if errors.Is(err, services.ErrConflict) && charge != nil {
		writeJSON(w, http.StatusConflict, conflictResponse{
			Error:  "charge is " + string(charge.Status) + " and can no longer be cancelled",
			Charge: charge.Public(),
		})
		return
	}
	if err != nil {
		h.writeServiceError(w, err, "cancel charge failed")
		return
	}
	writeJSON(w, http.StatusOK, charge.Public())
}

type conflictResponse struct {
	Error  string              `json:"error"`
	Charge models.PublicCharge `json:"charge"`
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, services.ErrMissingMerchantID):
		writeError(w, http.StatusUnauthorized, "missing merchant id")
	case errors.Is(err, services.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "amount below minimum")
	case errors.Is(err, services.ErrMerchantNotFound):
		writeError(w, http.StatusNotFound, "merchant not found")
	case errors.Is(err, services.ErrNotFound):
		writeError(w, http.StatusNotFound, "charge not found")
	case errors.Is(err, services.ErrConflict):
		writeError(w, http.StatusConflict, "charge can no longer be cancelled")
	case errors.Is(err, services.ErrIdempotencyMismatch):
		writeError(w, http.StatusUnprocessableEntity, "idempotency key reused with a different amount")
	case errors.Is(err, services.ErrXprvNotConfigured):
		writeError(w, http.StatusPreconditionFailed, "wallet xprv not configured")
	default:
		h.Log.Error().Err(err).Msg(fallback)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}
