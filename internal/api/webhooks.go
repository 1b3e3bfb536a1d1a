package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"LeaderDrip/internal/db"
	"LeaderDrip/internal/models"
)

type deliveryEventRequest struct {
	Type      string `json:"type" validate:"required,oneof=opened clicked bounced"`
	MessageID string `json:"message_id" validate:"required,max=255"`
}

// DeliveryWebhook applies a provider open/click/bounce event to the email
// record carrying the provider message id.
func (h *Handler) DeliveryWebhook(w http.ResponseWriter, r *http.Request) {
	var req deliveryEventRequest
	if !decode(w, r, &req) {
		return
	}

	err := h.Store.RecordDeliveryEvent(r.Context(), req.MessageID, models.DeliveryEvent(req.Type), time.Now())
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondErr(w, http.StatusNotFound, "unknown message id")
			return
		}
		h.respondInternalErr(w, r, fmt.Errorf("record delivery event: %w", err))
		return
	}

	h.Log.Debug("delivery event recorded",
		zap.String("type", req.Type),
		zap.String("message_id", req.MessageID),
	)
	w.WriteHeader(http.StatusNoContent)
}
