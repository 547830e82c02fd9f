package seller

import (
	"context"
	"errors"
	"log"
	"time"

	"bazaar/internal/idempotency"
	"bazaar/internal/protocol"

	"github.com/google/uuid"
)

// HandlerConfig configures a seller request handler.
type HandlerConfig struct {
	ProcessingDelay time.Duration
	Logf            func(format string, args ...any)
}

// Handler processes coordinator requests against the inventory. Requests
// carrying a message ID are deduplicated through the idempotency cache
// before any side effect runs; a hit returns the first response verbatim.
type Handler struct {
	sellerID        string
	inventory       *Inventory
	cache           idempotency.Cache
	processingDelay time.Duration
	logf            func(format string, args ...any)
}

// NewHandler constructs a handler for the seller's inventory.
func NewHandler(sellerID string, inventory *Inventory, cache idempotency.Cache, cfg HandlerConfig) *Handler {
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Handler{
		sellerID:        sellerID,
		inventory:       inventory,
		cache:           cache,
		processingDelay: cfg.ProcessingDelay,
		logf:            logf,
	}
}

// Handle executes one request and returns the encoded response payload.
func (h *Handler) Handle(ctx context.Context, req protocol.Message) []byte {
	if h.cache != nil && req.MessageID != "" {
		cached, hit, err := h.cache.Seen(ctx, req.MessageID)
		if err != nil {
			h.logf("seller %s: idempotency lookup %s: %v", h.sellerID, req.MessageID, err)
		} else if hit {
			h.logf("seller %s: replaying cached response for %s", h.sellerID, req.MessageID)
			return cached
		}
	}

	if h.processingDelay > 0 {
		timer := time.NewTimer(h.processingDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	resp := h.process(req)
	raw, err := protocol.Encode(resp)
	if err != nil {
		h.logf("seller %s: encode response: %v", h.sellerID, err)
		return nil
	}

	if h.cache != nil && req.MessageID != "" {
		if err := h.cache.Record(ctx, req.MessageID, raw); err != nil {
			h.logf("seller %s: idempotency record %s: %v", h.sellerID, req.MessageID, err)
		}
	}
	return raw
}

func (h *Handler) process(req protocol.Message) protocol.Message {
	switch req.Type {
	case protocol.KindReserve:
		reservationID, err := h.inventory.Reserve(req.Data.ProductID, req.Data.Quantity)
		if err != nil {
			h.logf("seller %s: reserve %dx %s: %v", h.sellerID, req.Data.Quantity, req.Data.ProductID, err)
			return h.errorResponse(req, err)
		}
		h.logf("seller %s: reserved %dx %s as %s", h.sellerID, req.Data.Quantity, req.Data.ProductID, reservationID)
		return h.successResponse(req, protocol.Payload{
			ProductID:     req.Data.ProductID,
			Quantity:      req.Data.Quantity,
			ReservationID: reservationID,
			OrderID:       req.Data.OrderID,
		})

	case protocol.KindConfirm:
		if err := h.inventory.Confirm(req.Data.ReservationID); err != nil {
			h.logf("seller %s: confirm %s: %v", h.sellerID, req.Data.ReservationID, err)
			return h.errorResponse(req, err)
		}
		h.logf("seller %s: confirmed %s", h.sellerID, req.Data.ReservationID)
		return h.successResponse(req, protocol.Payload{
			ReservationID: req.Data.ReservationID,
			OrderID:       req.Data.OrderID,
		})

	case protocol.KindCancel:
		if err := h.inventory.Cancel(req.Data.ReservationID); err != nil {
			h.logf("seller %s: cancel %s: %v", h.sellerID, req.Data.ReservationID, err)
			return h.errorResponse(req, err)
		}
		h.logf("seller %s: cancelled %s", h.sellerID, req.Data.ReservationID)
		return h.successResponse(req, protocol.Payload{
			ReservationID: req.Data.ReservationID,
			OrderID:       req.Data.OrderID,
		})

	default:
		return h.errorResponse(req, errors.New("unknown message type"))
	}
}

func (h *Handler) successResponse(req protocol.Message, data protocol.Payload) protocol.Message {
	return protocol.Message{
		MessageID:     uuid.NewString(),
		CorrelationID: req.CorrelationID,
		Type:          protocol.KindSuccess,
		SenderID:      h.sellerID,
		Timestamp:     time.Now().UnixMilli(),
		Data:          data,
	}
}

func (h *Handler) errorResponse(req protocol.Message, err error) protocol.Message {
	return protocol.Message{
		MessageID:     uuid.NewString(),
		CorrelationID: req.CorrelationID,
		Type:          protocol.KindError,
		SenderID:      h.sellerID,
		Timestamp:     time.Now().UnixMilli(),
		Data: protocol.Payload{
			ReservationID: req.Data.ReservationID,
			OrderID:       req.Data.OrderID,
			Reason:        reason(err),
		},
	}
}

// reason maps inventory errors to stable wire-level reasons.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient stock"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid quantity"
	case errors.Is(err, ErrUnknownProduct):
		return "unknown product"
	case errors.Is(err, ErrUnknownReservation):
		return "reservation not found"
	case errors.Is(err, ErrReservationExpired):
		return "reservation expired"
	case errors.Is(err, ErrAlreadyConfirmed):
		return "reservation already confirmed"
	default:
		return err.Error()
	}
}
