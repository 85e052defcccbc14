package sheets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wolfeidau/offline-cache/remoteapi"
	"github.com/wolfeidau/offline-cache/telemetry"
)

const msgUnknownAction = "Unknown action"

// Handler serves the order API. Every response is status 200 with a JSON
// envelope; failures set success to false and carry the error message.
type Handler struct {
	workbook Workbook
	mailer   Mailer
	logger   *slog.Logger
	now      func() time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger for the handler.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMailer sets the mailer used by sendCode.
func WithMailer(m Mailer) HandlerOption {
	return func(h *Handler) {
		h.mailer = m
	}
}

// WithClock sets the time function for testing.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler creates an API handler over wb.
func NewHandler(wb Workbook, opts ...HandlerOption) *Handler {
	h := &Handler{
		workbook: wb,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "sheets")
	if h.mailer == nil {
		h.mailer = &LogMailer{Logger: h.logger}
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	action := r.FormValue("action")
	telemetry.SetEndpoint(r.Context(), action)

	params := func(k string) string { return r.FormValue(k) }
	env, err := h.Do(r.Context(), action, params)
	if err != nil {
		h.logger.Warn("action failed", "action", action, "error", err)
		env = &remoteapi.Envelope{Success: false, Error: err.Error()}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(env); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// Do runs action with the given parameter lookup.
func (h *Handler) Do(ctx context.Context, action string, param func(string) string) (*remoteapi.Envelope, error) {
	switch action {
	case remoteapi.ActionGetOrders:
		orders, err := GetOrders(ctx, h.workbook)
		if err != nil {
			return nil, err
		}
		return &remoteapi.Envelope{Success: true, Orders: orders}, nil

	case remoteapi.ActionAddOrder:
		o, err := decodeOrder(param("order"))
		if err != nil {
			return nil, err
		}
		po, err := AddOrder(ctx, h.workbook, o)
		if err != nil {
			return nil, err
		}
		h.logger.Info("order added", "po_number", po)
		return &remoteapi.Envelope{Success: true, PONumber: po}, nil

	case remoteapi.ActionUpdateOrder:
		o, err := decodeOrder(param("order"))
		if err != nil {
			return nil, err
		}
		po, err := UpdateOrder(ctx, h.workbook, o, h.now())
		if err != nil {
			return nil, err
		}
		h.logger.Info("order updated", "po_number", po)
		return &remoteapi.Envelope{Success: true, PONumber: po}, nil

	case remoteapi.ActionSendCode:
		email, name, code := param("email"), param("name"), param("code")
		if err := validateCodeRequest(email, code); err != nil {
			return nil, err
		}
		if err := h.mailer.SendCode(ctx, email, name, code); err != nil {
			return nil, fmt.Errorf("sending code: %w", err)
		}
		return &remoteapi.Envelope{Success: true, Message: "Code sent"}, nil

	case remoteapi.ActionGetLookups:
		res, err := GetLookups(ctx, h.workbook, h.now())
		if err != nil {
			return nil, err
		}
		return &remoteapi.Envelope{
			Success:   true,
			Lookups:   res.Lookups,
			Timestamp: res.Timestamp.Format(time.RFC3339Nano),
		}, nil

	default:
		return &remoteapi.Envelope{Success: false, Error: msgUnknownAction}, nil
	}
}

func decodeOrder(raw string) (remoteapi.PurchaseOrder, error) {
	var o remoteapi.PurchaseOrder
	if raw == "" {
		return o, fmt.Errorf("missing order parameter")
	}
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return o, fmt.Errorf("parsing order: %w", err)
	}
	return o, nil
}
