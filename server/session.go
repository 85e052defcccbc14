package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/wolfeidau/offline-cache/queue"
	"github.com/wolfeidau/offline-cache/remoteapi"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// maxOrderBody bounds order request bodies.
const maxOrderBody = 64 << 10

// handleCreateOrder submits a new order. Sent orders answer 201, queued
// orders 202.
func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "create_order")
	s.submit(w, r, queue.KindCreate, "")
}

// handleUpdateOrder submits an edit of an existing order.
func (s *Server) handleUpdateOrder(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "update_order")
	s.submit(w, r, queue.KindUpdate, r.PathValue("poNumber"))
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, kind queue.Kind, poNumber string) {
	var order remoteapi.PurchaseOrder
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOrderBody)).Decode(&order); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding order: %w", err))
		return
	}
	if poNumber != "" {
		order.PONumber = poNumber
	}

	res, err := s.session.Submit(r.Context(), kind, order, r.Header.Get("X-Correlation-ID"))
	if err != nil {
		var apiErr *remoteapi.APIError
		switch {
		case errors.As(err, &apiErr):
			writeError(w, http.StatusUnprocessableEntity, err)
		case errors.Is(err, queue.ErrInvalidWrite):
			writeError(w, http.StatusBadRequest, err)
		default:
			s.logger.Error("order submit failed", "kind", kind, "error", err)
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	status := http.StatusCreated
	if res.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// handleListOrders lists orders from the API.
func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "list_orders")

	orders, err := s.session.Orders(r.Context())
	if err != nil {
		writeSessionReadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// handleLookups returns the order form reference data.
func (s *Server) handleLookups(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "lookups")

	lookups, err := s.session.Lookups(r.Context())
	if err != nil {
		writeSessionReadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lookups)
}

// handleQueue reports the session state including pending writes.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "queue")

	status, err := s.session.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleDiscard drops a queued write that can never succeed.
func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "discard")

	err := s.session.Discard(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleSync marks the session online and schedules a replay of the queue.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r.Context(), "sync")

	if err := s.session.Reconnected(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}

func writeSessionReadError(w http.ResponseWriter, err error) {
	var apiErr *remoteapi.APIError
	switch {
	case remoteapi.IsOffline(err):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.As(err, &apiErr):
		writeError(w, http.StatusBadGateway, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
