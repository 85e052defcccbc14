package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfeidau/offline-cache/queue"
	"github.com/wolfeidau/offline-cache/remoteapi"
)

// orderExists is the API's rejection for a create whose number is taken.
const orderExists = "Order number already exists"

var _ queue.Replayer = (*Session)(nil)

// Replay sends one queued write. An unconfirmed create rejected as already
// existing is committed only when the stored order matches the queued one.
func (s *Session) Replay(ctx context.Context, w *queue.Write) error {
	_, err := s.send(ctx, w)
	if err == nil {
		return nil
	}

	var apiErr *remoteapi.APIError
	if w.Kind != queue.KindCreate || !w.Unconfirmed ||
		!errors.As(err, &apiErr) || apiErr.Message != orderExists {
		return err
	}

	applied, lookupErr := s.createApplied(ctx, w.Order)
	if lookupErr != nil {
		return fmt.Errorf("checking existing order %s: %w", w.Order.PONumber, lookupErr)
	}
	if !applied {
		return err
	}
	s.logger.Info("create already applied", "id", w.ID, "po_number", w.Order.PONumber)
	return nil
}

// createApplied reports whether the API holds an order equal to o.
func (s *Session) createApplied(ctx context.Context, o remoteapi.PurchaseOrder) (bool, error) {
	orders, err := s.api.GetOrders(ctx)
	if err != nil {
		return false, err
	}
	for _, stored := range orders {
		if strings.TrimSpace(stored.PONumber) == strings.TrimSpace(o.PONumber) {
			return sameOrder(stored, o), nil
		}
	}
	return false, nil
}

// sameOrder compares the submitted fields of two orders.
func sameOrder(a, b remoteapi.PurchaseOrder) bool {
	a.EditedAt, a.EditedBy = "", ""
	b.EditedAt, b.EditedBy = "", ""
	return trimOrder(a) == trimOrder(b)
}

func trimOrder(o remoteapi.PurchaseOrder) remoteapi.PurchaseOrder {
	for _, f := range []*string{
		&o.PONumber, &o.Date, &o.SubmittedBy, &o.Initials, &o.Location, &o.Department,
		&o.Supplier, &o.Category, &o.Item, &o.Description, &o.Quantity, &o.PaymentTerms,
	} {
		*f = strings.TrimSpace(*f)
	}
	return o
}

func (s *Session) send(ctx context.Context, w *queue.Write) (string, error) {
	switch w.Kind {
	case queue.KindCreate:
		return s.api.AddOrder(ctx, w.Order)
	case queue.KindUpdate:
		return s.api.UpdateOrder(ctx, w.Order)
	default:
		return "", fmt.Errorf("%w: unknown kind %q", queue.ErrInvalidWrite, w.Kind)
	}
}
