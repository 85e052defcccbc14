package sheets

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/wolfeidau/offline-cache/remoteapi"
)

// Messages reported to API callers.
const (
	MsgOrderExists     = "Order number already exists"
	MsgOrderNumberReqd = "Order number is required"
	MsgOrderNotFound   = "Order not found"
)

var (
	ErrOrderExists     = errors.New(MsgOrderExists)
	ErrOrderNumberReqd = errors.New(MsgOrderNumberReqd)
	ErrOrderNotFound   = errors.New(MsgOrderNotFound)
)

// Orders sheet columns.
const (
	colPONumber = iota
	colDate
	colSubmittedBy
	colInitials
	colLocation
	colDepartment
	colSupplier
	colCategory
	colItem
	colDescription
	colQuantity
	colPaymentTerms
	colEditedAt
	colEditedBy
	orderColumns
)

func orderHeader() []any {
	return []any{
		"PO Number", "Date", "Submitted By", "Initials", "Location", "Department",
		"Supplier", "Category", "Item", "Description", "Quantity", "Payment Terms",
		"Edited At", "Edited By",
	}
}

func orderFromRow(row []any) remoteapi.PurchaseOrder {
	return remoteapi.PurchaseOrder{
		PONumber:     cellString(cell(row, colPONumber)),
		Date:         cellString(cell(row, colDate)),
		SubmittedBy:  cellString(cell(row, colSubmittedBy)),
		Initials:     cellString(cell(row, colInitials)),
		Location:     cellString(cell(row, colLocation)),
		Department:   cellString(cell(row, colDepartment)),
		Supplier:     cellString(cell(row, colSupplier)),
		Category:     cellString(cell(row, colCategory)),
		Item:         cellString(cell(row, colItem)),
		Description:  cellString(cell(row, colDescription)),
		Quantity:     cellString(cell(row, colQuantity)),
		PaymentTerms: cellString(cell(row, colPaymentTerms)),
		EditedAt:     cellString(cell(row, colEditedAt)),
		EditedBy:     cellString(cell(row, colEditedBy)),
	}
}

func orderToRow(o remoteapi.PurchaseOrder) []any {
	row := make([]any, orderColumns)
	row[colPONumber] = o.PONumber
	row[colDate] = o.Date
	row[colSubmittedBy] = o.SubmittedBy
	row[colInitials] = o.Initials
	row[colLocation] = o.Location
	row[colDepartment] = o.Department
	row[colSupplier] = o.Supplier
	row[colCategory] = o.Category
	row[colItem] = o.Item
	row[colDescription] = o.Description
	row[colQuantity] = o.Quantity
	row[colPaymentTerms] = o.PaymentTerms
	row[colEditedAt] = o.EditedAt
	row[colEditedBy] = o.EditedBy
	return row
}

// ordersSheet returns the orders sheet, creating it when missing.
func ordersSheet(b Book) *Sheet {
	s := b.Sheet(SheetOrders)
	if s == nil {
		s = &Sheet{Rows: [][]any{orderHeader()}}
		b[SheetOrders] = s
	}
	return s
}

// findOrder returns the row index of poNumber, or -1.
func findOrder(s *Sheet, poNumber string) int {
	for i := 1; i < len(s.Rows); i++ {
		if cellString(cell(s.Rows[i], colPONumber)) == poNumber {
			return i
		}
	}
	return -1
}

// GetOrders returns every order in sheet order.
func GetOrders(ctx context.Context, wb Workbook) ([]remoteapi.PurchaseOrder, error) {
	var orders []remoteapi.PurchaseOrder
	err := wb.View(ctx, func(b Book) error {
		for _, row := range b.Sheet(SheetOrders).Data() {
			if cellString(cell(row, colPONumber)) == "" {
				continue
			}
			orders = append(orders, orderFromRow(row))
		}
		return nil
	})
	if orders == nil {
		orders = []remoteapi.PurchaseOrder{}
	}
	return orders, err
}

// AddOrder appends o. The order number must be present and unused.
func AddOrder(ctx context.Context, wb Workbook, o remoteapi.PurchaseOrder) (string, error) {
	o.PONumber = strings.TrimSpace(o.PONumber)
	if o.PONumber == "" {
		return "", ErrOrderNumberReqd
	}
	err := wb.Update(ctx, func(b Book) error {
		s := ordersSheet(b)
		if findOrder(s, o.PONumber) >= 0 {
			return ErrOrderExists
		}
		s.Rows = append(s.Rows, orderToRow(o))
		return nil
	})
	if err != nil {
		return "", err
	}
	return o.PONumber, nil
}

// UpdateOrder replaces the row whose order number matches o exactly and
// stamps the edit time when o carries none.
func UpdateOrder(ctx context.Context, wb Workbook, o remoteapi.PurchaseOrder, now time.Time) (string, error) {
	if o.PONumber == "" {
		return "", ErrOrderNumberReqd
	}
	if o.EditedAt == "" {
		o.EditedAt = now.UTC().Format(time.RFC3339)
	}
	err := wb.Update(ctx, func(b Book) error {
		s := ordersSheet(b)
		i := findOrder(s, o.PONumber)
		if i < 0 {
			return ErrOrderNotFound
		}
		s.Rows[i] = orderToRow(o)
		return nil
	})
	if err != nil {
		return "", err
	}
	return o.PONumber, nil
}
