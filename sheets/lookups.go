package sheets

import (
	"context"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/wolfeidau/offline-cache/remoteapi"
)

// IsActive reports whether an Active cell marks its row as active. The
// spreadsheet has used several encodings over time and all are accepted.
func IsActive(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch t {
		case "Yes", "yes", "TRUE", "true":
			return true
		}
	}
	return false
}

// LookupsResult is the getLookups payload.
type LookupsResult struct {
	Lookups   *remoteapi.Lookups
	Timestamp time.Time
}

// GetLookups collects the active rows of every reference sheet, sorted by
// name. Farms and Departments are nil when they have no active rows; the
// other lists are empty rather than nil.
func GetLookups(ctx context.Context, wb Workbook, now time.Time) (*LookupsResult, error) {
	// Collators are not safe for concurrent use.
	col := collate.New(language.English)
	less := func(a, b string) int { return col.CompareString(a, b) }

	l := &remoteapi.Lookups{}
	err := wb.View(ctx, func(b Book) error {
		l.Users = activeUsers(b.Sheet(SheetUsers))
		l.Suppliers = activeNames(b.Sheet(SheetSuppliers))
		l.Vehicles = activeItems(b.Sheet(SheetVehicles))
		l.Equipment = activeItems(b.Sheet(SheetEquipment))
		l.Tractors = activeItems(b.Sheet(SheetTractors))
		l.Farms = activeNames(b.Sheet(SheetFarms))
		l.Departments = activeNames(b.Sheet(SheetDepartments))
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(l.Users, func(a, b remoteapi.User) int { return less(a.Name, b.Name) })
	slices.SortStableFunc(l.Suppliers, less)
	slices.SortStableFunc(l.Vehicles, func(a, b remoteapi.Item) int { return less(a.Name, b.Name) })
	slices.SortStableFunc(l.Equipment, func(a, b remoteapi.Item) int { return less(a.Name, b.Name) })
	slices.SortStableFunc(l.Tractors, func(a, b remoteapi.Item) int { return less(a.Name, b.Name) })
	slices.SortStableFunc(l.Farms, less)
	slices.SortStableFunc(l.Departments, less)

	if len(l.Farms) == 0 {
		l.Farms = nil
	}
	if len(l.Departments) == 0 {
		l.Departments = nil
	}

	return &LookupsResult{Lookups: l, Timestamp: now.UTC()}, nil
}

// activeNames reads Name, Active rows.
func activeNames(s *Sheet) []string {
	out := []string{}
	for _, row := range s.Data() {
		name := strings.TrimSpace(cellString(cell(row, 0)))
		if name != "" && IsActive(cell(row, 1)) {
			out = append(out, name)
		}
	}
	return out
}

// activeItems reads ID, Name, Active rows.
func activeItems(s *Sheet) []remoteapi.Item {
	out := []remoteapi.Item{}
	for _, row := range s.Data() {
		name := strings.TrimSpace(cellString(cell(row, 1)))
		if name != "" && IsActive(cell(row, 2)) {
			out = append(out, remoteapi.Item{ID: cellString(cell(row, 0)), Name: name})
		}
	}
	return out
}

// activeUsers reads Name, Email, Active rows.
func activeUsers(s *Sheet) []remoteapi.User {
	out := []remoteapi.User{}
	for _, row := range s.Data() {
		name := strings.TrimSpace(cellString(cell(row, 0)))
		if name != "" && IsActive(cell(row, 2)) {
			out = append(out, remoteapi.User{
				Name:  name,
				Email: strings.TrimSpace(cellString(cell(row, 1))),
			})
		}
	}
	return out
}
