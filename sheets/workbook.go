// Package sheets is the order API backed by a workbook of sheets. Each sheet
// is a header row followed by data rows, the layout the purchase order app
// expects from its spreadsheet.
package sheets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/offline-cache/backend"
)

// Sheet names.
const (
	SheetOrders      = "Orders"
	SheetUsers       = "Users"
	SheetSuppliers   = "Suppliers"
	SheetVehicles    = "Vehicles"
	SheetEquipment   = "Equipment"
	SheetTractors    = "Tractors"
	SheetFarms       = "Farms"
	SheetDepartments = "Departments"
)

// DefaultKey is the backend key the workbook is persisted under.
const DefaultKey = "sheets/workbook.yaml"

// Sheet is a header row followed by data rows. Cells hold strings, numbers
// or booleans as the spreadsheet would return them.
type Sheet struct {
	Rows [][]any
}

// Data returns the rows after the header.
func (s *Sheet) Data() [][]any {
	if s == nil || len(s.Rows) < 2 {
		return nil
	}
	return s.Rows[1:]
}

// Book is the set of sheets in a workbook, keyed by name.
type Book map[string]*Sheet

// Sheet returns the named sheet, or nil.
func (b Book) Sheet(name string) *Sheet {
	return b[name]
}

// Workbook gives serialised access to a Book.
type Workbook interface {
	// View calls fn with a read-only view of the book.
	View(ctx context.Context, fn func(Book) error) error

	// Update calls fn with a mutable book and persists the result when fn
	// returns nil.
	Update(ctx context.Context, fn func(Book) error) error
}

// workbookFile is the YAML layout of a persisted workbook.
type workbookFile struct {
	Sheets map[string][][]any `yaml:"sheets"`
}

// MemoryWorkbook holds the book in memory and writes it to a backend after
// every successful update.
type MemoryWorkbook struct {
	mu      sync.RWMutex
	book    Book
	backend backend.Backend
	key     string
	logger  *slog.Logger
}

// Option configures a MemoryWorkbook.
type Option func(*MemoryWorkbook)

// WithLogger sets the logger for the workbook.
func WithLogger(logger *slog.Logger) Option {
	return func(w *MemoryWorkbook) {
		w.logger = logger
	}
}

// WithKey sets the backend key the workbook is persisted under.
func WithKey(key string) Option {
	return func(w *MemoryWorkbook) {
		w.key = key
	}
}

// NewMemoryWorkbook creates a workbook over book. A nil backend keeps the
// workbook in memory only.
func NewMemoryWorkbook(book Book, b backend.Backend, opts ...Option) *MemoryWorkbook {
	w := &MemoryWorkbook{
		book:    book,
		backend: b,
		key:     DefaultKey,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "sheets")
	if w.book == nil {
		w.book = Book{}
	}
	if w.book.Sheet(SheetOrders) == nil {
		w.book[SheetOrders] = &Sheet{Rows: [][]any{orderHeader()}}
	}
	return w
}

// OpenWorkbook loads the workbook persisted in b. When nothing is stored
// yet it is seeded from seedPath, or starts empty when seedPath is "".
func OpenWorkbook(ctx context.Context, b backend.Backend, seedPath string, opts ...Option) (*MemoryWorkbook, error) {
	w := NewMemoryWorkbook(nil, b, opts...)

	exists, err := b.Exists(ctx, w.key)
	if err != nil {
		return nil, fmt.Errorf("checking workbook: %w", err)
	}

	if !exists {
		if seedPath == "" {
			return w, nil
		}
		data, err := os.ReadFile(seedPath)
		if err != nil {
			return nil, fmt.Errorf("reading seed: %w", err)
		}
		book, err := ParseBook(data)
		if err != nil {
			return nil, err
		}
		w = NewMemoryWorkbook(book, b, opts...)
		if err := w.persist(ctx); err != nil {
			return nil, err
		}
		w.logger.Info("workbook seeded", "path", seedPath, "sheets", len(book))
		return w, nil
	}

	rc, err := b.Read(ctx, w.key)
	if err != nil {
		return nil, fmt.Errorf("reading workbook: %w", err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading workbook: %w", err)
	}
	book, err := ParseBook(data)
	if err != nil {
		return nil, err
	}
	return NewMemoryWorkbook(book, b, opts...), nil
}

// ParseBook decodes a YAML workbook.
func ParseBook(data []byte) (Book, error) {
	var f workbookFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing workbook: %w", err)
	}
	book := make(Book, len(f.Sheets))
	for name, rows := range f.Sheets {
		book[name] = &Sheet{Rows: rows}
	}
	return book, nil
}

// View implements Workbook.
func (w *MemoryWorkbook) View(_ context.Context, fn func(Book) error) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return fn(w.book)
}

// Update implements Workbook. The book is restored from the last persisted
// state if fn or the write fails.
func (w *MemoryWorkbook) Update(ctx context.Context, fn func(Book) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	before := w.book.clone()
	if err := fn(w.book); err != nil {
		w.book = before
		return err
	}
	if err := w.persist(ctx); err != nil {
		w.book = before
		return err
	}
	return nil
}

// persist writes the book to the backend. Callers hold w.mu.
func (w *MemoryWorkbook) persist(ctx context.Context) error {
	if w.backend == nil {
		return nil
	}
	f := workbookFile{Sheets: make(map[string][][]any, len(w.book))}
	for name, s := range w.book {
		f.Sheets[name] = s.Rows
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("encoding workbook: %w", err)
	}
	if err := w.backend.Write(ctx, w.key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

func (b Book) clone() Book {
	out := make(Book, len(b))
	for name, s := range b {
		rows := make([][]any, len(s.Rows))
		for i, row := range s.Rows {
			rows[i] = append([]any(nil), row...)
		}
		out[name] = &Sheet{Rows: rows}
	}
	return out
}

// cell returns row[i], or nil past the end of the row.
func cell(row []any, i int) any {
	if i < len(row) {
		return row[i]
	}
	return nil
}

// cellString renders a cell the way the spreadsheet displays it.
func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
