package remoteapi

// PurchaseOrder is one row of the orders sheet. PONumber is the natural key.
type PurchaseOrder struct {
	PONumber     string `json:"poNumber"`
	Date         string `json:"date"`
	SubmittedBy  string `json:"submittedBy"`
	Initials     string `json:"initials"`
	Location     string `json:"location"`
	Department   string `json:"department"`
	Supplier     string `json:"supplier"`
	Category     string `json:"category"`
	Item         string `json:"item"`
	Description  string `json:"description"`
	Quantity     string `json:"quantity"`
	PaymentTerms string `json:"paymentTerms"`
	EditedAt     string `json:"editedAt,omitempty"`
	EditedBy     string `json:"editedBy,omitempty"`
}

// Item is an identified lookup entry such as a vehicle or tractor.
type Item struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// User is someone allowed to submit orders.
type User struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Lookups is the reference data offered by the order form.
// Farms and Departments are nil when the sheet has no active rows; the
// other lists are always present, possibly empty.
type Lookups struct {
	Users       []User   `json:"users"`
	Suppliers   []string `json:"suppliers"`
	Vehicles    []Item   `json:"vehicles"`
	Equipment   []Item   `json:"equipment"`
	Tractors    []Item   `json:"tractors"`
	Farms       []string `json:"farms"`
	Departments []string `json:"departments"`
}

// Envelope is the JSON shape every action responds with.
type Envelope struct {
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Offline   bool            `json:"offline,omitempty"`
	PONumber  string          `json:"poNumber,omitempty"`
	Orders    []PurchaseOrder `json:"orders"`
	Lookups   *Lookups        `json:"lookups,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Action names accepted by the API.
const (
	ActionGetOrders   = "getOrders"
	ActionAddOrder    = "addOrder"
	ActionUpdateOrder = "updateOrder"
	ActionSendCode    = "sendCode"
	ActionGetLookups  = "getLookups"
)
