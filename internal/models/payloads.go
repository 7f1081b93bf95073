package models

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	apperrors "github.com/dukanx/backend/internal/errors"
)

// Known target collections.
const (
	CollectionCustomers = "customers"
	CollectionProducts  = "products"
	CollectionBills     = "bills"
	CollectionBillItems = "bill_items"
)

// amountTolerance is the allowed rounding gap between a bill total and
// the sum of its items.
const amountTolerance = 0.01

// Document is a decoded sync payload.
type Document interface {
	Collection() string
	Validate() error
}

// SyncEntity holds the fields every replicated business row carries.
type SyncEntity struct {
	ID         string    `json:"id"`
	BusinessID string    `json:"business_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
	IsDeleted  bool      `json:"is_deleted"`
}

// Customer is a customers payload.
type Customer struct {
	SyncEntity
	Name    string  `json:"name"`
	Phone   string  `json:"phone,omitempty"`
	Email   string  `json:"email,omitempty"`
	Balance float64 `json:"balance"`
}

func (Customer) Collection() string { return CollectionCustomers }

func (c Customer) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return apperrors.New(apperrors.ErrValidation, "customer name is required")
	}
	return nil
}

// Product is a products payload.
type Product struct {
	SyncEntity
	Name     string  `json:"name"`
	SKU      string  `json:"sku,omitempty"`
	Price    float64 `json:"price"`
	StockQty float64 `json:"stock_qty"`
	Unit     string  `json:"unit,omitempty"`
}

func (Product) Collection() string { return CollectionProducts }

func (p Product) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return apperrors.New(apperrors.ErrValidation, "product name is required")
	}
	if p.Price < 0 {
		return apperrors.Newf(apperrors.ErrValidation, "product price must not be negative: %v", p.Price)
	}
	return nil
}

// BillItem is a bill line, either embedded in a Bill or synced alone.
type BillItem struct {
	SyncEntity
	BillID    string  `json:"bill_id"`
	ProductID string  `json:"product_id,omitempty"`
	Qty       float64 `json:"qty"`
	Price     float64 `json:"price"`
	Total     float64 `json:"total"`
}

func (BillItem) Collection() string { return CollectionBillItems }

func (i BillItem) Validate() error {
	if i.BillID == "" {
		return apperrors.New(apperrors.ErrValidation, "bill item requires bill_id")
	}
	if i.Qty < 0 || i.Price < 0 || i.Total < 0 {
		return apperrors.New(apperrors.ErrValidation, "bill item amounts must not be negative")
	}
	return nil
}

// Bill is a bills payload with its items.
type Bill struct {
	SyncEntity
	CustomerID    string     `json:"customer_id,omitempty"`
	InvoiceNumber string     `json:"invoice_number"`
	BillDate      time.Time  `json:"bill_date"`
	TotalAmount   float64    `json:"total_amount"`
	Status        string     `json:"status"`
	Items         []BillItem `json:"items,omitempty"`
}

func (Bill) Collection() string { return CollectionBills }

func (b Bill) Validate() error {
	if strings.TrimSpace(b.InvoiceNumber) == "" {
		return apperrors.New(apperrors.ErrValidation, "bill invoice_number is required")
	}
	if b.TotalAmount < 0 {
		return apperrors.Newf(apperrors.ErrValidation, "bill total must not be negative: %v", b.TotalAmount)
	}
	if len(b.Items) == 0 {
		return nil
	}
	var sum float64
	for _, item := range b.Items {
		if item.Qty < 0 || item.Price < 0 || item.Total < 0 {
			return apperrors.New(apperrors.ErrValidation, "bill item amounts must not be negative")
		}
		sum += item.Total
	}
	if math.Abs(sum-b.TotalAmount) > amountTolerance {
		return apperrors.Newf(apperrors.ErrValidation,
			"bill total %.2f does not match item sum %.2f", b.TotalAmount, sum)
	}
	return nil
}

// OpaqueDocument carries payloads for collections without a typed shape.
type OpaqueDocument struct {
	Name   string
	Fields map[string]any
}

func (d OpaqueDocument) Collection() string { return d.Name }

func (d OpaqueDocument) Validate() error { return nil }

// DecodePayload decodes raw into the typed document for collection.
// Unknown collections decode to OpaqueDocument.
func DecodePayload(collection string, raw json.RawMessage) (Document, error) {
	var (
		doc Document
		err error
	)
	switch collection {
	case CollectionCustomers:
		var c Customer
		err = json.Unmarshal(raw, &c)
		doc = c
	case CollectionProducts:
		var p Product
		err = json.Unmarshal(raw, &p)
		doc = p
	case CollectionBills:
		var b Bill
		err = json.Unmarshal(raw, &b)
		doc = b
	case CollectionBillItems:
		var i BillItem
		err = json.Unmarshal(raw, &i)
		doc = i
	default:
		fields := map[string]any{}
		err = json.Unmarshal(raw, &fields)
		doc = OpaqueDocument{Name: collection, Fields: fields}
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "decode "+collection+" payload", err)
	}
	return doc, nil
}

// ValidatePayload checks a payload for the given operation. Deletes may
// carry an empty payload.
func ValidatePayload(op OperationType, collection string, raw json.RawMessage) error {
	if op == OpDelete && len(raw) == 0 {
		return nil
	}
	if len(raw) == 0 {
		return apperrors.Newf(apperrors.ErrValidation, "%s on %s requires a payload", op, collection)
	}
	doc, err := DecodePayload(collection, raw)
	if err != nil {
		return err
	}
	return doc.Validate()
}
