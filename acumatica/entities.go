package acumatica

import (
	"bitbucket.org/mmdatafocus/collections_backend/models"
)

const referenceNumberWidth = 6

// EntityConfig describes how one ERP entity syncs into its mirror table.
// The engine is generic; everything entity-specific lives here.
type EntityConfig struct {
	Name     string
	Endpoint string
	Table    string
	// DateField is the ERP-side field used for incremental and range filters.
	DateField string
	// BaseFilter narrows shared endpoints (Payment vs Prepayment).
	BaseFilter string
	Expand     string
	Fields     FieldMap
	// Key extracts the mirror lookup key from an ERP record. An error means
	// the record cannot be identified and is reported as a row error.
	Key func(rec Record) (map[string]any, error)
	// KeyPath renders a mirror key as ERP URL path segments for point lookups.
	KeyPath func(key map[string]any) []string
	// KeyColumns index mirror rows during reconciliation.
	KeyColumns []string
	// CompareColumns are checked for drift during reconciliation.
	CompareColumns []string
}

func customerConfig() *EntityConfig {
	return &EntityConfig{
		Name:      models.EntityTypeCustomer,
		Endpoint:  "Customer",
		Table:     "mirror_customers",
		DateField: "LastModifiedDateTime",
		Fields: FieldMap{
			{Source: "CustomerID", Column: "customer_id"},
			{Source: "CustomerName", Column: "customer_name"},
			{Source: "CustomerClass", Column: "customer_class"},
			{Source: "Email", Column: "email"},
			{Source: "Status", Column: "status"},
			{Source: "Balance", Column: "balance", Kind: CoerceDecimal},
			{Source: "LastModifiedDateTime", Column: "last_modified", Kind: CoerceTime},
		},
		Key: func(rec Record) (map[string]any, error) {
			id := rec.String("CustomerID")
			if id == "" {
				return nil, &ConfigurationError{Msg: "customer record missing CustomerID"}
			}
			return map[string]any{"customer_id": id}, nil
		},
		KeyPath: func(key map[string]any) []string {
			return []string{key["customer_id"].(string)}
		},
		KeyColumns:     []string{"customer_id"},
		CompareColumns: []string{"customer_name", "status", "balance"},
	}
}

func invoiceConfig() *EntityConfig {
	return &EntityConfig{
		Name:       models.EntityTypeInvoice,
		Endpoint:   "Invoice",
		Table:      "mirror_invoices",
		DateField:  "LastModifiedDateTime",
		BaseFilter: "Type eq 'Invoice'",
		Fields: FieldMap{
			{Source: "Type", Column: "doc_type"},
			{Source: "ReferenceNbr", Column: "reference_number"},
			{Source: "CustomerID", Column: "customer_id"},
			{Source: "Status", Column: "status"},
			{Source: "Amount", Column: "amount", Kind: CoerceDecimal},
			{Source: "Balance", Column: "balance", Kind: CoerceDecimal},
			{Source: "Date", Column: "doc_date", Kind: CoerceTime},
			{Source: "DueDate", Column: "due_date", Kind: CoerceTime},
			{Source: "LastModifiedDateTime", Column: "last_modified", Kind: CoerceTime},
		},
		Key:            documentKey(models.DocTypeInvoice),
		KeyPath:        documentKeyPath,
		KeyColumns:     []string{"doc_type", "reference_number"},
		CompareColumns: []string{"status", "amount", "balance"},
	}
}

func paymentConfig() *EntityConfig {
	cfg := &EntityConfig{
		Name:       models.EntityTypePayment,
		Endpoint:   "Payment",
		Table:      "mirror_payments",
		DateField:  "LastModifiedDateTime",
		BaseFilter: "Type eq 'Payment'",
		// The linker reads each payment's application lines off the same
		// response, so window fetches pay for the expand up front.
		Expand: "ApplicationHistory",
		Fields: FieldMap{
			{Source: "Type", Column: "doc_type"},
			{Source: "ReferenceNbr", Column: "reference_number"},
			{Source: "CustomerID", Column: "customer_id"},
			{Source: "Status", Column: "status"},
			{Source: "PaymentAmount", Column: "payment_amount", Kind: CoerceDecimal},
			{Source: "AppliedToDocuments", Column: "applied_amount", Kind: CoerceDecimal},
			{Source: "PaymentDate", Column: "payment_date", Kind: CoerceTime},
			{Source: "LastModifiedDateTime", Column: "last_modified", Kind: CoerceTime},
		},
		Key:            documentKey(models.DocTypePayment),
		KeyPath:        documentKeyPath,
		KeyColumns:     []string{"doc_type", "reference_number"},
		CompareColumns: []string{"status", "payment_amount", "applied_amount"},
	}
	return cfg
}

func prepaymentConfig() *EntityConfig {
	cfg := paymentConfig()
	cfg.Name = models.EntityTypePrepayment
	cfg.BaseFilter = "Type eq 'Prepayment'"
	cfg.Key = documentKey(models.DocTypePrepayment)
	return cfg
}

// documentKey builds the (doc_type, reference_number) mirror key, trusting
// the record's own Type field when present and falling back to the entity's
// expected type when the projection omitted it.
func documentKey(fallbackType string) func(rec Record) (map[string]any, error) {
	return func(rec Record) (map[string]any, error) {
		ref := NormalizeReferenceNumber(rec.String("ReferenceNbr"), referenceNumberWidth)
		if ref == "" {
			return nil, &ConfigurationError{Msg: "document record missing ReferenceNbr"}
		}
		docType := rec.String("Type")
		if docType == "" {
			docType = fallbackType
		}
		return map[string]any{"doc_type": docType, "reference_number": ref}, nil
	}
}

func documentKeyPath(key map[string]any) []string {
	return []string{key["doc_type"].(string), key["reference_number"].(string)}
}

// ConfigFor resolves an entity type name to its sync configuration.
func ConfigFor(entityType string) (*EntityConfig, error) {
	switch entityType {
	case models.EntityTypeCustomer:
		return customerConfig(), nil
	case models.EntityTypeInvoice:
		return invoiceConfig(), nil
	case models.EntityTypePayment:
		return paymentConfig(), nil
	case models.EntityTypePrepayment:
		return prepaymentConfig(), nil
	default:
		return nil, &ConfigurationError{Msg: "unknown entity type: " + entityType}
	}
}
