package acumatica

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"bitbucket.org/mmdatafocus/collections_backend/config"
	"bitbucket.org/mmdatafocus/collections_backend/models"
	"github.com/sirupsen/logrus"
)

// ApplicationLinker maintains payment_invoice_applications, the local join
// between a payment and the invoices it settles. The ERP exposes this as the
// payment's ApplicationHistory detail; the full set is replaced on every
// refresh because history lines can disappear when applications are reversed.
type ApplicationLinker struct {
	sm       *SessionManager
	cred     *models.AcumaticaCredential
	mirror   MirrorStore
	invoices *Engine
	log      *logrus.Logger
}

func NewApplicationLinker(sm *SessionManager, cred *models.AcumaticaCredential, mirror MirrorStore, invoices *Engine) *ApplicationLinker {
	return &ApplicationLinker{
		sm:       sm,
		cred:     cred,
		mirror:   mirror,
		invoices: invoices,
		log:      config.GetLogger(),
	}
}

// LinkResult summarizes one application refresh.
type LinkResult struct {
	PaymentReferenceNumber string `json:"paymentReferenceNumber"`
	DocType                string `json:"docType"`
	Applications           int    `json:"applications"`
	MissingInvoices        int    `json:"missingInvoices"`
	HealedInvoices         int    `json:"healedInvoices"`
}

// SyncApplications re-fetches a payment's application history from the ERP
// and replaces the local set. invoicesOnly drops non-invoice targets (credit
// memos, overdue charges) instead of storing them.
func (l *ApplicationLinker) SyncApplications(ctx context.Context, docType, referenceNumber string, invoicesOnly bool) (*LinkResult, error) {
	referenceNumber = NormalizeReferenceNumber(referenceNumber, referenceNumberWidth)

	params := url.Values{}
	params.Set("$expand", "ApplicationHistory")
	rec, err := l.sm.GetRecord(ctx, l.cred, "Payment", []string{docType, referenceNumber}, params)
	if err != nil {
		return nil, err
	}
	return l.LinkFromRecord(ctx, rec, docType, referenceNumber, invoicesOnly)
}

// LinkFromRecord replaces a payment's application rows from an already
// fetched payment record carrying its expanded ApplicationHistory. The
// payment engine calls this after each upsert so window syncs keep the join
// table current without extra point lookups.
func (l *ApplicationLinker) LinkFromRecord(ctx context.Context, rec Record, docType, referenceNumber string, invoicesOnly bool) (*LinkResult, error) {
	payment, err := l.mirror.PaymentByKey(ctx, docType, referenceNumber)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, &ConfigurationError{Msg: "payment " + docType + "/" + referenceNumber + " not mirrored yet"}
	}

	result := &LinkResult{PaymentReferenceNumber: referenceNumber, DocType: docType}

	var rows []models.PaymentInvoiceApplication
	for _, entry := range rec.Records("ApplicationHistory") {
		targetType := entry.String("DisplayDocType")
		if targetType == "" {
			targetType = entry.String("DocType")
		}
		invRef := entry.String("DisplayRefNbr")
		if invRef == "" {
			invRef = entry.String("ReferenceNbr")
		}
		invRef = NormalizeReferenceNumber(invRef, referenceNumberWidth)
		if invRef == "" {
			continue
		}

		isInvoice := strings.Contains(strings.ToLower(targetType), "inv")
		if invoicesOnly && !isInvoice {
			continue
		}

		row := models.PaymentInvoiceApplication{
			PaymentID:              payment.ID,
			PaymentType:            docType,
			PaymentReferenceNumber: referenceNumber,
			InvoiceReferenceNumber: invRef,
			CustomerID:             payment.CustomerID,
			AmountPaid:             entry.Decimal("AmountPaid"),
			Balance:                entry.Decimal("Balance"),
			ApplicationDate:        entry.Time("ApplicationDate"),
			ApplicationPeriod:      entry.String("ApplicationPeriod"),
			DocType:                targetType,
		}

		if isInvoice {
			row.InvoiceMissing, err = l.ensureInvoice(ctx, invRef, result)
			if err != nil {
				return nil, err
			}
		}
		rows = append(rows, row)
	}

	if err := l.mirror.ReplaceApplications(ctx, payment.ID, rows); err != nil {
		return nil, err
	}
	result.Applications = len(rows)
	return result, nil
}

// ensureInvoice self-heals a dangling reference by point-syncing the invoice
// the history line targets. When the ERP no longer has it either, the row is
// kept with InvoiceMissing set rather than dropped.
func (l *ApplicationLinker) ensureInvoice(ctx context.Context, invRef string, result *LinkResult) (missing bool, err error) {
	exists, err := l.mirror.InvoiceExists(ctx, invRef)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	key := map[string]any{"doc_type": models.DocTypeInvoice, "reference_number": invRef}
	syncErr := l.invoices.SyncOne(ctx, key)
	if syncErr == nil {
		result.HealedInvoices++
		return false, nil
	}
	if errors.Is(syncErr, ErrNotFound) {
		l.log.WithField("invoice", invRef).Warn("application references invoice missing from erp")
		result.MissingInvoices++
		return true, nil
	}
	return false, syncErr
}
