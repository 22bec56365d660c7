package services

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
	"github.com/ruralpay/creditcore/internal/models"
	"github.com/ruralpay/creditcore/internal/store"
)

const pacs002MessageType = "pacs.002.001.08"

// ISO 20022 ExternalPaymentTransactionStatus1Code values used for payments
const (
	StatusAcceptedSettlementCompleted  = "ACSC"
	StatusAcceptedSettlementInProgress = "ACSP"
	StatusPending                      = "PDNG"
	StatusRejected                     = "RJCT"
)

// StatusReport is a rendered pacs.002 for one payment.
type StatusReport struct {
	PaymentID   string `json:"paymentId"`
	Status      string `json:"status"`
	StatusCode  string `json:"statusCode"`
	MessageType string `json:"messageType"`
	XML         string `json:"xml"`
}

// StatusReportService exports payment outcomes as ISO 20022 status reports so
// a bank-side reconciliation can match them against its own records.
type StatusReportService struct {
	payments store.PaymentStore
	now      func() time.Time
}

func NewStatusReportService(payments store.PaymentStore) *StatusReportService {
	return &StatusReportService{payments: payments, now: time.Now}
}

func (s *StatusReportService) Report(ctx context.Context, paymentID string) (*StatusReport, error) {
	p, err := s.payments.GetPayment(ctx, paymentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("payment %s: %w", paymentID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	doc := s.BuildPacs002(*p)
	body, err := ConvertToXML(doc)
	if err != nil {
		return nil, err
	}
	return &StatusReport{
		PaymentID:   p.PaymentID,
		Status:      string(p.Status),
		StatusCode:  StatusCode(p.Status),
		MessageType: pacs002MessageType,
		XML:         body,
	}, nil
}

// StatusCode maps a payment status onto its pacs.002 transaction status.
func StatusCode(status models.PaymentStatus) string {
	switch status {
	case models.PaymentCompleted:
		return StatusAcceptedSettlementCompleted
	case models.PaymentFailed:
		return StatusRejected
	case models.PaymentProcessing:
		return StatusAcceptedSettlementInProgress
	default:
		return StatusPending
	}
}

// BuildPacs002 creates a pacs.002 payment status report. The payer reference
// is the end-to-end id, the bank reference (when known) the instruction id.
func (s *StatusReportService) BuildPacs002(p models.Payment) *pacs_v08.FIToFIPaymentStatusReportV08 {
	instrID := p.PaymentID
	if p.BankReference != "" {
		instrID = p.BankReference
	}
	endToEnd := p.Reference
	if endToEnd == "" {
		endToEnd = p.PaymentID
	}
	txID := p.PaymentID
	if p.TransactionID != "" {
		txID = p.TransactionID
	}

	return &pacs_v08.FIToFIPaymentStatusReportV08{
		GrpHdr: pacs_v08.GroupHeader53{
			MsgId:   common.Max35Text(uuid.NewString()),
			CreDtTm: common.ISODateTime(s.now()),
		},
		TxInfAndSts: []pacs_v08.PaymentTransaction80{
			{
				OrgnlInstrId:    &[]common.Max35Text{max35(instrID)}[0],
				OrgnlEndToEndId: &[]common.Max35Text{max35(endToEnd)}[0],
				OrgnlTxId:       &[]common.Max35Text{max35(txID)}[0],
				TxSts:           &[]pacs_v08.ExternalPaymentTransactionStatus1Code{pacs_v08.ExternalPaymentTransactionStatus1Code(StatusCode(p.Status))}[0],
			},
		},
	}
}

func max35(s string) common.Max35Text {
	if len(s) > 35 {
		s = s[:35]
	}
	return common.Max35Text(s)
}

// ConvertToXML converts ISO20022 document to XML string
func ConvertToXML(doc any) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}
