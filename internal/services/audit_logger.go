package services

import (
	"time"

	"github.com/ruralpay/creditcore/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type AuditEvent struct {
	Timestamp     time.Time
	EventType     string
	TransactionID string
	PaymentID     string
	AccountID     string
	Amount        decimal.Decimal
	Status        string
	Details       map[string]string
}

// AuditLogger writes one structured record per balance mutation, payment
// status change and processing failure.
type AuditLogger struct {
	log *logrus.Logger
}

func NewAuditLogger(log *logrus.Logger) *AuditLogger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AuditLogger{log: log}
}

func (a *AuditLogger) LogLedgerMutation(txn models.LedgerTransaction) {
	a.write(AuditEvent{
		Timestamp:     txn.CreatedAt,
		EventType:     "LEDGER_" + string(txn.TransactionType),
		TransactionID: txn.TransactionID,
		PaymentID:     txn.RelatedPaymentID,
		AccountID:     txn.AccountID,
		Amount:        txn.AmountChanged,
		Status:        "SUCCESS",
		Details: map[string]string{
			"previous_balance": txn.PreviousBalance.String(),
			"new_balance":      txn.NewBalance.String(),
		},
	})
}

func (a *AuditLogger) LogPaymentStatus(p models.Payment) {
	details := map[string]string{"method": p.Method, "reference": p.Reference}
	if p.FailureReason != "" {
		details["failure_reason"] = p.FailureReason
	}
	a.write(AuditEvent{
		Timestamp:     time.Now(),
		EventType:     "PAYMENT",
		TransactionID: p.TransactionID,
		PaymentID:     p.PaymentID,
		AccountID:     p.AccountID,
		Amount:        p.Amount,
		Status:        string(p.Status),
		Details:       details,
	})
}

func (a *AuditLogger) LogError(paymentID, accountID string, err error) {
	a.write(AuditEvent{
		Timestamp: time.Now(),
		EventType: "ERROR",
		PaymentID: paymentID,
		AccountID: accountID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *AuditLogger) LogOperation(accountID, operation, details string) {
	a.write(AuditEvent{
		Timestamp: time.Now(),
		EventType: operation,
		AccountID: accountID,
		Status:    "SUCCESS",
		Details:   map[string]string{"details": details},
	})
}

func (a *AuditLogger) write(event AuditEvent) {
	fields := logrus.Fields{
		"audit":      true,
		"event_type": event.EventType,
		"account_id": event.AccountID,
		"status":     event.Status,
		"at":         event.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if event.TransactionID != "" {
		fields["transaction_id"] = event.TransactionID
	}
	if event.PaymentID != "" {
		fields["payment_id"] = event.PaymentID
	}
	if !event.Amount.IsZero() {
		fields["amount"] = event.Amount.String()
	}
	for k, v := range event.Details {
		fields[k] = v
	}
	a.log.WithFields(fields).Info("AUDIT")
}
