package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreditStatus buckets utilization
type CreditStatus string

const (
	CreditGood     CreditStatus = "good"
	CreditWarning  CreditStatus = "warning"
	CreditCritical CreditStatus = "critical"
)

type AlertType string

const (
	AlertHighUtilization    AlertType = "high_utilization"
	AlertLowAvailableCredit AlertType = "low_available_credit"
	AlertOverdueInvoices    AlertType = "overdue_invoices"
	AlertLimitExceeded      AlertType = "limit_exceeded"
	AlertUpcomingDue        AlertType = "upcoming_due"
)

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

type Alert struct {
	Type     AlertType     `json:"type"`
	Severity AlertSeverity `json:"severity"`
	Message  string        `json:"message"`
}

// DueItem is an open invoice approaching its due date.
type DueItem struct {
	InvoiceID       string          `json:"invoiceId"`
	DueDate         time.Time       `json:"dueDate"`
	RemainingAmount decimal.Decimal `json:"remainingAmount"`
}

// DashboardMetrics is the read-only view derived from ledger and invoice state.
type DashboardMetrics struct {
	AccountID          string          `json:"accountId"`
	CreditLimit        decimal.Decimal `json:"creditLimit"`
	CreditUsed         decimal.Decimal `json:"creditUsed"`
	AvailableCredit    decimal.Decimal `json:"availableCredit"`
	UtilizationPercent decimal.Decimal `json:"utilizationPercent"`
	CreditStatus       CreditStatus    `json:"creditStatus"`
	OverLimit          bool            `json:"overLimit"`
	OutstandingTotal   decimal.Decimal `json:"outstandingTotal"`
	OpenInvoiceCount   int             `json:"openInvoiceCount"`
	OverdueCount       int             `json:"overdueCount"`
	OverdueTotal       decimal.Decimal `json:"overdueTotal"`
	UpcomingDue        []DueItem       `json:"upcomingDue"`
	Alerts             []Alert         `json:"alerts"`
	GeneratedAt        time.Time       `json:"generatedAt"`
}
