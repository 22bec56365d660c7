package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruralpay/creditcore/internal/models"
	"github.com/ruralpay/creditcore/internal/services"
	"github.com/sirupsen/logrus"
)

type PaymentHandler struct {
	payments *services.PaymentService
	reports  *services.StatusReportService
	log      *logrus.Logger
}

func NewPaymentHandler(payments *services.PaymentService, reports *services.StatusReportService, log *logrus.Logger) *PaymentHandler {
	return &PaymentHandler{payments: payments, reports: reports, log: log}
}

// CreatePayment applies a payment to an account's outstanding invoices
// @Summary Process payment
// @Description Validate, allocate and apply a payment. success=false with allocatedInvoiceCount>0 needs reconciliation.
// @Tags payments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.PaymentRequest true "Payment request"
// @Success 200 {object} models.PaymentResult
// @Failure 400 {object} models.PaymentResult
// @Failure 409 {object} models.PaymentResult
// @Failure 422 {object} models.PaymentResult
// @Router /payments [post]
func (h *PaymentHandler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req models.PaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if !authorize(w, r, req.AccountID) {
		return
	}

	result, err := h.payments.ProcessPayment(r.Context(), req, nil)
	if err != nil {
		writeJSON(w, statusFor(err), result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// StreamPayment processes a payment and streams progress as server-sent events
// @Summary Process payment with progress
// @Description Emits "progress" events carrying BalanceUpdate, then one "result" event carrying PaymentResult.
// @Tags payments
// @Accept json
// @Produce text/event-stream
// @Security BearerAuth
// @Param request body models.PaymentRequest true "Payment request"
// @Success 200 {string} string "event stream"
// @Router /payments/stream [post]
func (h *PaymentHandler) StreamPayment(w http.ResponseWriter, r *http.Request) {
	var req models.PaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if !authorize(w, r, req.AccountID) {
		return
	}
	sse, ok := newSSEWriter(w)
	if !ok {
		services.SendErrorResponse(w, "Streaming unsupported", http.StatusInternalServerError, nil)
		return
	}

	stream := h.payments.Start(r.Context(), req)
	for u := range stream.Updates {
		if err := sse.send("progress", u); err != nil {
			h.log.WithError(err).Debug("[HTTP] Progress listener went away")
		}
	}
	result, _ := stream.Wait()
	if err := sse.send("result", result); err != nil {
		h.log.WithError(err).Debug("[HTTP] Result not delivered")
	}
}

// GetPayment returns a payment and its allocations
// @Summary Get payment
// @Tags payments
// @Produce json
// @Security BearerAuth
// @Param paymentId path string true "Payment ID"
// @Success 200 {object} services.PaymentDetails
// @Failure 404 {object} services.ErrorResponse
// @Router /payments/{paymentId} [get]
func (h *PaymentHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	details, err := h.payments.GetPayment(r.Context(), chi.URLParam(r, "paymentId"))
	if err != nil {
		sendError(w, err)
		return
	}
	if !authorize(w, r, details.Payment.AccountID) {
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// GetStatusReport renders the ISO 20022 pacs.002 status report of a payment
// @Summary Payment status report
// @Tags payments
// @Produce json
// @Security BearerAuth
// @Param paymentId path string true "Payment ID"
// @Success 200 {object} services.StatusReport
// @Failure 404 {object} services.ErrorResponse
// @Router /payments/{paymentId}/status-report [get]
func (h *PaymentHandler) GetStatusReport(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentId")
	details, err := h.payments.GetPayment(r.Context(), paymentID)
	if err != nil {
		sendError(w, err)
		return
	}
	if !authorize(w, r, details.Payment.AccountID) {
		return
	}
	report, err := h.reports.Report(r.Context(), paymentID)
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
