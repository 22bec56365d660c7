package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruralpay/creditcore/internal/models"
	"github.com/ruralpay/creditcore/internal/notifier"
	"github.com/ruralpay/creditcore/internal/services"
	"github.com/sirupsen/logrus"
)

type AccountHandler struct {
	accounts  *services.AccountService
	ledger    *services.BalanceLedger
	dashboard *services.DashboardService
	feed      notifier.Feed
	notifier  notifier.Options
	log       *logrus.Logger
}

func NewAccountHandler(accounts *services.AccountService, ledger *services.BalanceLedger, dashboard *services.DashboardService, feed notifier.Feed, opts notifier.Options, log *logrus.Logger) *AccountHandler {
	return &AccountHandler{
		accounts:  accounts,
		ledger:    ledger,
		dashboard: dashboard,
		feed:      feed,
		notifier:  opts,
		log:       log,
	}
}

// OpenAccount onboards a paying entity
// @Summary Open account
// @Tags accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.OpenAccountRequest true "Account"
// @Success 201 {object} models.Account
// @Failure 400 {object} services.ErrorResponse
// @Router /accounts [post]
func (h *AccountHandler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req services.OpenAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if !authorize(w, r, req.AccountID) {
		return
	}
	account, err := h.accounts.OpenAccount(r.Context(), req)
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

// GetBalance reads the balance through the ledger lock
// @Summary Get balance
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Param accountId path string true "Account ID"
// @Success 200 {object} models.Balance
// @Failure 404 {object} services.ErrorResponse
// @Router /accounts/{accountId}/balance [get]
func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	if !authorize(w, r, accountID) {
		return
	}
	balance, err := h.ledger.GetBalanceLocked(r.Context(), accountID)
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// ListTransactions returns the ledger history in commit order
// @Summary Ledger history
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Param accountId path string true "Account ID"
// @Success 200 {array} models.LedgerTransaction
// @Router /accounts/{accountId}/transactions [get]
func (h *AccountHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	if !authorize(w, r, accountID) {
		return
	}
	txns, err := h.ledger.History(r.Context(), accountID)
	if err != nil {
		sendError(w, err)
		return
	}
	if txns == nil {
		txns = []models.LedgerTransaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

// Replay checks the ledger history folds to the stored balance
// @Summary Replay ledger
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Param accountId path string true "Account ID"
// @Success 200 {object} services.ReplayReport
// @Router /accounts/{accountId}/replay [get]
func (h *AccountHandler) Replay(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	if !authorize(w, r, accountID) {
		return
	}
	report, err := h.ledger.Replay(r.Context(), accountID)
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// AdjustCredit applies an operator correction
// @Summary Adjust credit
// @Tags accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param accountId path string true "Account ID"
// @Param request body services.AdjustmentRequest true "Adjustment"
// @Success 200 {object} services.AdjustmentResult
// @Failure 400 {object} services.ErrorResponse
// @Router /accounts/{accountId}/adjustments [post]
func (h *AccountHandler) AdjustCredit(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	if !authorize(w, r, accountID) {
		return
	}
	var req services.AdjustmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	res, err := h.accounts.AdjustCredit(r.Context(), accountID, req)
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ChargeOrder bills an order as a new invoice
// @Summary Charge order
// @Tags accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param accountId path string true "Account ID"
// @Param request body services.ChargeRequest true "Charge"
// @Success 201 {object} services.ChargeResult
// @Failure 400 {object} services.ErrorResponse
// @Router /accounts/{accountId}/invoices [post]
func (h *AccountHandler) ChargeOrder(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	if !authorize(w, r, accountID) {
		return
	}
	var req services.ChargeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	res, err := h.accounts.ChargeOrder(r.Context(), accountID, req)
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListInvoices returns every invoice of the account
// @Summary List invoices
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Param accountId path string true "Account ID"
// @Success 200 {array} models.Invoice
// @Router /accounts/{accountId}/invoices [get]
func (h *AccountHandler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	if !authorize(w, r, accountID) {
		return
	}
	invoices, err := h.accounts.ListInvoices(r.Context(), accountID)
	if err != nil {
		sendError(w, err)
		return
	}
	if invoices == nil {
		invoices = []models.Invoice{}
	}
	writeJSON(w, http.StatusOK, invoices)
}

// GetDashboard returns utilization, credit status and alerts
// @Summary Credit dashboard
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Param accountId path string true "Account ID"
// @Success 200 {object} models.DashboardMetrics
// @Router /accounts/{accountId}/dashboard [get]
func (h *AccountHandler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	if !authorize(w, r, accountID) {
		return
	}
	m, err := h.dashboard.GetDashboard(r.Context(), accountID)
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Events streams balance updates for the account as server-sent events
// @Summary Balance update stream
// @Description "update" events carry BalanceUpdate. An "error" event ends the stream once reconnects are exhausted; clients re-subscribe.
// @Tags accounts
// @Produce text/event-stream
// @Security BearerAuth
// @Param accountId path string true "Account ID"
// @Success 200 {string} string "event stream"
// @Router /accounts/{accountId}/events [get]
func (h *AccountHandler) Events(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	if !authorize(w, r, accountID) {
		return
	}
	if _, err := h.accounts.GetAccount(r.Context(), accountID); err != nil {
		sendError(w, err)
		return
	}
	sse, ok := newSSEWriter(w)
	if !ok {
		services.SendErrorResponse(w, "Streaming unsupported", http.StatusInternalServerError, nil)
		return
	}

	// one registry per connection, so viewers of the same account do not
	// replace each other
	n := notifier.New(h.feed, h.notifier)
	defer n.CloseAll()

	updates := make(chan models.BalanceUpdate, 64)
	failed := make(chan error, 1)
	_, err := n.Subscribe(accountID,
		func(u models.BalanceUpdate) {
			select {
			case updates <- u:
			case <-r.Context().Done():
			}
		},
		func(err error) { failed <- err },
	)
	if err != nil {
		sse.send("error", services.ErrorResponse{Error: err.Error()})
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case u := <-updates:
			if err := sse.send("update", u); err != nil {
				return
			}
		case err := <-failed:
			var nerr *notifier.NotificationError
			if errors.As(err, &nerr) {
				h.log.WithField("account_id", accountID).WithError(err).Warn("[HTTP] Event stream ended")
			}
			sse.send("error", services.ErrorResponse{Error: err.Error()})
			return
		}
	}
}
