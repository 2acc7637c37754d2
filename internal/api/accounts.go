package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/usage-governor/internal/ledger"
	"github.com/NikhilSetiya/usage-governor/internal/monitoring"
	"github.com/NikhilSetiya/usage-governor/pkg/errors"
)

// AccountHandler exposes balances, history, and billing credits
type AccountHandler struct {
	ledger  *ledger.Ledger
	monitor *monitoring.Service
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(l *ledger.Ledger, monitor *monitoring.Service) *AccountHandler {
	return &AccountHandler{ledger: l, monitor: monitor}
}

// CreditRequest is the body of a credit call from the billing webhook consumer
type CreditRequest struct {
	Amount      int64             `json:"amount" binding:"required,gt=0"`
	Type        string            `json:"type" binding:"required,oneof=purchase bonus refund"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

// CreditResponse reports the balance after a credit
type CreditResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// GetBalance returns the account, creating it on first access
func (h *AccountHandler) GetBalance(c *gin.Context) {
	account, err := h.ledger.GetAccount(c.Request.Context(), c.Param("userID"))
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, account)
}

// ListTransactions returns the most recent transactions first
func (h *AccountHandler) ListTransactions(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			BadRequestResponse(c, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	transactions, err := h.ledger.GetTransactionHistory(c.Request.Context(), c.Param("userID"), limit)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	if transactions == nil {
		transactions = []*ledger.Transaction{}
	}
	SuccessResponse(c, transactions)
}

// Reconcile replays the log and raises a ledger alert on mismatch
func (h *AccountHandler) Reconcile(c *gin.Context) {
	userID := c.Param("userID")

	result, err := h.ledger.Reconcile(c.Request.Context(), userID)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	if !result.Consistent && h.monitor != nil {
		h.monitor.RaiseAlert(monitoring.AlertTypeLedger, errors.SeverityCritical,
			"Ledger balance does not match transaction replay",
			map[string]string{
				"user_id":           userID,
				"balance":           strconv.FormatInt(result.Balance, 10),
				"replayed":          strconv.FormatInt(result.Replayed, 10),
				"first_broken_link": result.FirstBrokenLink,
			})
	}

	SuccessResponse(c, result)
}

// ExportStatement streams the account statement as CSV or PDF
func (h *AccountHandler) ExportStatement(c *gin.Context) {
	userID := c.Param("userID")
	format := ledger.StatementFormat(c.DefaultQuery("format", string(ledger.StatementCSV)))

	var buf bytes.Buffer
	if err := h.ledger.ExportStatement(c.Request.Context(), userID, format, &buf); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("statement-%s.%s", userID, format)))
	c.Data(http.StatusOK, format.ContentType(), buf.Bytes())
}

// AddCredits credits tokens for a purchase, bonus, or refund
func (h *AccountHandler) AddCredits(c *gin.Context) {
	var req CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "Invalid credit request: "+err.Error())
		return
	}

	userID := c.Param("userID")
	metadata := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if subject := c.GetString("subject"); subject != "" {
		metadata["credited_by"] = subject
	}

	description := req.Description
	if description == "" {
		description = fmt.Sprintf("%s of %d tokens", req.Type, req.Amount)
	}

	balance, err := h.ledger.Add(c.Request.Context(), userID, req.Amount, ledger.TransactionType(req.Type), description, metadata)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	CreatedResponse(c, CreditResponse{UserID: userID, Balance: balance})
}
