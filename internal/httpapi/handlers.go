package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/contentforge/creditgate/internal/metrics"
	"github.com/contentforge/creditgate/pkg/credit"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type authorizeRequest struct {
	AccountID     string         `json:"account_id" binding:"required"`
	OperationType string         `json:"operation_type" binding:"required"`
	Metadata      map[string]any `json:"metadata"`
}

// handleAuthorize debits the operation cost before the caller does billable
// work. Insufficient balance maps to 402 with the structured shortfall.
func (handler *httpHandler) handleAuthorize(ctx *gin.Context) {
	var request authorizeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_request", err.Error()))
		return
	}
	accountID, err := credit.NewAccountID(request.AccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account_id", err.Error()))
		return
	}
	operationType, err := credit.ParseOperationType(request.OperationType)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_operation_type", err.Error()))
		return
	}
	metadata, err := metadataFromMap(request.Metadata)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", err.Error()))
		return
	}
	authorization, err := handler.service.Authorize(ctx.Request.Context(), accountID, operationType, metadata)
	if err != nil {
		metrics.AuthorizationsTotal.WithLabelValues("error", operationType.String()).Inc()
		handler.renderError(ctx, err)
		return
	}
	if !authorization.Granted {
		metrics.AuthorizationsTotal.WithLabelValues("denied", operationType.String()).Inc()
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"granted":           false,
			"error":             gin.H{"code": "payment_required", "message": "insufficient credits"},
			"cost":              authorization.CostCharged,
			"shortfall":         authorization.Shortfall,
			"remaining_balance": authorization.RemainingBalance,
		})
		return
	}
	metrics.AuthorizationsTotal.WithLabelValues("granted", operationType.String()).Inc()
	ctx.JSON(http.StatusOK, gin.H{
		"granted":           true,
		"transaction_id":    authorization.TransactionID.String(),
		"cost_charged":      authorization.CostCharged,
		"remaining_balance": authorization.RemainingBalance,
	})
}

type refundRequest struct {
	TransactionID string `json:"transaction_id" binding:"required"`
	Reason        string `json:"reason" binding:"required"`
}

// handleRefund compensates a debit whose billable work failed irrecoverably.
func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_request", err.Error()))
		return
	}
	transactionID, err := credit.NewTransactionID(request.TransactionID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_transaction_id", err.Error()))
		return
	}
	refund, err := handler.service.Refund(ctx.Request.Context(), transactionID, request.Reason)
	if err != nil {
		handler.renderError(ctx, err)
		return
	}
	metrics.RefundsTotal.Inc()
	ctx.JSON(http.StatusOK, gin.H{
		"refund_transaction_id": refund.TransactionID.String(),
		"amount":                refund.Amount,
		"balance":               refund.BalanceAfter,
	})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	accountID, err := credit.NewAccountID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account_id", err.Error()))
		return
	}
	balance, err := handler.service.Balance(ctx.Request.Context(), accountID)
	if err != nil {
		handler.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account_id":         balance.AccountID.String(),
		"balance":            balance.Balance,
		"monthly_allowance":  balance.MonthlyAllowance,
		"lifetime_used":      balance.LifetimeUsed,
		"lifetime_purchased": balance.LifetimePurchased,
		"lifetime_granted":   balance.LifetimeGranted,
		"active":             balance.Active,
		"cycle_resets_at":    balance.AnchorUnixUTC,
	})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	accountID, err := credit.NewAccountID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account_id", err.Error()))
		return
	}
	before, err := parseInt64Query(ctx, "before", 0)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_before", err.Error()))
		return
	}
	cursor := credit.HistoryCursor{BeforeUnixUTC: before}
	if raw := ctx.Query("before_id"); raw != "" {
		beforeID, err := credit.NewTransactionID(raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_before_id", err.Error()))
			return
		}
		cursor.BeforeTransactionID = beforeID
	}
	limit, err := parseInt64Query(ctx, "limit", 0)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", err.Error()))
		return
	}
	transactions, err := handler.service.History(ctx.Request.Context(), accountID, cursor, int(limit))
	if err != nil {
		handler.renderError(ctx, err)
		return
	}
	rows := make([]gin.H, 0, len(transactions))
	for _, transaction := range transactions {
		rows = append(rows, gin.H{
			"transaction_id": transaction.TransactionID.String(),
			"amount":         transaction.Amount,
			"balance_after":  transaction.BalanceAfter,
			"kind":           transaction.Kind.String(),
			"operation_type": transaction.OperationType.String(),
			"external_ref":   transaction.ExternalRef.String(),
			"description":    transaction.Description,
			"created_at":     transaction.CreatedUnixUTC,
		})
	}
	response := gin.H{"account_id": accountID.String(), "transactions": rows}
	if len(transactions) > 0 {
		last := transactions[len(transactions)-1]
		response["next_before"] = last.CreatedUnixUTC
		response["next_before_id"] = last.TransactionID.String()
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleCosts(ctx *gin.Context) {
	entries := handler.service.Costs()
	costs := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		costs = append(costs, gin.H{
			"operation_type": entry.OperationType.String(),
			"cost":           entry.Cost,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"costs": costs})
}

type createAccountRequest struct {
	AccountID     string `json:"account_id" binding:"required"`
	PlanID        string `json:"plan_id" binding:"required"`
	CreditsExempt bool   `json:"credits_exempt"`
}

func (handler *httpHandler) handleCreateAccount(ctx *gin.Context) {
	var request createAccountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_request", err.Error()))
		return
	}
	accountID, err := credit.NewAccountID(request.AccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account_id", err.Error()))
		return
	}
	planID, err := credit.NewPlanID(request.PlanID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_plan_id", err.Error()))
		return
	}
	account, err := handler.service.CreateAccount(ctx.Request.Context(), credit.NewAccountInput{
		AccountID:     accountID,
		PlanID:        planID,
		CreditsExempt: request.CreditsExempt,
	})
	if err != nil {
		handler.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"account_id":      account.AccountID.String(),
		"plan_id":         account.PlanID.String(),
		"balance":         account.Balance,
		"cycle_resets_at": account.AnchorUnixUTC,
	})
}

type grantRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	Amount    int64  `json:"amount" binding:"required"`
	Reason    string `json:"reason" binding:"required"`
}

// handleGrant appends an operator credit allocation. The operator identity
// comes from the verified admin token, never from the request body.
func (handler *httpHandler) handleGrant(ctx *gin.Context) {
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_request", err.Error()))
		return
	}
	accountID, err := credit.NewAccountID(request.AccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account_id", err.Error()))
		return
	}
	amount, err := credit.NewPositiveCredits(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		return
	}
	grant, err := handler.service.Grant(ctx.Request.Context(), accountID, amount, operatorSubject(ctx), request.Reason)
	if err != nil {
		handler.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transaction_id": grant.TransactionID.String(),
		"amount":         grant.Amount,
		"balance":        grant.BalanceAfter,
	})
}

func (handler *httpHandler) handleDeactivate(ctx *gin.Context) {
	accountID, err := credit.NewAccountID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account_id", err.Error()))
		return
	}
	if err := handler.service.Deactivate(ctx.Request.Context(), accountID); err != nil {
		handler.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account_id": accountID.String(), "active": false})
}

func (handler *httpHandler) handleVerify(ctx *gin.Context) {
	accountID, err := credit.NewAccountID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account_id", err.Error()))
		return
	}
	if err := handler.service.VerifyAccount(ctx.Request.Context(), accountID); err != nil {
		if errors.Is(err, credit.ErrBalanceInvariant) {
			handler.logger.Error("balance invariant violated",
				zap.String("account_id", accountID.String()),
				zap.Error(err))
			ctx.JSON(http.StatusConflict, errorResponse("invariant_violation", err.Error()))
			return
		}
		handler.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account_id": accountID.String(), "consistent": true})
}

// renderError maps domain errors onto the HTTP taxonomy. Expected
// conditions were already turned into structured responses upstream;
// whatever reaches here is a caller error or a system failure.
func (handler *httpHandler) renderError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, credit.ErrAccountNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("account_not_found", err.Error()))
	case errors.Is(err, credit.ErrTransactionNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("transaction_not_found", err.Error()))
	case errors.Is(err, credit.ErrAccountInactive):
		ctx.JSON(http.StatusForbidden, errorResponse("account_inactive", err.Error()))
	case errors.Is(err, credit.ErrAccountExists):
		ctx.JSON(http.StatusConflict, errorResponse("account_exists", err.Error()))
	case errors.Is(err, credit.ErrNotRefundable):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("not_refundable", err.Error()))
	case errors.Is(err, credit.ErrUnknownPlan), errors.Is(err, credit.ErrInvalidGrant):
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_request", err.Error()))
	case errors.Is(err, credit.ErrLedgerConflict):
		metrics.LedgerConflictsTotal.Inc()
		handler.logger.Warn("ledger write conflict exhausted retries", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("ledger_conflict", "transient write conflict, retry"))
	case errors.Is(err, credit.ErrUnknownOperation):
		// Catalog misses past request validation mean a bad deployment.
		handler.logger.Error("cost catalog miss", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("catalog_miss", err.Error()))
	default:
		handler.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "internal error"))
	}
}

func parseInt64Query(ctx *gin.Context, name string, fallback int64) (int64, error) {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func metadataFromMap(raw map[string]any) (credit.MetadataJSON, error) {
	if len(raw) == 0 {
		return credit.NewMetadataJSON("")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return credit.MetadataJSON{}, err
	}
	return credit.NewMetadataJSON(string(encoded))
}
