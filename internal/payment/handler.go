package payment

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/zjoart/go-payment-ledger/internal/gateway"
	"github.com/zjoart/go-payment-ledger/pkg/logger"
	"github.com/zjoart/go-payment-ledger/pkg/utils"
)

type Handler struct {
	Service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{Service: service}
}

type InitiatePaymentRequest struct {
	UserID   string `json:"user_id" validate:"required,max=64"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency" validate:"required"`
	Purpose  string `json:"purpose" validate:"max=255"`
	Gateway  string `json:"gateway" validate:"omitempty,oneof=mobile_money redirect_wallet card_intent"`
	Payer    string `json:"payer" validate:"max=255"`
}

func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req InitiatePaymentRequest
	if status, err := utils.DecodeJSONBody(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, "Invalid request", map[string]string{"error": err.Error()})
		return
	}
	if details := utils.ValidateStruct(req); details != nil {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid request", details)
		return
	}
	if !canAct(r, req.UserID) {
		utils.BuildErrorResponse(w, http.StatusForbidden, "Cannot act for this user", nil)
		return
	}

	out, err := h.Service.InitiatePayment(r.Context(), InitiateInput{
		UserID:   req.UserID,
		Amount:   req.Amount,
		Currency: req.Currency,
		Purpose:  req.Purpose,
		Gateway:  req.Gateway,
		Payer:    req.Payer,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	utils.BuildSuccessResponse(w, http.StatusCreated, "Payment initiated", out)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txn, ok := h.load(w, r)
	if !ok {
		return
	}
	utils.BuildSuccessResponse(w, http.StatusOK, "Transaction retrieved", txn)
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	txn, ok := h.load(w, r)
	if !ok {
		return
	}

	history, err := h.Service.History(r.Context(), txn.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "History retrieved", history)
}

func (h *Handler) VerifyTransaction(w http.ResponseWriter, r *http.Request) {
	txn, ok := h.load(w, r)
	if !ok {
		return
	}

	verified, err := h.Service.Verify(r.Context(), txn.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Transaction verified", verified)
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) (*Transaction, bool) {
	txID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid transaction id", nil)
		return nil, false
	}

	txn, err := h.Service.GetTransactionStatus(r.Context(), txID)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if !canAct(r, txn.UserID) {
		// do not reveal other users' transactions
		utils.BuildErrorResponse(w, http.StatusNotFound, "Transaction not found", nil)
		return nil, false
	}
	return txn, true
}

func canAct(r *http.Request, userID string) bool {
	p, ok := utils.PrincipalFrom(r.Context())
	return ok && p.CanAct(userID)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, gateway.ErrInvalidAmount):
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid amount", code("InvalidAmount", err))
	case errors.Is(err, ErrUnsupportedCurrency):
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Unsupported currency", code("UnsupportedCurrency", err))
	case errors.Is(err, gateway.ErrInvalidPayerContext):
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid payer details", code("InvalidPayerContext", err))
	case errors.Is(err, ErrTransactionNotFound):
		utils.BuildErrorResponse(w, http.StatusNotFound, "Transaction not found", nil)
	case errors.Is(err, ErrAmountMismatch):
		utils.BuildErrorResponse(w, http.StatusConflict, "Gateway reported a different amount; flagged for review", code("AmountMismatch", err))
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		utils.BuildErrorResponse(w, http.StatusServiceUnavailable, "Payment gateway unavailable, try again", code("GatewayUnavailable", err))
	case errors.Is(err, gateway.ErrRejected):
		utils.BuildErrorResponse(w, http.StatusBadGateway, "Payment gateway rejected the request", code("GatewayRejected", err))
	default:
		logger.Error("payment request failed", logger.WithError(err))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Internal server error", nil)
	}
}

func code(kind string, err error) map[string]string {
	return map[string]string{"code": kind, "error": err.Error()}
}
