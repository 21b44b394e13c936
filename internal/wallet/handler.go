package wallet

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/zjoart/go-payment-ledger/pkg/logger"
	"github.com/zjoart/go-payment-ledger/pkg/utils"
)

type Handler struct {
	Service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{Service: service}
}

func (h *Handler) GetWalletBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromPath(w, r)
	if !ok {
		return
	}

	balance, err := h.Service.Balance(r.Context(), userID)
	if err != nil {
		logger.Error("failed to read wallet balance", logger.Merge(logger.WithError(err), logger.Fields{logger.UserIdKey: userID}))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to read balance", nil)
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Wallet Balance", balance)
}

func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromPath(w, r)
	if !ok {
		return
	}

	page := utils.PageFromRequest(r)
	entries, total, err := h.Service.Entries(r.Context(), userID, page.Limit, page.Offset)
	if err != nil {
		logger.Error("failed to list ledger entries", logger.Merge(logger.WithError(err), logger.Fields{logger.UserIdKey: userID}))
		utils.BuildErrorResponse(w, http.StatusInternalServerError, "Failed to fetch entries", nil)
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Ledger Entries", map[string]interface{}{
		"entries": entries,
		"meta":    page.Meta(total),
	})
}

type DebitWalletRequest struct {
	Amount    int64  `json:"amount"`
	Purpose   string `json:"purpose" validate:"required,max=255"`
	Reference string `json:"reference" validate:"max=128"`
}

func (h *Handler) DebitWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromPath(w, r)
	if !ok {
		return
	}

	var req DebitWalletRequest
	if status, err := utils.DecodeJSONBody(w, r, &req); err != nil {
		utils.BuildErrorResponse(w, status, "Invalid request", map[string]string{"error": err.Error()})
		return
	}
	if details := utils.ValidateStruct(req); details != nil {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid request", details)
		return
	}

	entry, err := h.Service.Debit(r.Context(), DebitRequest{
		UserID:    userID,
		Amount:    req.Amount,
		Purpose:   req.Purpose,
		Reference: req.Reference,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientBalance):
			utils.BuildErrorResponse(w, http.StatusConflict, "Insufficient balance", map[string]string{"code": "InsufficientBalance"})
		case errors.Is(err, ErrInvalidAmount):
			utils.BuildErrorResponse(w, http.StatusBadRequest, "Invalid amount", map[string]string{"code": "InvalidAmount"})
		case errors.Is(err, ErrReferenceConflict):
			utils.BuildErrorResponse(w, http.StatusConflict, "Reference already used", map[string]string{"code": "ReferenceConflict"})
		case errors.Is(err, ErrVersionConflict):
			utils.BuildErrorResponse(w, http.StatusServiceUnavailable, "Wallet busy, try again", nil)
		default:
			logger.Error("wallet debit failed", logger.Merge(logger.WithError(err), logger.Fields{logger.UserIdKey: userID}))
			utils.BuildErrorResponse(w, http.StatusInternalServerError, "Debit failed", nil)
		}
		return
	}

	utils.BuildSuccessResponse(w, http.StatusOK, "Wallet debited", entry)
}

func userFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := mux.Vars(r)["user_id"]
	if userID == "" {
		utils.BuildErrorResponse(w, http.StatusBadRequest, "user_id is required", nil)
		return "", false
	}

	p, ok := utils.PrincipalFrom(r.Context())
	if !ok || !p.CanAct(userID) {
		utils.BuildErrorResponse(w, http.StatusForbidden, "Cannot act for this user", nil)
		return "", false
	}
	return userID, true
}
