package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/abkawan/approval-ledger/internal/metrics"
	"github.com/abkawan/approval-ledger/internal/models"
	"github.com/abkawan/approval-ledger/internal/service"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handler is for handling api requests
type Handler struct {
	engine   *service.Engine
	accounts *service.AccountService
	users    *service.UserService
	logger   *zap.Logger
}

func NewHandler(engine *service.Engine, accounts *service.AccountService, users *service.UserService, logger *zap.Logger) *Handler {
	return &Handler{
		engine:   engine,
		accounts: accounts,
		users:    users,
		logger:   logger,
	}
}

type errorResponse struct {
	Error   string             `json:"error"`
	Code    string             `json:"code"`
	Field   string             `json:"field,omitempty"`
	Settled *bool              `json:"settled,omitempty"`
	Request *models.StatusView `json:"request,omitempty"`
}

type decisionRequest struct {
	ApproverID string         `json:"approver_id"`
	Outcome    models.Outcome `json:"outcome"`
	Reason     string         `json:"reason,omitempty"`
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// for error response
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// settlementCode names why an approved request ended FAILED.
func settlementCode(err error) string {
	switch {
	case errors.Is(err, service.ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, service.ErrAccountNotFound):
		return "ACCOUNT_NOT_FOUND"
	case errors.Is(err, service.ErrAccountInactive):
		return "ACCOUNT_INACTIVE"
	case errors.Is(err, service.ErrBalanceNotZero):
		return "BALANCE_NOT_ZERO"
	case errors.Is(err, service.ErrConflict):
		return "CONFLICT"
	default:
		return "SETTLEMENT_FAILED"
	}
}

// handleError maps service errors onto status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "VALIDATION_ERROR", Field: verr.Field})
	case errors.Is(err, service.ErrValidation):
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, service.ErrInsufficientContext):
		respondError(w, http.StatusBadRequest, "INSUFFICIENT_CONTEXT", err.Error())
	case errors.Is(err, service.ErrForbidden):
		respondError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, service.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, service.ErrNotPending):
		respondError(w, http.StatusConflict, "NOT_PENDING", err.Error())
	case errors.Is(err, service.ErrOutcomeNotRecorded):
		h.logger.Error("outcome not recorded", zap.String("path", r.URL.Path), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "OUTCOME_NOT_RECORDED", err.Error())
	case errors.Is(err, service.ErrConflict):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	case service.IsSettlementFailure(err):
		respondError(w, http.StatusUnprocessableEntity, settlementCode(err), err.Error())
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

// pagination reads limit and offset query parameters
func pagination(r *http.Request) (int, int) {
	limitStr := r.URL.Query().Get("limit")
	offsetStr := r.URL.Query().Get("offset")

	// default limit is set to 10
	limit := 10
	if limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	//default offset is set to 0
	offset := 0
	if offsetStr != "" {
		parsedOffset, err := strconv.Atoi(offsetStr)
		if err == nil && parsedOffset >= 0 {
			offset = parsedOffset
		}
	}
	return limit, offset
}

// handles transaction submission
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req models.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request payload")
		return
	}

	tx, created, err := h.engine.SubmitTransaction(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	// a replayed reference answers with the stored transaction
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	respondJSON(w, status, models.NewTransactionResponse(tx, nil))
}

// GetTransaction handles transaction retrieval
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	tx, auth, err := h.engine.Transaction(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, models.NewTransactionResponse(tx, auth))
}

func (h *Handler) SubmitAccountRequest(w http.ResponseWriter, r *http.Request) {
	var in models.AccountRequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request payload")
		return
	}

	req, err := h.engine.SubmitAccountRequest(r.Context(), in)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, req)
}

func (h *Handler) SubmitProfileUpdate(w http.ResponseWriter, r *http.Request) {
	var in models.ProfileUpdateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request payload")
		return
	}

	req, err := h.engine.SubmitProfileUpdate(r.Context(), in)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, req)
}

// Decide records an approver's verdict. A request that was approved but could
// not be carried out is answered with 422 and its FAILED state. When the
// terminal status could not be written the answer is 500 OUTCOME_NOT_RECORDED
// with the request as claimed and whether it was settled.
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request payload")
		return
	}

	view, err := h.engine.Decide(r.Context(), models.Decision{
		RequestID:  mux.Vars(r)["id"],
		ApproverID: req.ApproverID,
		Outcome:    req.Outcome,
		Reason:     req.Reason,
	})
	var unrecorded *service.OutcomeNotRecordedError
	switch {
	case err == nil:
	case errors.As(err, &unrecorded):
		h.logger.Error("outcome not recorded",
			zap.String("request_id", unrecorded.RequestID),
			zap.Bool("settled", unrecorded.Settled),
			zap.Error(err),
		)
		respondJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   err.Error(),
			Code:    "OUTCOME_NOT_RECORDED",
			Settled: &unrecorded.Settled,
			Request: view,
		})
		return
	case view != nil:
		respondJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:   err.Error(),
			Code:    settlementCode(err),
			Request: view,
		})
		return
	default:
		h.handleError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, view)
}

func (h *Handler) GetRequestStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.engine.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// ListPending lists pending requests for the approver named in approver_id.
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	views, err := h.engine.Pending(r.Context(), r.URL.Query().Get("approver_id"), limit, offset)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, views)
}

// handles account retrieval
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.accounts.GetAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.NewAccountResponse(account))
}

func (h *Handler) GetAccountByNumber(w http.ResponseWriter, r *http.Request) {
	account, err := h.accounts.GetAccountByNumber(r.Context(), mux.Vars(r)["number"])
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.NewAccountResponse(account))
}

func (h *Handler) SetAccountStatus(w http.ResponseWriter, r *http.Request) {
	var req models.AccountStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request payload")
		return
	}

	account, err := h.accounts.SetAccountStatus(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.NewAccountResponse(account))
}

// GetTransactions handles transaction list retrieval
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["accountId"]
	limit, offset := pagination(r)

	txs, err := h.accounts.ListTransactions(r.Context(), accountID, limit, offset)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	// Convert to response objects
	response := make([]models.TransactionResponse, 0, len(txs))
	for _, tx := range txs {
		response = append(response, models.NewTransactionResponse(tx, nil))
	}

	respondJSON(w, http.StatusOK, response)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetUser(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	notifications, err := h.users.ListNotifications(r.Context(), mux.Vars(r)["userId"], limit, offset)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if notifications == nil {
		notifications = []*models.Notification{}
	}
	respondJSON(w, http.StatusOK, notifications)
}

// ListUserRequests lists every request the user submitted, newest first.
func (h *Handler) ListUserRequests(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	views, err := h.engine.History(r.Context(), mux.Vars(r)["userId"], limit, offset)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, views)
}

func (h *Handler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	records, err := h.engine.Decisions(r.Context(), mux.Vars(r)["userId"], limit, offset)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// handles health check
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sets up the API routes
func SetupRoutes(r *mux.Router, h *Handler) {
	r.Use(metrics.InstrumentHandler)

	// Health check (check if API is working)
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	// Transaction routes
	r.HandleFunc("/transactions", h.SubmitTransaction).Methods("POST")
	r.HandleFunc("/transactions/{id}", h.GetTransaction).Methods("GET")

	// Request routes; pending must be registered before {id}
	r.HandleFunc("/account-requests", h.SubmitAccountRequest).Methods("POST")
	r.HandleFunc("/profile-requests", h.SubmitProfileUpdate).Methods("POST")
	r.HandleFunc("/requests/pending", h.ListPending).Methods("GET")
	r.HandleFunc("/requests/{id}", h.GetRequestStatus).Methods("GET")
	r.HandleFunc("/requests/{id}/decision", h.Decide).Methods("POST")

	// Account routes
	r.HandleFunc("/accounts/number/{number}", h.GetAccountByNumber).Methods("GET")
	r.HandleFunc("/accounts/{id}", h.GetAccount).Methods("GET")
	r.HandleFunc("/accounts/{id}/status", h.SetAccountStatus).Methods("PUT")
	r.HandleFunc("/accounts/{accountId}/transactions", h.GetTransactions).Methods("GET")

	// User routes
	r.HandleFunc("/users/{userId}", h.GetUser).Methods("GET")
	r.HandleFunc("/users/{userId}/notifications", h.ListNotifications).Methods("GET")
	r.HandleFunc("/users/{userId}/requests", h.ListUserRequests).Methods("GET")
	r.HandleFunc("/users/{userId}/decisions", h.ListDecisions).Methods("GET")
}
